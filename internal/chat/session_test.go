package chat_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/chatbase-ui/internal/chat"
	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	"github.com/MegaGrindStone/chatbase-ui/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockHub struct {
	chunks []string
	err    error

	// gate, when set, must deliver a value before each chunk after the first.
	gate chan struct{}

	mu       sync.Mutex
	calls    int
	pulled   int
	messages []string

	history    models.Page[models.ChatHistory]
	historyErr error
	welcome    services.Welcome
	welcomeErr error
}

func (m *mockHub) StreamChat(ctx context.Context, _ models.SessionContext, message string) iter.Seq2[string, error] {
	m.mu.Lock()
	m.calls++
	m.messages = append(m.messages, message)
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		for i, c := range m.chunks {
			if m.gate != nil && i > 0 {
				select {
				case <-m.gate:
				case <-ctx.Done():
					return
				}
			}
			m.mu.Lock()
			m.pulled++
			m.mu.Unlock()
			if !yield(c, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

func (m *mockHub) FetchChatHistory(
	_ context.Context,
	_ models.SessionContext,
	_, _ int,
) (models.Page[models.ChatHistory], error) {
	return m.history, m.historyErr
}

func (m *mockHub) FetchWelcomeMessage(_ context.Context, _, _ string) (services.Welcome, error) {
	return m.welcome, m.welcomeErr
}

func (m *mockHub) stats() (calls, pulled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, m.pulled
}

func newSession(hub chat.Hub) *chat.Session {
	return chat.NewSession(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type transcriptEntry struct {
	Role   models.Role
	Text   string
	Frozen bool
}

func entries(s *chat.Session) []transcriptEntry {
	msgs := s.Transcript().Messages()
	out := make([]transcriptEntry, len(msgs))
	for i, m := range msgs {
		out[i] = transcriptEntry{Role: m.Role, Text: m.Text, Frozen: m.Frozen}
	}
	return out
}

var sc = models.SessionContext{ChatBaseID: 1}

func TestSendMessageEndToEnd(t *testing.T) {
	hub := &mockHub{chunks: []string{
		"data: {\"chunk\":\"Hel\"}\n",
		"data: {\"chunk\":\"lo!\"}\n",
		"data: [DONE]\n",
	}}
	s := newSession(hub)

	require.NoError(t, s.SendMessage(context.Background(), sc, "Hi"))

	assert.Equal(t, []transcriptEntry{
		{Role: models.RoleUser, Text: "Hi", Frozen: true},
		{Role: models.RoleAssistant, Text: "Hello!", Frozen: true},
	}, entries(s))
	assert.Equal(t, chat.StateDone, s.State())
	assert.False(t, s.Sending())
}

func TestSendMessageIgnoresBlankText(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		hub := &mockHub{}
		s := newSession(hub)

		require.NoError(t, s.SendMessage(context.Background(), sc, text))

		calls, _ := hub.stats()
		assert.Zero(t, calls)
		assert.Zero(t, s.Transcript().Len())
		assert.Equal(t, chat.StateIdle, s.State())
	}
}

func TestSendMessageAppendsBeforeRequest(t *testing.T) {
	hub := &mockHub{chunks: []string{"data: [DONE]\n"}}
	s := newSession(hub)

	var events []models.TranscriptEvent
	s.Transcript().Subscribe(func(ev models.TranscriptEvent) {
		events = append(events, ev)
	})

	require.NoError(t, s.SendMessage(context.Background(), sc, "Hi"))

	require.Len(t, events, 3)
	assert.Equal(t, models.TranscriptAppended, events[0].Type)
	assert.Equal(t, models.RoleUser, events[0].Message.Role)
	assert.True(t, events[0].Message.Frozen)

	assert.Equal(t, models.TranscriptAppended, events[1].Type)
	assert.Equal(t, models.RoleAssistant, events[1].Message.Role)
	assert.Empty(t, events[1].Message.Text)
	assert.False(t, events[1].Message.Frozen)

	assert.Equal(t, models.TranscriptFrozen, events[2].Type)
	assert.Empty(t, events[2].Message.Text)
}

func TestSendMessageRedrawsFullText(t *testing.T) {
	hub := &mockHub{chunks: []string{
		"data: {\"chunk\":\"He\"}\n",
		"data: {\"chunk\":\"llo\"}\n",
	}}
	s := newSession(hub)

	var updates []string
	s.Transcript().Subscribe(func(ev models.TranscriptEvent) {
		if ev.Type == models.TranscriptUpdated {
			updates = append(updates, ev.Message.Text)
		}
	})

	require.NoError(t, s.SendMessage(context.Background(), sc, "Hi"))

	assert.Equal(t, []string{"He", "Hello"}, updates)
	assert.Equal(t, "Hello", entries(s)[1].Text)
	assert.True(t, entries(s)[1].Frozen, "end of stream without sentinel completes normally")
	assert.Equal(t, chat.StateDone, s.State())
}

func TestSendMessageStopsReadingAtSentinel(t *testing.T) {
	hub := &mockHub{chunks: []string{
		"data: {\"chunk\":\"ok\"}\ndata: [DONE]\ndata: {\"chunk\":\"late\"}\n",
		"data: {\"chunk\":\"never\"}\n",
	}}
	s := newSession(hub)

	require.NoError(t, s.SendMessage(context.Background(), sc, "Hi"))

	_, pulled := hub.stats()
	assert.Equal(t, 1, pulled)
	assert.Equal(t, "ok", entries(s)[1].Text)
}

func TestSendMessageSkipsMalformedFragment(t *testing.T) {
	hub := &mockHub{chunks: []string{
		"data: {bad json}\n",
		"data: {\"chunk\":\"ok\"}\n",
		"data: [DONE]\n",
	}}
	s := newSession(hub)

	require.NoError(t, s.SendMessage(context.Background(), sc, "Hi"))

	assert.Equal(t, transcriptEntry{Role: models.RoleAssistant, Text: "ok", Frozen: true}, entries(s)[1])
	assert.Equal(t, chat.StateDone, s.State())
}

func TestSendMessageFailures(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		err    error
	}{
		{
			name: "transport error",
			err:  errors.New("connection reset"),
		},
		{
			name: "error status",
			err:  &services.APIError{Status: 500, Message: "boom"},
		},
		{
			name:   "error after partial reply",
			chunks: []string{"data: {\"chunk\":\"Hal\"}\n"},
			err:    errors.New("unexpected EOF"),
		},
		{
			name:   "nothing but malformed payloads",
			chunks: []string{"data:Permission denied\n\n"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := &mockHub{chunks: tt.chunks, err: tt.err}
			s := newSession(hub)

			require.NoError(t, s.SendMessage(context.Background(), sc, "Hi"))

			assert.Equal(t, []transcriptEntry{
				{Role: models.RoleUser, Text: "Hi", Frozen: true},
				{Role: models.RoleAssistant, Text: models.ErrorReplyText, Frozen: true},
			}, entries(s))
			assert.Equal(t, chat.StateError, s.State())
			assert.False(t, s.Sending())
		})
	}
}

func TestSendMessageUnauthorized(t *testing.T) {
	hub := &mockHub{err: services.ErrUnauthorized}
	s := newSession(hub)

	err := s.SendMessage(context.Background(), sc, "Hi")
	assert.ErrorIs(t, err, chat.ErrAuthRequired)

	assert.Equal(t, []transcriptEntry{
		{Role: models.RoleUser, Text: "Hi", Frozen: true},
	}, entries(s))
	assert.Equal(t, chat.StateError, s.State())
}

func TestSendMessageNewCycleAfterTerminal(t *testing.T) {
	hub := &mockHub{err: errors.New("down")}
	s := newSession(hub)

	require.NoError(t, s.SendMessage(context.Background(), sc, "first"))
	assert.Equal(t, chat.StateError, s.State())

	hub.err = nil
	hub.chunks = []string{"data: {\"chunk\":\"back\"}\n", "data: [DONE]\n"}
	require.NoError(t, s.SendMessage(context.Background(), sc, "second"))

	assert.Equal(t, []transcriptEntry{
		{Role: models.RoleUser, Text: "first", Frozen: true},
		{Role: models.RoleAssistant, Text: models.ErrorReplyText, Frozen: true},
		{Role: models.RoleUser, Text: "second", Frozen: true},
		{Role: models.RoleAssistant, Text: "back", Frozen: true},
	}, entries(s))
	assert.Equal(t, chat.StateDone, s.State())
}

func TestSendMessageRejectsOverlappingSend(t *testing.T) {
	hub := &mockHub{
		chunks: []string{"data: {\"chunk\":\"a\"}\n", "data: [DONE]\n"},
		gate:   make(chan struct{}),
	}
	s := newSession(hub)

	updated := make(chan struct{}, 1)
	s.Transcript().Subscribe(func(ev models.TranscriptEvent) {
		if ev.Type == models.TranscriptUpdated {
			updated <- struct{}{}
		}
	})

	errs := make(chan error, 1)
	go func() {
		errs <- s.SendMessage(context.Background(), sc, "first")
	}()

	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("reply did not start streaming")
	}
	assert.True(t, s.Sending())
	assert.ErrorIs(t, s.SendMessage(context.Background(), sc, "second"), chat.ErrSendInProgress)

	hub.gate <- struct{}{}
	require.NoError(t, <-errs)

	assert.Len(t, entries(s), 2)
	calls, _ := hub.stats()
	assert.Equal(t, 1, calls)
}

func TestCloseStopsTranscriptMutation(t *testing.T) {
	hub := &mockHub{
		chunks: []string{"data: {\"chunk\":\"He\"}\n", "data: {\"chunk\":\"llo\"}\n", "data: [DONE]\n"},
		gate:   make(chan struct{}),
	}
	s := newSession(hub)

	var mu sync.Mutex
	var afterClose []models.TranscriptEventType
	closed := false
	updated := make(chan struct{}, 1)
	s.Transcript().Subscribe(func(ev models.TranscriptEvent) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			afterClose = append(afterClose, ev.Type)
		}
		if ev.Type == models.TranscriptUpdated {
			select {
			case updated <- struct{}{}:
			default:
			}
		}
	})

	errs := make(chan error, 1)
	go func() {
		errs <- s.SendMessage(context.Background(), sc, "Hi")
	}()

	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("reply did not start streaming")
	}

	mu.Lock()
	closed = true
	mu.Unlock()
	s.Close()

	require.NoError(t, <-errs)
	assert.Zero(t, s.Transcript().Len())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.TranscriptEventType{models.TranscriptCleared}, afterClose)

	assert.ErrorIs(t, s.SendMessage(context.Background(), sc, "again"), chat.ErrClosed)
	assert.Equal(t, chat.StateError, s.State())
}

func TestCloseFromObserver(t *testing.T) {
	tests := []struct {
		name    string
		closeOn func(ev models.TranscriptEvent) bool
	}{
		{
			name: "Close after user message",
			closeOn: func(ev models.TranscriptEvent) bool {
				return ev.Type == models.TranscriptAppended && ev.Message.Role == models.RoleUser
			},
		},
		{
			name: "Close after reply placeholder",
			closeOn: func(ev models.TranscriptEvent) bool {
				return ev.Type == models.TranscriptAppended && ev.Message.Role == models.RoleAssistant
			},
		},
		{
			name: "Close on first update",
			closeOn: func(ev models.TranscriptEvent) bool {
				return ev.Type == models.TranscriptUpdated
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := &mockHub{chunks: []string{"data: {\"chunk\":\"He\"}\n", "data: {\"chunk\":\"llo\"}\n", "data: [DONE]\n"}}
			s := newSession(hub)

			var events []models.TranscriptEventType
			s.Transcript().Subscribe(func(ev models.TranscriptEvent) {
				events = append(events, ev.Type)
				if tt.closeOn(ev) {
					s.Close()
				}
			})

			require.NoError(t, s.SendMessage(context.Background(), sc, "Hi"))

			assert.Zero(t, s.Transcript().Len())
			assert.Equal(t, models.TranscriptCleared, events[len(events)-1])
			assert.Equal(t, chat.StateError, s.State())
			assert.False(t, s.Sending())
		})
	}
}

func TestStart(t *testing.T) {
	hub := &mockHub{
		chunks: []string{"data: {\"chunk\":\"a\"}\n", "data: [DONE]\n"},
		gate:   make(chan struct{}),
	}
	s := newSession(hub)

	done, err := s.Start(context.Background(), sc, "first")
	require.NoError(t, err)
	assert.True(t, s.Sending())

	_, err = s.Start(context.Background(), sc, "second")
	assert.ErrorIs(t, err, chat.ErrSendInProgress)

	hub.gate <- struct{}{}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("exchange did not finish")
	}
	assert.Equal(t, chat.StateDone, s.State())
	assert.Equal(t, []transcriptEntry{
		{Role: models.RoleUser, Text: "first", Frozen: true},
		{Role: models.RoleAssistant, Text: "a", Frozen: true},
	}, entries(s))

	s.Close()
	_, err = s.Start(context.Background(), sc, "third")
	assert.ErrorIs(t, err, chat.ErrClosed)
}

func TestSendMessageContextCancelled(t *testing.T) {
	hub := &mockHub{
		chunks: []string{"data: {\"chunk\":\"He\"}\n", "data: [DONE]\n"},
		gate:   make(chan struct{}),
	}
	s := newSession(hub)

	ctx, cancel := context.WithCancel(context.Background())
	s.Transcript().Subscribe(func(ev models.TranscriptEvent) {
		if ev.Type == models.TranscriptUpdated {
			cancel()
		}
	})

	err := s.SendMessage(ctx, sc, "Hi")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, transcriptEntry{Role: models.RoleAssistant, Text: models.ErrorReplyText, Frozen: true}, entries(s)[1])
	assert.Equal(t, chat.StateError, s.State())
}

func TestLoadHistory(t *testing.T) {
	hub := &mockHub{history: models.Page[models.ChatHistory]{
		Content: []models.ChatHistory{
			{UserMessage: "Hi", AIResponse: "Hello"},
			{UserMessage: "How are you?", AIResponse: "Fine"},
		},
	}}
	s := newSession(hub)

	require.NoError(t, s.LoadHistory(context.Background(), models.SessionContext{ChatBaseID: 1, SessionID: "s"}, 0, 20))

	assert.Equal(t, []transcriptEntry{
		{Role: models.RoleUser, Text: "Hi", Frozen: true},
		{Role: models.RoleAssistant, Text: "Hello", Frozen: true},
		{Role: models.RoleUser, Text: "How are you?", Frozen: true},
		{Role: models.RoleAssistant, Text: "Fine", Frozen: true},
	}, entries(s))

	hub.historyErr = services.ErrUnauthorized
	assert.ErrorIs(t, s.LoadHistory(context.Background(), sc, 0, 20), chat.ErrAuthRequired)
}

func TestLoadWelcome(t *testing.T) {
	hub := &mockHub{welcome: services.Welcome{Text: "Welcome!", SessionID: "s-1"}}
	s := newSession(hub)

	w, err := s.LoadWelcome(context.Background(), "app", "en")
	require.NoError(t, err)
	assert.Equal(t, "s-1", w.SessionID)
	assert.Equal(t, []transcriptEntry{
		{Role: models.RoleAssistant, Text: "Welcome!", Frozen: true},
	}, entries(s))

	empty := newSession(&mockHub{})
	_, err = empty.LoadWelcome(context.Background(), "app", "en")
	require.NoError(t, err)
	assert.Zero(t, empty.Transcript().Len())
}
