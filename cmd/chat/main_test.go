package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MegaGrindStone/chatbase-ui/internal/chat"
	"github.com/MegaGrindStone/chatbase-ui/internal/devserver"
	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	"github.com/MegaGrindStone/chatbase-ui/internal/services"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestPrinterStreamsDeltas(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	reply := models.Message{ID: "a1", Role: models.RoleAssistant}
	p.handle(models.TranscriptEvent{Type: models.TranscriptAppended, Message: models.Message{ID: "u1", Role: models.RoleUser, Text: "Hi", Frozen: true}})
	p.handle(models.TranscriptEvent{Type: models.TranscriptAppended, Message: reply})

	for _, text := range []string{"Hel", "Hello", "Hello!"} {
		reply.Text = text
		p.handle(models.TranscriptEvent{Type: models.TranscriptUpdated, Message: reply})
	}
	reply.Frozen = true
	p.handle(models.TranscriptEvent{Type: models.TranscriptFrozen, Message: reply})

	assert.Equal(t, "bot: Hello!\n", out.String())
}

func TestPrinterErrorReply(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	reply := models.Message{ID: "a1", Role: models.RoleAssistant}
	p.handle(models.TranscriptEvent{Type: models.TranscriptAppended, Message: reply})
	reply.Text = "Partial"
	p.handle(models.TranscriptEvent{Type: models.TranscriptUpdated, Message: reply})
	reply.Text, reply.Frozen = models.ErrorReplyText, true
	p.handle(models.TranscriptEvent{Type: models.TranscriptFrozen, Message: reply})

	assert.Equal(t, "bot: Partial\n"+models.ErrorReplyText+"\n", out.String())
}

func TestPrinterReplay(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)

	err := p.replay(func() error {
		p.handle(models.TranscriptEvent{Type: models.TranscriptAppended, Message: models.Message{Role: models.RoleUser, Text: "Earlier", Frozen: true}})
		p.handle(models.TranscriptEvent{Type: models.TranscriptAppended, Message: models.Message{Role: models.RoleAssistant, Text: "Reply", Frozen: true}})
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "you: Earlier\nbot: Reply\n", out.String())
}

func TestRun(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hs := httptest.NewServer(devserver.New(devserver.Options{
		Users:     map[string]string{"admin": "secret"},
		Secret:    []byte("test-secret"),
		ChatBases: []models.ChatBase{{ID: 1, Name: "Support", AppID: "app-1", Greeting: "Welcome!"}},
	}, logger).Handler())
	defer hs.Close()

	token, err := services.NewClient(hs.URL, nil, logger).
		Login(context.Background(), services.Credentials{Username: "admin", Password: "secret"})
	require.NoError(t, err)

	sess := chat.NewSession(services.NewClient(hs.URL, services.StaticToken(token), logger), logger)
	var out bytes.Buffer
	p := newPrinter(&out)
	defer sess.Transcript().Subscribe(p.handle)()

	sc := models.SessionContext{ChatBaseID: 1}
	err = run(context.Background(), sess, p, &sc, "app-1", "en", strings.NewReader("Hello\n\n/quit\nignored\n"))
	require.NoError(t, err)

	assert.Equal(t, "bot: Welcome!\nbot: You said: Hello\n", out.String())
	assert.NotEmpty(t, sc.SessionID, "the welcome message starts a session")
	assert.Len(t, sess.Transcript().Messages(), 3)
}

func TestRunHistoryReplacesTranscript(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hs := httptest.NewServer(devserver.New(devserver.Options{
		Users:     map[string]string{"admin": "secret"},
		Secret:    []byte("test-secret"),
		ChatBases: []models.ChatBase{{ID: 1, Name: "Support", AppID: "app-1", Greeting: "Welcome!"}},
	}, logger).Handler())
	defer hs.Close()

	token, err := services.NewClient(hs.URL, nil, logger).
		Login(context.Background(), services.Credentials{Username: "admin", Password: "secret"})
	require.NoError(t, err)

	sess := chat.NewSession(services.NewClient(hs.URL, services.StaticToken(token), logger), logger)
	var out bytes.Buffer
	p := newPrinter(&out)
	defer sess.Transcript().Subscribe(p.handle)()

	sc := models.SessionContext{ChatBaseID: 1}
	err = run(context.Background(), sess, p, &sc, "app-1", "en", strings.NewReader("Hello\n/history\n/history\n/quit\n"))
	require.NoError(t, err)

	assert.Equal(t,
		"bot: Welcome!\nbot: You said: Hello\n"+
			"you: Hello\nbot: You said: Hello\n"+
			"you: Hello\nbot: You said: Hello\n",
		out.String())
	assert.Len(t, sess.Transcript().Messages(), 2, "history replaces the transcript instead of growing it")
}

func TestReadPasswordWithoutTerminal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "password")
	require.NoError(t, os.WriteFile(path, []byte("s3cret\n"), 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	password, err := readPassword(f)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", password)
}

func TestRunAuthRequired(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hs := httptest.NewServer(devserver.New(devserver.Options{
		Secret:    []byte("test-secret"),
		ChatBases: []models.ChatBase{{ID: 1, Name: "Support"}},
	}, logger).Handler())
	defer hs.Close()

	sess := chat.NewSession(services.NewClient(hs.URL, services.StaticToken("bogus"), logger), logger)
	sc := models.SessionContext{ChatBaseID: 1}

	err := run(context.Background(), sess, newPrinter(io.Discard), &sc, "", "", strings.NewReader("Hello\n"))
	assert.ErrorIs(t, err, chat.ErrAuthRequired)
}
