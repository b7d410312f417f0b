package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	"github.com/MegaGrindStone/chatbase-ui/internal/services"
	"github.com/MegaGrindStone/chatbase-ui/internal/stream"
	"github.com/google/uuid"
)

// Hub is the part of the hub API a chat session needs. services.Client implements it.
type Hub interface {
	StreamChat(ctx context.Context, sc models.SessionContext, message string) iter.Seq2[string, error]
	FetchChatHistory(ctx context.Context, sc models.SessionContext, page, pageSize int) (models.Page[models.ChatHistory], error)
	FetchWelcomeMessage(ctx context.Context, appID, language string) (services.Welcome, error)
}

// Session owns the transcript of one chat dialog and drives the exchanges in it. Only one message is
// sent at a time; the reply streams into the transcript, which observers subscribe to for rendering.
type Session struct {
	hub        Hub
	transcript *models.Transcript

	mu      sync.Mutex
	state   State
	sending bool
	closed  bool
	cancel  context.CancelFunc

	logger *slog.Logger
}

// State is the state of the latest exchange of a Session.
type State string

const (
	// StateIdle means no message was sent yet.
	StateIdle State = "idle"
	// StateStreaming means a reply is being received.
	StateStreaming State = "streaming"
	// StateDone means the latest reply completed.
	StateDone State = "done"
	// StateError means the latest reply failed.
	StateError State = "error"
)

var (
	// ErrAuthRequired is returned when the hub rejected the session's credentials. The hosting dialog
	// should close and ask the user to log in again.
	ErrAuthRequired = errors.New("authentication required")
	// ErrSendInProgress is returned by SendMessage while a previous reply is still streaming.
	ErrSendInProgress = errors.New("a message is already being sent")
	// ErrClosed is returned when using a closed session.
	ErrClosed = errors.New("session is closed")
)

// NewSession creates a Session talking to hub, with an empty transcript.
func NewSession(hub Hub, logger *slog.Logger) *Session {
	return &Session{
		hub:        hub,
		transcript: models.NewTranscript(),
		state:      StateIdle,
		logger:     logger.With(slog.String("module", "chat")),
	}
}

// Transcript returns the session's transcript.
func (s *Session) Transcript() *models.Transcript {
	return s.transcript
}

// State returns the state of the latest exchange.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Sending reports whether a reply is currently streaming.
func (s *Session) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// SendMessage sends text to the conversation identified by sc and streams the reply into the transcript.
// It returns once the reply completed, failed, or the session was closed.
//
// Text that is empty after trimming is ignored. Otherwise a frozen user message and an empty assistant
// message are appended before the request is made. The assistant message always holds the full reply
// decoded so far and is frozen when the stream ends. If the reply can't be obtained, its text becomes
// models.ErrorReplyText.
//
// If the hub rejects the credentials, the assistant message is removed and ErrAuthRequired is returned.
// If ctx is cancelled, the reply is frozen as failed and the context error is returned.
func (s *Session) SendMessage(ctx context.Context, sc models.SessionContext, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.claim(cancel); err != nil {
		cancel()
		return err
	}
	return s.exchange(ctx, cancel, sc, text)
}

// Start is SendMessage for callers that answer before the reply arrives. The session is claimed before
// Start returns, so ErrSendInProgress and ErrClosed are reported synchronously; the exchange then runs in
// the background and its result is delivered on the returned channel.
func (s *Session) Start(ctx context.Context, sc models.SessionContext, text string) (<-chan error, error) {
	res := make(chan error, 1)
	if strings.TrimSpace(text) == "" {
		res <- nil
		return res, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.claim(cancel); err != nil {
		cancel()
		return nil, err
	}

	go func() {
		res <- s.exchange(ctx, cancel, sc, text)
	}()
	return res, nil
}

func (s *Session) claim(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return ErrClosed
	case s.sending:
		return ErrSendInProgress
	}
	s.sending = true
	s.state = StateStreaming
	s.cancel = cancel
	return nil
}

func (s *Session) exchange(ctx context.Context, cancel context.CancelFunc, sc models.SessionContext, text string) error {
	defer cancel()
	defer func() {
		s.mu.Lock()
		s.sending = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	// The transcript rejects changes once closed, so a Close racing any step below ends the exchange.
	if err := s.transcript.Append(s.newMessage(models.RoleUser, text, true)); err != nil {
		return s.abort(fmt.Errorf("failed to append user message: %w", err))
	}
	reply := s.newMessage(models.RoleAssistant, "", false)
	if err := s.transcript.Append(reply); err != nil {
		return s.abort(fmt.Errorf("failed to append reply: %w", err))
	}

	var dec stream.Decoder
	var streamErr error
	for chunk, err := range s.hub.StreamChat(ctx, sc, text) {
		if !s.alive() {
			s.finish(StateError)
			return nil
		}
		if err != nil {
			streamErr = err
			break
		}

		before := dec.Text()
		done := dec.Feed(chunk)
		if dec.Text() != before {
			if err := s.transcript.SetText(reply.ID, dec.Text()); err != nil {
				if errors.Is(err, models.ErrTranscriptClosed) {
					s.finish(StateError)
					return nil
				}
				s.logger.Warn("Failed to update reply", slog.String(errLoggerKey, err.Error()))
			}
		}
		if done {
			break
		}
	}

	if !s.alive() {
		s.finish(StateError)
		return nil
	}

	switch {
	case errors.Is(streamErr, services.ErrUnauthorized):
		if err := s.transcript.Remove(reply.ID); err != nil {
			s.logger.Warn("Failed to remove reply", slog.String(errLoggerKey, err.Error()))
		}
		s.finish(StateError)
		return ErrAuthRequired
	case ctx.Err() != nil:
		s.fail(reply.ID)
		return ctx.Err()
	case streamErr != nil:
		s.logger.Error("Failed to get reply",
			slog.Int64("chatBaseID", sc.ChatBaseID),
			slog.String(errLoggerKey, streamErr.Error()))
		s.fail(reply.ID)
		return nil
	}

	dec.Finish()
	if dec.Skipped() > 0 {
		s.logger.Warn("Skipped malformed fragments",
			slog.Int64("chatBaseID", sc.ChatBaseID),
			slog.Int("count", dec.Skipped()))
		if dec.Text() == "" {
			// Nothing but malformed payloads: the hub answered with something other than a reply.
			s.fail(reply.ID)
			return nil
		}
	}

	if err := s.transcript.Freeze(reply.ID, dec.Text()); err != nil {
		if errors.Is(err, models.ErrTranscriptClosed) {
			s.finish(StateError)
			return nil
		}
		s.logger.Warn("Failed to freeze reply", slog.String(errLoggerKey, err.Error()))
	}
	s.finish(StateDone)
	return nil
}

// LoadHistory fetches a page of stored exchanges for sc and appends each one as a frozen user message
// followed by a frozen assistant message.
func (s *Session) LoadHistory(ctx context.Context, sc models.SessionContext, page, pageSize int) error {
	if !s.alive() {
		return ErrClosed
	}

	res, err := s.hub.FetchChatHistory(ctx, sc, page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrUnauthorized) {
			return ErrAuthRequired
		}
		return err
	}

	for _, h := range res.Content {
		if err := s.transcript.Append(s.newMessage(models.RoleUser, h.UserMessage, true)); err != nil {
			return closedOr(fmt.Errorf("failed to append history: %w", err))
		}
		if err := s.transcript.Append(s.newMessage(models.RoleAssistant, h.AIResponse, true)); err != nil {
			return closedOr(fmt.Errorf("failed to append history: %w", err))
		}
	}
	return nil
}

// LoadWelcome fetches the chatbase's welcome message and appends it as a frozen assistant message.
// An empty welcome message appends nothing.
func (s *Session) LoadWelcome(ctx context.Context, appID, language string) (services.Welcome, error) {
	if !s.alive() {
		return services.Welcome{}, ErrClosed
	}

	w, err := s.hub.FetchWelcomeMessage(ctx, appID, language)
	if err != nil {
		if errors.Is(err, services.ErrUnauthorized) {
			return services.Welcome{}, ErrAuthRequired
		}
		return services.Welcome{}, err
	}

	if w.Text != "" {
		if err := s.transcript.Append(s.newMessage(models.RoleAssistant, w.Text, true)); err != nil {
			return services.Welcome{}, closedOr(fmt.Errorf("failed to append welcome message: %w", err))
		}
	}
	return w, nil
}

// Close ends the session. A reply still streaming stops changing the transcript, and the transcript is
// cleared. Close is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.transcript.Close()
}

func (s *Session) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// abort ends an exchange whose transcript could not be changed. A session closed meanwhile is not an
// error for the sender.
func (s *Session) abort(err error) error {
	s.finish(StateError)
	if errors.Is(err, models.ErrTranscriptClosed) {
		return nil
	}
	return err
}

func (s *Session) fail(replyID string) {
	if err := s.transcript.Freeze(replyID, models.ErrorReplyText); err != nil && !errors.Is(err, models.ErrTranscriptClosed) {
		s.logger.Warn("Failed to freeze reply", slog.String(errLoggerKey, err.Error()))
	}
	s.finish(StateError)
}

func closedOr(err error) error {
	if errors.Is(err, models.ErrTranscriptClosed) {
		return ErrClosed
	}
	return err
}

func (s *Session) finish(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) newMessage(role models.Role, text string, frozen bool) models.Message {
	return models.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
		Frozen:    frozen,
	}
}

const errLoggerKey = "err"
