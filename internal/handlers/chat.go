package handlers

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatbase-ui/internal/chat"
	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type dialog struct {
	id      string
	title   string
	context models.SessionContext

	session     *chat.Session
	unsubscribe func()
}

type dialogPageData struct {
	ID         string
	Title      string
	ChatBaseID int64
	SessionID  string
	Messages   []message
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

// SSE event types for dialog updates.
var (
	messageSSEType      = sse.Type("message")
	removeSSEType       = sse.Type("remove")
	clearSSEType        = sse.Type("clear")
	authRequiredSSEType = sse.Type("authRequired")
)

// HandleOpenDialog opens a chat dialog with a chatbase and renders it.
//
// The handler expects a "chat_base_id" form field, and accepts optional "title", "session_id", "app_id",
// and "language" fields. When a session id is given, the first page of that session's history is loaded
// into the dialog. Otherwise, when an app id is given, the chatbase's welcome message is loaded, and the
// session it starts, if any, is used for the rest of the dialog.
//
// If the hub rejects the stored token, the token is cleared and the handler responds with 401.
func (m Main) HandleOpenDialog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	chatBaseID, err := strconv.ParseInt(r.FormValue("chat_base_id"), 10, 64)
	if err != nil || chatBaseID <= 0 {
		m.logger.Error("Invalid chat base id", slog.String("chatBaseID", r.FormValue("chat_base_id")))
		http.Error(w, "Chat base id is required", http.StatusBadRequest)
		return
	}

	d := &dialog{
		id:    uuid.New().String(),
		title: r.FormValue("title"),
		context: models.SessionContext{
			ChatBaseID: chatBaseID,
			SessionID:  r.FormValue("session_id"),
		},
		session: chat.NewSession(m.hub, m.logger),
	}
	if d.title == "" {
		d.title = fmt.Sprintf("Chatbase %d", chatBaseID)
	}

	if err := m.loadDialog(r.Context(), d, r.FormValue("app_id"), r.FormValue("language")); err != nil {
		d.session.Close()
		if errors.Is(err, chat.ErrAuthRequired) {
			m.expireToken(r.Context())
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		m.logger.Error("Failed to open dialog",
			slog.Int64("chatBaseID", chatBaseID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	// Subscribing after the initial load keeps history out of the event stream, it is rendered below.
	d.unsubscribe = d.session.Transcript().Subscribe(func(ev models.TranscriptEvent) {
		m.publishTranscriptEvent(d.id, ev)
	})
	m.dialogs.add(d)

	data, err := m.dialogPageData(d)
	if err != nil {
		m.logger.Error("Failed to render dialog", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "dialog", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSendMessage sends the "message" form field to the dialog named by the {id} path value. The
// exchange runs in the background: the user message and the streaming reply are published to the
// dialog's SSE topic, so the handler only acknowledges the request with 202.
func (m Main) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	d, ok := m.dialogs.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "Dialog not found", http.StatusNotFound)
		return
	}

	done, err := d.session.Start(context.Background(), d.context, msg)
	switch {
	case errors.Is(err, chat.ErrSendInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, chat.ErrClosed):
		http.Error(w, "Dialog not found", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	go m.awaitReply(d, done)

	w.WriteHeader(http.StatusAccepted)
}

// HandleCloseDialog closes the dialog named by the {id} path value. Closing an unknown dialog is not an
// error, so the browser can close dialogs the server already dropped.
func (m Main) HandleCloseDialog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if d, ok := m.dialogs.remove(r.PathValue("id")); ok {
		m.closeDialog(d)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m Main) loadDialog(ctx context.Context, d *dialog, appID, language string) error {
	if d.context.SessionID != "" {
		return d.session.LoadHistory(ctx, d.context, 0, historyPageSize)
	}
	if appID == "" {
		return nil
	}

	welcome, err := d.session.LoadWelcome(ctx, appID, language)
	if err != nil {
		return err
	}
	if welcome.SessionID != "" {
		d.context.SessionID = welcome.SessionID
	}
	return nil
}

func (m Main) awaitReply(d *dialog, done <-chan error) {
	err := <-done
	switch {
	case errors.Is(err, chat.ErrAuthRequired):
		m.logger.Warn("Hub rejected the token, closing dialog", slog.String("dialogID", d.id))

		msg := sse.Message{Type: authRequiredSSEType}
		msg.AppendData("Your session has expired, please log in again.")
		if err := m.sseSrv.Publish(&msg, dialogTopic(d.id)); err != nil {
			m.logger.Error("Failed to publish auth required", slog.String(errLoggerKey, err.Error()))
		}

		m.expireToken(context.Background())
		if open, ok := m.dialogs.remove(d.id); ok {
			m.closeDialog(open)
		}
		return
	case errors.Is(err, chat.ErrClosed):
		return
	case err != nil:
		m.logger.Error("Failed to send message",
			slog.String("dialogID", d.id),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	m.archiveDialog(d)
}

func (m Main) closeDialog(d *dialog) {
	m.archiveDialog(d)
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.session.Close()

	msg := sse.Message{Type: clearSSEType}
	msg.AppendData(d.id)
	_ = m.sseSrv.Publish(&msg, dialogTopic(d.id))
}

// archiveDialog saves the dialog's frozen messages, so the console can list it later.
func (m Main) archiveDialog(d *dialog) {
	messages := d.session.Transcript().Messages()
	if len(messages) == 0 {
		return
	}

	conv := models.Conversation{
		ID:       d.id,
		Context:  d.context,
		Title:    d.title,
		Messages: messages,
		Updated:  time.Now(),
	}
	if err := m.archive.SaveConversation(context.Background(), conv); err != nil {
		m.logger.Error("Failed to archive conversation",
			slog.String("dialogID", d.id),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) publishTranscriptEvent(dialogID string, ev models.TranscriptEvent) {
	var msg sse.Message

	switch ev.Type {
	case models.TranscriptAppended, models.TranscriptUpdated, models.TranscriptFrozen:
		html, err := m.renderMessage(ev.Message)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", ev.Message.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		msg.Type = messageSSEType
		msg.AppendData(html)
	case models.TranscriptRemoved:
		msg.Type = removeSSEType
		msg.AppendData(ev.Message.ID)
	case models.TranscriptCleared:
		msg.Type = clearSSEType
		msg.AppendData(dialogID)
	default:
		return
	}

	if err := m.sseSrv.Publish(&msg, dialogTopic(dialogID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("dialogID", dialogID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) renderMessage(msg models.Message) (string, error) {
	view, err := m.messageView(msg)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "message", view); err != nil {
		return "", fmt.Errorf("failed to execute message template: %w", err)
	}
	return sb.String(), nil
}

func (m Main) messageView(msg models.Message) (message, error) {
	content, err := m.renderMarkdown(msg.Text)
	if err != nil {
		return message{}, err
	}

	state := "ended"
	if !msg.Frozen {
		state = "streaming"
		if msg.Text == "" {
			state = "loading"
		}
	}

	return message{
		ID:             msg.ID,
		Role:           string(msg.Role),
		Content:        content,
		Timestamp:      msg.Timestamp,
		StreamingState: state,
	}, nil
}

func (m Main) dialogPageData(d *dialog) (dialogPageData, error) {
	messages := d.session.Transcript().Messages()
	views := make([]message, len(messages))
	for i, msg := range messages {
		v, err := m.messageView(msg)
		if err != nil {
			return dialogPageData{}, err
		}
		views[i] = v
	}

	return dialogPageData{
		ID:         d.id,
		Title:      d.title,
		ChatBaseID: d.context.ChatBaseID,
		SessionID:  d.context.SessionID,
		Messages:   views,
	}, nil
}
