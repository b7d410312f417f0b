package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"sync"
	"time"

	chatbaseui "github.com/MegaGrindStone/chatbase-ui"
	"github.com/MegaGrindStone/chatbase-ui/internal/chat"
	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	"github.com/MegaGrindStone/chatbase-ui/internal/services"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Hub is the hub API the console uses: everything a chat session needs, plus login and the chatbase
// listing. services.Client implements it.
type Hub interface {
	chat.Hub
	Login(ctx context.Context, creds services.Credentials) (string, error)
	ChatBases(ctx context.Context, page, pageSize int) (models.Page[models.ChatBase], error)
}

// TokenStore keeps the bearer token of the logged in user.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
}

// Archive stores finalized conversations so they can be listed later.
type Archive interface {
	Conversations(ctx context.Context) ([]models.Conversation, error)
	SaveConversation(ctx context.Context, conv models.Conversation) error
}

// Main serves the chat console. It hosts one chat.Session per open dialog and pushes every transcript
// change to the browser over server-sent events, rendered as HTML.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template
	markdown  goldmark.Markdown

	hub     Hub
	tokens  TokenStore
	archive Archive

	dialogs *dialogs

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	chatBasesPageSize = 20
	historyPageSize   = 20
)

// NewMain creates a new Main instance. It initializes the SSE server, which subscribes each browser to
// the topic of the dialog it requests, and parses the HTML templates from the embedded filesystem.
func NewMain(hub Hub, tokens TokenStore, archive Archive, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		chatbaseui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	md := goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(highlighting.WithStyle("github")),
		),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				dialogID := s.Req.URL.Query().Get("dialog_id")
				if dialogID == "" {
					return sse.Subscription{}, false
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{dialogTopic(dialogID)},
				}, true
			},
		},
		templates: tmpl,
		markdown:  md,
		hub:       hub,
		tokens:    tokens,
		archive:   archive,
		dialogs:   newDialogs(),
		logger:    logger.With(slog.String("module", "main")),
	}, nil
}

func dialogTopic(dialogID string) string {
	return fmt.Sprintf("dialog-%s", dialogID)
}

// Shutdown closes every open dialog and gracefully terminates the SSE server. It broadcasts a close
// event to all connected clients and waits up to 5 seconds for connections to terminate. After the
// timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	for _, d := range m.dialogs.drain() {
		m.closeDialog(d)
	}

	e := &sse.Message{Type: sse.Type("closeChat")}
	// SSE events without data are not dispatched by browsers
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// renderMarkdown converts message text to HTML. goldmark leaves raw HTML out of its output, so the
// result is safe to embed.
func (m Main) renderMarkdown(text string) (template.HTML, error) {
	var buf bytes.Buffer
	if err := m.markdown.Convert([]byte(text), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	//nolint:gosec // goldmark omits raw HTML unless WithUnsafe is set.
	return template.HTML(buf.String()), nil
}

type dialogs struct {
	mu    sync.Mutex
	items map[string]*dialog
}

func newDialogs() *dialogs {
	return &dialogs{items: make(map[string]*dialog)}
}

func (ds *dialogs) add(d *dialog) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.items[d.id] = d
}

func (ds *dialogs) get(id string) (*dialog, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	d, ok := ds.items[id]
	return d, ok
}

// remove drops the dialog and reports whether it was still open.
func (ds *dialogs) remove(id string) (*dialog, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	d, ok := ds.items[id]
	delete(ds.items, id)
	return d, ok
}

func (ds *dialogs) drain() []*dialog {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]*dialog, 0, len(ds.items))
	for id, d := range ds.items {
		out = append(out, d)
		delete(ds.items, id)
	}
	return out
}
