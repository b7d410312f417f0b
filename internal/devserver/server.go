package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	"github.com/MegaGrindStone/chatbase-ui/internal/services"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// Server is a stand-in for the chatbase hub. It serves the subset of the hub API the console and the
// terminal client use, answers chat messages with a Completer, and keeps every exchange in memory.
type Server struct {
	tokens    tokenIssuer
	chatBases []models.ChatBase
	completer Completer

	mu        sync.Mutex
	users     map[string]string
	exchanges []exchange
	nextID    int64

	now    func() time.Time
	logger *slog.Logger
}

// Options configures a Server.
type Options struct {
	// Users maps usernames to passwords.
	Users     map[string]string
	Secret    []byte
	TokenTTL  time.Duration
	ChatBases []models.ChatBase
	// Completer answers chat messages. Echo is used when nil.
	Completer Completer
}

type exchange struct {
	sessionID string
	history   models.ChatHistory
}

type chunkPayload struct {
	Chunk string `json:"chunk"`
}

const (
	errLoggerKey = "err"

	defaultTokenTTL = 24 * time.Hour
	defaultPageSize = 20
	maxPageSize     = 100

	doneSentinel = "[DONE]"
)

// New creates a Server.
func New(opts Options, logger *slog.Logger) *Server {
	users := make(map[string]string, len(opts.Users))
	for u, p := range opts.Users {
		users[u] = p
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	completer := opts.Completer
	if completer == nil {
		completer = Echo{}
	}

	return &Server{
		tokens:    tokenIssuer{secret: opts.Secret, ttl: ttl},
		chatBases: slices.Clone(opts.ChatBases),
		completer: completer,
		users:     users,
		now:       time.Now,
		logger:    logger.With(slog.String("module", "devserver")),
	}
}

// Handler returns the HTTP handler serving the hub API under /api.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/user/login", s.handleLogin)
	mux.HandleFunc("POST /api/user/register", s.handleRegister)
	mux.HandleFunc("GET /api/user/profile", s.requireAuth(s.handleProfile))
	mux.HandleFunc("GET /api/mcp/chatbases", s.requireAuth(s.handleChatBases))
	mux.HandleFunc("GET /api/chatbases/init", s.handleInit)
	mux.HandleFunc("GET /api/chatbases/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("GET /api/chatbases/{id}/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("GET /api/chatbases/{id}/sessions/{sid}/history", s.requireAuth(s.handleHistory))
	mux.HandleFunc("POST /api/mcp/chat", s.requireAuth(s.handleChat))
	return mux
}

type usernameKey struct{}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeEnvelope(w, http.StatusUnauthorized, "Authentication required", nil)
			return
		}
		username, err := s.tokens.verify(token)
		if err != nil {
			s.logger.Debug("Rejected token", slog.String(errLoggerKey, err.Error()))
			writeEnvelope(w, http.StatusUnauthorized, "Invalid or expired token", nil)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), usernameKey{}, username)))
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds services.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}

	s.mu.Lock()
	password, ok := s.users[creds.Username]
	s.mu.Unlock()
	if !ok || password != creds.Password {
		writeEnvelope(w, http.StatusUnauthorized, "Invalid username or password", nil)
		return
	}

	token, err := s.tokens.generate(creds.Username, s.now())
	if err != nil {
		s.logger.Error("Failed to sign token", slog.String(errLoggerKey, err.Error()))
		writeEnvelope(w, http.StatusInternalServerError, "Failed to issue token", nil)
		return
	}

	s.logger.Info("User logged in", slog.String("username", creds.Username))
	writeEnvelope(w, http.StatusOK, "Success", token)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creds services.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username == "" || creds.Password == "" {
		writeEnvelope(w, http.StatusBadRequest, "Username and password are required", nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[creds.Username]; ok {
		writeEnvelope(w, http.StatusConflict, "Username already exists", nil)
		return
	}
	s.users[creds.Username] = creds.Password
	writeEnvelope(w, http.StatusOK, "Success", nil)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	username, _ := r.Context().Value(usernameKey{}).(string)

	s.mu.Lock()
	names := make([]string, 0, len(s.users))
	for u := range s.users {
		names = append(names, u)
	}
	s.mu.Unlock()
	slices.Sort(names)

	writeEnvelope(w, http.StatusOK, "Success", services.User{
		ID:       int64(slices.Index(names, username) + 1),
		Username: username,
		Role:     "admin",
	})
}

func (s *Server) handleChatBases(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	writeEnvelope(w, http.StatusOK, "Success", paginate(s.chatBases, page, pageSize))
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	appID := r.URL.Query().Get("appId")
	idx := slices.IndexFunc(s.chatBases, func(cb models.ChatBase) bool { return cb.AppID == appID })
	if appID == "" || idx < 0 {
		writeEnvelope(w, http.StatusNotFound, "Chatbase not found", nil)
		return
	}

	writeEnvelope(w, http.StatusOK, "Success", map[string]string{
		"sessionId": uuid.New().String(),
		"message":   frame(s.chatBases[idx].Greeting),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var chatBaseID int64
	if raw := r.PathValue("id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeEnvelope(w, http.StatusBadRequest, "Invalid chatbase id", nil)
			return
		}
		chatBaseID = id
	}
	sessionID := r.PathValue("sid")

	s.mu.Lock()
	var items []models.ChatHistory
	for _, ex := range s.exchanges {
		if chatBaseID != 0 && ex.history.ChatBaseID != chatBaseID {
			continue
		}
		if sessionID != "" && ex.sessionID != sessionID {
			continue
		}
		items = append(items, ex.history)
	}
	s.mu.Unlock()

	page, pageSize := pageParams(r)
	writeEnvelope(w, http.StatusOK, "Success", paginate(items, page, pageSize))
}

// handleChat answers a chat message. The reply is streamed as data lines carrying {"chunk": ...}
// payloads, terminated by a [DONE] data line. A reply that fails midway ends without the terminator.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req services.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, "Invalid request body", nil)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeEnvelope(w, http.StatusBadRequest, "Message is required", nil)
		return
	}
	idx := slices.IndexFunc(s.chatBases, func(cb models.ChatBase) bool { return cb.ID == req.ChatBaseID })
	if idx < 0 {
		writeEnvelope(w, http.StatusNotFound, "Chatbase not found", nil)
		return
	}
	cb := s.chatBases[idx]

	sessionID := r.Header.Get("X-Session-Id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	turns := append(s.sessionTurns(cb.ID, sessionID), Turn{Role: roleUser, Content: req.Message})

	next, stop := iter.Pull2(s.completer.Complete(r.Context(), cb.RolePrompt, turns))
	defer stop()

	// The first fragment is awaited before upgrading, so a provider failure can still be reported with
	// an error status.
	chunk, err, ok := next()
	if ok && err != nil {
		s.logger.Error("Failed to complete",
			slog.Int64("chatBaseID", cb.ID),
			slog.String(errLoggerKey, err.Error()))
		writeEnvelope(w, http.StatusBadGateway, "Failed to get a response", nil)
		return
	}

	w.Header().Set("X-Session-Id", sessionID)
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		return
	}

	var reply strings.Builder
	for ; ok; chunk, err, ok = next() {
		if err != nil {
			s.logger.Error("Reply failed midway",
				slog.Int64("chatBaseID", cb.ID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		reply.WriteString(chunk)
		if err := sendData(sess, chunk); err != nil {
			s.logger.Warn("Client went away", slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	// Recorded before the terminator, so a client that saw [DONE] finds the exchange in the history.
	s.record(cb.ID, sessionID, req.Message, reply.String())
	if err := sendRaw(sess, doneSentinel); err != nil {
		s.logger.Warn("Failed to send terminator", slog.String(errLoggerKey, err.Error()))
	}
}

func (s *Server) sessionTurns(chatBaseID int64, sessionID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	var turns []Turn
	for _, ex := range s.exchanges {
		if ex.history.ChatBaseID != chatBaseID || ex.sessionID != sessionID {
			continue
		}
		turns = append(turns,
			Turn{Role: roleUser, Content: ex.history.UserMessage},
			Turn{Role: roleAssistant, Content: ex.history.AIResponse})
	}
	return turns
}

func (s *Server) record(chatBaseID int64, sessionID, userMessage, aiResponse string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	s.exchanges = append(s.exchanges, exchange{
		sessionID: sessionID,
		history: models.ChatHistory{
			ID:          s.nextID,
			ChatBaseID:  chatBaseID,
			UserMessage: userMessage,
			AIResponse:  aiResponse,
			Timestamp:   models.HubTime(s.now().UTC().Format(time.RFC3339)),
		},
	})
}

func sendData(sess *sse.Session, chunk string) error {
	payload, err := json.Marshal(chunkPayload{Chunk: chunk})
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	return sendRaw(sess, string(payload))
}

func sendRaw(sess *sse.Session, data string) error {
	msg := &sse.Message{}
	msg.AppendData(data)
	if err := sess.Send(msg); err != nil {
		return err
	}
	return sess.Flush()
}

// frame renders text in the data-line framing of a streamed reply, as a single body.
func frame(text string) string {
	var sb strings.Builder
	if text != "" {
		payload, _ := json.Marshal(chunkPayload{Chunk: text})
		sb.WriteString("data: ")
		sb.Write(payload)
		sb.WriteString("\n\n")
	}
	sb.WriteString("data: " + doneSentinel + "\n\n")
	return sb.String()
}

func writeEnvelope(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Code    int    `json:"code"`
		Data    any    `json:"data"`
	}{
		Success: status < http.StatusBadRequest,
		Message: message,
		Code:    status,
		Data:    data,
	})
}

func pageParams(r *http.Request) (int, int) {
	q := r.URL.Query()
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 0 {
		page = 0
	}
	pageSize, err := strconv.Atoi(q.Get("pageSize"))
	if err != nil || pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return page, min(pageSize, maxPageSize)
}

func paginate[T any](items []T, page, pageSize int) models.Page[T] {
	total := len(items)
	totalPages := (total + pageSize - 1) / pageSize
	start := min(page*pageSize, total)
	end := min(start+pageSize, total)

	content := slices.Clone(items[start:end])
	if content == nil {
		content = []T{}
	}
	return models.Page[T]{
		Content:       content,
		TotalElements: int64(total),
		TotalPages:    totalPages,
		Number:        page,
		Size:          pageSize,
		First:         page == 0,
		Last:          page >= totalPages-1,
		Empty:         len(content) == 0,
	}
}
