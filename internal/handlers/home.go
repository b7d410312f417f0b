package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	"github.com/MegaGrindStone/chatbase-ui/internal/services"
)

type homePageData struct {
	ChatBases     []models.ChatBase
	PrevPage      int
	NextPage      int
	HasPrev       bool
	HasNext       bool
	Conversations []conversation
}

type conversation struct {
	ID         string
	Title      string
	ChatBaseID int64
	SessionID  string
	Messages   int
	Updated    string
}

type loginPageData struct {
	Username string
	Error    string
}

// HandleHome renders the console. Without a valid token it renders the login page, otherwise it lists
// the page of chatbases selected by the "page" query parameter, along with the archived conversations.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	token, err := m.tokens.Token(r.Context())
	if err != nil {
		m.logger.Error("Failed to read token", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if token == "" {
		m.renderLogin(w, http.StatusOK, loginPageData{})
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	page = max(page, 0)

	chatBases, err := m.hub.ChatBases(r.Context(), page, chatBasesPageSize)
	if err != nil {
		if errors.Is(err, services.ErrUnauthorized) {
			m.expireToken(r.Context())
			m.renderLogin(w, http.StatusUnauthorized, loginPageData{Error: "Your session has expired, please log in again."})
			return
		}
		m.logger.Error("Failed to get chatbases", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	convs, err := m.archive.Conversations(r.Context())
	if err != nil {
		m.logger.Error("Failed to get conversations", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		ChatBases:     chatBases.Content,
		PrevPage:      page - 1,
		NextPage:      page + 1,
		HasPrev:       page > 0,
		HasNext:       !chatBases.Last && page+1 < chatBases.TotalPages,
		Conversations: make([]conversation, len(convs)),
	}
	for i, c := range convs {
		data.Conversations[i] = conversation{
			ID:         c.ID,
			Title:      c.Title,
			ChatBaseID: c.Context.ChatBaseID,
			SessionID:  c.Context.SessionID,
			Messages:   len(c.Messages),
			Updated:    c.Updated.Format("2006-01-02 15:04"),
		}
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleLogin exchanges the "username" and "password" form fields for a hub token and stores it.
// On success it redirects to the console, otherwise it renders the login page with the reason.
func (m Main) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	creds := services.Credentials{
		Username: strings.TrimSpace(r.FormValue("username")),
		Password: r.FormValue("password"),
	}
	if creds.Username == "" || creds.Password == "" {
		m.renderLogin(w, http.StatusBadRequest, loginPageData{
			Username: creds.Username,
			Error:    "Username and password are required.",
		})
		return
	}

	token, err := m.hub.Login(r.Context(), creds)
	if err != nil {
		m.logger.Warn("Login failed",
			slog.String("username", creds.Username),
			slog.String(errLoggerKey, err.Error()))

		msg := "Could not reach the hub, please try again."
		status := http.StatusBadGateway
		var apiErr *services.APIError
		switch {
		case errors.Is(err, services.ErrUnauthorized):
			msg, status = "Invalid username or password.", http.StatusUnauthorized
		case errors.As(err, &apiErr) && apiErr.Message != "":
			msg, status = apiErr.Message, http.StatusUnauthorized
		}
		m.renderLogin(w, status, loginPageData{Username: creds.Username, Error: msg})
		return
	}

	if err := m.tokens.SetToken(r.Context(), token); err != nil {
		m.logger.Error("Failed to store token", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleLogout forgets the token and closes every open dialog.
func (m Main) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	for _, d := range m.dialogs.drain() {
		m.closeDialog(d)
	}
	m.expireToken(r.Context())

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// HandleSSE subscribes the browser to the updates of the dialog named by the "dialog_id" query parameter.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

func (m Main) renderLogin(w http.ResponseWriter, status int, data loginPageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := m.templates.ExecuteTemplate(w, "login.html", data); err != nil {
		m.logger.Error("Failed to render login page", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) expireToken(ctx context.Context) {
	if err := m.tokens.ClearToken(ctx); err != nil {
		m.logger.Error("Failed to clear token", slog.String(errLoggerKey, err.Error()))
	}
}
