package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/MegaGrindStone/chatbase-ui/internal/models"
	"github.com/MegaGrindStone/chatbase-ui/internal/stream"
)

// ChatRequest is the body of a chat message sent to a chatbase.
type ChatRequest struct {
	ChatBaseID int64  `json:"chatBaseId"`
	Message    string `json:"message"`
}

// Welcome is the greeting a chatbase opens a conversation with.
type Welcome struct {
	Text      string
	SessionID string
}

const chatReadBufferSize = 4 << 10

// StreamChat sends message to the chatbase identified by sc and returns an iterator over the raw text
// chunks of the streamed reply, in the order they arrive. Chunks are not aligned to lines.
//
// A rejected request yields a single error: ErrUnauthorized for HTTP 401, an *APIError for other
// failure statuses. Stopping the iteration early closes the response body. Cancelling ctx aborts the
// request.
func (c Client) StreamChat(ctx context.Context, sc models.SessionContext, message string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		req, err := c.newRequest(ctx, http.MethodPost, "/mcp/chat", nil, ChatRequest{
			ChatBaseID: sc.ChatBaseID,
			Message:    message,
		})
		if err != nil {
			yield("", err)
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		if sc.SessionID != "" {
			req.Header.Set("X-Session-Id", sc.SessionID)
		}

		resp, err := c.send(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", err)
			return
		}
		defer resp.Body.Close()

		// Chunks may end inside a multi-byte rune. The decoder only splits on '\n', so the rune is
		// rejoined with the next chunk before it is interpreted.
		buf := make([]byte, chatReadBufferSize)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				if !yield(string(buf[:n]), nil) {
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
		}
	}
}

// FetchWelcomeMessage fetches the greeting of the chatbase with the given app id in the given language.
// The hub delivers the greeting in the same data-line framing as a streamed reply, in one body.
func (c Client) FetchWelcomeMessage(ctx context.Context, appID, language string) (Welcome, error) {
	query := url.Values{
		"appId":    {appID},
		"language": {language},
	}

	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/chatbases/init", query, nil, &raw); err != nil {
		return Welcome{}, fmt.Errorf("failed to fetch welcome message: %w", err)
	}

	var body string
	if err := json.Unmarshal(raw, &body); err == nil {
		return Welcome{Text: stream.DecodeAll(body)}, nil
	}

	var initResp struct {
		SessionID string `json:"sessionId"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(raw, &initResp); err != nil {
		return Welcome{}, fmt.Errorf("error unmarshaling welcome message: %w", err)
	}

	c.logger.Debug("Welcome message received",
		slog.String("appId", appID),
		slog.String("sessionId", initResp.SessionID))

	return Welcome{
		Text:      stream.DecodeAll(initResp.Message),
		SessionID: initResp.SessionID,
	}, nil
}

// FetchChatHistory fetches a page of stored exchanges. With both identifiers set it returns the history
// of one session, with only a chatbase id the history of the whole chatbase, and with neither the
// history across all chatbases.
func (c Client) FetchChatHistory(
	ctx context.Context,
	sc models.SessionContext,
	page, pageSize int,
) (models.Page[models.ChatHistory], error) {
	path := "/chatbases/history"
	switch {
	case sc.ChatBaseID != 0 && sc.SessionID != "":
		path = fmt.Sprintf("/chatbases/%d/sessions/%s/history",
			sc.ChatBaseID, url.PathEscape(sc.SessionID))
	case sc.ChatBaseID != 0:
		path = "/chatbases/" + strconv.FormatInt(sc.ChatBaseID, 10) + "/history"
	}

	var res models.Page[models.ChatHistory]
	if err := c.call(ctx, http.MethodGet, path, pageQuery(page, pageSize), nil, &res); err != nil {
		return models.Page[models.ChatHistory]{}, fmt.Errorf("failed to fetch chat history: %w", err)
	}
	return res, nil
}
