package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// Anthropic is a Completer backed by the Anthropic messages API.
type Anthropic struct {
	apiKey    string
	endpoint  string
	model     string
	maxTokens int

	client *http.Client
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint = "https://api.anthropic.com/v1"
	anthropicAPIVersion  = "2023-06-01"
)

// NewAnthropic creates an Anthropic completer. An empty endpoint uses the public API.
func NewAnthropic(apiKey, endpoint, model string, maxTokens int) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	return Anthropic{
		apiKey:    apiKey,
		endpoint:  strings.TrimRight(endpoint, "/"),
		model:     model,
		maxTokens: maxTokens,
		client:    &http.Client{},
	}
}

// Complete implements Completer. The API streams server-sent events; the text deltas of the
// content blocks are yielded until the message stops.
func (a Anthropic) Complete(ctx context.Context, system string, turns []Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]anthropicMessage, 0, len(turns))
		for _, t := range turns {
			if t.Role == roleSystem {
				continue
			}
			msgs = append(msgs, anthropicMessage{Role: t.Role, Content: t.Content})
		}

		jsonBody, err := json.Marshal(anthropicChatRequest{
			Model:     a.model,
			Messages:  msgs,
			System:    system,
			MaxTokens: a.maxTokens,
			Stream:    true,
		})
		if err != nil {
			yield("", fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewReader(jsonBody))
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", a.apiKey)
		req.Header.Set("anthropic-version", anthropicAPIVersion)

		resp, err := a.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var e anthropicError
			if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error.Message == "" {
				yield("", fmt.Errorf("anthropic returned status %d", resp.StatusCode))
				return
			}
			yield("", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error reading response: %w", err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield("", fmt.Errorf("error unmarshaling error: %w", err))
					return
				}
				yield("", fmt.Errorf("anthropic error %s: %s", e.Error.Type, e.Error.Message))
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield("", fmt.Errorf("error unmarshaling response: %w", err))
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yield(res.Delta.Text, nil) {
					return
				}
			}
		}
	}
}
