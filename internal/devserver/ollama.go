package devserver

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
)

// Ollama is a Completer backed by an Ollama server.
type Ollama struct {
	model string

	client *api.Client
}

// NewOllama creates an Ollama completer for model, talking to the server at host. The host must be a
// valid URL.
func NewOllama(host, model string) (Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	return Ollama{
		model:  model,
		client: api.NewClient(u, &http.Client{}),
	}, nil
}

// Complete implements Completer by streaming a chat completion from the Ollama model. Each response
// chunk of the model is yielded as it arrives.
func (o Ollama) Complete(ctx context.Context, system string, turns []Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]api.Message, 0, len(turns)+1)
		if system != "" {
			msgs = append(msgs, api.Message{Role: roleSystem, Content: system})
		}
		for _, t := range turns {
			msgs = append(msgs, api.Message{Role: t.Role, Content: t.Content})
		}

		stream := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &stream,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			if res.Message.Content == "" || stopped {
				return nil
			}
			if !yield(res.Message.Content, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if stopped || errors.Is(err, context.Canceled) {
				return
			}
			yield("", fmt.Errorf("error sending request: %w", err))
		}
	}
}
