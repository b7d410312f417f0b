package devserver

import (
	"context"
	"iter"
	"strings"
)

// Completer produces the assistant's reply to a conversation as a stream of text fragments.
type Completer interface {
	Complete(ctx context.Context, system string, turns []Turn) iter.Seq2[string, error]
}

// Turn is a single message of the conversation passed to a Completer.
type Turn struct {
	Role    string
	Content string
}

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
)

// Echo is a Completer that answers with the last user message, one word at a time. It is used when no
// model provider is configured.
type Echo struct{}

// Complete implements Completer.
func (Echo) Complete(ctx context.Context, _ string, turns []Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var last string
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Role == roleUser {
				last = turns[i].Content
				break
			}
		}

		words := strings.SplitAfter("You said: "+last, " ")
		for _, w := range words {
			if ctx.Err() != nil {
				return
			}
			if !yield(w, nil) {
				return
			}
		}
	}
}
