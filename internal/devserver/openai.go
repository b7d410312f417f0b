package devserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI is a Completer backed by the OpenAI chat completion API, or any server compatible with it,
// such as OpenRouter.
type OpenAI struct {
	model  string
	params Parameters

	client *goopenai.Client

	logger *slog.Logger
}

// Parameters are the optional sampling parameters passed to OpenAI compatible models.
type Parameters struct {
	Temperature      *float32 `yaml:"temperature"`
	TopP             *float32 `yaml:"topP"`
	Stop             []string `yaml:"stop"`
	PresencePenalty  *float32 `yaml:"presencePenalty"`
	FrequencyPenalty *float32 `yaml:"frequencyPenalty"`
	Seed             *int     `yaml:"seed"`
	MaxTokens        int      `yaml:"maxTokens"`
}

// NewOpenAI creates an OpenAI completer. An empty baseURL uses the OpenAI API itself.
func NewOpenAI(apiKey, baseURL, model string, params Parameters, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:  model,
		params: params,
		client: goopenai.NewClientWithConfig(cfg),
		logger: logger.With(slog.String("module", "openai")),
	}
}

// Complete implements Completer by streaming a chat completion.
func (o OpenAI) Complete(ctx context.Context, system string, turns []Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		msgs := make([]goopenai.ChatCompletionMessage, 0, len(turns)+1)
		if system != "" {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    goopenai.ChatMessageRoleSystem,
				Content: system,
			})
		}
		for _, t := range turns {
			msgs = append(msgs, goopenai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, o.chatRequest(msgs))
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
					return
				}
				yield("", fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			if response.Choices[0].FinishReason != "" {
				o.logger.Debug("Completion finished",
					slog.String("reason", string(response.Choices[0].FinishReason)))
			}

			content := response.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			if !yield(content, nil) {
				return
			}
		}
	}
}

func (o OpenAI) chatRequest(messages []goopenai.ChatCompletionMessage) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  messages,
		Stream:    true,
		Stop:      o.params.Stop,
		Seed:      o.params.Seed,
		MaxTokens: o.params.MaxTokens,
	}

	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.PresencePenalty != nil {
		req.PresencePenalty = *o.params.PresencePenalty
	}
	if o.params.FrequencyPenalty != nil {
		req.FrequencyPenalty = *o.params.FrequencyPenalty
	}

	return req
}
