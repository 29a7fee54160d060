package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter implements the Adapter interface for Claude models.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter creates a new Anthropic adapter.
func NewAnthropicAdapter(apiKey string) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicAdapter{client: client}, nil
}

// Name returns the adapter identifier.
func (a *AnthropicAdapter) Name() string {
	return "anthropic"
}

// Generate sends a chat request to Claude and returns a normalized response.
func (a *AnthropicAdapter) Generate(ctx context.Context, req *GenerateRequest) (*Response, error) {
	params := a.buildParams(req)

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.normalizeError(err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	out := &Response{Text: content}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		out.Usage = &Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		}
	}
	return out, nil
}

// Stream sends a chat request to Claude and yields text deltas.
func (a *AnthropicAdapter) Stream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	params := a.buildParams(req)
	stream := a.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, a.normalizeError(err)
	}
	return &anthropicStream{inner: stream, adapter: a}, nil
}

func (a *AnthropicAdapter) buildParams(req *GenerateRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	// Anthropic takes system text out of band; concatenate any system
	// messages and keep the rest in order.
	var system string
	var messages []anthropic.MessageParam
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if system != "" {
				system += "\n"
			}
			system += msg.Content
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Backend),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	return params
}

func (a *AnthropicAdapter) normalizeError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		var retryAfter time.Duration
		if apierr.Response != nil {
			retryAfter = parseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return classify(apierr.StatusCode, retryAfter, fmt.Errorf("anthropic API error: %w", err))
	}
	return &Error{Kind: KindTransient, Err: fmt.Errorf("anthropic API error: %w", err)}
}

type anthropicStream struct {
	inner   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	adapter *AnthropicAdapter
}

func (s *anthropicStream) Recv() (string, error) {
	for s.inner.Next() {
		event := s.inner.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if ev.Delta.Text != "" {
				return ev.Delta.Text, nil
			}
		}
	}
	if err := s.inner.Err(); err != nil {
		return "", s.adapter.normalizeError(err)
	}
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.inner.Close()
}
