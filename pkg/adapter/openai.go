package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// OpenAIAdapter implements the Adapter interface for OpenAI models.
type OpenAIAdapter struct {
	client openai.Client
}

// NewOpenAIAdapter creates a new OpenAI adapter.
func NewOpenAIAdapter(apiKey string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai API key is required")
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIAdapter{client: client}, nil
}

// Name returns the adapter identifier.
func (a *OpenAIAdapter) Name() string {
	return "openai"
}

// Generate sends a chat request to OpenAI and returns a normalized response.
func (a *OpenAIAdapter) Generate(ctx context.Context, req *GenerateRequest) (*Response, error) {
	params, opts := a.buildParams(req)

	resp, err := a.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, a.normalizeError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: KindTransient, Err: fmt.Errorf("openai returned no choices")}
	}

	choice := resp.Choices[0]
	out := &Response{Text: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = &Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
	}
	return out, nil
}

// Stream sends a chat request to OpenAI and yields text deltas.
func (a *OpenAIAdapter) Stream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	params, opts := a.buildParams(req)
	stream := a.client.Chat.Completions.NewStreaming(ctx, params, opts...)
	if err := stream.Err(); err != nil {
		return nil, a.normalizeError(err)
	}
	return &openaiStream{inner: stream, adapter: a}, nil
}

func (a *OpenAIAdapter) buildParams(req *GenerateRequest) (openai.ChatCompletionNewParams, []option.RequestOption) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			messages = append(messages, openai.SystemMessage(msg.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Backend),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openai.Float(*req.TopP)
	}

	// Tool schemas arrive opaque from the gateway boundary; forward them at
	// the wire level instead of round-tripping through SDK param types.
	var opts []option.RequestOption
	if len(req.Tools) > 0 {
		opts = append(opts, option.WithJSONSet("tools", req.Tools))
	}
	if len(req.ToolChoice) > 0 {
		opts = append(opts, option.WithJSONSet("tool_choice", req.ToolChoice))
	}
	return params, opts
}

func (a *OpenAIAdapter) normalizeError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		var retryAfter time.Duration
		if apierr.Response != nil {
			retryAfter = parseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return classify(apierr.StatusCode, retryAfter, fmt.Errorf("openai API error: %w", err))
	}
	return &Error{Kind: KindTransient, Err: fmt.Errorf("openai API error: %w", err)}
}

type openaiStream struct {
	inner   *ssestream.Stream[openai.ChatCompletionChunk]
	adapter *OpenAIAdapter
}

func (s *openaiStream) Recv() (string, error) {
	for s.inner.Next() {
		chunk := s.inner.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
	if err := s.inner.Err(); err != nil {
		return "", s.adapter.normalizeError(err)
	}
	return "", io.EOF
}

func (s *openaiStream) Close() error {
	return s.inner.Close()
}
