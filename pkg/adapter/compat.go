package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// CompatAdapter implements the Adapter interface for any provider speaking
// the OpenAI-compatible wire format (DeepSeek, local runners, proxies).
type CompatAdapter struct {
	name       string
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// compatRequest represents the OpenAI-compatible request format.
type compatRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
}

// compatResponse represents the OpenAI-compatible response format.
type compatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role      string `json:"role"`
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// compatChunk represents one SSE delta frame.
type compatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewCompatAdapter creates an adapter for an OpenAI-compatible endpoint.
func NewCompatAdapter(name, apiKey, baseURL string) (*CompatAdapter, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("compat adapter %q requires a base URL", name)
	}
	if name == "" {
		name = "compat"
	}
	return &CompatAdapter{
		name:       name,
		apiKey:     apiKey,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
	}, nil
}

// Name returns the adapter identifier.
func (a *CompatAdapter) Name() string {
	return a.name
}

// Generate sends a chat request and returns a normalized response.
func (a *CompatAdapter) Generate(ctx context.Context, req *GenerateRequest) (*Response, error) {
	resp, err := a.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Err: fmt.Errorf("%s: read response body: %w", a.name, err)}
	}

	var parsed compatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, classify(resp.StatusCode, 0, fmt.Errorf("%s: parse response: %w", a.name, err))
	}

	if parsed.Error != nil {
		return nil, classify(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")),
			fmt.Errorf("%s API error: %s (type: %s, code: %s)", a.name, parsed.Error.Message, parsed.Error.Type, parsed.Error.Code))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classify(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")),
			fmt.Errorf("%s API returned status %d: %s", a.name, resp.StatusCode, string(body)))
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Kind: KindTransient, Err: fmt.Errorf("%s returned no choices", a.name)}
	}

	choice := parsed.Choices[0]
	out := &Response{Text: choice.Message.Content}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	if parsed.Usage.TotalTokens > 0 {
		usage := Usage(parsed.Usage)
		out.Usage = &usage
	}
	return out, nil
}

// Stream sends a chat request and yields SSE text deltas.
func (a *CompatAdapter) Stream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	resp, err := a.do(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classify(resp.StatusCode, parseRetryAfter(resp.Header.Get("Retry-After")),
			fmt.Errorf("%s API returned status %d: %s", a.name, resp.StatusCode, string(body)))
	}
	return &compatStream{name: a.name, body: resp.Body, scanner: bufio.NewScanner(resp.Body)}, nil
}

func (a *CompatAdapter) do(ctx context.Context, req *GenerateRequest, stream bool) (*http.Response, error) {
	reqBody := compatRequest{
		Model:       req.Backend,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
		Tools:       req.Tools,
		ToolChoice:  req.ToolChoice,
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", a.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", a.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Err: fmt.Errorf("%s API request failed: %w", a.name, err)}
	}
	return resp, nil
}

type compatStream struct {
	name    string
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (s *compatStream) Recv() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return "", io.EOF
		}
		var chunk compatChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			return chunk.Choices[0].Delta.Content, nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", &Error{Kind: KindTransient, Err: fmt.Errorf("%s: stream read: %w", s.name, err)}
	}
	return "", io.EOF
}

func (s *compatStream) Close() error {
	return s.body.Close()
}
