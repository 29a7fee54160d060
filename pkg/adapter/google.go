package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/genai"
)

// GoogleAdapter implements the Adapter interface for Gemini models.
type GoogleAdapter struct {
	client *genai.Client
}

// NewGoogleAdapter creates a new Google Gemini adapter.
func NewGoogleAdapter(apiKey string) (*GoogleAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("google API key is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &GoogleAdapter{client: client}, nil
}

// Name returns the adapter identifier.
func (a *GoogleAdapter) Name() string {
	return "google"
}

// Generate sends a chat request to Gemini and returns a normalized response.
func (a *GoogleAdapter) Generate(ctx context.Context, req *GenerateRequest) (*Response, error) {
	resp, err := a.client.Models.GenerateContent(ctx, req.Backend, genai.Text(flattenTranscript(req.Messages)), nil)
	if err != nil {
		return nil, a.normalizeError(err)
	}

	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &Error{Kind: KindTransient, Err: fmt.Errorf("google returned no candidates")}
	}

	var content string
	if resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				content += part.Text
			}
		}
	}

	out := &Response{Text: content}
	if resp.UsageMetadata != nil && resp.UsageMetadata.TotalTokenCount > 0 {
		out.Usage = &Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// Stream sends a chat request to Gemini and yields text deltas.
func (a *GoogleAdapter) Stream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	seq := a.client.Models.GenerateContentStream(ctx, req.Backend, genai.Text(flattenTranscript(req.Messages)), nil)

	deltas := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(deltas)
		for resp, err := range seq {
			if err != nil {
				errc <- a.normalizeError(err)
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case deltas <- part.Text:
				case <-ctx.Done():
					errc <- ctx.Err()
					return
				}
			}
		}
	}()

	return &googleStream{deltas: deltas, errc: errc}, nil
}

func (a *GoogleAdapter) normalizeError(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return classify(apierr.Code, 0, fmt.Errorf("google API error: %w", err))
	}
	return &Error{Kind: KindTransient, Err: fmt.Errorf("google API error: %w", err)}
}

type googleStream struct {
	deltas chan string
	errc   chan error
}

func (s *googleStream) Recv() (string, error) {
	delta, ok := <-s.deltas
	if ok {
		return delta, nil
	}
	select {
	case err := <-s.errc:
		return "", err
	default:
		return "", io.EOF
	}
}

func (s *googleStream) Close() error {
	// Drain so the producing goroutine can exit.
	go func() {
		for range s.deltas {
		}
	}()
	return nil
}

// flattenTranscript collapses an ordered message list into a single prompt
// with role prefixes, matching how the Gemini text helper is fed.
func flattenTranscript(messages []Message) string {
	if len(messages) == 1 {
		return messages[0].Content
	}
	var sb strings.Builder
	for _, msg := range messages {
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
	}
	return sb.String()
}
