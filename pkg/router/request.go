package router

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/store"
)

// Request is the normalized routing request handed to the engine by the HTTP
// layer.
type Request struct {
	RequestID string
	Messages  []adapter.Message
	TaskType  string // declared; inferred when empty or unknown

	// Zero values defer to the resolved policy.
	QualityThreshold float64
	MaxWaitMs        int
	AttemptBudget    int

	MaxTokens   int
	Temperature *float64
	TopP        *float64

	Stream       bool
	AllowDegrade bool
	Resume       bool

	Tools      json.RawMessage
	ToolChoice json.RawMessage
}

// UserPrompt returns the last user message text, used for judge prompts.
func (r *Request) UserPrompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	if len(r.Messages) > 0 {
		return r.Messages[len(r.Messages)-1].Content
	}
	return ""
}

// Result is the engine's answer for one request.
type Result struct {
	RequestID string
	TaskType  string
	ModelID   string
	Provider  string

	Text      string
	ToolCalls []adapter.ToolCall
	Score     float64

	Attempts []store.Attempt
	Resumed  bool
	WaitTime time.Duration

	// Live is non-nil only for passthrough streaming (stream + allowDegrade):
	// the caller forwards deltas as they arrive and the terminal callback has
	// already been wired to run evaluation and accounting.
	Live *LiveStream
}

// LiveStream forwards provider deltas while accumulating the full text, and
// runs a single terminal callback once the provider stream ends cleanly.
type LiveStream struct {
	inner     adapter.Stream
	buf       strings.Builder
	finalize  func(fullText string)
	finalized bool
}

// NewLiveStream wraps a provider stream with a terminal completion callback.
func NewLiveStream(inner adapter.Stream, finalize func(fullText string)) *LiveStream {
	return &LiveStream{inner: inner, finalize: finalize}
}

// Recv returns the next delta, running the terminal callback exactly once
// when the provider stream finishes.
func (s *LiveStream) Recv() (string, error) {
	delta, err := s.inner.Recv()
	if err == nil {
		s.buf.WriteString(delta)
		return delta, nil
	}
	if errors.Is(err, io.EOF) && !s.finalized {
		s.finalized = true
		s.finalize(s.buf.String())
	}
	return "", err
}

// Text returns the concatenation of all deltas received so far.
func (s *LiveStream) Text() string {
	return s.buf.String()
}

// Close closes the underlying provider stream.
func (s *LiveStream) Close() error {
	return s.inner.Close()
}
