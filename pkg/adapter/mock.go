package adapter

import (
	"context"
	"io"
	"sync"
)

// MockAdapter returns deterministic responses for local runs and tests.
// Responses and errors are scripted per backend id; each call consumes the
// next entry in the backend's script, sticking on the last one.
type MockAdapter struct {
	mu              sync.Mutex
	scripts         map[string][]mockStep
	cursors         map[string]int
	defaultResponse string
	Calls           []string // backend ids, in call order
}

type mockStep struct {
	resp *Response
	err  error
}

// NewMockAdapter creates a mock adapter with a default response.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		scripts:         make(map[string][]mockStep),
		cursors:         make(map[string]int),
		defaultResponse: "mock response",
	}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string {
	return "mock"
}

// Respond scripts a successful response for a backend.
func (a *MockAdapter) Respond(backend string, resp *Response) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[backend] = append(a.scripts[backend], mockStep{resp: resp})
	return a
}

// RespondText scripts a successful text-only response for a backend.
func (a *MockAdapter) RespondText(backend, text string) *MockAdapter {
	return a.Respond(backend, &Response{Text: text})
}

// Fail scripts an error for a backend.
func (a *MockAdapter) Fail(backend string, err error) *MockAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts[backend] = append(a.scripts[backend], mockStep{err: err})
	return a
}

// Generate returns the next scripted step for the backend.
func (a *MockAdapter) Generate(_ context.Context, req *GenerateRequest) (*Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.Calls = append(a.Calls, req.Backend)

	script := a.scripts[req.Backend]
	if len(script) == 0 {
		return &Response{Text: a.defaultResponse}, nil
	}
	idx := a.cursors[req.Backend]
	if idx >= len(script) {
		idx = len(script) - 1
	}
	a.cursors[req.Backend] = idx + 1

	step := script[idx]
	if step.err != nil {
		return nil, step.err
	}
	return step.resp, nil
}

// Stream replays the next scripted response as a single delta.
func (a *MockAdapter) Stream(ctx context.Context, req *GenerateRequest) (Stream, error) {
	resp, err := a.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &mockStream{text: resp.Text}, nil
}

type mockStream struct {
	text string
	sent bool
}

func (s *mockStream) Recv() (string, error) {
	if s.sent || s.text == "" {
		return "", io.EOF
	}
	s.sent = true
	return s.text, nil
}

func (s *mockStream) Close() error { return nil }
