package adapter

import (
	"context"
)

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends a chat request to the model and returns a normalized response.
	Generate(ctx context.Context, req *GenerateRequest) (*Response, error)

	// Stream sends a chat request and returns a lazy sequence of text deltas.
	Stream(ctx context.Context, req *GenerateRequest) (Stream, error)

	// Name returns the adapter's identifier.
	Name() string
}

// Stream yields text deltas one at a time. Recv returns io.EOF after the
// final delta. Close releases the underlying connection; it is safe to call
// after Recv has returned an error.
type Stream interface {
	Recv() (string, error)
	Close() error
}
