package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Kind classifies a provider failure into the four classes the router
// dispatches on.
type Kind string

const (
	KindRateLimit Kind = "rate_limit"
	KindQuota     Kind = "quota"
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

// ErrContextLength marks a permanent error caused by the request exceeding
// the model's context window. The router quarantines the model longer when
// it sees this sentinel.
var ErrContextLength = errors.New("context_length_exceeded")

// Error wraps provider errors with normalized classification metadata.
type Error struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration // only meaningful for KindRateLimit; zero when absent
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (status=%d)", e.Kind, e.Status)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf extracts the normalized kind from an error, defaulting to permanent
// for anything unclassified and transient for timeouts.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var adapterErr *Error
	if errors.As(err, &adapterErr) {
		return adapterErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindPermanent
}

// RetryAfterOf returns the parsed Retry-After hint, if any.
func RetryAfterOf(err error) time.Duration {
	var adapterErr *Error
	if errors.As(err, &adapterErr) {
		return adapterErr.RetryAfter
	}
	return 0
}

// IsContextLength reports whether an error carries the context-window sentinel.
func IsContextLength(err error) bool {
	return errors.Is(err, ErrContextLength)
}

// classify maps an HTTP status and message to a normalized error. The message
// is scanned for context-window phrasing so those failures surface the
// sentinel even though providers report them as plain 400s.
func classify(status int, retryAfter time.Duration, err error) *Error {
	kind := KindPermanent
	switch {
	case status == 429:
		kind = KindRateLimit
	case status == 402:
		kind = KindQuota
	case status >= 500 && status <= 599:
		kind = KindTransient
	case status == 408:
		kind = KindTransient
	}
	if kind == KindPermanent && err != nil && looksLikeContextOverflow(err.Error()) {
		err = fmt.Errorf("%w: %v", ErrContextLength, err)
	}
	return &Error{Kind: kind, Status: status, RetryAfter: retryAfter, Err: err}
}

func looksLikeContextOverflow(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "context_length_exceeded") ||
		strings.Contains(msg, "maximum context length") ||
		strings.Contains(msg, "context window")
}

// parseRetryAfter interprets a Retry-After header value given in seconds.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := time.ParseDuration(value + "s"); err == nil && secs > 0 {
		return secs
	}
	return 0
}
