package router

import (
	"github.com/zen-systems/routegate/pkg/adapter"
)

// Fit trims the oldest non-system messages until the estimated token count
// fits the model's context window. It returns the fitted messages and the
// number trimmed; ok is false when even the system-only remainder does not
// fit. Fitting already-fitting messages returns them unchanged.
func Fit(messages []adapter.Message, contextTokens, maxOutputTokens int) ([]adapter.Message, int, bool) {
	fitted := make([]adapter.Message, len(messages))
	copy(fitted, messages)

	trimmed := 0
	for {
		if estimateTokens(fitted, maxOutputTokens) <= contextTokens {
			return fitted, trimmed, true
		}
		idx := firstNonSystem(fitted)
		if idx < 0 {
			return nil, trimmed, false
		}
		fitted = append(fitted[:idx], fitted[idx+1:]...)
		trimmed++
	}
}

// estimateTokens approximates ceil(totalChars/4) + maxOutputTokens, counting
// one separator char per adjacent message pair.
func estimateTokens(messages []adapter.Message, maxOutputTokens int) int {
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Content)
	}
	if len(messages) > 1 {
		chars += len(messages) - 1
	}
	return (chars+3)/4 + maxOutputTokens
}

func firstNonSystem(messages []adapter.Message) int {
	for i, msg := range messages {
		if msg.Role != "system" {
			return i
		}
	}
	return -1
}
