package eval

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/zen-systems/routegate/pkg/config"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestHeuristicScoreBase(t *testing.T) {
	text := strings.Repeat("a", 200)
	result := HeuristicScore(text, "reasoning", false)
	if !almostEqual(result.Score, 0.50) {
		t.Fatalf("expected 0.50, got %.2f", result.Score)
	}
}

func TestHeuristicScoreLongText(t *testing.T) {
	text := strings.Repeat("a", 500)
	result := HeuristicScore(text, "reasoning", false)
	if !almostEqual(result.Score, 0.70) {
		t.Fatalf("expected 0.70, got %.2f", result.Score)
	}
}

func TestHeuristicScoreShortText(t *testing.T) {
	result := HeuristicScore("short answer here too", "reasoning", false)
	if !almostEqual(result.Score, 0.15) {
		t.Fatalf("expected 0.15, got %.2f", result.Score)
	}
}

func TestHeuristicScoreEmpty(t *testing.T) {
	result := HeuristicScore("", "code", false)
	if result.Score != 0 {
		t.Fatalf("expected 0 for empty text, got %.2f", result.Score)
	}
}

func TestHeuristicScoreEmptyWithToolCalls(t *testing.T) {
	result := HeuristicScore("", "code", true)
	if result.Score == 0 {
		t.Fatalf("tool-call responses must not score zero")
	}
}

func TestHeuristicScoreRefusals(t *testing.T) {
	phrases := []string{
		"I can't help with that request at all, sorry about it.",
		"I CANNOT comply with this instruction under any circumstances.",
		"As an AI, I do not hold opinions on this topic whatsoever.",
	}
	for _, text := range phrases {
		result := HeuristicScore(text, "reasoning", false)
		if result.Score > 0.1 {
			t.Fatalf("refusal %q scored %.2f, expected near zero", text, result.Score)
		}
	}
}

func TestHeuristicScoreCodeBlock(t *testing.T) {
	text := "Here is the implementation:\n```go\nfunc Sum(a, b int) int {\n\treturn a + b\n}\n```\nIt handles the simple case directly."
	result := HeuristicScore(text, "code", false)
	// base 0.35 + code block 0.25; at 115 chars the text is under the
	// 120-char length bonus
	if !almostEqual(result.Score, 0.60) {
		t.Fatalf("expected 0.60, got %.2f", result.Score)
	}
}

func TestHeuristicScoreCodeMissingBlock(t *testing.T) {
	text := strings.Repeat("prose without any code at all. ", 5)
	result := HeuristicScore(text, "code", false)
	// base 0.35 + length 0.15 - no code 0.30
	if !almostEqual(result.Score, 0.20) {
		t.Fatalf("expected 0.20, got %.2f", result.Score)
	}
}

func TestHeuristicScoreDiffMarkers(t *testing.T) {
	text := "--- a/src/main.go\n+++ b/src/main.go\n@@ -1,3 +1,4 @@\n some change that is long enough to cross the length bonus threshold here"
	result := HeuristicScore(text, "code", false)
	// diff markers count as code; src/ adds the path hint
	if result.Score < 0.75 {
		t.Fatalf("expected diff to score as code, got %.2f", result.Score)
	}
}

func TestHeuristicScoreResearchURL(t *testing.T) {
	text := "According to https://example.com/report the trend reversed in the most recent quarter of the year."
	withURL := HeuristicScore(text, "research", false)
	withoutURL := HeuristicScore(strings.ReplaceAll(text, "https://example.com/report", "the report"), "research", false)
	if !almostEqual(withURL.Score-withoutURL.Score, 0.10) {
		t.Fatalf("expected +0.10 for url, got %.2f vs %.2f", withURL.Score, withoutURL.Score)
	}
}

func TestHeuristicScorePure(t *testing.T) {
	text := "Some mid-length answer that is deterministic and repeatable across calls, nothing special at all."
	first := HeuristicScore(text, "reasoning", false)
	for i := 0; i < 10; i++ {
		if got := HeuristicScore(text, "reasoning", false); got.Score != first.Score {
			t.Fatalf("score not pure: %.4f != %.4f", got.Score, first.Score)
		}
	}
}

func TestHeuristicScoreClamped(t *testing.T) {
	text := "```go\n" + strings.Repeat("code ", 200) + "\n```\nsaved in src/main.go"
	result := HeuristicScore(text, "code", false)
	if result.Score > 1 {
		t.Fatalf("score above 1: %.2f", result.Score)
	}
}

func TestEvaluateCodeEvalPass(t *testing.T) {
	evaluator := New(&config.CodeEvalConfig{
		Command: []string{"true"},
		Weight:  0.2,
	}, nil)
	text := strings.Repeat("a", 200)
	withEval := evaluator.Evaluate(context.Background(), text, "code", false)
	// base 0.35 + length 0.15 - no code 0.30 + eval 0.20
	if !almostEqual(withEval.Score, 0.40) {
		t.Fatalf("expected 0.40, got %.2f", withEval.Score)
	}
}

func TestEvaluateCodeEvalFail(t *testing.T) {
	evaluator := New(&config.CodeEvalConfig{
		Command:        []string{"false"},
		FailurePenalty: 0.2,
	}, nil)
	text := strings.Repeat("a", 200)
	result := evaluator.Evaluate(context.Background(), text, "code", false)
	if !almostEqual(result.Score, 0.0) {
		t.Fatalf("expected 0.00, got %.2f", result.Score)
	}
}

func TestEvaluateCodeEvalOnlyForCodeTasks(t *testing.T) {
	evaluator := New(&config.CodeEvalConfig{
		Command: []string{"true"},
		Weight:  0.5,
	}, nil)
	text := strings.Repeat("a", 200)
	result := evaluator.Evaluate(context.Background(), text, "reasoning", false)
	if !almostEqual(result.Score, 0.50) {
		t.Fatalf("code eval must not run for reasoning tasks: got %.2f", result.Score)
	}
}
