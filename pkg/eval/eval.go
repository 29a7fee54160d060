package eval

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/zen-systems/routegate/pkg/config"
)

// Result captures an evaluation score with the adjustments that produced it.
type Result struct {
	Score   float64
	Details []string
}

// refusalPhrases disqualify a response regardless of length.
var refusalPhrases = []string{
	"i can't",
	"i cannot",
	"i am not able",
	"i'm not able",
	"as an ai",
	"i do not have the ability",
	"i cannot comply",
	"unable to help",
}

var (
	diffMarkerRe = regexp.MustCompile(`(?m)^(--- |\+\+\+ |@@ )`)
	filePathRe   = regexp.MustCompile(`(src/|lib/|tests/|\.(ts|js|py|go)\b)`)
	urlRe        = regexp.MustCompile(`https?://\S+|www\.\S+`)
)

// HeuristicScore scores a response text for a task type. It is pure over
// (text, taskType, hasToolCalls).
func HeuristicScore(text, taskType string, hasToolCalls bool) Result {
	if strings.TrimSpace(text) == "" && !hasToolCalls {
		return Result{Score: 0, Details: []string{"empty response"}}
	}

	score := 0.35
	var details []string
	if hasToolCalls {
		score = 0.45
		details = append(details, "tool calls present")
	}

	switch {
	case len(text) >= 400:
		score += 0.15 + 0.20
		details = append(details, "length>=400")
	case len(text) >= 120:
		score += 0.15
		details = append(details, "length>=120")
	case len(text) < 40:
		score -= 0.20
		details = append(details, "length<40")
	}

	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			score -= 0.70
			details = append(details, fmt.Sprintf("refusal phrase %q", phrase))
			break
		}
	}

	switch taskType {
	case "code":
		switch {
		case strings.Contains(text, "```") || diffMarkerRe.MatchString(text):
			score += 0.25
			details = append(details, "code block present")
		case !hasToolCalls:
			score -= 0.30
			details = append(details, "no code block")
		}
		if filePathRe.MatchString(text) {
			score += 0.05
			details = append(details, "file path hints")
		}
	case "research":
		if urlRe.MatchString(text) {
			score += 0.10
			details = append(details, "url present")
		}
	}

	return Result{Score: clamp(score), Details: details}
}

// Evaluator combines the heuristic score with the optional executable code
// evaluator.
type Evaluator struct {
	codeEval *config.CodeEvalConfig
	logger   *zap.Logger
}

// New creates an evaluator. codeEval may be nil.
func New(codeEval *config.CodeEvalConfig, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{codeEval: codeEval, logger: logger}
}

// Evaluate scores a response. The code evaluator only runs for code tasks
// with a configured command.
func (e *Evaluator) Evaluate(ctx context.Context, text, taskType string, hasToolCalls bool) Result {
	result := HeuristicScore(text, taskType, hasToolCalls)

	if taskType == "code" && e.codeEval != nil && len(e.codeEval.Command) > 0 {
		passed, err := runCodeEval(ctx, e.codeEval, text)
		switch {
		case err != nil:
			e.logger.Warn("code eval failed to run", zap.Error(err))
		case passed:
			result.Score = clamp(result.Score + e.codeEval.Weight)
			result.Details = append(result.Details, "code eval passed")
		default:
			result.Score = clamp(result.Score - e.codeEval.FailurePenalty)
			result.Details = append(result.Details, "code eval failed")
		}
	}

	return result
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
