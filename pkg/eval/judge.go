package eval

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/zen-systems/routegate/pkg/adapter"
	"github.com/zen-systems/routegate/pkg/config"
)

// judgeScoreRe matches the first 0..1 score token in a judge reply.
var judgeScoreRe = regexp.MustCompile(`\b(0(\.\d+)?|1(\.0+)?)\b`)

// Judge re-scores borderline outputs through a secondary model. Calls go
// straight to the judge model's adapter; the router loop is never re-entered.
type Judge struct {
	model   *config.ModelSpec
	minOpt  *float64
	adapter adapter.Adapter
	logger  *zap.Logger
}

// NewJudge creates a judge bound to a registry model and its adapter.
func NewJudge(model *config.ModelSpec, cfg *config.JudgeConfig, adapterImpl adapter.Adapter, logger *zap.Logger) *Judge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Judge{model: model, minOpt: cfg.MinScore, adapter: adapterImpl, logger: logger}
}

// ModelID returns the judge model's registry id.
func (j *Judge) ModelID() string {
	return j.model.ID
}

// MinScore returns the lower bound below which the judge is not consulted,
// defaulting to threshold-0.2.
func (j *Judge) MinScore(threshold float64) float64 {
	if j.minOpt != nil {
		return *j.minOpt
	}
	return threshold - 0.2
}

// ShouldConsult reports whether the judge applies to a candidate output.
// The judge never re-scores its own output.
func (j *Judge) ShouldConsult(candidateID string, heuristicScore, threshold float64) bool {
	if candidateID == j.model.ID {
		return false
	}
	return heuristicScore >= j.MinScore(threshold) && heuristicScore < threshold
}

// Score asks the judge model for a 0..1 score. The second return is false
// when the judge call failed or its reply could not be parsed; judge failures
// are best-effort and never fail the request.
func (j *Judge) Score(ctx context.Context, prompt, response string) (float64, bool) {
	judgePrompt := buildJudgePrompt(prompt, response)
	resp, err := j.adapter.Generate(ctx, &adapter.GenerateRequest{
		Backend:  j.model.Backend,
		Messages: []adapter.Message{{Role: "user", Content: judgePrompt}},
	})
	if err != nil {
		j.logger.Warn("judge call failed", zap.String("judge", j.model.ID), zap.Error(err))
		return 0, false
	}

	match := judgeScoreRe.FindString(resp.Text)
	if match == "" {
		j.logger.Warn("judge reply had no score token", zap.String("judge", j.model.ID))
		return 0, false
	}
	score, err := strconv.ParseFloat(match, 64)
	if err != nil || score < 0 || score > 1 {
		return 0, false
	}
	return score, true
}

func buildJudgePrompt(prompt, response string) string {
	var sb strings.Builder
	sb.WriteString("You are a strict response grader. Score the assistant response below ")
	sb.WriteString("for how well it answers the user request, from 0 to 1.\n")
	sb.WriteString("Reply with ONLY the numeric score.\n\n")
	sb.WriteString(fmt.Sprintf("User request:\n%s\n\n", prompt))
	sb.WriteString(fmt.Sprintf("Assistant response:\n%s\n", response))
	return sb.String()
}
