package router

import (
	"time"

	"github.com/zen-systems/routegate/pkg/config"
	"github.com/zen-systems/routegate/pkg/store"
)

// Scorer weight keys and defaults.
const (
	WeightCapability  = "capability"
	WeightReliability = "reliability"
	WeightCost        = "cost"
	WeightLatency     = "latency"
	WeightDegrade     = "degrade"
	WeightBudget      = "budget"
)

var defaultWeights = map[string]float64{
	WeightCapability:  1,
	WeightReliability: 0.5,
	WeightCost:        0.5,
	WeightLatency:     0.2,
	WeightDegrade:     1.5,
	WeightBudget:      1,
}

// latencyCapSeconds bounds the latency term so one slow outlier cannot
// dominate the score.
const latencyCapSeconds = 5.0

// Score ranks a model for a task using its health and budget state. Higher
// is better. Policy weight overrides merge on top of the defaults.
func Score(model *config.ModelSpec, taskType string, health *store.ModelHealth, budget *store.ProviderBudget, overrides map[string]float64, now time.Time) float64 {
	weight := func(key string) float64 {
		if v, ok := overrides[key]; ok {
			return v
		}
		return defaultWeights[key]
	}

	latencySec := health.RollingLatencyMs / 1000
	if latencySec > latencyCapSeconds {
		latencySec = latencyCapSeconds
	}

	score := weight(WeightCapability)*float64(model.Capability(taskType)) -
		weight(WeightCost)*model.CostWeight +
		weight(WeightReliability)*health.RollingSuccessRate -
		weight(WeightLatency)*latencySec

	if health.Degraded(now) {
		score -= weight(WeightDegrade)
	}
	if budget.NearSoftLimit() {
		score -= weight(WeightBudget)
	}
	return score
}
