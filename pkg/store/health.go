package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// emaAlpha is the smoothing factor for the rolling latency and success EMAs.
const emaAlpha = 0.2

// ModelHealth is the per-model health record. Deadlines are epoch
// milliseconds, zero when inactive.
type ModelHealth struct {
	ModelID            string
	CooldownUntil      int64
	DegradedUntil      int64
	RateLimitStrikes   int
	LastRateLimitAt    int64
	RollingLatencyMs   float64
	RollingSuccessRate float64
}

// InCooldown reports whether the model is skipped outright at the given time.
func (h *ModelHealth) InCooldown(now time.Time) bool {
	return h.CooldownUntil > now.UnixMilli()
}

// Degraded reports whether the model is quality-quarantined at the given time.
func (h *ModelHealth) Degraded(now time.Time) bool {
	return h.DegradedUntil > now.UnixMilli()
}

// HealthStore persists per-model health. Operations are serialized per store
// so read-modify-write updates stay atomic per model id.
type HealthStore struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// Get returns the health record for a model, default-initialized if absent.
func (s *HealthStore) Get(ctx context.Context, modelID string) (*ModelHealth, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cooldown_until, degraded_until, rate_limit_strikes, last_rate_limit_at,
		       rolling_latency_ms, rolling_success_rate
		FROM model_health WHERE model_id = ?`, modelID)

	h := &ModelHealth{ModelID: modelID, RollingSuccessRate: 1}
	err := row.Scan(&h.CooldownUntil, &h.DegradedUntil, &h.RateLimitStrikes,
		&h.LastRateLimitAt, &h.RollingLatencyMs, &h.RollingSuccessRate)
	if errors.Is(err, sql.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("health: get %s: %w", modelID, err)
	}
	return h, nil
}

// MarkRateLimited sets the cooldown deadline and overwrites strike counters.
// Other fields are preserved.
func (s *HealthStore) MarkRateLimited(ctx context.Context, modelID string, cooldown time.Duration, strikes int, lastRateLimitAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cooldownUntil := s.now().Add(cooldown).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_health (model_id, cooldown_until, rate_limit_strikes, last_rate_limit_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			cooldown_until = excluded.cooldown_until,
			rate_limit_strikes = excluded.rate_limit_strikes,
			last_rate_limit_at = excluded.last_rate_limit_at`,
		modelID, cooldownUntil, strikes, lastRateLimitAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("health: mark rate limited %s: %w", modelID, err)
	}
	return nil
}

// MarkDegraded sets the degradation deadline. Cooldown is preserved.
func (s *HealthStore) MarkDegraded(ctx context.Context, modelID string, degrade time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	degradedUntil := s.now().Add(degrade).UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_health (model_id, degraded_until)
		VALUES (?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			degraded_until = excluded.degraded_until`,
		modelID, degradedUntil)
	if err != nil {
		return fmt.Errorf("health: mark degraded %s: %w", modelID, err)
	}
	return nil
}

// RecordResult folds an attempt outcome into the rolling EMAs. A latency of
// zero or below leaves the latency EMA unchanged.
func (s *HealthStore) RecordResult(ctx context.Context, modelID string, success bool, latency time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.getLocked(ctx, modelID)
	if err != nil {
		return err
	}

	observed := 0.0
	if success {
		observed = 1.0
	}
	h.RollingSuccessRate = h.RollingSuccessRate*(1-emaAlpha) + observed*emaAlpha
	if latency > 0 {
		h.RollingLatencyMs = h.RollingLatencyMs*(1-emaAlpha) + float64(latency.Milliseconds())*emaAlpha
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_health (model_id, rolling_latency_ms, rolling_success_rate)
		VALUES (?, ?, ?)
		ON CONFLICT(model_id) DO UPDATE SET
			rolling_latency_ms = excluded.rolling_latency_ms,
			rolling_success_rate = excluded.rolling_success_rate`,
		modelID, h.RollingLatencyMs, h.RollingSuccessRate)
	if err != nil {
		return fmt.Errorf("health: record result %s: %w", modelID, err)
	}
	return nil
}

func (s *HealthStore) getLocked(ctx context.Context, modelID string) (*ModelHealth, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cooldown_until, degraded_until, rate_limit_strikes, last_rate_limit_at,
		       rolling_latency_ms, rolling_success_rate
		FROM model_health WHERE model_id = ?`, modelID)

	h := &ModelHealth{ModelID: modelID, RollingSuccessRate: 1}
	err := row.Scan(&h.CooldownUntil, &h.DegradedUntil, &h.RateLimitStrikes,
		&h.LastRateLimitAt, &h.RollingLatencyMs, &h.RollingSuccessRate)
	if errors.Is(err, sql.ErrNoRows) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("health: get %s: %w", modelID, err)
	}
	return h, nil
}
