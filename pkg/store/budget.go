package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ProviderBudget is the per-provider token accounting record. Limits of zero
// mean unset.
type ProviderBudget struct {
	Provider        string
	UsedTokens      int64
	SoftLimitTokens int64
	HardLimitTokens int64
}

// AtHardLimit reports whether usage has reached the hard limit.
func (b *ProviderBudget) AtHardLimit() bool {
	return b.HardLimitTokens > 0 && b.UsedTokens >= b.HardLimitTokens
}

// NearSoftLimit reports whether usage has reached 90% of the soft limit.
func (b *ProviderBudget) NearSoftLimit() bool {
	return b.SoftLimitTokens > 0 && float64(b.UsedTokens) >= 0.9*float64(b.SoftLimitTokens)
}

// BudgetStore persists cumulative per-provider token usage.
type BudgetStore struct {
	db *sql.DB
	mu sync.Mutex
}

// Get returns the budget record for a provider, default-initialized if absent.
func (s *BudgetStore) Get(ctx context.Context, provider string) (*ProviderBudget, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT used_tokens, soft_limit_tokens, hard_limit_tokens
		FROM provider_budget WHERE provider = ?`, provider)

	b := &ProviderBudget{Provider: provider}
	err := row.Scan(&b.UsedTokens, &b.SoftLimitTokens, &b.HardLimitTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: get %s: %w", provider, err)
	}
	return b, nil
}

// Record adds tokens to the provider's cumulative usage.
func (s *BudgetStore) Record(ctx context.Context, provider string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_budget (provider, used_tokens)
		VALUES (?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			used_tokens = used_tokens + excluded.used_tokens`,
		provider, tokens)
	if err != nil {
		return fmt.Errorf("budget: record %s: %w", provider, err)
	}
	return nil
}

// EnsureLimits overwrites the provider's limits, preserving usage.
func (s *BudgetStore) EnsureLimits(ctx context.Context, provider string, soft, hard int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_budget (provider, soft_limit_tokens, hard_limit_tokens)
		VALUES (?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			soft_limit_tokens = excluded.soft_limit_tokens,
			hard_limit_tokens = excluded.hard_limit_tokens`,
		provider, soft, hard)
	if err != nil {
		return fmt.Errorf("budget: ensure limits %s: %w", provider, err)
	}
	return nil
}
