// Package breaker stops new entries after a run of losing trades.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/camuig/po3-trader/internal/logger"
	"github.com/camuig/po3-trader/internal/metrics"
	"github.com/camuig/po3-trader/internal/po3"
	"github.com/camuig/po3-trader/internal/storage"
)

// Breaker counts consecutive losses per trading day. A new day starts from
// zero, so the breaker never stays tripped past midnight.
type Breaker struct {
	repo      *storage.Repository
	threshold int
	loc       *time.Location
	now       func() time.Time
	logger    *logger.Logger

	mu sync.Mutex
}

func New(repo *storage.Repository, threshold int, loc *time.Location, log *logger.Logger) *Breaker {
	if loc == nil {
		loc = time.UTC
	}
	return &Breaker{repo: repo, threshold: threshold, loc: loc, now: time.Now, logger: log}
}

// WithClock replaces the wall clock; used by tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

func (b *Breaker) day() string {
	return po3.TradingDay(b.now(), b.loc)
}

// State returns today's counter.
func (b *Breaker) State(ctx context.Context) (*storage.BreakerState, error) {
	st, err := b.repo.GetBreaker(ctx, b.day())
	if err != nil {
		return nil, err
	}
	metrics.BreakerTripped.Set(boolGauge(st.Tripped))
	return st, nil
}

func (b *Breaker) Tripped(ctx context.Context) (bool, error) {
	if b.threshold <= 0 {
		return false, nil
	}
	st, err := b.State(ctx)
	if err != nil {
		return false, err
	}
	return st.Tripped, nil
}

// Record books a closed trade. Losses extend the streak, anything else ends
// it. It reports whether this trade tripped the breaker.
func (b *Breaker) Record(ctx context.Context, instrument string, pnl float64) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, err := b.repo.GetBreaker(ctx, b.day())
	if err != nil {
		return false, err
	}

	wasTripped := st.Tripped
	if pnl < 0 {
		st.ConsecutiveLosses++
	} else {
		st.ConsecutiveLosses = 0
	}
	if b.threshold > 0 && st.ConsecutiveLosses >= b.threshold {
		st.Tripped = true
	}

	if err := b.repo.SaveBreaker(ctx, st); err != nil {
		return false, fmt.Errorf("save breaker: %w", err)
	}
	metrics.BreakerTripped.Set(boolGauge(st.Tripped))

	b.logger.Info("trade result recorded",
		"instrument", instrument, "pnl", pnl,
		"consecutive_losses", st.ConsecutiveLosses, "tripped", st.Tripped)
	return st.Tripped && !wasTripped, nil
}

// Reset clears today's counter and the tripped flag.
func (b *Breaker) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.repo.SaveBreaker(ctx, &storage.BreakerState{Day: b.day()}); err != nil {
		return fmt.Errorf("reset breaker: %w", err)
	}
	metrics.BreakerTripped.Set(0)
	b.logger.Info("circuit breaker reset")
	return nil
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
