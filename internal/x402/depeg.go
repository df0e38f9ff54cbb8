package x402

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/myceliasignal/slo/internal/oracle"
)

// depegQuorum is the minimum venue count for a peg decision; with fewer
// sources the breaker keeps its last state rather than guessing.
const depegQuorum = 2

// PegStatus is a snapshot of the circuit breaker.
type PegStatus struct {
	Pegged    bool      `json:"pegged"`
	Rate      float64   `json:"rate,omitempty"`
	Sources   int       `json:"sources"`
	CheckedAt time.Time `json:"checked_at,omitempty"`
}

// DepegBreaker watches the settlement asset's USD peg across exchange
// venues and trips when the median deviates past the tolerance. While
// tripped, the payment rail refuses to price anything in the asset.
type DepegBreaker struct {
	fetchers  []oracle.Fetcher
	tolerance float64
	interval  time.Duration
	deadline  time.Duration
	log       *zap.Logger

	mu     sync.RWMutex
	status PegStatus
}

func NewDepegBreaker(fetchers []oracle.Fetcher, tolerance float64, interval, deadline time.Duration, log *zap.Logger) *DepegBreaker {
	return &DepegBreaker{
		fetchers:  fetchers,
		tolerance: tolerance,
		interval:  interval,
		deadline:  deadline,
		log:       log,
		status:    PegStatus{Pegged: true},
	}
}

// Run checks the peg immediately and then on every tick until ctx ends.
func (b *DepegBreaker) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Check(ctx)
		}
	}
}

// Check refreshes the peg verdict once. Exported so tests and the info
// endpoint can force a check without waiting for the ticker.
func (b *DepegBreaker) Check(ctx context.Context) PegStatus {
	fetchCtx, cancel := context.WithTimeout(ctx, b.deadline)
	defer cancel()

	var mu sync.Mutex
	var rates []float64
	var wg sync.WaitGroup
	for _, f := range b.fetchers {
		wg.Add(1)
		go func(f oracle.Fetcher) {
			defer wg.Done()
			sample, err := f.Fetch(fetchCtx)
			if err != nil {
				return
			}
			mu.Lock()
			rates = append(rates, sample.Value)
			mu.Unlock()
		}(f)
	}
	wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(rates) < depegQuorum {
		// Fail safe: too few venues, keep the previous verdict.
		b.log.Warn("depeg check short on sources", zap.Int("sources", len(rates)))
		b.status.Sources = len(rates)
		b.status.CheckedAt = time.Now()
		return b.status
	}

	rate := oracle.Median(rates)
	deviation := math.Abs(rate - 1.0)
	pegged := deviation <= b.tolerance
	if !pegged && b.status.Pegged {
		b.log.Warn("depeg circuit breaker tripped",
			zap.Float64("rate", rate),
			zap.Float64("deviation", deviation),
			zap.Int("sources", len(rates)))
	}
	if pegged && !b.status.Pegged {
		b.log.Info("depeg circuit breaker cleared", zap.Float64("rate", rate))
	}
	b.status = PegStatus{Pegged: pegged, Rate: rate, Sources: len(rates), CheckedAt: time.Now()}
	return b.status
}

// Status returns the last verdict without refreshing it.
func (b *DepegBreaker) Status() PegStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Tolerance returns the configured deviation limit.
func (b *DepegBreaker) Tolerance() float64 { return b.tolerance }
