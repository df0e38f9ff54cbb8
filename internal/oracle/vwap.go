package oracle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// VWAPEngine pools trades across sources within a fixed lookback window and
// computes the volume-weighted average price over the pool. Quorum is a
// minimum aggregate trade count plus a minimum participating-source count.
type VWAPEngine struct {
	domain     string
	currency   string
	decimals   int
	window     time.Duration
	minTrades  int
	minSources int
	deadline   time.Duration
	fetchers   []TradeFetcher
	nonces     *nonceCounter
	log        *zap.Logger
}

func NewVWAPEngine(domain, currency string, decimals int, window time.Duration, minTrades, minSources int, deadline time.Duration, fetchers []TradeFetcher, log *zap.Logger) *VWAPEngine {
	return &VWAPEngine{
		domain:     domain,
		currency:   currency,
		decimals:   decimals,
		window:     window,
		minTrades:  minTrades,
		minSources: minSources,
		deadline:   deadline,
		fetchers:   fetchers,
		nonces:     newNonceCounter(),
		log:        log,
	}
}

func (e *VWAPEngine) Domain() string { return e.domain }

// VWAP computes sum(price*volume)/sum(volume) over the pool. Returns false
// when the pool carries no volume.
func VWAP(trades []Trade) (float64, bool) {
	var pv, vol float64
	for _, t := range trades {
		pv += t.Price * t.Volume
		vol += t.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

func (e *VWAPEngine) Evaluate(ctx context.Context) (Assertion, error) {
	fctx, cancel := context.WithTimeout(ctx, e.deadline)
	defer cancel()

	var (
		mu      sync.Mutex
		pool    []Trade
		sources []string
		wg      sync.WaitGroup
	)
	for _, f := range e.fetchers {
		wg.Add(1)
		go func(f TradeFetcher) {
			defer wg.Done()
			trades, err := f.FetchTrades(fctx, e.window)
			if err != nil || len(trades) == 0 {
				if err != nil {
					e.log.Debug("trade fetch failed", zap.String("source", f.Name()), zap.Error(err))
				}
				return
			}
			mu.Lock()
			pool = append(pool, trades...)
			sources = append(sources, f.Name())
			mu.Unlock()
		}(f)
	}
	wg.Wait()

	if len(sources) < e.minSources || len(pool) < e.minTrades {
		return Assertion{}, &QuorumError{Domain: e.domain, Got: len(sources), Need: e.minSources}
	}
	value, ok := VWAP(pool)
	if !ok {
		return Assertion{}, &QuorumError{Domain: e.domain, Got: 0, Need: e.minTrades}
	}

	return Assertion{
		Domain:    e.domain,
		Value:     roundTo(value, e.decimals),
		Currency:  e.currency,
		Decimals:  e.decimals,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Nonce:     e.nonces.next(),
		Sources:   sources,
		Method:    MethodVWAP,
	}, nil
}
