package oracle

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// QuorumError reports that an engine could not gather the minimum number of
// independent samples. Surfaced to the proxy as 503.
type QuorumError struct {
	Domain string
	Got    int
	Need   int
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("%s: insufficient sources (%d/%d)", e.Domain, e.Got, e.Need)
}

// Engine evaluates one asset pair into a signed-ready Assertion.
type Engine interface {
	Domain() string
	Evaluate(ctx context.Context) (Assertion, error)
}

// nonceCounter issues assertion nonces unique within the lifetime of the
// signing key. Seeded from boot time nanos so restarts do not repeat.
type nonceCounter struct {
	ctr atomic.Uint64
}

func newNonceCounter() *nonceCounter {
	c := &nonceCounter{}
	c.ctr.Store(uint64(time.Now().UnixNano()))
	return c
}

func (c *nonceCounter) next() string {
	return strconv.FormatUint(c.ctr.Add(1), 10)
}

// collect fans out to all fetchers in parallel under a wall-clock deadline
// and returns the successful samples. Individual failures are logged, never
// surfaced; the quorum policy decides whether the loss matters.
func collect(ctx context.Context, deadline time.Duration, fetchers []Fetcher, log *zap.Logger) []Sample {
	fctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var (
		mu      sync.Mutex
		samples []Sample
		wg      sync.WaitGroup
	)
	for _, f := range fetchers {
		wg.Add(1)
		go func(f Fetcher) {
			defer wg.Done()
			s, err := f.Fetch(fctx)
			if err != nil {
				log.Debug("feed fetch failed", zap.String("source", f.Name()), zap.Error(err))
				return
			}
			// A sample older than the fetch deadline is treated as a
			// fetch failure rather than allowed to skew the statistic.
			if !s.CapturedAt.IsZero() && time.Since(s.CapturedAt) > deadline {
				log.Debug("feed sample stale", zap.String("source", f.Name()),
					zap.Time("captured_at", s.CapturedAt))
				return
			}
			mu.Lock()
			samples = append(samples, s)
			mu.Unlock()
		}(f)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		// Client went away mid fan-out; partial samples are discarded.
		return nil
	}
	return samples
}

func sourceNames(samples []Sample) []string {
	names := make([]string, len(samples))
	for i, s := range samples {
		names[i] = s.Source
	}
	return names
}

func sampleValues(samples []Sample) []float64 {
	vals := make([]float64, len(samples))
	for i, s := range samples {
		vals[i] = s.Value
	}
	return vals
}

// MedianEngine is the direct-median domain: fan out, quorum, median.
type MedianEngine struct {
	domain   string
	currency string
	decimals int
	quorum   int
	deadline time.Duration
	fetchers []Fetcher
	nonces   *nonceCounter
	log      *zap.Logger
}

func NewMedianEngine(domain, currency string, decimals, quorum int, deadline time.Duration, fetchers []Fetcher, log *zap.Logger) *MedianEngine {
	return &MedianEngine{
		domain:   domain,
		currency: currency,
		decimals: decimals,
		quorum:   quorum,
		deadline: deadline,
		fetchers: fetchers,
		nonces:   newNonceCounter(),
		log:      log,
	}
}

func (e *MedianEngine) Domain() string { return e.domain }

func (e *MedianEngine) Evaluate(ctx context.Context) (Assertion, error) {
	samples := collect(ctx, e.deadline, e.fetchers, e.log)
	if len(samples) < e.quorum {
		return Assertion{}, &QuorumError{Domain: e.domain, Got: len(samples), Need: e.quorum}
	}
	return Assertion{
		Domain:    e.domain,
		Value:     roundTo(Median(sampleValues(samples)), e.decimals),
		Currency:  e.currency,
		Decimals:  e.decimals,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Nonce:     e.nonces.next(),
		Sources:   sourceNames(samples),
		Method:    MethodMedian,
	}, nil
}
