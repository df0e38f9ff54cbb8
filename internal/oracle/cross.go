package oracle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CrossEngine derives a pair lacking direct venues by dividing two base
// assertions (e.g. BTCEUR = BTCUSD / EURUSD) and inheriting the union of
// their sources.
type CrossEngine struct {
	domain   string
	currency string
	decimals int
	base     Engine // numerator, e.g. BTCUSD
	quote    Engine // denominator, e.g. EURUSD
	nonces   *nonceCounter
}

func NewCrossEngine(domain, currency string, decimals int, base, quote Engine) *CrossEngine {
	return &CrossEngine{
		domain:   domain,
		currency: currency,
		decimals: decimals,
		base:     base,
		quote:    quote,
		nonces:   newNonceCounter(),
	}
}

func (e *CrossEngine) Domain() string { return e.domain }

func (e *CrossEngine) Evaluate(ctx context.Context) (Assertion, error) {
	type result struct {
		a   Assertion
		err error
	}
	baseCh := make(chan result, 1)
	go func() {
		a, err := e.base.Evaluate(ctx)
		baseCh <- result{a, err}
	}()
	quote, err := e.quote.Evaluate(ctx)
	baseRes := <-baseCh
	if baseRes.err != nil {
		return Assertion{}, baseRes.err
	}
	if err != nil {
		return Assertion{}, err
	}

	sources := append(append([]string{}, baseRes.a.Sources...), quote.Sources...)
	return Assertion{
		Domain:    e.domain,
		Value:     roundTo(baseRes.a.Value/quote.Value, e.decimals),
		Currency:  e.currency,
		Decimals:  e.decimals,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Nonce:     e.nonces.next(),
		Sources:   dedupe(sources),
		Method:    MethodCross,
	}, nil
}

// dedupe removes repeated source names; a venue feeding both base engines
// still counts once in the inherited union.
func dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// HybridEngine mixes direct-quoted samples with one synthetic sample derived
// from a cross engine, then applies the direct-median rule over the union.
type HybridEngine struct {
	domain   string
	currency string
	decimals int
	quorum   int
	deadline time.Duration
	direct   []Fetcher
	cross    Engine
	nonces   *nonceCounter
	log      *zap.Logger
}

func NewHybridEngine(domain, currency string, decimals, quorum int, deadline time.Duration, direct []Fetcher, cross Engine, log *zap.Logger) *HybridEngine {
	return &HybridEngine{
		domain:   domain,
		currency: currency,
		decimals: decimals,
		quorum:   quorum,
		deadline: deadline,
		direct:   direct,
		cross:    cross,
		nonces:   newNonceCounter(),
		log:      log,
	}
}

func (e *HybridEngine) Domain() string { return e.domain }

func (e *HybridEngine) Evaluate(ctx context.Context) (Assertion, error) {
	type crossResult struct {
		a   Assertion
		err error
	}
	crossCh := make(chan crossResult, 1)
	go func() {
		a, err := e.cross.Evaluate(ctx)
		crossCh <- crossResult{a, err}
	}()

	samples := collect(ctx, e.deadline, e.direct, e.log)

	// The derived rate participates as one additional synthetic source.
	if res := <-crossCh; res.err == nil {
		samples = append(samples, Sample{
			Source:     "crossrate",
			Value:      res.a.Value,
			CapturedAt: res.a.Timestamp,
		})
	} else {
		e.log.Debug("hybrid cross-rate unavailable", zap.String("domain", e.domain), zap.Error(res.err))
	}

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
		Method:    MethodHybrid,
	}, nil
}
