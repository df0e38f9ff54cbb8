package oracle

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
)

// TieredEngine implements the USD-normalized domain with a stablecoin tier.
// Tier 1 sources quote in the reference currency directly; tier 2 sources
// quote in a stablecoin and are rebased through an independently computed
// stablecoin/reference rate. If the two tiers' medians diverge beyond the
// threshold the stablecoin tier is dropped wholesale and the quorum is
// re-evaluated against the tighter tier-1 minimum.
type TieredEngine struct {
	domain     string
	currency   string
	decimals   int
	quorum     int // minimum sources when both tiers participate
	quorumBase int // minimum tier-1 sources after a tier drop
	divergence float64
	deadline   time.Duration
	base       []Fetcher // tier 1, reference-currency quoted
	stable     []Fetcher // tier 2, stablecoin quoted
	rate       []Fetcher // declared reference venues for the stablecoin rate
	nonces     *nonceCounter
	log        *zap.Logger
}

func NewTieredEngine(domain, currency string, decimals, quorum, quorumBase int, divergence float64, deadline time.Duration, base, stable, rate []Fetcher, log *zap.Logger) *TieredEngine {
	return &TieredEngine{
		domain:     domain,
		currency:   currency,
		decimals:   decimals,
		quorum:     quorum,
		quorumBase: quorumBase,
		divergence: divergence,
		deadline:   deadline,
		base:       base,
		stable:     stable,
		rate:       rate,
		nonces:     newNonceCounter(),
		log:        log,
	}
}

func (e *TieredEngine) Domain() string { return e.domain }

func (e *TieredEngine) Evaluate(ctx context.Context) (Assertion, error) {
	baseSamples := collect(ctx, e.deadline, e.base, e.log)

	// The stablecoin rate is the median of the declared reference venues.
	// Without it the stablecoin tier cannot participate at all.
	rateSamples := collect(ctx, e.deadline, e.rate, e.log)
	var stableSamples []Sample
	if len(rateSamples) > 0 {
		rate := Median(sampleValues(rateSamples))
		for _, s := range collect(ctx, e.deadline, e.stable, e.log) {
			s.Value = roundTo(s.Value*rate, e.decimals)
			stableSamples = append(stableSamples, s)
		}
	}

	dropped := false
	if len(baseSamples) >= 2 && len(stableSamples) >= 1 {
		baseMedian := Median(sampleValues(baseSamples))
		stableMedian := Median(sampleValues(stableSamples))
		if math.Abs(baseMedian-stableMedian)/baseMedian > e.divergence {
			e.log.Warn("stablecoin tier dropped on divergence",
				zap.String("domain", e.domain),
				zap.Float64("base_median", baseMedian),
				zap.Float64("stable_median", stableMedian))
			dropped = true
			stableSamples = nil
		}
	}

	all := append(baseSamples, stableSamples...)
	need := e.quorum
	if dropped {
		need = e.quorumBase
	}
	if len(all) < need {
		return Assertion{}, &QuorumError{Domain: e.domain, Got: len(all), Need: need}
	}

	return Assertion{
		Domain:    e.domain,
		Value:     roundTo(Median(sampleValues(all)), e.decimals),
		Currency:  e.currency,
		Decimals:  e.decimals,
		Timestamp: time.Now().UTC().Truncate(time.Second),
		Nonce:     e.nonces.next(),
		Sources:   sourceNames(all),
		Method:    MethodMedian,
	}, nil
}
