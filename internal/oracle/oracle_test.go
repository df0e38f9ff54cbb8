package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"go.uber.org/zap"
)

// ── Fakes ─────────────────────────────────────────────────────────────────────

type staticFetcher struct {
	name  string
	value float64
	err   error
}

func (f staticFetcher) Name() string { return f.name }

func (f staticFetcher) Fetch(_ context.Context) (Sample, error) {
	if f.err != nil {
		return Sample{}, f.err
	}
	return Sample{Source: f.name, Value: f.value, CapturedAt: time.Now()}, nil
}

type staticTrades struct {
	name   string
	trades []Trade
}

func (f staticTrades) Name() string { return f.name }

func (f staticTrades) FetchTrades(_ context.Context, _ time.Duration) ([]Trade, error) {
	return f.trades, nil
}

type fixedEngine struct {
	a   Assertion
	err error
}

func (e fixedEngine) Domain() string { return e.a.Domain }

func (e fixedEngine) Evaluate(_ context.Context) (Assertion, error) {
	return e.a, e.err
}

// ── Canonical ─────────────────────────────────────────────────────────────────

func TestCanonicalFormat(t *testing.T) {
	a := Assertion{
		Domain:    "BTCUSD",
		Value:     69004.5,
		Currency:  "USD",
		Decimals:  2,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC),
		Nonce:     "42",
		Sources:   []string{"Kraken", "coinbase", "bitstamp"},
		Method:    MethodMedian,
	}
	want := "v1|BTCUSD|69004.50|USD|2|2026-03-01T12:00:05Z|42|bitstamp,coinbase,kraken|median"
	if got := a.Canonical(); got != want {
		t.Fatalf("canonical = %q, want %q", got, want)
	}
}

func TestCanonicalSourceOrderIndependent(t *testing.T) {
	base := Assertion{
		Domain: "ETHUSD", Value: 3500, Currency: "USD", Decimals: 2,
		Timestamp: time.Now().UTC(), Nonce: "1",
		Sources: []string{"a", "b", "c"}, Method: MethodMedian,
	}
	perm := base
	perm.Sources = []string{"c", "a", "b"}
	if base.Canonical() != perm.Canonical() {
		t.Fatal("canonical depends on source order")
	}
}

func TestCanonicalRoundTrip(t *testing.T) {
	a := Assertion{
		Domain:    "EURUSD",
		Value:     1.08125,
		Currency:  "USD",
		Decimals:  5,
		Timestamp: time.Date(2026, 8, 26, 9, 30, 0, 0, time.UTC),
		Nonce:     "1756200000000001",
		Sources:   []string{"ecb", "cnb", "rba"},
		Method:    MethodMedian,
	}
	parsed, err := ParseCanonical(a.Canonical())
	if err != nil {
		t.Fatalf("ParseCanonical: %v", err)
	}
	if parsed.Canonical() != a.Canonical() {
		t.Fatalf("round trip changed canonical:\n%s\n%s", a.Canonical(), parsed.Canonical())
	}
}

func TestParseCanonicalRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"v1|BTCUSD|oops",
		"v2|BTCUSD|1.00|USD|2|2026-01-01T00:00:00Z|1|a|median",
		"v1|BTCUSD|abc|USD|2|2026-01-01T00:00:00Z|1|a|median",
	} {
		if _, err := ParseCanonical(s); err == nil {
			t.Errorf("ParseCanonical(%q) accepted", s)
		}
	}
}

// ── Median ────────────────────────────────────────────────────────────────────

func TestMedian(t *testing.T) {
	cases := []struct {
		in   []float64
		want float64
	}{
		{[]float64{1}, 1},
		{[]float64{69001.00, 69010.00, 69003.00}, 69003.00},
		{[]float64{100.00, 100.10}, 100.05},
		{[]float64{4, 1, 3, 2}, 2.5},
	}
	for _, tc := range cases {
		if got := Median(append([]float64{}, tc.in...)); got != tc.want {
			t.Errorf("Median(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMedianPermutationIndependent(t *testing.T) {
	values := []float64{5, 1, 9, 2, 8, 3, 7}
	want := Median(append([]float64{}, values...))
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		perm := append([]float64{}, values...)
		rng.Shuffle(len(perm), func(a, b int) { perm[a], perm[b] = perm[b], perm[a] })
		if got := Median(perm); got != want {
			t.Fatalf("Median(%v) = %v, want %v", perm, got, want)
		}
	}
}

// ── Median engine ─────────────────────────────────────────────────────────────

func TestMedianEngineQuorum(t *testing.T) {
	log := zap.NewNop()
	e := NewMedianEngine("BTCUSD", "USD", 2, 3, time.Second, []Fetcher{
		staticFetcher{name: "a", value: 69001},
		staticFetcher{name: "b", err: fmt.Errorf("down")},
		staticFetcher{name: "c", value: 69003},
	}, log)

	_, err := e.Evaluate(context.Background())
	var qe *QuorumError
	if !errors.As(err, &qe) {
		t.Fatalf("want QuorumError, got %v", err)
	}
	if qe.Got != 2 || qe.Need != 3 {
		t.Fatalf("quorum = %d/%d, want 2/3", qe.Got, qe.Need)
	}
}

func TestMedianEngineEvaluate(t *testing.T) {
	e := NewMedianEngine("BTCUSD", "USD", 2, 3, time.Second, []Fetcher{
		staticFetcher{name: "a", value: 69001.00},
		staticFetcher{name: "b", value: 69010.00},
		staticFetcher{name: "c", value: 69003.00},
	}, zap.NewNop())

	a, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.Value != 69003.00 {
		t.Fatalf("value = %v, want 69003.00", a.Value)
	}
	if len(a.Sources) != 3 || a.Method != MethodMedian {
		t.Fatalf("unexpected assertion: %+v", a)
	}
	if a.Nonce == "" {
		t.Fatal("empty nonce")
	}

	b, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("second Evaluate: %v", err)
	}
	if b.Nonce == a.Nonce {
		t.Fatal("nonce repeated across evaluations")
	}
}

// ── Tiered engine ─────────────────────────────────────────────────────────────

func TestTieredDropsDivergentStableTier(t *testing.T) {
	e := NewTieredEngine("BTCUSD", "USD", 2, 3, 2, 0.005, time.Second,
		[]Fetcher{
			staticFetcher{name: "coinbase", value: 100.00},
			staticFetcher{name: "kraken", value: 100.10},
		},
		[]Fetcher{
			staticFetcher{name: "binance", value: 104.00},
		},
		[]Fetcher{
			staticFetcher{name: "usdt-ref", value: 1.0},
		}, zap.NewNop())

	a, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.Value != 100.05 {
		t.Fatalf("value = %v, want 100.05", a.Value)
	}
	for _, s := range a.Sources {
		if s == "binance" {
			t.Fatal("divergent stablecoin source kept")
		}
	}
}

func TestTieredKeepsConvergentStableTier(t *testing.T) {
	e := NewTieredEngine("BTCUSD", "USD", 2, 3, 2, 0.005, time.Second,
		[]Fetcher{
			staticFetcher{name: "coinbase", value: 100.00},
			staticFetcher{name: "kraken", value: 100.10},
		},
		[]Fetcher{
			staticFetcher{name: "binance", value: 100.20},
		},
		[]Fetcher{
			staticFetcher{name: "usdt-ref", value: 1.0},
		}, zap.NewNop())

	a, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(a.Sources) != 3 {
		t.Fatalf("sources = %v, want all three", a.Sources)
	}
	if a.Value != 100.10 {
		t.Fatalf("value = %v, want 100.10", a.Value)
	}
}

func TestTieredRebasesThroughRate(t *testing.T) {
	// Stablecoin trades at 0.999 USD; a 100.00-stable quote rebases to 99.90.
	e := NewTieredEngine("BTCUSD", "USD", 2, 2, 2, 0.05, time.Second,
		[]Fetcher{
			staticFetcher{name: "coinbase", value: 99.90},
		},
		[]Fetcher{
			staticFetcher{name: "binance", value: 100.00},
		},
		[]Fetcher{
			staticFetcher{name: "usdt-ref", value: 0.999},
		}, zap.NewNop())

	a, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.Value != 99.90 {
		t.Fatalf("value = %v, want 99.90", a.Value)
	}
}

func TestTieredRequiresTighterQuorumAfterDrop(t *testing.T) {
	// One base source plus one wildly divergent stable source: the drop
	// leaves a single sample, below the tier-1 minimum of 2.
	e := NewTieredEngine("BTCUSD", "USD", 2, 2, 2, 0.005, time.Second,
		[]Fetcher{
			staticFetcher{name: "coinbase", value: 100.00},
			staticFetcher{name: "kraken", value: 100.00},
		},
		[]Fetcher{
			staticFetcher{name: "binance", value: 150.00},
		},
		[]Fetcher{
			staticFetcher{name: "usdt-ref", value: 1.0},
		}, zap.NewNop())

	a, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.Value != 100.00 {
		t.Fatalf("value = %v, want 100.00", a.Value)
	}
}

// ── VWAP ──────────────────────────────────────────────────────────────────────

func TestVWAPPool(t *testing.T) {
	e := NewVWAPEngine("BTCUSD", "USD", 2, 5*time.Minute, 2, 2, time.Second,
		[]TradeFetcher{
			staticTrades{name: "coinbase", trades: []Trade{{Price: 100.00, Volume: 3}}},
			staticTrades{name: "kraken", trades: []Trade{{Price: 99.50, Volume: 2}}},
		}, zap.NewNop())

	a, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.Value != 99.80 {
		t.Fatalf("value = %v, want 99.80", a.Value)
	}
	if a.Method != MethodVWAP {
		t.Fatalf("method = %v, want vwap", a.Method)
	}
}

func TestVWAPQuorumBySourcesAndTrades(t *testing.T) {
	one := []TradeFetcher{
		staticTrades{name: "coinbase", trades: []Trade{{Price: 100, Volume: 1}, {Price: 101, Volume: 1}}},
	}
	e := NewVWAPEngine("BTCUSD", "USD", 2, 5*time.Minute, 2, 2, time.Second, one, zap.NewNop())
	if _, err := e.Evaluate(context.Background()); err == nil {
		t.Fatal("single source passed a 2-source quorum")
	}

	e = NewVWAPEngine("BTCUSD", "USD", 2, 5*time.Minute, 10, 1, time.Second, one, zap.NewNop())
	if _, err := e.Evaluate(context.Background()); err == nil {
		t.Fatal("2 trades passed a 10-trade minimum")
	}
}

// ── Cross and hybrid ──────────────────────────────────────────────────────────

func TestCrossEngine(t *testing.T) {
	base := fixedEngine{a: Assertion{Domain: "BTCUSD", Value: 60000.00, Sources: []string{"coinbase", "kraken"}}}
	quote := fixedEngine{a: Assertion{Domain: "EURUSD", Value: 1.10, Sources: []string{"ecb", "kraken"}}}

	e := NewCrossEngine("BTCEUR", "EUR", 2, base, quote)
	a, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.Value != 54545.45 {
		t.Fatalf("value = %v, want 54545.45", a.Value)
	}
	if len(a.Sources) != 3 {
		t.Fatalf("sources = %v, want deduped union of 3", a.Sources)
	}
	if a.Method != MethodCross {
		t.Fatalf("method = %v, want cross", a.Method)
	}
}

func TestCrossEnginePropagatesQuorumError(t *testing.T) {
	base := fixedEngine{err: &QuorumError{Domain: "BTCUSD", Got: 1, Need: 3}}
	quote := fixedEngine{a: Assertion{Domain: "EURUSD", Value: 1.10}}

	e := NewCrossEngine("BTCEUR", "EUR", 2, base, quote)
	_, err := e.Evaluate(context.Background())
	var qe *QuorumError
	if !errors.As(err, &qe) {
		t.Fatalf("want QuorumError, got %v", err)
	}
}

func TestHybridIncludesSyntheticSource(t *testing.T) {
	cross := fixedEngine{a: Assertion{Domain: "ETHEUR-CROSS", Value: 3180.00, Timestamp: time.Now().UTC()}}
	e := NewHybridEngine("ETHEUR", "EUR", 2, 2, time.Second,
		[]Fetcher{
			staticFetcher{name: "coinbase", value: 3181.00},
			staticFetcher{name: "kraken", value: 3179.00},
		}, cross, zap.NewNop())

	a, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	found := false
	for _, s := range a.Sources {
		if s == "crossrate" {
			found = true
		}
	}
	if !found {
		t.Fatalf("sources = %v, missing crossrate", a.Sources)
	}
	if a.Value != 3180.00 {
		t.Fatalf("value = %v, want 3180.00", a.Value)
	}
}

func TestHybridSurvivesCrossFailure(t *testing.T) {
	cross := fixedEngine{err: &QuorumError{Domain: "ETHEUR-CROSS", Got: 0, Need: 2}}
	e := NewHybridEngine("ETHEUR", "EUR", 2, 2, time.Second,
		[]Fetcher{
			staticFetcher{name: "coinbase", value: 3181.00},
			staticFetcher{name: "kraken", value: 3179.00},
		}, cross, zap.NewNop())

	a, err := e.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if a.Value != 3180.00 {
		t.Fatalf("value = %v, want 3180.00", a.Value)
	}
}

// ── Rounding ──────────────────────────────────────────────────────────────────

func TestRoundTo(t *testing.T) {
	cases := []struct {
		v        float64
		decimals int
		want     float64
	}{
		{54545.4545, 2, 54545.45},
		{100.046, 2, 100.05},
		{1.081249, 5, 1.08125},
		{-2.006, 2, -2.01},
	}
	for _, tc := range cases {
		if got := roundTo(tc.v, tc.decimals); got != tc.want {
			t.Errorf("roundTo(%v, %d) = %v, want %v", tc.v, tc.decimals, got, tc.want)
		}
	}
}
