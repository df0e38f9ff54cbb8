package oracle

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Method is the deterministic statistic an engine applies to its samples.
type Method string

const (
	MethodMedian Method = "median"
	MethodVWAP   Method = "vwap"
	MethodCross  Method = "cross"
	MethodHybrid Method = "hybrid"
)

// Sample is one price observation from one upstream source.
type Sample struct {
	Source     string
	Value      float64
	Volume     float64 // zero when the venue reports no traded quantity
	CapturedAt time.Time
}

// Trade is a single executed trade, pooled across sources for VWAP.
type Trade struct {
	Price  float64
	Volume float64
}

// Fetcher retrieves one spot sample from one upstream endpoint.
// Implementations must not retry internally; the deadline arrives via ctx.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) (Sample, error)
}

// TradeFetcher retrieves recent trades over a fixed lookback window.
type TradeFetcher interface {
	Name() string
	FetchTrades(ctx context.Context, window time.Duration) ([]Trade, error)
}

// Assertion is the statement of a single metric at a single point in time.
// Its canonical serialization is the sole input to the signature.
type Assertion struct {
	Domain    string    `json:"domain"`
	Value     float64   `json:"value"`
	Currency  string    `json:"currency"`
	Decimals  int       `json:"decimals"`
	Timestamp time.Time `json:"timestamp"`
	Nonce     string    `json:"nonce"`
	Sources   []string  `json:"sources"`
	Method    Method    `json:"method"`
}

// Canonical renders the byte-deterministic wire form:
//
//	v1|<domain>|<value>|<currency>|<decimals>|<ts>|<nonce>|<sources>|<method>
//
// Value carries exactly Decimals fractional digits; sources are lowercased,
// sorted and comma-joined; the timestamp is UTC at second resolution.
func (a Assertion) Canonical() string {
	srcs := make([]string, len(a.Sources))
	for i, s := range a.Sources {
		srcs[i] = strings.ToLower(s)
	}
	sort.Strings(srcs)
	return strings.Join([]string{
		"v1",
		a.Domain,
		strconv.FormatFloat(a.Value, 'f', a.Decimals, 64),
		a.Currency,
		strconv.Itoa(a.Decimals),
		a.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		a.Nonce,
		strings.Join(srcs, ","),
		string(a.Method),
	}, "|")
}

// ParseCanonical is the inverse of Canonical. Used by client tooling and by
// the verification tests; the round trip must preserve every field.
func ParseCanonical(s string) (Assertion, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 9 {
		return Assertion{}, fmt.Errorf("canonical: expected 9 fields, got %d", len(parts))
	}
	if parts[0] != "v1" {
		return Assertion{}, fmt.Errorf("canonical: unknown version %q", parts[0])
	}
	value, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return Assertion{}, fmt.Errorf("canonical: bad value: %w", err)
	}
	decimals, err := strconv.Atoi(parts[4])
	if err != nil {
		return Assertion{}, fmt.Errorf("canonical: bad decimals: %w", err)
	}
	ts, err := time.Parse("2006-01-02T15:04:05Z", parts[5])
	if err != nil {
		return Assertion{}, fmt.Errorf("canonical: bad timestamp: %w", err)
	}
	var sources []string
	if parts[7] != "" {
		sources = strings.Split(parts[7], ",")
	}
	return Assertion{
		Domain:    parts[1],
		Value:     value,
		Currency:  parts[3],
		Decimals:  decimals,
		Timestamp: ts.UTC(),
		Nonce:     parts[6],
		Sources:   sources,
		Method:    Method(parts[8]),
	}, nil
}
