package feeds

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/myceliasignal/slo/internal/oracle"
)

// Trade-stream adapters for the VWAP engines. Each returns the venue's
// recent trades filtered to the requested lookback window; the pooling and
// the statistic live in the aggregation layer.

// CoinbaseTrades fetches GET /products/{product}/trades.
type CoinbaseTrades struct {
	BaseURL string // default https://api.exchange.coinbase.com
	Product string // e.g. "BTC-USD"
	c       *client
}

func NewCoinbaseTrades(product string) *CoinbaseTrades {
	return &CoinbaseTrades{BaseURL: "https://api.exchange.coinbase.com", Product: product, c: newClient()}
}

func (f *CoinbaseTrades) Name() string { return "coinbase" }

func (f *CoinbaseTrades) FetchTrades(ctx context.Context, window time.Duration) ([]oracle.Trade, error) {
	var body []struct {
		Time  string `json:"time"`
		Price string `json:"price"`
		Size  string `json:"size"`
	}
	url := fmt.Sprintf("%s/products/%s/trades", f.BaseURL, f.Product)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-window)
	var trades []oracle.Trade
	for _, t := range body {
		price, err1 := strconv.ParseFloat(t.Price, 64)
		size, err2 := strconv.ParseFloat(t.Size, 64)
		if err1 != nil || err2 != nil {
			return nil, parseErr(f.Name(), fmt.Errorf("bad trade %q/%q", t.Price, t.Size))
		}
		if ts, err := time.Parse(time.RFC3339Nano, t.Time); err == nil && ts.Before(cutoff) {
			continue
		}
		trades = append(trades, oracle.Trade{Price: price, Volume: size})
	}
	return trades, nil
}

// KrakenTrades fetches GET /0/public/Trades?pair={pair}&since={ns}. Kraken
// trades arrive as arrays [price, volume, time, ...] keyed by internal
// pair name.
type KrakenTrades struct {
	BaseURL string // default https://api.kraken.com
	Pair    string // e.g. "XBTUSD"
	c       *client
}

func NewKrakenTrades(pair string) *KrakenTrades {
	return &KrakenTrades{BaseURL: "https://api.kraken.com", Pair: pair, c: newClient()}
}

func (f *KrakenTrades) Name() string { return "kraken" }

func (f *KrakenTrades) FetchTrades(ctx context.Context, window time.Duration) ([]oracle.Trade, error) {
	var body struct {
		Result map[string]any `json:"result"`
	}
	since := time.Now().Add(-window).UnixNano()
	url := fmt.Sprintf("%s/0/public/Trades?pair=%s&since=%d", f.BaseURL, f.Pair, since)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return nil, err
	}
	for key, raw := range body.Result {
		if key == "last" {
			continue
		}
		rows, ok := raw.([]any)
		if !ok {
			return nil, parseErr(f.Name(), fmt.Errorf("trades for %s are %T", key, raw))
		}
		cutoff := float64(time.Now().Add(-window).Unix())
		var trades []oracle.Trade
		for _, row := range rows {
			fields, ok := row.([]any)
			if !ok || len(fields) < 3 {
				return nil, parseErr(f.Name(), fmt.Errorf("short trade row"))
			}
			priceStr, ok1 := fields[0].(string)
			volStr, ok2 := fields[1].(string)
			ts, ok3 := fields[2].(float64)
			if !ok1 || !ok2 || !ok3 {
				return nil, parseErr(f.Name(), fmt.Errorf("unexpected trade field types"))
			}
			if ts < cutoff {
				continue
			}
			price, err1 := strconv.ParseFloat(priceStr, 64)
			vol, err2 := strconv.ParseFloat(volStr, 64)
			if err1 != nil || err2 != nil {
				return nil, parseErr(f.Name(), fmt.Errorf("bad trade %q/%q", priceStr, volStr))
			}
			trades = append(trades, oracle.Trade{Price: price, Volume: vol})
		}
		return trades, nil
	}
	return nil, parseErr(f.Name(), fmt.Errorf("no trade series in result"))
}
