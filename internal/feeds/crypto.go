package feeds

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/myceliasignal/slo/internal/oracle"
)

// Crypto spot adapters. Each venue exposes a public last-trade or ticker
// endpoint; the adapter decodes the venue's JSON shape and returns the last
// price in the venue's native quote. USDT-denominated venues are rebased
// upstream by the tiered engine, never here.

// Coinbase fetches GET /products/{product}/ticker from the Exchange API.
type Coinbase struct {
	BaseURL string // default https://api.exchange.coinbase.com
	Product string // e.g. "BTC-USD"
	c       *client
}

func NewCoinbase(product string) *Coinbase {
	return &Coinbase{BaseURL: "https://api.exchange.coinbase.com", Product: product, c: newClient()}
}

func (f *Coinbase) Name() string { return "coinbase" }

func (f *Coinbase) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body struct {
		Price string `json:"price"`
	}
	url := fmt.Sprintf("%s/products/%s/ticker", f.BaseURL, f.Product)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return oracle.Sample{}, err
	}
	return f.sample(body.Price)
}

func (f *Coinbase) sample(price string) (oracle.Sample, error) {
	v, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return oracle.Sample{}, parseErr(f.Name(), err)
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}

// Kraken fetches GET /0/public/Ticker?pair={pair}. Kraken keys the result
// by its internal pair name, so the adapter takes whichever pair comes back.
type Kraken struct {
	BaseURL string // default https://api.kraken.com
	Pair    string // e.g. "XBTUSD"
	name    string
	c       *client
}

func NewKraken(pair string) *Kraken {
	return &Kraken{BaseURL: "https://api.kraken.com", Pair: pair, name: "kraken", c: newClient()}
}

func (f *Kraken) Name() string { return f.name }

func (f *Kraken) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body struct {
		Result map[string]struct {
			C []string `json:"c"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/0/public/Ticker?pair=%s", f.BaseURL, f.Pair)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return oracle.Sample{}, err
	}
	for _, t := range body.Result {
		if len(t.C) == 0 {
			break
		}
		v, err := strconv.ParseFloat(t.C[0], 64)
		if err != nil {
			return oracle.Sample{}, parseErr(f.Name(), err)
		}
		return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
	}
	return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("no ticker in result"))
}

// Bitstamp fetches GET /api/v2/ticker/{pair}/.
type Bitstamp struct {
	BaseURL string // default https://www.bitstamp.net
	Pair    string // e.g. "btcusd"
	c       *client
}

func NewBitstamp(pair string) *Bitstamp {
	return &Bitstamp{BaseURL: "https://www.bitstamp.net", Pair: pair, c: newClient()}
}

func (f *Bitstamp) Name() string { return "bitstamp" }

func (f *Bitstamp) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body struct {
		Last string `json:"last"`
	}
	url := fmt.Sprintf("%s/api/v2/ticker/%s/", f.BaseURL, f.Pair)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return oracle.Sample{}, err
	}
	v, err := strconv.ParseFloat(body.Last, 64)
	if err != nil {
		return oracle.Sample{}, parseErr(f.Name(), err)
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}

// Gemini fetches GET /v1/pubticker/{symbol}.
type Gemini struct {
	BaseURL string // default https://api.gemini.com
	Symbol  string // e.g. "btcusd"
	c       *client
}

func NewGemini(symbol string) *Gemini {
	return &Gemini{BaseURL: "https://api.gemini.com", Symbol: symbol, c: newClient()}
}

func (f *Gemini) Name() string { return "gemini" }

func (f *Gemini) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body struct {
		Last string `json:"last"`
	}
	url := fmt.Sprintf("%s/v1/pubticker/%s", f.BaseURL, f.Symbol)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return oracle.Sample{}, err
	}
	v, err := strconv.ParseFloat(body.Last, 64)
	if err != nil {
		return oracle.Sample{}, parseErr(f.Name(), err)
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}

// Bitfinex fetches GET /v2/ticker/{ticker}; the body is a bare JSON array
// with the last price at index 6.
type Bitfinex struct {
	BaseURL string // default https://api-pub.bitfinex.com
	Ticker  string // e.g. "tBTCUSD"
	c       *client
}

func NewBitfinex(ticker string) *Bitfinex {
	return &Bitfinex{BaseURL: "https://api-pub.bitfinex.com", Ticker: ticker, c: newClient()}
}

func (f *Bitfinex) Name() string { return "bitfinex" }

func (f *Bitfinex) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body []any
	url := fmt.Sprintf("%s/v2/ticker/%s", f.BaseURL, f.Ticker)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return oracle.Sample{}, err
	}
	if len(body) < 7 {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("ticker array too short: %d", len(body)))
	}
	v, ok := body[6].(float64)
	if !ok {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("last price is %T, not number", body[6]))
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}

// Binance fetches GET /api/v3/ticker/price?symbol={symbol}. The same shape
// serves Binance US and the global data mirror; the source name and base
// URL distinguish them.
type Binance struct {
	BaseURL string
	Symbol  string
	name    string
	c       *client
}

// NewBinanceUS quotes in USD directly.
func NewBinanceUS(symbol string) *Binance {
	return &Binance{BaseURL: "https://api.binance.us", Symbol: symbol, name: "binance_us", c: newClient()}
}

// NewBinanceGlobal quotes in USDT via the public data mirror.
func NewBinanceGlobal(symbol string) *Binance {
	return &Binance{BaseURL: "https://data-api.binance.vision", Symbol: symbol, name: "binance", c: newClient()}
}

func (f *Binance) Name() string { return f.name }

func (f *Binance) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body struct {
		Price string `json:"price"`
	}
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", f.BaseURL, f.Symbol)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return oracle.Sample{}, err
	}
	v, err := strconv.ParseFloat(body.Price, 64)
	if err != nil {
		return oracle.Sample{}, parseErr(f.Name(), err)
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}

// OKX fetches GET /api/v5/market/ticker?instId={instId}.
type OKX struct {
	BaseURL string // default https://www.okx.com
	InstID  string // e.g. "BTC-USDT"
	c       *client
}

func NewOKX(instID string) *OKX {
	return &OKX{BaseURL: "https://www.okx.com", InstID: instID, c: newClient()}
}

func (f *OKX) Name() string { return "okx" }

func (f *OKX) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/api/v5/market/ticker?instId=%s", f.BaseURL, f.InstID)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return oracle.Sample{}, err
	}
	if len(body.Data) == 0 {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("empty data array"))
	}
	v, err := strconv.ParseFloat(body.Data[0].Last, 64)
	if err != nil {
		return oracle.Sample{}, parseErr(f.Name(), err)
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}

// Gateio fetches GET /api/v4/spot/tickers?currency_pair={pair}.
type Gateio struct {
	BaseURL string // default https://api.gateio.ws
	Pair    string // e.g. "BTC_USDT"
	c       *client
}

func NewGateio(pair string) *Gateio {
	return &Gateio{BaseURL: "https://api.gateio.ws", Pair: pair, c: newClient()}
}

func (f *Gateio) Name() string { return "gateio" }

func (f *Gateio) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body []struct {
		Last string `json:"last"`
	}
	url := fmt.Sprintf("%s/api/v4/spot/tickers?currency_pair=%s", f.BaseURL, f.Pair)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return oracle.Sample{}, err
	}
	if len(body) == 0 {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("empty tickers array"))
	}
	v, err := strconv.ParseFloat(body[0].Last, 64)
	if err != nil {
		return oracle.Sample{}, parseErr(f.Name(), err)
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}

// Bybit fetches GET /v5/market/tickers?category=spot&symbol={symbol}.
type Bybit struct {
	BaseURL string // default https://api.bybit.com
	Symbol  string // e.g. "SOLUSDT"
	c       *client
}

func NewBybit(symbol string) *Bybit {
	return &Bybit{BaseURL: "https://api.bybit.com", Symbol: symbol, c: newClient()}
}

func (f *Bybit) Name() string { return "bybit" }

func (f *Bybit) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body struct {
		Result struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	url := fmt.Sprintf("%s/v5/market/tickers?category=spot&symbol=%s", f.BaseURL, f.Symbol)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return oracle.Sample{}, err
	}
	if len(body.Result.List) == 0 {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("empty ticker list"))
	}
	v, err := strconv.ParseFloat(body.Result.List[0].LastPrice, 64)
	if err != nil {
		return oracle.Sample{}, parseErr(f.Name(), err)
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}

// CoinbaseSpot fetches GET /v2/prices/{pair}/spot from the retail API,
// used for tokenized-gold quotes that the Exchange API does not list.
type CoinbaseSpot struct {
	BaseURL string // default https://api.coinbase.com
	Pair    string // e.g. "PAXG-USD"
	c       *client
}

func NewCoinbaseSpot(pair string) *CoinbaseSpot {
	return &CoinbaseSpot{BaseURL: "https://api.coinbase.com", Pair: pair, c: newClient()}
}

func (f *CoinbaseSpot) Name() string { return "coinbase" }

func (f *CoinbaseSpot) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/v2/prices/%s/spot", f.BaseURL, f.Pair)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return oracle.Sample{}, err
	}
	v, err := strconv.ParseFloat(body.Data.Amount, 64)
	if err != nil {
		return oracle.Sample{}, parseErr(f.Name(), err)
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}
