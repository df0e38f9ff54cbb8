package feeds

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/myceliasignal/slo/internal/oracle"
)

// Official-rate adapters. Central banks publish once per business day, so
// each adapter parses the release's own date and rejects releases older
// than MaxAge with a stale error; weekends and holidays need headroom,
// hence the generous default.

const defaultRateMaxAge = 96 * time.Hour

// ECB fetches the euro reference rate via the Frankfurter mirror.
type ECB struct {
	BaseURL string // default https://api.frankfurter.dev
	MaxAge  time.Duration
	c       *client
}

func NewECB(maxAge time.Duration) *ECB {
	if maxAge <= 0 {
		maxAge = defaultRateMaxAge
	}
	return &ECB{BaseURL: "https://api.frankfurter.dev", MaxAge: maxAge, c: newClient()}
}

func (f *ECB) Name() string { return "ecb" }

func (f *ECB) Fetch(ctx context.Context) (oracle.Sample, error) {
	var body struct {
		Date  string             `json:"date"`
		Rates map[string]float64 `json:"rates"`
	}
	if err := f.c.getJSON(ctx, f.Name(), f.BaseURL+"/v1/latest?symbols=USD", &body); err != nil {
		return oracle.Sample{}, err
	}
	usd, ok := body.Rates["USD"]
	if !ok {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("no USD rate in release"))
	}
	if err := checkReleaseDate(f.Name(), body.Date, f.MaxAge); err != nil {
		return oracle.Sample{}, err
	}
	return oracle.Sample{Source: f.Name(), Value: usd, CapturedAt: time.Now()}, nil
}

// BankOfCanada derives EURUSD indirectly from the Valet observations
// EURCAD / USDCAD, the bank's two published legs.
type BankOfCanada struct {
	BaseURL string // default https://www.bankofcanada.ca
	MaxAge  time.Duration
	c       *client
}

func NewBankOfCanada(maxAge time.Duration) *BankOfCanada {
	if maxAge <= 0 {
		maxAge = defaultRateMaxAge
	}
	return &BankOfCanada{BaseURL: "https://www.bankofcanada.ca", MaxAge: maxAge, c: newClient()}
}

func (f *BankOfCanada) Name() string { return "bankofcanada" }

func (f *BankOfCanada) observation(ctx context.Context, series string) (float64, string, error) {
	var body struct {
		Observations []map[string]any `json:"observations"`
	}
	url := fmt.Sprintf("%s/valet/observations/%s/json?recent=1", f.BaseURL, series)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return 0, "", err
	}
	if len(body.Observations) == 0 {
		return 0, "", parseErr(f.Name(), fmt.Errorf("%s: no observations", series))
	}
	obs := body.Observations[0]
	date, _ := obs["d"].(string)
	entry, ok := obs[series].(map[string]any)
	if !ok {
		return 0, "", parseErr(f.Name(), fmt.Errorf("%s: missing series entry", series))
	}
	raw, _ := entry["v"].(string)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, "", parseErr(f.Name(), err)
	}
	return v, date, nil
}

func (f *BankOfCanada) Fetch(ctx context.Context) (oracle.Sample, error) {
	eurcad, date, err := f.observation(ctx, "FXEURCAD")
	if err != nil {
		return oracle.Sample{}, err
	}
	usdcad, _, err := f.observation(ctx, "FXUSDCAD")
	if err != nil {
		return oracle.Sample{}, err
	}
	if err := checkReleaseDate(f.Name(), date, f.MaxAge); err != nil {
		return oracle.Sample{}, err
	}
	return oracle.Sample{Source: f.Name(), Value: eurcad / usdcad, CapturedAt: time.Now()}, nil
}

// NorgesBank derives EURUSD from the SDMX observations EURNOK / USDNOK.
type NorgesBank struct {
	BaseURL string // default https://data.norges-bank.no
	c       *client
}

func NewNorgesBank() *NorgesBank {
	return &NorgesBank{BaseURL: "https://data.norges-bank.no", c: newClient()}
}

func (f *NorgesBank) Name() string { return "norgesbank" }

func (f *NorgesBank) observation(ctx context.Context, currency string) (float64, error) {
	var body struct {
		Data struct {
			DataSets []struct {
				Series map[string]struct {
					Observations map[string][]any `json:"observations"`
				} `json:"series"`
			} `json:"dataSets"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/api/data/EXR/B.%s.NOK.SP?format=sdmx-json&lastNObservations=1", f.BaseURL, currency)
	if err := f.c.getJSON(ctx, f.Name(), url, &body); err != nil {
		return 0, err
	}
	if len(body.Data.DataSets) == 0 {
		return 0, parseErr(f.Name(), fmt.Errorf("no data sets"))
	}
	for _, series := range body.Data.DataSets[0].Series {
		for _, obs := range series.Observations {
			if len(obs) == 0 {
				continue
			}
			switch v := obs[0].(type) {
			case string:
				parsed, err := strconv.ParseFloat(v, 64)
				if err != nil {
					return 0, parseErr(f.Name(), err)
				}
				return parsed, nil
			case float64:
				return v, nil
			}
		}
	}
	return 0, parseErr(f.Name(), fmt.Errorf("no observation for %s", currency))
}

func (f *NorgesBank) Fetch(ctx context.Context) (oracle.Sample, error) {
	eurnok, err := f.observation(ctx, "EUR")
	if err != nil {
		return oracle.Sample{}, err
	}
	usdnok, err := f.observation(ctx, "USD")
	if err != nil {
		return oracle.Sample{}, err
	}
	return oracle.Sample{Source: f.Name(), Value: eurnok / usdnok, CapturedAt: time.Now()}, nil
}

// CNB parses the Czech National Bank's pipe-delimited daily fixing. The
// first line carries the release date ("26 Aug 2026 #166").
type CNB struct {
	BaseURL string // default https://www.cnb.cz
	MaxAge  time.Duration
	c       *client
}

func NewCNB(maxAge time.Duration) *CNB {
	if maxAge <= 0 {
		maxAge = defaultRateMaxAge
	}
	return &CNB{BaseURL: "https://www.cnb.cz", MaxAge: maxAge, c: newClient()}
}

func (f *CNB) Name() string { return "cnb" }

func (f *CNB) Fetch(ctx context.Context) (oracle.Sample, error) {
	const path = "/en/financial-markets/foreign-exchange-market/central-bank-exchange-rate-fixing/central-bank-exchange-rate-fixing/daily.txt"
	body, err := f.c.get(ctx, f.Name(), f.BaseURL+path, "")
	if err != nil {
		return oracle.Sample{}, err
	}
	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) < 3 {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("fixing has %d lines", len(lines)))
	}

	if dateField := strings.SplitN(strings.TrimSpace(lines[0]), " #", 2)[0]; dateField != "" {
		if released, err := time.Parse("02 Jan 2006", dateField); err == nil {
			if age := time.Since(released); age > f.MaxAge {
				return oracle.Sample{}, staleErr(f.Name(), age)
			}
		}
	}

	var eur, usd float64
	for _, line := range lines[2:] {
		parts := strings.Split(line, "|")
		if len(parts) < 5 {
			continue
		}
		code := strings.TrimSpace(parts[3])
		amount, err1 := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
		fix, err2 := strconv.ParseFloat(strings.TrimSpace(parts[4]), 64)
		if err1 != nil || err2 != nil || amount == 0 {
			continue
		}
		switch code {
		case "EUR":
			eur = fix / amount
		case "USD":
			usd = fix / amount
		}
	}
	if eur == 0 || usd == 0 {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("EUR or USD missing from fixing"))
	}
	return oracle.Sample{Source: f.Name(), Value: eur / usd, CapturedAt: time.Now()}, nil
}

// RBA scrapes the Reserve Bank of Australia's exchange-rate RSS and derives
// EURUSD from the published AUD legs.
type RBA struct {
	BaseURL string // default https://www.rba.gov.au
	c       *client
}

func NewRBA() *RBA {
	return &RBA{BaseURL: "https://www.rba.gov.au", c: newClient()}
}

func (f *RBA) Name() string { return "rba" }

var (
	rbaUSD = regexp.MustCompile(`AU:\s+([\d.]+)\s+USD\s+=\s+1\s+AUD`)
	rbaEUR = regexp.MustCompile(`AU:\s+([\d.]+)\s+EUR\s+=\s+1\s+AUD`)
)

func (f *RBA) Fetch(ctx context.Context) (oracle.Sample, error) {
	body, err := f.c.get(ctx, f.Name(), f.BaseURL+"/rss/rss-cb-exchange-rates.xml", "")
	if err != nil {
		return oracle.Sample{}, err
	}
	usdMatch := rbaUSD.FindSubmatch(body)
	eurMatch := rbaEUR.FindSubmatch(body)
	if usdMatch == nil || eurMatch == nil {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("USD or EUR leg missing from RSS"))
	}
	audUSD, err1 := strconv.ParseFloat(string(usdMatch[1]), 64)
	audEUR, err2 := strconv.ParseFloat(string(eurMatch[1]), 64)
	if err1 != nil || err2 != nil || audEUR == 0 {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("bad AUD legs"))
	}
	return oracle.Sample{Source: f.Name(), Value: audUSD / audEUR, CapturedAt: time.Now()}, nil
}

// checkReleaseDate rejects a dated release older than maxAge. An unparsable
// date counts as a parse failure, not a pass.
func checkReleaseDate(source, date string, maxAge time.Duration) error {
	released, err := time.Parse("2006-01-02", date)
	if err != nil {
		return parseErr(source, fmt.Errorf("release date %q: %w", date, err))
	}
	if age := time.Since(released); age > maxAge {
		return staleErr(source, age)
	}
	return nil
}
