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

// Traditional gold adapters. The bullion dealers publish no JSON API, so
// these parse the CSV/HTML they do serve and range-check the result against
// plausible spot bounds to reject layout drift.

const (
	goldFloorUSD   = 1000
	goldCeilingUSD = 20000
	browserUA      = "Mozilla/5.0"
)

// Kitco fetches the precious-metals proxy's CSV line; field 5 is the bid.
type Kitco struct {
	BaseURL string // default https://proxy.kitco.com
	c       *client
}

func NewKitco() *Kitco {
	return &Kitco{BaseURL: "https://proxy.kitco.com", c: newClient()}
}

func (f *Kitco) Name() string { return "kitco" }

func (f *Kitco) Fetch(ctx context.Context) (oracle.Sample, error) {
	body, err := f.c.get(ctx, f.Name(), f.BaseURL+"/getPM?symbol=AU&currency=USD", "")
	if err != nil {
		return oracle.Sample{}, err
	}
	parts := strings.Split(strings.TrimSpace(string(body)), ",")
	if len(parts) < 6 {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("CSV has %d fields", len(parts)))
	}
	v, err := strconv.ParseFloat(parts[5], 64)
	if err != nil {
		return oracle.Sample{}, parseErr(f.Name(), err)
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}

var dollarPrice = regexp.MustCompile(`\$[\d,]+\.\d+`)

// scrapeDollarPrice returns the first in-range dollar figure on a page.
func scrapeDollarPrice(body []byte) (float64, bool) {
	for _, m := range dollarPrice.FindAllString(string(body), -1) {
		cleaned := strings.NewReplacer("$", "", ",", "").Replace(m)
		v, err := strconv.ParseFloat(cleaned, 64)
		if err == nil && v > goldFloorUSD && v < goldCeilingUSD {
			return v, true
		}
	}
	return 0, false
}

// JMBullion scrapes the dealer's gold price chart page.
type JMBullion struct {
	BaseURL string // default https://www.jmbullion.com
	c       *client
}

func NewJMBullion() *JMBullion {
	return &JMBullion{BaseURL: "https://www.jmbullion.com", c: newClient()}
}

func (f *JMBullion) Name() string { return "jmbullion" }

func (f *JMBullion) Fetch(ctx context.Context) (oracle.Sample, error) {
	body, err := f.c.get(ctx, f.Name(), f.BaseURL+"/charts/gold-price/", browserUA)
	if err != nil {
		return oracle.Sample{}, err
	}
	v, ok := scrapeDollarPrice(body)
	if !ok {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("no in-range price on page"))
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}

// GoldBroker scrapes the dealer's USD chart page.
type GoldBroker struct {
	BaseURL string // default https://www.goldbroker.com
	c       *client
}

func NewGoldBroker() *GoldBroker {
	return &GoldBroker{BaseURL: "https://www.goldbroker.com", c: newClient()}
}

func (f *GoldBroker) Name() string { return "goldbroker" }

func (f *GoldBroker) Fetch(ctx context.Context) (oracle.Sample, error) {
	body, err := f.c.get(ctx, f.Name(), f.BaseURL+"/charts/gold-price/usd", browserUA)
	if err != nil {
		return oracle.Sample{}, err
	}
	v, ok := scrapeDollarPrice(body)
	if !ok {
		return oracle.Sample{}, parseErr(f.Name(), fmt.Errorf("no in-range price on page"))
	}
	return oracle.Sample{Source: f.Name(), Value: v, CapturedAt: time.Now()}, nil
}
