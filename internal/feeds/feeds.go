// Package feeds holds the per-source adapters for upstream exchange and
// central-bank endpoints. Every adapter satisfies oracle.Fetcher (or
// oracle.TradeFetcher): one endpoint each, no internal retries, deadline
// via context. Failures are typed so the aggregation layer can count them.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// ErrorKind classifies a fetch failure.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindHTTPStatus ErrorKind = "http_status"
	KindParse      ErrorKind = "parse"
	KindStale      ErrorKind = "stale"
)

// FetchError is the only error type a fetcher returns.
type FetchError struct {
	Source string
	Kind   ErrorKind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func transportErr(source string, err error) error {
	return &FetchError{Source: source, Kind: KindTransport, Err: err}
}

func statusErr(source string, code int) error {
	return &FetchError{Source: source, Kind: KindHTTPStatus, Err: fmt.Errorf("status %d", code)}
}

func parseErr(source string, err error) error {
	return &FetchError{Source: source, Kind: KindParse, Err: err}
}

func staleErr(source string, age time.Duration) error {
	return &FetchError{Source: source, Kind: KindStale, Err: fmt.Errorf("release is %s old", age.Truncate(time.Second))}
}

// client wraps an http.Client with a per-source rate limiter so a burst of
// concurrent engine evaluations cannot trip an upstream throttle.
type client struct {
	http    *http.Client
	limiter *rate.Limiter
}

func newClient() *client {
	return &client{
		http: &http.Client{Timeout: 10 * time.Second},
		// Upstream public tickers tolerate roughly one request per
		// second per IP; one token per 500ms with a small burst stays
		// well under every venue's published limit.
		limiter: rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
	}
}

// getJSON fetches url and decodes the body into v.
func (c *client) getJSON(ctx context.Context, source, url string, v any) error {
	body, err := c.get(ctx, source, url, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return parseErr(source, err)
	}
	return nil
}

// get fetches url and returns the raw body. userAgent is optional; a few
// bullion sites refuse the default Go client string.
func (c *client) get(ctx context.Context, source, url, userAgent string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, transportErr(source, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportErr(source, err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr(source, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusErr(source, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportErr(source, err)
	}
	return body, nil
}
