package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "tickerd/pkg/logx"
)

// HTTPConfig configures the reference provider client.
type HTTPConfig struct {
	BaseURL string
	APIKey  string

	// RequestsPerSec is a hard token-bucket cap on provider requests. It sits
	// beneath the adaptive limiter: the adaptive delay spaces attempts, this
	// cap guarantees a ceiling even if the adaptive delay is at its floor.
	RequestsPerSec float64
	Burst          int

	// Timeout bounds the HTTP exchange of each attempt. Time spent queued for
	// a token does not count against it.
	Timeout time.Duration

	// Client overrides the HTTP client, for tests.
	Client *http.Client
}

// HTTPClient fetches bars from a JSON HTTP provider:
//
//	GET {base}/bars?symbol=AAPL&interval=1d&since=2026-08-20T00:00:00Z
//	-> {"bars": [{"time": ..., "open": ..., ...}]}
//
// The API key travels in the X-API-Key header so it never appears in URLs or
// logs.
type HTTPClient struct {
	base    string
	apiKey  string
	hc      *http.Client
	cap     *rate.Limiter
	timeout time.Duration
	log     logx.Logger
}

type barsResponse struct {
	Bars []Bar `json:"bars"`
}

func NewHTTPClient(cfg HTTPConfig, log logx.Logger) *HTTPClient {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		hc:      hc,
		cap:     rate.NewLimiter(rate.Limit(rps), burst),
		timeout: timeout,
		log:     log.With(logx.String("comp", "fetch")),
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, entity, interval string, since time.Time) (TimeSeries, error) {
	if err := c.cap.Wait(ctx); err != nil {
		// Context ended while queued for a token; not a provider failure.
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	q := url.Values{}
	q.Set("symbol", entity)
	q.Set("interval", interval)
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/bars?"+q.Encode(), nil)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Entity: entity, Interval: interval, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tickerd")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		// Propagate parent cancellation untouched so the executor can tell
		// shutdown apart from a provider failure.
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindTransient, Entity: entity, Interval: interval, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		drain(resp.Body)
		return nil, &Error{Kind: KindRateLimited, Entity: entity, Interval: interval,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		drain(resp.Body)
		return nil, &Error{Kind: KindNotFound, Entity: entity, Interval: interval,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 500:
		drain(resp.Body)
		return nil, &Error{Kind: KindTransient, Entity: entity, Interval: interval,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		// Remaining 4xx: the request itself is wrong (bad params, bad key).
		// Slower polling won't fix it.
		drain(resp.Body)
		return nil, &Error{Kind: KindMalformed, Entity: entity, Interval: interval,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var body barsResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 32<<20)).Decode(&body); err != nil {
		return nil, &Error{Kind: KindMalformed, Entity: entity, Interval: interval,
			Err: fmt.Errorf("decode: %w", err)}
	}
	return TimeSeries(body.Bars), nil
}

// drain lets the transport reuse the connection.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 1<<20))
}
