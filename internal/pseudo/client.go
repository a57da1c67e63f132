// Package pseudo is the HTTP client for the external pseudonymization
// service.
//
// The service receives {"prompt","id"} on POST /pseudonymize and answers
// with the masked prompt plus the substitutions it made. Every call has a
// per-attempt timeout and a bounded number of retries with exponential
// backoff. A disabled client answers with the text unchanged and an empty
// mapping, so callers never need a separate code path for it.
package pseudo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/mapping"
)

// Option defaults. Zero Timeout and Backoff fall back to them; MaxRetries
// is taken as given since zero means a single attempt.
const (
	DefaultTimeout    = 5 * time.Second
	DefaultMaxRetries = 2
	DefaultBackoff    = 200 * time.Millisecond

	maxResponseBytes = 8 << 20
	maxBackoff       = 5 * time.Second
)

// ErrUnavailable wraps the last failure once all attempts are exhausted.
var ErrUnavailable = errors.New("pseudo: service unavailable")

// Options configures a Client. It may be replaced at runtime with Update.
type Options struct {
	Enabled    bool
	BaseURL    string
	Timeout    time.Duration // per attempt
	MaxRetries int           // extra attempts after the first
	Backoff    time.Duration // delay before the first retry, doubled each time
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	return o
}

// Item is one detected PII span as reported by the service.
type Item struct {
	Type  string `json:"type"`
	Value string `json:"value"`
	Token string `json:"token"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Result is the outcome of one pseudonymization call.
type Result struct {
	MaskedText string
	Mapping    mapping.Mapping
	Items      []Item
}

// Client calls the pseudonymization service.
type Client struct {
	opts atomic.Pointer[Options]
	http *http.Client
	log  *logger.Logger
}

// New creates a client. The HTTP transport is instrumented with
// OpenTelemetry; per-call deadlines come from Options.Timeout.
func New(opts Options, log *logger.Logger) *Client {
	c := &Client{
		http: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:  log,
	}
	c.Update(opts)
	return c
}

// Update swaps the options used by subsequent calls.
func (c *Client) Update(opts Options) {
	o := opts.withDefaults()
	c.opts.Store(&o)
}

// Options returns the options currently in effect.
func (c *Client) Options() Options { return *c.opts.Load() }

// Active reports whether calls reach the service.
func (c *Client) Active() bool {
	o := c.opts.Load()
	return o.Enabled && o.BaseURL != ""
}

// Pseudonymize masks the PII in text. idHint is forwarded as the request id
// so the service can correlate its own logs.
//
// When the client is disabled or text is blank, the text comes back
// unchanged with an empty mapping and a nil error. Once every attempt has
// failed, the error wraps ErrUnavailable.
func (c *Client) Pseudonymize(ctx context.Context, text, idHint string) (Result, error) {
	opts := *c.opts.Load()
	if !opts.Enabled || opts.BaseURL == "" || strings.TrimSpace(text) == "" {
		return Result{MaskedText: text}, nil
	}

	payload, err := json.Marshal(struct {
		Prompt string `json:"prompt"`
		ID     string `json:"id"`
	}{text, idHint})
	if err != nil {
		return Result{}, fmt.Errorf("pseudo: encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		res, retry, err := c.attempt(ctx, opts, payload)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
		lastErr = err
		if !retry || attempt == opts.MaxRetries {
			break
		}
		if c.log != nil {
			c.log.Warnf("retry", "attempt %d/%d for id=%s: %v", attempt+1, opts.MaxRetries+1, idHint, err)
		}
		if err := sleep(ctx, opts.Backoff, attempt); err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}
	return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

// attempt performs one request. retry reports whether a failure is worth
// another attempt.
func (c *Client) attempt(ctx context.Context, opts Options, payload []byte) (Result, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.BaseURL+"/pseudonymize", bytes.NewReader(payload))
	if err != nil {
		return Result{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, retryableNetErr(err), fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // body fully read below

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return Result{}, retry, fmt.Errorf("status %d", resp.StatusCode)
	}

	res, err := decodeResult(data)
	if err != nil {
		return Result{}, true, err
	}
	return res, false, nil
}

// Health checks GET /health on the service.
func (c *Client) Health(ctx context.Context) error {
	opts := *c.opts.Load()
	if !opts.Enabled || opts.BaseURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, opts.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // body not needed
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// retryableNetErr reports whether a transport error may succeed on retry.
// Per-attempt timeouts are retried; cancellation is not.
func retryableNetErr(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func sleep(ctx context.Context, base time.Duration, attempt int) error {
	delay := base * time.Duration(1<<attempt)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
