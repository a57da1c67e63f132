// Package interceptor runs the pseudonymization pipeline around an
// outbound HTTP round trip.
//
// For an eligible request the pipeline is, in order: extract the last user
// message, pseudonymize it, store the mapping under a fresh correlation
// key, inject the masked text, forward, take the mapping back and restore
// the response. Every failure before the destination answers falls back to
// forwarding the original request unchanged. A genuine destination error is
// returned to the caller as is.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pseudonymizing-proxy/internal/adapter"
	"pseudonymizing-proxy/internal/correlation"
	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/metrics"
	"pseudonymizing-proxy/internal/pseudo"
	"pseudonymizing-proxy/internal/reqlog"
	"pseudonymizing-proxy/internal/restore"
	"pseudonymizing-proxy/internal/telemetry"
	"pseudonymizing-proxy/internal/uifallback"
)

// Timeout defaults.
const (
	DefaultPseudonymizeTimeout = 15 * time.Second
	DefaultUpstreamTimeout     = 10 * time.Minute

	maxLoggedBody = 4 << 10
)

// Pseudonymizer masks PII in text. *pseudo.Client implements it.
type Pseudonymizer interface {
	Pseudonymize(ctx context.Context, text, idHint string) (pseudo.Result, error)
}

// Config wires an Interceptor. Policy, Pseudonymizer and Store are
// required; everything else has a default.
type Config struct {
	Policy        *Policy
	Adapters      *adapter.Registry
	Pseudonymizer Pseudonymizer
	Store         correlation.Store
	Transport     http.RoundTripper

	Log      *logger.Logger
	Metrics  *metrics.Metrics
	Requests *reqlog.Ring
	UI       *uifallback.Restorer

	// PseudonymizeTimeout bounds the whole pseudonymization call, retries
	// included.
	PseudonymizeTimeout time.Duration
	// UpstreamTimeout bounds a forwarded request until its response body
	// is closed.
	UpstreamTimeout time.Duration
}

// Interceptor is an http.RoundTripper that pseudonymizes eligible requests.
type Interceptor struct {
	policy   *Policy
	adapters *adapter.Registry
	pseudo   Pseudonymizer
	store    correlation.Store
	next     http.RoundTripper

	log      *logger.Logger
	metrics  *metrics.Metrics
	requests *reqlog.Ring
	ui       *uifallback.Restorer
	tracer   trace.Tracer

	pseudoTimeout   time.Duration
	upstreamTimeout time.Duration
}

// Validate checks that cfg has every required dependency.
func (cfg Config) Validate() error {
	switch {
	case cfg.Policy == nil:
		return errors.New("interceptor: no policy")
	case cfg.Pseudonymizer == nil:
		return errors.New("interceptor: no pseudonymizer")
	case cfg.Store == nil:
		return errors.New("interceptor: no correlation store")
	}
	return nil
}

// New returns an interceptor for cfg, which must pass Validate.
func New(cfg Config) *Interceptor {
	i := &Interceptor{
		policy:          cfg.Policy,
		adapters:        cfg.Adapters,
		pseudo:          cfg.Pseudonymizer,
		store:           cfg.Store,
		next:            cfg.Transport,
		log:             cfg.Log,
		metrics:         cfg.Metrics,
		requests:        cfg.Requests,
		ui:              cfg.UI,
		tracer:          telemetry.Tracer(),
		pseudoTimeout:   cfg.PseudonymizeTimeout,
		upstreamTimeout: cfg.UpstreamTimeout,
	}
	if i.adapters == nil {
		i.adapters = adapter.DefaultRegistry()
	}
	if i.next == nil {
		i.next = http.DefaultTransport
	}
	if i.log == nil {
		i.log = logger.New("INTERCEPT", "info")
	}
	if i.metrics == nil {
		i.metrics = metrics.New()
	}
	if i.requests == nil {
		i.requests = reqlog.NewRing(0)
	}
	if i.pseudoTimeout <= 0 {
		i.pseudoTimeout = DefaultPseudonymizeTimeout
	}
	if i.upstreamTimeout <= 0 {
		i.upstreamTimeout = DefaultUpstreamTimeout
	}
	return i
}

// Policy returns the eligibility policy.
func (i *Interceptor) Policy() *Policy { return i.policy }

// ShouldIntercept reports whether req is eligible: its URL and method pass
// the policy and its body holds a user message the host's adapter can
// extract. Ineligibility is never an error.
func (i *Interceptor) ShouldIntercept(req *Request) bool {
	_, _, ok := i.eligible(req)
	return ok
}

func (i *Interceptor) eligible(req *Request) (adapter.Adapter, string, bool) {
	if !i.policy.Allowed(req.Method, req.URL) || len(req.Body) == 0 {
		return nil, "", false
	}
	a := i.adapters.For(req.URL.Host)
	text, err := a.Extract(req.Body)
	if err != nil {
		return nil, "", false
	}
	return a, text, true
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, span := i.tracer.Start(req.Context(), "intercept",
		trace.WithAttributes(attribute.String("http.host", req.URL.Hostname())))
	defer span.End()

	i.metrics.RequestsTotal.Add(1)
	captured, err := Capture(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	entry := reqlog.Entry{
		ID:      uuid.NewString(),
		Started: time.Now(),
		URL:     captured.URL.String(),
		Method:  captured.Method,
	}

	a, text, ok := i.eligible(captured)
	if !ok {
		i.metrics.RequestsPassthrough.Add(1)
		entry.Outcome = reqlog.OutcomePassthrough
		span.SetAttributes(attribute.String("outcome", string(entry.Outcome)))
		return i.forwardOriginal(ctx, captured, &entry)
	}

	entry.Intercepted = true
	resp, err := i.pseudonymized(ctx, captured, a, text, &entry)
	span.SetAttributes(
		attribute.String("outcome", string(entry.Outcome)),
		attribute.Int("pii.count", entry.PIICount),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream")
	}
	return resp, err
}

// pseudonymized runs the pipeline for an eligible request.
func (i *Interceptor) pseudonymized(ctx context.Context, req *Request, a adapter.Adapter, text string, entry *reqlog.Entry) (*http.Response, error) {
	host := req.Host()

	res, err := i.callPseudonymizer(ctx, text, entry.ID)
	if err != nil {
		i.metrics.ErrorsPseudonymize.Add(1)
		i.log.Warnf("pseudonymize", "%s %s: %v; forwarding original", req.Method, host, err)
		return i.failOpen(ctx, req, entry, err)
	}
	if res.Mapping.IsEmpty() {
		i.metrics.RequestsPassthrough.Add(1)
		i.log.Debugf("pseudonymize", "%s %s: no PII found", req.Method, host)
		entry.Outcome = reqlog.OutcomePassthrough
		return i.forwardOriginal(ctx, req, entry)
	}

	body, err := a.Inject(req.Body, res.MaskedText)
	if err != nil {
		i.log.Warnf("inject", "%s %s via %s: %v; forwarding original", req.Method, host, a.Name(), err)
		return i.failOpen(ctx, req, entry, err)
	}

	key := correlation.NewKey(text)
	if err := i.store.Put(ctx, key, res.Mapping); err != nil {
		i.log.Warnf("correlate", "store %s: %v; forwarding original", key.Short(), err)
		return i.failOpen(ctx, req, entry, err)
	}

	entry.PIICount = res.Mapping.Len()
	entry.MaskedBody = truncate(body)
	i.log.Infof("request_forward", "%s %s%s [PSEUDO] %d substitution(s) key=%s via %s",
		req.Method, host, req.URL.Path, entry.PIICount, key.Short(), a.Name())

	modified := req.Clone(ctx, body)
	// Let the transport negotiate compression so bodies arrive decoded.
	modified.Header.Del("Accept-Encoding")

	resp, cancel, err := i.send(ctx, modified)
	if err != nil {
		i.drop(key)
		if ctx.Err() != nil {
			entry.Outcome = reqlog.OutcomeError
			i.record(entry, 0, err)
			return nil, err
		}
		i.metrics.ErrorsUpstream.Add(1)
		i.log.Warnf("request_forward", "%s %s: %v; resending original", req.Method, host, err)
		return i.failOpen(ctx, req, entry, err)
	}

	i.metrics.RequestsPseudonymized.Add(1)
	i.metrics.PIIMasked.Add(int64(entry.PIICount))
	entry.Outcome = reqlog.OutcomePseudonymized

	resp, err = i.restoreResponse(ctx, resp, key, a)
	if err != nil {
		cancel()
		i.record(entry, 0, err)
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	i.record(entry, resp.StatusCode, nil)
	return resp, nil
}

func (i *Interceptor) callPseudonymizer(ctx context.Context, text, id string) (pseudo.Result, error) {
	ctx, span := i.tracer.Start(ctx, "pseudonymize")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, i.pseudoTimeout)
	defer cancel()

	start := time.Now()
	res, err := i.pseudo.Pseudonymize(ctx, text, id)
	i.metrics.RecordPseudonymizeLatency(time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pseudonymize failed")
		return res, err
	}
	span.SetAttributes(attribute.Int("pii.count", res.Mapping.Len()))
	return res, nil
}

// failOpen forwards the original request after a pipeline failure.
func (i *Interceptor) failOpen(ctx context.Context, req *Request, entry *reqlog.Entry, cause error) (*http.Response, error) {
	i.metrics.RequestsFailOpen.Add(1)
	entry.Outcome = reqlog.OutcomeFailOpen
	entry.Error = cause.Error()
	entry.PIICount = 0
	entry.MaskedBody = ""
	return i.forwardOriginal(ctx, req, entry)
}

// forwardOriginal sends req unchanged and records the outcome. Errors are
// the destination's own and are returned as is.
func (i *Interceptor) forwardOriginal(ctx context.Context, req *Request, entry *reqlog.Entry) (*http.Response, error) {
	resp, cancel, err := i.send(ctx, req.Clone(ctx, req.Body))
	if err != nil {
		i.metrics.ErrorsUpstream.Add(1)
		if entry.Outcome == reqlog.OutcomePassthrough {
			entry.Outcome = reqlog.OutcomeError
		}
		i.record(entry, 0, err)
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	i.record(entry, resp.StatusCode, nil)
	return resp, nil
}

// send forwards out under the upstream timeout. On success the returned
// cancel func must be called once the response body is done with.
func (i *Interceptor) send(ctx context.Context, out *http.Request) (*http.Response, context.CancelFunc, error) {
	ctx, span := i.tracer.Start(ctx, "forward")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, i.upstreamTimeout)
	out = out.WithContext(ctx)

	start := time.Now()
	resp, err := i.next.RoundTrip(out)
	i.metrics.RecordUpstreamLatency(time.Since(start))
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "forward failed")
		return nil, nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, cancel, nil
}

// restoreResponse takes the mapping for key and wraps or rewrites resp so
// its body carries the original values.
func (i *Interceptor) restoreResponse(ctx context.Context, resp *http.Response, key correlation.Key, a adapter.Adapter) (*http.Response, error) {
	_, span := i.tracer.Start(ctx, "restore")
	defer span.End()

	m, ok, err := i.store.Take(ctx, key)
	if err != nil || !ok {
		i.metrics.RestoreMismatches.Add(1)
		i.log.Warnf("restore", "mapping for key=%s unavailable (err=%v); returning response unrestored", key.Short(), err)
		return resp, nil
	}
	if i.ui != nil {
		i.ui.SetMapping(m)
	}

	if enc := resp.Header.Get("Content-Encoding"); enc != "" && enc != "identity" {
		i.log.Warnf("restore", "cannot decode Content-Encoding %q; returning response unrestored", enc)
		i.metrics.RestoreMismatches.Add(1)
		return resp, nil
	}

	if isStream(resp) {
		span.SetAttributes(attribute.Bool("stream", true))
		resp.Body = restore.NewStreamReader(resp.Body, m, i.recordRestore)
		resp.ContentLength = -1
		resp.Header.Del("Content-Length")
		return resp, nil
	}

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close() //nolint:errcheck // fully read above
	if err != nil {
		i.metrics.ErrorsUpstream.Add(1)
		return nil, fmt.Errorf("read response body: %w", err)
	}
	out, stats := restore.Body(data, a.OutputPaths(data), m)
	i.recordRestore(stats)
	span.SetAttributes(attribute.Int("pii.restored", stats.Total()))

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
	return resp, nil
}

func (i *Interceptor) recordRestore(stats restore.Stats) {
	for step, n := range stats {
		i.metrics.RecordRestoreStep(restore.Step(step).String(), n)
	}
}

// drop removes the entry for key after a failed forward.
func (i *Interceptor) drop(key correlation.Key) {
	if _, _, err := i.store.Take(context.Background(), key); err != nil {
		i.log.Warnf("correlate", "drop %s: %v", key.Short(), err)
	}
}

func (i *Interceptor) record(entry *reqlog.Entry, status int, err error) {
	entry.Finished = time.Now()
	entry.Status = status
	if err != nil && entry.Error == "" {
		entry.Error = err.Error()
	}
	i.requests.Add(*entry)
}

// Requests returns the request log.
func (i *Interceptor) Requests() *reqlog.Ring { return i.requests }

// isStream reports whether resp should be restored incrementally.
func isStream(resp *http.Response) bool {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case "text/event-stream", "application/x-ndjson", "application/jsonl":
		return true
	case "application/json":
		return false
	}
	return resp.ContentLength < 0
}

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "…"
	}
	return string(b)
}

// cancelOnClose releases the upstream context when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

var (
	_ http.RoundTripper = (*Interceptor)(nil)
	_ Pseudonymizer     = (*pseudo.Client)(nil)
)
