package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pseudoproxy"

// Collector exports a Metrics instance to Prometheus. Values are read from
// the atomic counters at scrape time, so the request path never touches a
// Prometheus type.
type Collector struct {
	m *Metrics

	requests      *prometheus.Desc
	errors        *prometheus.Desc
	piiMasked     *prometheus.Desc
	piiRestored   *prometheus.Desc
	uiRestores    *prometheus.Desc
	uiFalseNeg    *prometheus.Desc
	latencyCount  *prometheus.Desc
	latencyMeanMs *prometheus.Desc
	latencyMaxMs  *prometheus.Desc
	uptimeSeconds *prometheus.Desc
}

// NewCollector returns a collector for m.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		m: m,
		requests: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "requests", "total"),
			"Requests seen by the interceptor, by outcome.",
			[]string{"outcome"}, nil),
		errors: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "errors", "total"),
			"Pipeline errors, by kind.",
			[]string{"kind"}, nil),
		piiMasked: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pii", "masked_total"),
			"Substitutions made in outbound prompts.",
			nil, nil),
		piiRestored: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pii", "restored_total"),
			"Pseudonyms restored in responses, by restoration step.",
			[]string{"step"}, nil),
		uiRestores: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ui", "restores_total"),
			"Text nodes rewritten by the UI fallback.",
			nil, nil),
		uiFalseNeg: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ui", "false_negatives_total"),
			"Text nodes still showing a pseudonym after UI restoration.",
			nil, nil),
		latencyCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "latency", "samples_total"),
			"Latency samples recorded, by stage.",
			[]string{"stage"}, nil),
		latencyMeanMs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "latency", "mean_ms"),
			"Mean latency in milliseconds, by stage.",
			[]string{"stage"}, nil),
		latencyMaxMs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "latency", "max_ms"),
			"Maximum latency in milliseconds, by stage.",
			[]string{"stage"}, nil),
		uptimeSeconds: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Seconds since the proxy started.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.requests, c.errors, c.piiMasked, c.piiRestored, c.uiRestores,
		c.uiFalseNeg, c.latencyCount, c.latencyMeanMs, c.latencyMaxMs, c.uptimeSeconds,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()

	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.requests, s.Requests.Pseudonymized, "pseudonymized")
	counter(c.requests, s.Requests.Passthrough, "passthrough")
	counter(c.requests, s.Requests.FailOpen, "fail_open")

	counter(c.errors, s.Errors.Upstream, "upstream")
	counter(c.errors, s.Errors.Pseudonymize, "pseudonymize")
	counter(c.errors, s.Errors.RestoreMismatch, "restore_mismatch")

	counter(c.piiMasked, s.PII.Masked)
	for _, step := range restoreSteps {
		counter(c.piiRestored, s.PII.RestoredByStep[step], step)
	}
	counter(c.uiRestores, s.PII.UIRestores)
	counter(c.uiFalseNeg, s.PII.UIFalseNegatives)

	for stage, l := range map[string]LatencySnapshot{
		"pseudonymize": s.Latency.PseudonymizeMs,
		"upstream":     s.Latency.UpstreamMs,
	} {
		counter(c.latencyCount, l.Count, stage)
		gauge(c.latencyMeanMs, l.MeanMs, stage)
		gauge(c.latencyMaxMs, l.MaxMs, stage)
	}

	gauge(c.uptimeSeconds, s.UptimeSecs)
}

// Handler returns a promhttp handler serving m from a dedicated registry.
func Handler(m *Metrics) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(m))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
