// Package metrics provides lightweight, lock-minimal counters for the
// pseudonymizing proxy.
//
// Counters use sync/atomic so the request path incurs no mutex contention.
// Latency statistics use a single mutex per dimension; they are updated at
// most once per request.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// restoreSteps lists the restoration steps the restorer reports, in order.
// The per-step map is populated in New so Snapshot can iterate a fixed set
// without racing on map writes.
var restoreSteps = []string{"exact", "normalized", "unicode_escaped", "json_unescaped", "pattern"}

// Metrics holds all runtime counters for a running proxy instance.
// The zero value is usable but drops per-step restoration counts; use New.
type Metrics struct {
	// Request counters
	RequestsTotal         atomic.Int64
	RequestsPseudonymized atomic.Int64
	RequestsPassthrough   atomic.Int64
	RequestsFailOpen      atomic.Int64

	// Error counters
	ErrorsUpstream     atomic.Int64
	ErrorsPseudonymize atomic.Int64
	RestoreMismatches  atomic.Int64 // correlation entry missing at response time

	// PII volume
	PIIMasked   atomic.Int64
	PIIRestored atomic.Int64

	// UI fallback
	UIRestores       atomic.Int64
	UIFalseNegatives atomic.Int64

	// Written only in New; concurrent reads are safe without a lock.
	stepCounts map[string]*atomic.Int64

	pseudoMu   sync.Mutex
	pseudoStat latencyStats

	upstreamMu   sync.Mutex
	upstreamStat latencyStats

	startTime time.Time
}

// New returns a Metrics with the start time recorded and per-step
// restoration counters pre-populated.
func New() *Metrics {
	m := &Metrics{
		startTime:  time.Now(),
		stepCounts: make(map[string]*atomic.Int64, len(restoreSteps)),
	}
	for _, s := range restoreSteps {
		m.stepCounts[s] = new(atomic.Int64)
	}
	return m
}

// RecordRestoreStep adds n replacements made by the named restoration step.
// Unknown steps are silently ignored.
func (m *Metrics) RecordRestoreStep(step string, n int) {
	if n <= 0 {
		return
	}
	m.PIIRestored.Add(int64(n))
	if c, ok := m.stepCounts[step]; ok {
		c.Add(int64(n))
	}
}

// RecordPseudonymizeLatency records the duration of one call to the
// pseudonymization service, retries included.
func (m *Metrics) RecordPseudonymizeLatency(d time.Duration) {
	m.pseudoMu.Lock()
	m.pseudoStat.record(float64(d.Microseconds()) / 1000.0)
	m.pseudoMu.Unlock()
}

// RecordUpstreamLatency records the time to response headers from the
// destination AI service.
func (m *Metrics) RecordUpstreamLatency(d time.Duration) {
	m.upstreamMu.Lock()
	m.upstreamStat.record(float64(d.Microseconds()) / 1000.0)
	m.upstreamMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.pseudoMu.Lock()
	pseudo := m.pseudoStat.snapshot()
	m.pseudoMu.Unlock()

	m.upstreamMu.Lock()
	upstream := m.upstreamStat.snapshot()
	m.upstreamMu.Unlock()

	steps := make(map[string]int64, len(m.stepCounts))
	for s, c := range m.stepCounts {
		if n := c.Load(); n > 0 {
			steps[s] = n
		}
	}

	return Snapshot{
		Requests: RequestSnapshot{
			Total:         m.RequestsTotal.Load(),
			Pseudonymized: m.RequestsPseudonymized.Load(),
			Passthrough:   m.RequestsPassthrough.Load(),
			FailOpen:      m.RequestsFailOpen.Load(),
		},
		Errors: ErrorSnapshot{
			Upstream:        m.ErrorsUpstream.Load(),
			Pseudonymize:    m.ErrorsPseudonymize.Load(),
			RestoreMismatch: m.RestoreMismatches.Load(),
		},
		PII: PIISnapshot{
			Masked:           m.PIIMasked.Load(),
			Restored:         m.PIIRestored.Load(),
			RestoredByStep:   steps,
			UIRestores:       m.UIRestores.Load(),
			UIFalseNegatives: m.UIFalseNegatives.Load(),
		},
		Latency: LatencyGroup{
			PseudonymizeMs: pseudo,
			UpstreamMs:     upstream,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Requests   RequestSnapshot `json:"requests"`
	Errors     ErrorSnapshot   `json:"errors"`
	PII        PIISnapshot     `json:"pii"`
	Latency    LatencyGroup    `json:"latency"`
	UptimeSecs float64         `json:"uptimeSecs"`
}

// RequestSnapshot holds request-level counters.
type RequestSnapshot struct {
	Total         int64 `json:"total"`
	Pseudonymized int64 `json:"pseudonymized"`
	Passthrough   int64 `json:"passthrough"`
	FailOpen      int64 `json:"failOpen"`
}

// ErrorSnapshot holds error counters.
type ErrorSnapshot struct {
	Upstream        int64 `json:"upstream"`
	Pseudonymize    int64 `json:"pseudonymize"`
	RestoreMismatch int64 `json:"restoreMismatch"`
}

// PIISnapshot holds masking and restoration volume.
type PIISnapshot struct {
	Masked   int64 `json:"masked"`
	Restored int64 `json:"restored"`

	// Only steps with non-zero counts appear.
	RestoredByStep map[string]int64 `json:"restoredByStep,omitempty"`

	UIRestores       int64 `json:"uiRestores"`
	UIFalseNegatives int64 `json:"uiFalseNegatives"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	PseudonymizeMs LatencySnapshot `json:"pseudonymizeMs"`
	UpstreamMs     LatencySnapshot `json:"upstreamMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
