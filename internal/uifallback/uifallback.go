// Package uifallback restores pseudonyms in rendered output when the
// response itself could not be restored in flight.
//
// It is best-effort: it only knows the most recent mapping, and it sees
// text after the client has rendered it. Pseudonyms still visible after
// restoration are logged and counted, never treated as errors.
package uifallback

import (
	"context"
	"strings"
	"sync"
	"time"

	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/mapping"
	"pseudonymizing-proxy/internal/metrics"
	"pseudonymizing-proxy/internal/restore"
)

// Node is one piece of rendered text, identified by the client.
type Node struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Changed bool   `json:"changed,omitempty"`
}

// Restorer holds the latest mapping and applies it to rendered text.
type Restorer struct {
	mu      sync.RWMutex
	current mapping.Mapping
	setAt   time.Time
	ttl     time.Duration
	now     func() time.Time

	log     *logger.Logger
	metrics *metrics.Metrics
}

// New returns a restorer whose mapping expires ttl after it was set.
// log and m may be nil.
func New(ttl time.Duration, log *logger.Logger, m *metrics.Metrics) *Restorer {
	return &Restorer{ttl: ttl, now: time.Now, log: log, metrics: m}
}

// SetMapping replaces the current mapping. An empty mapping is ignored so a
// passthrough request never clears the mapping of the exchange before it.
func (r *Restorer) SetMapping(m mapping.Mapping) {
	if m.IsEmpty() {
		return
	}
	r.mu.Lock()
	r.current = m
	r.setAt = r.now()
	r.mu.Unlock()
}

// Mapping returns the current mapping, or an empty one once it has expired.
func (r *Restorer) Mapping() mapping.Mapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ttl > 0 && r.now().Sub(r.setAt) >= r.ttl {
		return mapping.Mapping{}
	}
	return r.current
}

// RestoreText applies the current mapping to text. changed reports whether
// any pseudonym was replaced.
func (r *Restorer) RestoreText(text string) (out string, changed bool) {
	m := r.Mapping()
	if m.IsEmpty() || text == "" {
		return text, false
	}
	out, stats := restore.TextStats(text, m)
	if stats.Total() > 0 {
		changed = true
		if r.metrics != nil {
			r.metrics.UIRestores.Add(1)
		}
	}
	if left := remaining(out, m); left > 0 {
		if r.metrics != nil {
			r.metrics.UIFalseNegatives.Add(1)
		}
		if r.log != nil {
			r.log.Warnf("false-negative", "%d pseudonym(s) still visible after restoration", left)
		}
	}
	return out, changed
}

// Observe restores every node received on in and sends it to out, in
// order, with Changed set when a pseudonym was replaced. It returns when in
// is closed or ctx is done.
func (r *Restorer) Observe(ctx context.Context, in <-chan Node, out chan<- Node) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-in:
			if !ok {
				return nil
			}
			text, changed := r.RestoreText(n.Text)
			select {
			case out <- Node{ID: n.ID, Text: text, Changed: changed}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// remaining counts pseudonyms of m still present in text, ignoring case.
// A pseudonym contained in its own original is skipped: after restoration
// its presence proves nothing.
func remaining(text string, m mapping.Mapping) int {
	lower := strings.ToLower(text)
	n := 0
	for _, p := range m.ByLength() {
		pseudo := strings.ToLower(p.Pseudonym)
		if strings.Contains(strings.ToLower(p.Original), pseudo) {
			continue
		}
		if strings.Contains(lower, pseudo) {
			n++
		}
	}
	return n
}
