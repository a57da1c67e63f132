// Package reqlog keeps a bounded in-memory log of pipeline outcomes, with an
// optional on-disk archive.
//
// Entries hold the masked request body only. Original PII values never
// reach the log.
package reqlog

import (
	"sync"
	"sync/atomic"
	"time"

	"pseudonymizing-proxy/internal/logger"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 500

// Outcome classifies how the pipeline handled a request.
type Outcome string

// Pipeline outcomes.
const (
	OutcomePassthrough   Outcome = "passthrough"
	OutcomePseudonymized Outcome = "pseudonymized"
	OutcomeFailOpen      Outcome = "fail_open"
	OutcomeError         Outcome = "error"
)

// Entry records one request handled by the interceptor.
type Entry struct {
	ID          string    `json:"id"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	URL         string    `json:"url"`
	Method      string    `json:"method"`
	Intercepted bool      `json:"intercepted"`
	Outcome     Outcome   `json:"outcome"`
	MaskedBody  string    `json:"maskedBody,omitempty"`
	Status      int       `json:"status,omitempty"`
	Error       string    `json:"error,omitempty"`
	PIICount    int       `json:"piiCount"`
}

// Ring is a thread-safe fixed-size circular buffer of entries with
// oldest-first eviction.
type Ring struct {
	mu       sync.RWMutex
	entries  []Entry
	head     int // index of oldest element
	size     int
	capacity int

	archive   *Archive
	archiveCh chan Entry
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
	log       *logger.Logger
}

// NewRing returns an empty ring. A non-positive capacity selects
// DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries:  make([]Entry, capacity),
		capacity: capacity,
	}
}

// WithArchive makes the ring copy every added entry to a. Copies are
// written by a background goroutine; when it falls behind, entries are
// dropped from the archive (never from the ring) and counted.
func (r *Ring) WithArchive(a *Archive, log *logger.Logger) *Ring {
	r.archive = a
	r.archiveCh = make(chan Entry, r.capacity)
	r.done = make(chan struct{})
	r.log = log
	go r.drain()
	return r
}

// Add inserts e, evicting the oldest entry when the ring is full.
// It reports whether an entry was evicted.
func (r *Ring) Add(e Entry) bool {
	r.mu.Lock()
	evicted := false
	tail := (r.head + r.size) % r.capacity
	r.entries[tail] = e
	if r.size < r.capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % r.capacity
		evicted = true
	}
	r.mu.Unlock()

	if r.archiveCh != nil {
		select {
		case r.archiveCh <- e:
		default:
			r.dropped.Add(1)
		}
	}
	return evicted
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (r *Ring) Recent(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.head + r.size - 1 - i) % r.capacity
		out = append(out, r.entries[idx])
	}
	return out
}

// Len returns the number of entries held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity returns the maximum number of entries held.
func (r *Ring) Capacity() int { return r.capacity }

// Dropped returns how many entries the archive writer skipped.
func (r *Ring) Dropped() int64 { return r.dropped.Load() }

// Close flushes pending archive writes and closes the archive. Add must
// not be called after Close.
func (r *Ring) Close() error {
	if r.archive == nil {
		return nil
	}
	var err error
	r.closeOnce.Do(func() {
		close(r.archiveCh)
		<-r.done
		err = r.archive.Close()
	})
	return err
}

func (r *Ring) drain() {
	defer close(r.done)
	for e := range r.archiveCh {
		if err := r.archive.Put(e); err != nil && r.log != nil {
			r.log.Warnf("archive", "write %s: %v", e.ID, err)
		}
	}
}
