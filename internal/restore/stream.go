package restore

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"pseudonymizing-proxy/internal/mapping"
)

const (
	streamReadSize = 32 * 1024
	// maxPendingLine bounds how much of a line without a newline is held
	// back before part of it is flushed.
	maxPendingLine = 256 * 1024
)

// StreamReader restores a streamed body chunk by chunk.
//
// Chunks are realigned on newline boundaries: a trailing partial line is held
// back and prepended to the next chunk, so a pseudonym split across network
// reads is restored like any other. SSE and NDJSON put every event on its
// own line, so holding back a partial line never delays a complete event.
type StreamReader struct {
	src     io.ReadCloser
	pairs   []mapping.Pair
	maxLen  int
	pending []byte
	out     bytes.Buffer
	buf     []byte
	err     error
	stats   Stats
	onClose func(Stats)
}

// NewStreamReader wraps src. onClose, if non-nil, receives the accumulated
// statistics once the reader is closed.
func NewStreamReader(src io.ReadCloser, m mapping.Mapping, onClose func(Stats)) *StreamReader {
	return &StreamReader{
		src:     src,
		pairs:   m.ByLength(),
		maxLen:  m.MaxPseudonymLen(),
		buf:     make([]byte, streamReadSize),
		onClose: onClose,
	}
}

// Read implements io.Reader.
func (r *StreamReader) Read(p []byte) (int, error) {
	for r.out.Len() == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.fill()
	}
	return r.out.Read(p)
}

// Stats returns the replacements made so far.
func (r *StreamReader) Stats() Stats { return r.stats }

// Close closes the underlying body.
func (r *StreamReader) Close() error {
	err := r.src.Close()
	if r.onClose != nil {
		r.onClose(r.stats)
		r.onClose = nil
	}
	return err
}

// fill reads one chunk from src and moves every complete line to out.
func (r *StreamReader) fill() {
	n, err := r.src.Read(r.buf)
	if n > 0 {
		r.pending = append(r.pending, r.buf[:n]...)
		if i := bytes.LastIndexByte(r.pending, '\n'); i >= 0 {
			r.emit(i + 1)
		} else if len(r.pending) > maxPendingLine {
			r.emit(r.safeCut())
		}
	}
	if err != nil {
		r.emit(len(r.pending))
		r.err = err
	}
}

// emit restores pending[:n] into out and keeps the rest pending.
func (r *StreamReader) emit(n int) {
	if n <= 0 {
		return
	}
	restored, st := restorePairs(string(r.pending[:n]), r.pairs)
	r.stats.Add(st)
	r.out.WriteString(restored)
	rest := copy(r.pending, r.pending[n:])
	r.pending = r.pending[:rest]
}

// safeCut returns the largest prefix length of pending that ends on a rune
// boundary, splits no pseudonym occurrence and leaves no suffix that could
// still grow into a pseudonym.
func (r *StreamReader) safeCut() int {
	text := string(r.pending)
	cut := len(text)

	for _, p := range r.pairs {
		k := p.Pseudonym
		limit := len(k) - 1
		if limit > cut {
			limit = cut
		}
		for n := limit; n > 0; n-- {
			if strings.HasSuffix(text[:cut], k[:n]) {
				cut -= n
				break
			}
		}
	}

	// back off past any complete occurrence straddling the cut
	for moved := true; moved; {
		moved = false
		lo := cut - r.maxLen
		if lo < 0 {
			lo = 0
		}
		for _, p := range r.pairs {
			window := text[lo:min(len(text), cut+len(p.Pseudonym))]
			idx := 0
			for {
				i := strings.Index(window[idx:], p.Pseudonym)
				if i < 0 {
					break
				}
				start := lo + idx + i
				if start < cut && start+len(p.Pseudonym) > cut {
					cut = start
					moved = true
					break
				}
				idx += i + 1
			}
			if moved {
				break
			}
		}
	}

	for cut > 0 && cut < len(text) && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}
