// Package correlation associates a forwarded request with the mapping needed
// to restore its response.
//
// A key is consumed at most once: Take removes the entry atomically, so a
// second Take for the same key finds nothing and a stale mapping can never
// restore PII into an unrelated response. Entries that are never taken are
// purged once their TTL has elapsed.
package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pseudonymizing-proxy/internal/mapping"
)

// DefaultTTL bounds how long an unconsumed entry may live.
const DefaultTTL = 5 * time.Minute

// ErrKeyExists is returned by Put when a live entry already uses the key.
var ErrKeyExists = errors.New("correlation: key already in use")

// Key identifies one pipeline pass.
type Key string

// NewKey derives a key from the extracted text, a random nonce and the
// current time, so identical prompts sent concurrently never collide.
func NewKey(text string) Key {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(uuid.NewString()))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
	return Key(hex.EncodeToString(h.Sum(nil)))
}

// Short returns an abbreviated form of k for log lines.
func (k Key) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// Store holds mappings between Put and Take.
type Store interface {
	// Put records m under key. It fails with ErrKeyExists if a live entry
	// already uses key.
	Put(ctx context.Context, key Key, m mapping.Mapping) error
	// Take returns and removes the entry for key. ok is false when no live
	// entry exists, including when another caller already took it.
	Take(ctx context.Context, key Key) (m mapping.Mapping, ok bool, err error)
	// Close releases resources held by the store.
	Close() error
}
