package reqlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const (
	archiveBucket = "request_log"

	// DefaultMaxArchived bounds the archive when no limit is configured.
	DefaultMaxArchived = 10_000
)

// Archive is an append-only entry store backed by an embedded bbolt
// database. Keys are bbolt sequence numbers, so cursor order is insertion
// order and pruning always removes the oldest entries.
type Archive struct {
	db  *bolt.DB
	max int
}

// OpenArchive opens (or creates) the database at path and ensures the
// bucket exists. A non-positive max selects DefaultMaxArchived.
func OpenArchive(path string, max int) (*Archive, error) {
	if max <= 0 {
		max = DefaultMaxArchived
	}
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open request archive %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(archiveBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create request archive bucket: %w", err)
	}
	return &Archive{db: db, max: max}, nil
}

// Put appends e and prunes the oldest entries beyond the limit.
func (a *Archive) Put(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(archiveBucket))
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(itob(seq), data); err != nil {
			return err
		}
		// Only the oldest keys are ever deleted, so the live keys are
		// exactly first..seq.
		c := b.Cursor()
		first, _ := c.First()
		excess := int(seq-binary.BigEndian.Uint64(first)+1) - a.max
		var stale [][]byte
		for k := first; k != nil && len(stale) < excess; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to n archived entries, newest first. n <= 0 returns all.
func (a *Archive) Recent(n int) ([]Entry, error) {
	var out []Entry
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(archiveBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if n > 0 && len(out) >= n {
				break
			}
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("decode entry %d: %w", binary.BigEndian.Uint64(k), err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Len returns the number of archived entries.
func (a *Archive) Len() int {
	n := 0
	_ = a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(archiveBucket)).Cursor()
		first, _ := c.First()
		last, _ := c.Last()
		if first != nil {
			n = int(binary.BigEndian.Uint64(last) - binary.BigEndian.Uint64(first) + 1)
		}
		return nil
	})
	return n
}

// Close closes the database file.
func (a *Archive) Close() error {
	return a.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
