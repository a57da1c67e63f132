// Package mapping holds the substitution mapping produced by one
// pseudonymization call: an ordered set of (pseudonym, original) pairs.
//
// The pseudonymization service gives no ordering guarantee, so the order
// here is the one the proxy establishes while decoding. It only matters
// for breaking ties between pseudonyms of equal length during restoration.
package mapping

import (
	"encoding/json"
	"sort"
)

// Pair maps one pseudonym back to the original value it replaced.
type Pair struct {
	Pseudonym string `json:"pseudonym"`
	Original  string `json:"original"`
}

// Mapping is an insertion-ordered set of pairs keyed by pseudonym.
// The zero value is an empty mapping ready to use. A Mapping is not safe
// for concurrent mutation; once stored for correlation it is read-only.
type Mapping struct {
	pairs []Pair
	index map[string]int
}

// FromPairs builds a mapping from pairs, skipping empty pseudonyms and
// pseudonyms already present.
func FromPairs(pairs ...Pair) Mapping {
	var m Mapping
	for _, p := range pairs {
		m.Add(p.Pseudonym, p.Original)
	}
	return m
}

// Add appends a pair. It reports false when the pseudonym is empty, equal to
// the original, or already mapped; the first mapping for a pseudonym wins.
func (m *Mapping) Add(pseudonym, original string) bool {
	if pseudonym == "" || pseudonym == original {
		return false
	}
	if m.index == nil {
		m.index = make(map[string]int)
	}
	if _, ok := m.index[pseudonym]; ok {
		return false
	}
	m.index[pseudonym] = len(m.pairs)
	m.pairs = append(m.pairs, Pair{Pseudonym: pseudonym, Original: original})
	return true
}

// Len returns the number of pairs.
func (m Mapping) Len() int { return len(m.pairs) }

// IsEmpty reports whether the mapping has no pairs.
func (m Mapping) IsEmpty() bool { return len(m.pairs) == 0 }

// Lookup returns the original for a pseudonym.
func (m Mapping) Lookup(pseudonym string) (string, bool) {
	i, ok := m.index[pseudonym]
	if !ok {
		return "", false
	}
	return m.pairs[i].Original, true
}

// Pairs returns a copy of the pairs in insertion order.
func (m Mapping) Pairs() []Pair {
	out := make([]Pair, len(m.pairs))
	copy(out, m.pairs)
	return out
}

// ByLength returns a copy of the pairs ordered longest pseudonym first.
// Pseudonyms of equal length keep their insertion order.
func (m Mapping) ByLength() []Pair {
	out := m.Pairs()
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].Pseudonym) > len(out[j].Pseudonym)
	})
	return out
}

// MaxPseudonymLen returns the byte length of the longest pseudonym.
func (m Mapping) MaxPseudonymLen() int {
	n := 0
	for _, p := range m.pairs {
		if len(p.Pseudonym) > n {
			n = len(p.Pseudonym)
		}
	}
	return n
}

// MarshalJSON encodes the mapping as an array of pairs so order survives
// a round trip through external stores.
func (m Mapping) MarshalJSON() ([]byte, error) {
	if m.pairs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.pairs)
}

// UnmarshalJSON decodes an array of pairs, applying the same rules as Add.
func (m *Mapping) UnmarshalJSON(data []byte) error {
	var pairs []Pair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	*m = FromPairs(pairs...)
	return nil
}
