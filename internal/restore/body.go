package restore

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"pseudonymizing-proxy/internal/mapping"
)

// Body restores a complete (non-streamed) response body.
//
// When body is valid JSON and at least one of paths resolves to a string,
// only those strings are restored and every other byte is kept. Otherwise
// the whole body is restored as opaque text.
func Body(body []byte, paths []string, m mapping.Mapping) ([]byte, Stats) {
	var st Stats
	if m.IsEmpty() || len(body) == 0 {
		return body, st
	}
	pairs := m.ByLength()

	if len(paths) > 0 && gjson.ValidBytes(body) {
		out := body
		matched := false
		for _, path := range paths {
			res := gjson.GetBytes(out, path)
			if res.Type != gjson.String {
				continue
			}
			matched = true
			restored, s := restorePairs(res.Str, pairs)
			if s.Total() == 0 {
				continue
			}
			updated, err := sjson.SetBytes(out, path, restored)
			if err != nil {
				continue
			}
			out = updated
			st.Add(s)
		}
		if matched {
			return out, st
		}
	}

	restored, s := restorePairs(string(body), pairs)
	return []byte(restored), s
}
