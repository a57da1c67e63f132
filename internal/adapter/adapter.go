// Package adapter knows where each AI vendor keeps user-authored text in a
// request body and model output in a response body.
//
// Adapters never decode a body into Go values. They locate string fields
// with gjson paths and rewrite them with sjson, so every other byte of the
// body, including field order and number formatting, survives unchanged and
// the caller's slice is never modified.
package adapter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Sentinel errors returned by Extract and Inject.
var (
	ErrNotJSON       = errors.New("adapter: body is not JSON")
	ErrNoUserMessage = errors.New("adapter: no user message with text")
)

// Adapter extracts and re-injects the latest user message of one vendor's
// request format.
type Adapter interface {
	// Name identifies the adapter in logs.
	Name() string
	// Match reports whether the adapter handles requests to host.
	Match(host string) bool
	// Extract returns the text of the most recent user message. Multiple
	// text parts are joined with "\n".
	Extract(body []byte) (string, error)
	// Inject returns a copy of body with the most recent user message
	// replaced by masked.
	Inject(body []byte, masked string) ([]byte, error)
	// OutputPaths returns concrete gjson paths of model output strings in a
	// non-streamed response body.
	OutputPaths(body []byte) []string
}

// jsonAdapter is an Adapter driven by two path finders.
type jsonAdapter struct {
	name   string
	hosts  []string
	slots  func(doc gjson.Result) []string
	output func(doc gjson.Result) []string
}

func (a *jsonAdapter) Name() string { return a.name }

func (a *jsonAdapter) Match(host string) bool {
	host = strings.ToLower(host)
	for _, h := range a.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func (a *jsonAdapter) parse(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, ErrNotJSON
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return gjson.Result{}, ErrNotJSON
	}
	return doc, nil
}

func (a *jsonAdapter) textSlots(body []byte) ([]string, []string, error) {
	doc, err := a.parse(body)
	if err != nil {
		return nil, nil, err
	}
	paths := a.slots(doc)
	values := make([]string, 0, len(paths))
	for _, p := range paths {
		values = append(values, doc.Get(p).Str)
	}
	if strings.TrimSpace(strings.Join(values, "")) == "" {
		return nil, nil, ErrNoUserMessage
	}
	return paths, values, nil
}

func (a *jsonAdapter) Extract(body []byte) (string, error) {
	_, values, err := a.textSlots(body)
	if err != nil {
		return "", fmt.Errorf("%s: %w", a.name, err)
	}
	return strings.Join(values, "\n"), nil
}

func (a *jsonAdapter) Inject(body []byte, masked string) ([]byte, error) {
	paths, values, err := a.textSlots(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	parts := distribute(values, masked)

	out := append([]byte(nil), body...)
	for i, p := range paths {
		if parts[i] == values[i] {
			continue
		}
		out, err = sjson.SetBytes(out, p, parts[i])
		if err != nil {
			return nil, fmt.Errorf("%s: set %s: %w", a.name, p, err)
		}
	}
	return out, nil
}

func (a *jsonAdapter) OutputPaths(body []byte) []string {
	doc, err := a.parse(body)
	if err != nil || a.output == nil {
		return nil
	}
	return a.output(doc)
}

// distribute splits masked back over the original parts. Pseudonyms never
// contain newlines, so when the line count still matches each part gets its
// own lines back. Otherwise the first part carries the whole masked text.
func distribute(original []string, masked string) []string {
	out := make([]string, len(original))
	if len(original) == 1 {
		out[0] = masked
		return out
	}
	lines := strings.Split(masked, "\n")
	want := 0
	for _, o := range original {
		want += strings.Count(o, "\n") + 1
	}
	if len(lines) != want {
		out[0] = masked
		return out
	}
	next := 0
	for i, o := range original {
		n := strings.Count(o, "\n") + 1
		out[i] = strings.Join(lines[next:next+n], "\n")
		next += n
	}
	return out
}

// lastIndex returns the index of the last array element accepted by keep,
// or -1.
func lastIndex(arr gjson.Result, keep func(gjson.Result) bool) int {
	idx := -1
	i := 0
	arr.ForEach(func(_, v gjson.Result) bool {
		if keep(v) {
			idx = i
		}
		i++
		return true
	})
	return idx
}

// textParts returns paths of the text of a content value that is either a
// plain string or an array of typed parts.
func textParts(content gjson.Result, base string) []string {
	switch {
	case content.Type == gjson.String:
		return []string{base}
	case content.IsArray():
		var paths []string
		i := 0
		content.ForEach(func(_, part gjson.Result) bool {
			switch {
			case part.Type == gjson.String:
				paths = append(paths, join(base, i))
			case isTextPart(part):
				paths = append(paths, join(base, i, "text"))
			}
			i++
			return true
		})
		return paths
	}
	return nil
}

func isTextPart(part gjson.Result) bool {
	if part.Get("text").Type != gjson.String {
		return false
	}
	switch part.Get("type").String() {
	case "", "text", "input_text", "output_text":
		return true
	}
	return false
}

// join builds a gjson/sjson path from field names and array indexes.
func join(segs ...any) string {
	parts := make([]string, 0, len(segs))
	for _, s := range segs {
		switch v := s.(type) {
		case int:
			parts = append(parts, strconv.Itoa(v))
		case string:
			if v != "" {
				parts = append(parts, v)
			}
		}
	}
	return strings.Join(parts, ".")
}

// eachIndex calls fn with the index and value of every element of arr.
func eachIndex(arr gjson.Result, fn func(i int, v gjson.Result)) {
	i := 0
	arr.ForEach(func(_, v gjson.Result) bool {
		fn(i, v)
		i++
		return true
	})
}
