// Package restore rewrites pseudonyms in model output back to the original
// values they replaced.
//
// Pairs are applied longest pseudonym first so a short pseudonym that is a
// substring of a longer one can never cause a partial substitution. Text
// written back for one pair is never searched for the next. For each
// pair the following forms are tried in order, each only while the previous
// ones found nothing:
//
//  1. the exact pseudonym (replace all)
//  2. its NFC-normalized form, matched against the NFC form of the text
//  3. its \uXXXX-escaped form, as written by JSON encoders that escape
//     non-ASCII text
//  4. its JSON-unescaped form
//  5. a literal pattern tolerant of escaped quotes and slashes and of
//     collapsed or expanded whitespace
//
// A pair with no occurrence is not an error: most responses never repeat
// most of the values that were masked.
package restore

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"pseudonymizing-proxy/internal/mapping"
)

// Step identifies which form of a pseudonym produced a replacement.
type Step int

// Restoration steps in the order they are attempted.
const (
	StepExact Step = iota
	StepNormalized
	StepUnicodeEscaped
	StepJSONUnescaped
	StepPattern
	numSteps
)

var stepNames = [numSteps]string{"exact", "normalized", "unicode_escaped", "json_unescaped", "pattern"}

func (s Step) String() string {
	if s < 0 || s >= numSteps {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// Stats counts replacements per step.
type Stats [numSteps]int

// Total returns the number of replacements across all steps.
func (s Stats) Total() int {
	n := 0
	for _, c := range s {
		n += c
	}
	return n
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	for i := range s {
		s[i] += other[i]
	}
}

// Text restores every pseudonym of m found in text.
func Text(text string, m mapping.Mapping) string {
	out, _ := TextStats(text, m)
	return out
}

// TextStats is Text that also reports how many replacements each step made.
func TextStats(text string, m mapping.Mapping) (string, Stats) {
	return restorePairs(text, m.ByLength())
}

// segment is a slice of the text being restored. Restored segments hold
// originals written back by an earlier pair and are never searched again.
type segment struct {
	text     string
	restored bool
}

// finder returns the non-overlapping byte ranges of matches in s.
type finder func(s string) [][2]int

func restorePairs(text string, pairs []mapping.Pair) (string, Stats) {
	var st Stats
	if text == "" {
		return text, st
	}
	segs := []segment{{text: text}}
	for _, p := range pairs {
		if p.Pseudonym == "" {
			continue
		}
		var n int
		var step Step
		segs, step, n = restorePair(segs, p)
		if n > 0 {
			st[step] += n
		}
	}
	if len(segs) == 1 {
		return segs[0].text, st
	}
	var b strings.Builder
	b.Grow(len(text))
	for _, sg := range segs {
		b.WriteString(sg.text)
	}
	return b.String(), st
}

// restorePair applies the first step that finds the pseudonym in any
// unrestored segment.
func restorePair(segs []segment, p mapping.Pair) ([]segment, Step, int) {
	// 1. exact
	if out, n := replaceIn(segs, exact(p.Pseudonym), p.Original); n > 0 {
		return out, StepExact, n
	}

	// 2. canonical composition of both sides; only the matched spans of
	// the text are rewritten
	np := norm.NFC.String(p.Pseudonym)
	no := norm.NFC.String(p.Original)
	if out, n := replaceIn(segs, normalized(np, np != p.Pseudonym), no); n > 0 {
		return out, StepNormalized, n
	}

	// 3. \uXXXX escapes, lower and upper hex
	if esc := unicodeEscape(np, false); esc != np {
		for _, form := range []string{esc, unicodeEscape(np, true)} {
			if out, n := replaceIn(segs, exact(form), p.Original); n > 0 {
				return out, StepUnicodeEscaped, n
			}
		}
	}

	// 4. JSON-unescaped pseudonym
	if un, ok := jsonUnescape(p.Pseudonym); ok && un != p.Pseudonym && un != "" {
		if out, n := replaceIn(segs, exact(un), p.Original); n > 0 {
			return out, StepJSONUnescaped, n
		}
	}

	// 5. literal pattern
	if re := literalPattern(p.Pseudonym); re != nil {
		find := func(s string) [][2]int {
			var locs [][2]int
			for _, loc := range re.FindAllStringIndex(s, -1) {
				locs = append(locs, [2]int{loc[0], loc[1]})
			}
			return locs
		}
		if out, n := replaceIn(segs, find, p.Original); n > 0 {
			return out, StepPattern, n
		}
	}

	return segs, StepExact, 0
}

// replaceIn replaces every match of find in the unrestored segments with
// repl, marking the replacements as restored.
func replaceIn(segs []segment, find finder, repl string) ([]segment, int) {
	var out []segment
	n := 0
	for i, sg := range segs {
		var locs [][2]int
		if !sg.restored {
			locs = find(sg.text)
		}
		if len(locs) == 0 {
			if out != nil {
				out = append(out, sg)
			}
			continue
		}
		if out == nil {
			out = append(make([]segment, 0, len(segs)+2*len(locs)), segs[:i]...)
		}
		last := 0
		for _, loc := range locs {
			if loc[0] > last {
				out = append(out, segment{text: sg.text[last:loc[0]]})
			}
			out = append(out, segment{text: repl, restored: true})
			last = loc[1]
		}
		if last < len(sg.text) {
			out = append(out, segment{text: sg.text[last:]})
		}
		n += len(locs)
	}
	if out == nil {
		return segs, 0
	}
	return out, n
}

func exact(needle string) finder {
	return func(s string) [][2]int {
		var locs [][2]int
		for off := 0; ; {
			i := strings.Index(s[off:], needle)
			if i < 0 {
				return locs
			}
			locs = append(locs, [2]int{off + i, off + i + len(needle)})
			off += i + len(needle)
		}
	}
}

// normalized finds the NFC string needle in the NFC form of s. The text
// itself is only searched through normalization when it is not already
// NFC, or when needle differs from the raw pseudonym.
func normalized(needle string, needleChanged bool) finder {
	return func(s string) [][2]int {
		if norm.NFC.IsNormalString(s) {
			if !needleChanged {
				return nil
			}
			return exact(needle)(s)
		}
		return nfcIndex(s, needle)
	}
}

// nfcIndex returns the ranges of s whose NFC form is needle. A match must
// start and end on offsets that exist in both s and its NFC form, so text
// outside a match is never rewritten.
func nfcIndex(s, needle string) [][2]int {
	var it norm.Iter
	it.InitString(norm.NFC, s)
	nt := make([]byte, 0, len(s))
	// src[i] is the offset in s of byte i of nt, or -1 inside a rewritten
	// segment.
	src := make([]int, 0, len(s)+1)
	for !it.Done() {
		start := it.Pos()
		chunk := it.Next()
		same := string(chunk) == s[start:it.Pos()]
		for k := range chunk {
			switch {
			case same:
				src = append(src, start+k)
			case k == 0:
				src = append(src, start)
			default:
				src = append(src, -1)
			}
		}
		nt = append(nt, chunk...)
	}
	src = append(src, len(s))

	var locs [][2]int
	text := string(nt)
	for off := 0; ; {
		i := strings.Index(text[off:], needle)
		if i < 0 {
			return locs
		}
		from, to := off+i, off+i+len(needle)
		if src[from] >= 0 && src[to] >= 0 {
			locs = append(locs, [2]int{src[from], src[to]})
			off = to
			continue
		}
		off = from + 1
	}
}

// unicodeEscape writes every non-ASCII rune as \uXXXX, using surrogate
// pairs outside the basic multilingual plane.
func unicodeEscape(s string, upper bool) string {
	format := `\u%04x`
	if upper {
		format = `\u%04X`
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r < utf8.RuneSelf:
			b.WriteRune(r)
		case r > 0xFFFF:
			r -= 0x10000
			fmt.Fprintf(&b, format, 0xD800+(r>>10))
			fmt.Fprintf(&b, format, 0xDC00+(r&0x3FF))
		default:
			fmt.Fprintf(&b, format, r)
		}
	}
	return b.String()
}

// jsonUnescape decodes s as the body of a JSON string literal.
func jsonUnescape(s string) (string, bool) {
	if !strings.Contains(s, `\`) {
		return s, false
	}
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err != nil {
		return s, false
	}
	return out, true
}

// literalPattern matches s literally except that quotes and slashes may be
// backslash-escaped and whitespace runs may differ in length. It returns nil
// when s has nothing the exact steps could have missed.
func literalPattern(s string) *regexp.Regexp {
	if !strings.ContainsAny(s, "\"/ \t\n") {
		return nil
	}
	var b strings.Builder
	inSpace := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !inSpace {
				b.WriteString(`\s+`)
			}
			inSpace = true
			continue
		case r == '"' || r == '/':
			b.WriteString(`\\?`)
			b.WriteString(regexp.QuoteMeta(string(r)))
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
		inSpace = false
	}
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil
	}
	return re
}
