// Package detector is a local stand-in for the pseudonymization service.
//
// It finds structured PII with regular expressions and swaps each distinct
// value for a realistic fake drawn round-robin from a per-type pool. It
// speaks the same HTTP contract as the production service so the proxy can
// be run end to end without it.
package detector

import (
	"regexp"
	"sort"
	"strings"

	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/mapping"
)

// PIIType classifies the kind of sensitive data found.
type PIIType string

// Detected PII types.
const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIISSN        PIIType = "ssn"
	PIIRRN        PIIType = "rrn"
	PIICreditCard PIIType = "creditCard"
	PIIIPAddress  PIIType = "ipAddress"
	PIIAPIKey     PIIType = "apiKey"
	PIIName       PIIType = "name"
)

// pattern pairs a compiled regex with its PII type. When group is set only
// that submatch is replaced.
type pattern struct {
	re      *regexp.Regexp
	piiType PIIType
	group   int
}

// Order matters: on overlapping matches of equal length the earlier
// pattern wins.
var patterns = []pattern{
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), PIIEmail, 0},
	{regexp.MustCompile(`(?i)(?:api[_\-]?key|token|secret|bearer)[\s"':=]+([A-Za-z0-9_\-.]{20,})`), PIIAPIKey, 1},
	{regexp.MustCompile(`\b(?:\d{4}[\-\s]?){3}\d{4}\b`), PIICreditCard, 0},
	{regexp.MustCompile(`\b\d{6}[\-\s]?[1-4]\d{6}\b`), PIIRRN, 0},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), PIISSN, 0},
	{regexp.MustCompile(`\b(?:01[016789]|0[2-6]\d?)[\-.\s]?\d{3,4}[\-.\s]?\d{4}\b`), PIIPhone, 0},
	{regexp.MustCompile(`(?:\+1[\-.\s]?)?\(?\b\d{3}\)?[\-.\s]\d{3}[\-.\s]\d{4}\b`), PIIPhone, 0},
	{regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`), PIIIPAddress, 0},
	{regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Dr|Prof)\.?\s+([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)`), PIIName, 1},
	{regexp.MustCompile(`\b[Mm]y name is\s+([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)`), PIIName, 1},
	{regexp.MustCompile(`([가-힣]{2,4})(?:님|씨)`), PIIName, 1},
}

// Item is one detected and replaced span. Start and End are byte offsets
// into the original text.
type Item struct {
	Type  PIIType `json:"type"`
	Value string  `json:"value"`
	Token string  `json:"token"`
	Start int     `json:"start"`
	End   int     `json:"end"`
}

// Result is the outcome of one Pseudonymize call.
type Result struct {
	Masked  string
	Items   []Item
	Mapping mapping.Mapping
}

// Detector finds PII and assigns pseudonyms. It is safe for concurrent use.
type Detector struct {
	pools *pools
	log   *logger.Logger
}

// New returns a detector with the built-in fake-value pools.
func New(log *logger.Logger) *Detector {
	if log == nil {
		log = logger.New("DETECTOR", "info")
	}
	return &Detector{pools: newPools(), log: log}
}

type span struct {
	start, end int
	piiType    PIIType
	order      int
}

// Pseudonymize replaces every detected value in text. A value that occurs
// several times gets the same pseudonym each time; distinct values get
// distinct pseudonyms, none of which already occurs in text.
func (d *Detector) Pseudonymize(text string) Result {
	spans := detect(text)
	if len(spans) == 0 {
		return Result{Masked: text}
	}

	var (
		b       strings.Builder
		m       mapping.Mapping
		items   = make([]Item, 0, len(spans))
		byValue = make(map[string]string)
		used    = make(map[string]bool)
		last    int
	)
	for _, s := range spans {
		value := text[s.start:s.end]
		token, ok := byValue[value]
		if !ok {
			token = d.pools.next(s.piiType, func(c string) bool {
				return used[c] || strings.Contains(text, c)
			})
			byValue[value] = token
			used[token] = true
			m.Add(token, value)
		}
		b.WriteString(text[last:s.start])
		b.WriteString(token)
		last = s.end
		items = append(items, Item{Type: s.piiType, Value: value, Token: token, Start: s.start, End: s.end})
	}
	b.WriteString(text[last:])

	d.log.Debugf("detect", "%d spans, %d distinct values", len(items), m.Len())
	return Result{Masked: b.String(), Items: items, Mapping: m}
}

// detect returns non-overlapping spans sorted by start. Where matches
// overlap the longer one is kept.
func detect(text string) []span {
	var all []span
	for i, p := range patterns {
		for _, loc := range p.re.FindAllStringSubmatchIndex(text, -1) {
			start, end := loc[2*p.group], loc[2*p.group+1]
			if start < 0 || start == end {
				continue
			}
			all = append(all, span{start: start, end: end, piiType: p.piiType, order: i})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if la, lb := a.end-a.start, b.end-b.start; la != lb {
			return la > lb
		}
		if a.order != b.order {
			return a.order < b.order
		}
		return a.start < b.start
	})

	var kept []span
	for _, s := range all {
		overlaps := false
		for _, k := range kept {
			if s.start < k.end && k.start < s.end {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, s)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].start < kept[j].start })
	return kept
}
