package interceptor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"pseudonymizing-proxy/internal/logger"
)

// DefaultAllow lists the conversation endpoints of the supported vendors.
var DefaultAllow = []string{
	"api.openai.com/v1/chat/completions",
	"api.openai.com/v1/completions",
	"api.openai.com/v1/responses",
	"api.anthropic.com/v1/messages",
	"generativelanguage.googleapis.com/v1beta/models/",
	"generativelanguage.googleapis.com/v1/models/",
	"chatgpt.com/backend-api/conversation",
	"chat.openai.com/backend-api/conversation",
	"claude.ai/api/",
	"api.mistral.ai/v1/chat/completions",
	"api.together.xyz/v1/chat/completions",
	"api.perplexity.ai/chat/completions",
	"api.groq.com/openai/v1/chat/completions",
}

// DefaultBlock lists auxiliary endpoints that always pass through, even
// on an allowed host: identity providers, auth and session paths, and
// telemetry.
var DefaultBlock = []string{
	"accounts.google.com",
	"login.microsoftonline.com",
	"auth0.com",
	"*.auth0.com",
	"okta.com",
	"*.okta.com",
	"auth.*",
	"login.*",
	"accounts.*",
	"sso.*",
	"oauth.*",
	"*/auth", "*/login", "*/signin", "*/signup", "*/register",
	"*/token", "*/oauth", "*/authenticate", "*/session",
	"*/v1/auth", "*/api/auth", "*/api/login", "*/api/token",
	"*/ces/", "*/telemetry", "*/sentinel/", "*/v1/statsig",
	"*/backend-api/conversation/init",
	"*/backend-api/sentinel/",
}

// DefaultMethods are the methods that submit a prompt.
var DefaultMethods = []string{"POST"}

// Pattern matches a request URL by host glob and optional path prefix,
// written "host[/path-prefix]". The host is matched with path.Match, so
// "*.openai.com" matches every subdomain and "*" matches any host.
type Pattern struct {
	Host       string
	PathPrefix string
}

// ParsePattern parses "host[/path-prefix]". Hosts are case-insensitive.
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "https://"), "http://")
	if s == "" {
		return Pattern{}, fmt.Errorf("empty pattern")
	}
	host, prefix := s, ""
	if i := strings.IndexByte(s, '/'); i >= 0 {
		host, prefix = s[:i], s[i:]
	}
	host = strings.ToLower(host)
	if host == "" {
		return Pattern{}, fmt.Errorf("pattern %q has no host", s)
	}
	if _, err := path.Match(host, ""); err != nil {
		return Pattern{}, fmt.Errorf("pattern %q: %w", s, err)
	}
	return Pattern{Host: host, PathPrefix: prefix}, nil
}

// String returns the pattern in its parsed form.
func (p Pattern) String() string { return p.Host + p.PathPrefix }

// MatchHost reports whether host (without port) matches the host glob.
func (p Pattern) MatchHost(host string) bool {
	ok, _ := path.Match(p.Host, strings.ToLower(host))
	return ok
}

// Match reports whether host and urlPath both match.
func (p Pattern) Match(host, urlPath string) bool {
	return p.MatchHost(host) && strings.HasPrefix(urlPath, p.PathPrefix)
}

// Policy decides which requests are eligible for pseudonymization by URL
// and method. The allow list can change at runtime; changes are persisted
// so they survive restarts.
type Policy struct {
	mu      sync.RWMutex
	allow   []Pattern
	block   []Pattern
	methods map[string]bool

	persistPath string // empty = no persistence
	log         *logger.Logger
}

// NewPolicy builds a policy. Invalid patterns are skipped with a warning.
// If persistPath names an existing file, its allow list replaces allow.
func NewPolicy(allow, block, methods []string, persistPath string, log *logger.Logger) *Policy {
	p := &Policy{
		methods:     make(map[string]bool, len(methods)),
		persistPath: persistPath,
		log:         log,
	}
	if persistPath != "" {
		saved, err := p.loadFromDisk()
		switch {
		case err == nil:
			allow = saved
			if log != nil {
				log.Infof("allow_list_load", "loaded %d patterns from %s", len(saved), persistPath)
			}
		case !os.IsNotExist(err):
			p.logf("allow_list_load", "failed to load %s: %v (using configured list)", persistPath, err)
		}
	}
	p.allow = p.parseAll(allow)
	p.block = p.parseAll(block)
	if len(methods) == 0 {
		methods = DefaultMethods
	}
	for _, m := range methods {
		p.methods[strings.ToUpper(strings.TrimSpace(m))] = true
	}
	return p
}

// Allowed reports whether a request for u with method passes the URL and
// method checks: it matches an allow pattern and no block pattern.
func (p *Policy) Allowed(method string, u *url.URL) bool {
	if !p.methods[strings.ToUpper(method)] {
		return false
	}
	host := u.Hostname()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !matchAny(p.allow, host, u.Path) {
		return false
	}
	return !matchAny(p.block, host, u.Path)
}

// InterceptHost reports whether some allow pattern could match a request
// to host. The proxy terminates TLS only for such hosts.
func (p *Policy) InterceptHost(host string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, a := range p.allow {
		if a.MatchHost(host) {
			return true
		}
	}
	return false
}

// Add adds an allow pattern and persists the list.
func (p *Policy) Add(pattern string) error {
	pt, err := ParsePattern(pattern)
	if err != nil {
		return err
	}
	p.mu.Lock()
	for _, a := range p.allow {
		if a == pt {
			p.mu.Unlock()
			return nil
		}
	}
	p.allow = append(p.allow, pt)
	snapshot := p.snapshotLocked()
	p.mu.Unlock()
	p.persist(snapshot)
	return nil
}

// Remove removes an allow pattern and persists the list. It reports
// whether the pattern was present.
func (p *Policy) Remove(pattern string) bool {
	pt, err := ParsePattern(pattern)
	if err != nil {
		return false
	}
	p.mu.Lock()
	found := false
	kept := p.allow[:0:0]
	for _, a := range p.allow {
		if a == pt {
			found = true
			continue
		}
		kept = append(kept, a)
	}
	p.allow = kept
	snapshot := p.snapshotLocked()
	p.mu.Unlock()
	if found {
		p.persist(snapshot)
	}
	return found
}

// Allow returns the sorted allow list.
func (p *Policy) Allow() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.snapshotLocked()
}

// Block returns the block list in configured order.
func (p *Policy) Block() []string {
	out := make([]string, len(p.block))
	for i, b := range p.block {
		out[i] = b.String()
	}
	return out
}

func (p *Policy) parseAll(patterns []string) []Pattern {
	out := make([]Pattern, 0, len(patterns))
	for _, s := range patterns {
		pt, err := ParsePattern(s)
		if err != nil {
			p.logf("pattern_invalid", "%v", err)
			continue
		}
		out = append(out, pt)
	}
	return out
}

func matchAny(patterns []Pattern, host, urlPath string) bool {
	for _, pt := range patterns {
		if pt.Match(host, urlPath) {
			return true
		}
	}
	return false
}

// snapshotLocked returns a sorted copy of the allow list.
// Caller must hold p.mu.
func (p *Policy) snapshotLocked() []string {
	out := make([]string, len(p.allow))
	for i, a := range p.allow {
		out[i] = a.String()
	}
	sort.Strings(out)
	return out
}

func (p *Policy) loadFromDisk() ([]string, error) {
	data, err := os.ReadFile(p.persistPath)
	if err != nil {
		return nil, err
	}
	var patterns []string
	if err := json.Unmarshal(data, &patterns); err != nil {
		return nil, fmt.Errorf("parse %s: %w", p.persistPath, err)
	}
	return patterns, nil
}

// persist writes the allow list to disk atomically: temp file, then rename.
// It does not hold p.mu.
func (p *Policy) persist(patterns []string) {
	if p.persistPath == "" {
		return
	}
	data, err := json.MarshalIndent(patterns, "", "  ")
	if err != nil {
		p.logf("allow_list_persist", "marshal: %v", err)
		return
	}

	dir := filepath.Dir(p.persistPath)
	tmp, err := os.CreateTemp(dir, ".allow-list-*.tmp")
	if err != nil {
		p.logf("allow_list_persist", "create temp: %v", err)
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()        //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		p.logf("allow_list_persist", "write: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		p.logf("allow_list_persist", "close: %v", err)
		return
	}
	if err := os.Rename(tmpName, p.persistPath); err != nil {
		os.Remove(tmpName) //nolint:errcheck // best-effort cleanup
		p.logf("allow_list_persist", "rename: %v", err)
	}
}

func (p *Policy) logf(action, format string, args ...any) {
	if p.log != nil {
		p.log.Warnf(action, format, args...)
	}
}
