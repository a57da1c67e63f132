// Package management provides a lightweight HTTP API for runtime inspection
// and configuration of the running proxy.
//
// Endpoints:
//
//	GET  /status              - proxy health, pseudonymizer health, allow and block lists
//	GET  /metrics             - counters and latency as JSON
//	GET  /metrics/prometheus  - the same in Prometheus exposition format
//	GET  /logs?limit=N        - most recent request log entries, newest first
//	POST /domains/add         - add an allow pattern {"domain":"api.example.com/v1/"}
//	POST /domains/remove      - remove an allow pattern {"domain":"api.example.com/v1/"}
//	GET  /relay               - WebSocket endpoint for the extension message relay
package management

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pseudonymizing-proxy/internal/config"
	"pseudonymizing-proxy/internal/interceptor"
	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/metrics"
	"pseudonymizing-proxy/internal/reqlog"
)

const (
	defaultLogLimit = 50
	healthTimeout   = 2 * time.Second
)

// HealthChecker reports whether the pseudonymization service is reachable.
// *pseudo.Client implements it.
type HealthChecker interface {
	Health(ctx context.Context) error
	Active() bool
}

// Sizer reports how many correlation entries are live.
type Sizer interface {
	Len() int
}

// Deps are the runtime components the API inspects. Nil fields disable the
// endpoints or status sections that need them.
type Deps struct {
	Policy        *interceptor.Policy
	Metrics       *metrics.Metrics
	Requests      *reqlog.Ring
	Pseudonymizer HealthChecker
	Store         Sizer
	Relay         http.Handler
}

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	deps      Deps
	token     string // bearer token for auth; empty = no auth
	log       *logger.Logger
}

// New creates a management server.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New("MANAGEMENT", cfg.LogLevel)
	}
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		deps:      deps,
		token:     cfg.ManagementToken,
		log:       log,
	}
	if s.token != "" {
		log.Info("auth", "Bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.authMiddleware)

	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics/prometheus", metrics.Handler(s.deps.Metrics))
	}
	r.Get("/logs", s.handleLogs)
	r.Post("/domains/add", s.handleAddDomain)
	r.Post("/domains/remove", s.handleRemoveDomain)
	if s.deps.Relay != nil {
		r.Method(http.MethodGet, "/relay", s.deps.Relay)
	}
	return r
}

// authMiddleware checks for a valid Bearer token if one is configured.
// Browsers cannot set headers on a WebSocket handshake, so /relay also
// accepts the token as a "token" query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		var presented string
		const prefix = "Bearer "
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
			presented = strings.TrimSpace(auth[len(prefix):])
		} else if r.URL.Path == "/relay" {
			presented = r.URL.Query().Get("token")
		}
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// domainRegexp validates a DNS hostname (RFC 952 / RFC 1123).
var domainRegexp = regexp.MustCompile(
	`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`,
)

// pathRegexp limits path prefixes to plain URL path characters.
var pathRegexp = regexp.MustCompile(`^/[A-Za-z0-9._~!$&'()*+,;=:@%/-]*$`)

// validDomain checks that the domain is a syntactically valid hostname.
func validDomain(d string) bool {
	return len(d) <= 253 && domainRegexp.MatchString(d)
}

// validPattern checks an allow pattern: a hostname, optionally behind a
// "*." wildcard, and an optional path prefix.
func validPattern(p string) bool {
	host, path := p, ""
	if i := strings.IndexByte(p, '/'); i >= 0 {
		host, path = p[:i], p[i:]
	}
	host = strings.TrimPrefix(host, "*.")
	if !validDomain(host) {
		return false
	}
	return path == "" || (len(path) <= 512 && pathRegexp.MatchString(path))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type pseudonymizer struct {
		URL     string `json:"url"`
		Enabled bool   `json:"enabled"`
		Healthy bool   `json:"healthy"`
		Error   string `json:"error,omitempty"`
	}
	type correlation struct {
		Backend string `json:"backend"`
		Entries *int   `json:"entries,omitempty"`
	}
	type requestLog struct {
		Size     int   `json:"size"`
		Capacity int   `json:"capacity"`
		Dropped  int64 `json:"archiveDropped"`
	}
	type response struct {
		Status        string        `json:"status"`
		Uptime        string        `json:"uptime"`
		ProxyPort     int           `json:"proxyPort"`
		Allow         []string      `json:"allow"`
		Block         []string      `json:"block"`
		Pseudonymizer pseudonymizer `json:"pseudonymizer"`
		Correlation   correlation   `json:"correlation"`
		RequestLog    *requestLog   `json:"requestLog,omitempty"`
	}

	resp := response{
		Status:    "running",
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		ProxyPort: s.cfg.ProxyPort,
		Pseudonymizer: pseudonymizer{
			URL:     s.cfg.Pseudonymizer.URL,
			Enabled: s.cfg.Pseudonymizer.Enabled,
		},
		Correlation: correlation{Backend: s.cfg.Correlation.Backend},
	}
	if p := s.deps.Policy; p != nil {
		resp.Allow = p.Allow()
		resp.Block = p.Block()
	}
	if hc := s.deps.Pseudonymizer; hc != nil {
		resp.Pseudonymizer.Enabled = hc.Active()
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := hc.Health(ctx)
		cancel()
		resp.Pseudonymizer.Healthy = err == nil
		if err != nil {
			resp.Pseudonymizer.Error = err.Error()
		}
	}
	if st := s.deps.Store; st != nil {
		n := st.Len()
		resp.Correlation.Entries = &n
	}
	if rl := s.deps.Requests; rl != nil {
		resp.RequestLog = &requestLog{Size: rl.Len(), Capacity: rl.Capacity(), Dropped: rl.Dropped()}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Requests == nil {
		http.Error(w, "request log not enabled", http.StatusServiceUnavailable)
		return
	}
	limit := defaultLogLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries := s.deps.Requests.Recent(limit)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

// decodePattern reads {"domain": "..."} and returns the normalised
// pattern, or writes a 400 and returns "".
func (s *Server) decodePattern(w http.ResponseWriter, r *http.Request) string {
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		Domain string `json:"domain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		http.Error(w, "invalid request: need {\"domain\":\"...\"}", http.StatusBadRequest)
		return ""
	}
	pt, err := interceptor.ParsePattern(req.Domain)
	if err != nil || !validPattern(pt.String()) {
		http.Error(w, "invalid domain pattern", http.StatusBadRequest)
		return ""
	}
	return pt.String()
}

func (s *Server) handleAddDomain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Policy == nil {
		http.Error(w, "policy not available", http.StatusServiceUnavailable)
		return
	}
	pattern := s.decodePattern(w, r)
	if pattern == "" {
		return
	}
	if err := s.deps.Policy.Add(pattern); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.log.Infof("domain_add", "added allow pattern: %s", pattern)
	s.writeJSON(w, http.StatusOK, map[string]string{"added": pattern})
}

func (s *Server) handleRemoveDomain(w http.ResponseWriter, r *http.Request) {
	if s.deps.Policy == nil {
		http.Error(w, "policy not available", http.StatusServiceUnavailable)
		return
	}
	pattern := s.decodePattern(w, r)
	if pattern == "" {
		return
	}
	if !s.deps.Policy.Remove(pattern) {
		http.Error(w, "pattern not in allow list", http.StatusNotFound)
		return
	}
	s.log.Infof("domain_remove", "removed allow pattern: %s", pattern)
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": pattern})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("encode", "JSON encode error: %v", err)
	}
}

// ListenAndServe starts the management HTTP server on loopback and shuts
// it down when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort)
	s.log.Infof("listen", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
