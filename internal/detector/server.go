package detector

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/mapping"
	"pseudonymizing-proxy/internal/reqlog"
	"pseudonymizing-proxy/internal/restore"
)

const (
	promptLogSize = 50
	maxPromptBody = 4 << 20
)

// Server exposes a Detector over HTTP:
//
//	POST /pseudonymize  {"prompt","id"} -> masked_prompt, reverse_map, mapping
//	POST /restore       {"pseudonymized_text","reverse_map"} -> restored_text
//	GET  /health
//	GET  /prompt_logs   the last 50 calls, masked prompts only
type Server struct {
	d       *Detector
	log     *logger.Logger
	prompts *reqlog.Ring
	started time.Time
}

// NewServer returns a server for d.
func NewServer(d *Detector, log *logger.Logger) *Server {
	if log == nil {
		log = d.log
	}
	return &Server{
		d:       d,
		log:     log,
		prompts: reqlog.NewRing(promptLogSize),
		started: time.Now(),
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors)
	r.Post("/pseudonymize", s.handlePseudonymize)
	r.Post("/restore", s.handleRestore)
	r.Get("/health", s.handleHealth)
	r.Get("/prompt_logs", s.handlePromptLogs)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":   "Not Found",
			"message": fmt.Sprintf("Endpoint %s not found", r.URL.Path),
		})
	})
	return r
}

// cors allows any origin, matching the browser extension's needs, and
// answers preflight requests directly.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Headers", "*")
			h.Set("Access-Control-Allow-Methods", "*")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type pseudonymizeResponse struct {
	OK             bool              `json:"ok"`
	MaskedPrompt   string            `json:"masked_prompt"`
	RequestID      string            `json:"request_id"`
	ProcessingTime string            `json:"processing_time"`
	DetectedItems  int               `json:"detected_items"`
	ReverseMap     map[string]string `json:"reverse_map"`
	Substitutions  map[string]string `json:"substitution_map"`
	Mapping        []Item            `json:"mapping"`
}

func (s *Server) handlePseudonymize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req struct {
		Prompt    *string `json:"prompt"`
		ID        string  `json:"id"`
		RequestID string  `json:"request_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPromptBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json: "+err.Error())
		return
	}
	if req.Prompt == nil {
		writeError(w, http.StatusBadRequest, "missing_prompt")
		return
	}
	id := req.ID
	if id == "" {
		id = req.RequestID
	}
	if id == "" {
		id = uuid.NewString()
	}

	res := s.d.Pseudonymize(*req.Prompt)
	resp := pseudonymizeResponse{
		OK:             true,
		MaskedPrompt:   res.Masked,
		RequestID:      id,
		ProcessingTime: fmt.Sprintf("%.3fs", time.Since(start).Seconds()),
		DetectedItems:  len(res.Items),
		ReverseMap:     make(map[string]string, res.Mapping.Len()),
		Substitutions:  make(map[string]string, res.Mapping.Len()),
		Mapping:        res.Items,
	}
	if resp.Mapping == nil {
		resp.Mapping = []Item{}
	}
	for _, p := range res.Mapping.Pairs() {
		resp.ReverseMap[p.Pseudonym] = p.Original
		resp.Substitutions[p.Original] = p.Pseudonym
	}

	outcome := reqlog.OutcomePassthrough
	if len(res.Items) > 0 {
		outcome = reqlog.OutcomePseudonymized
	}
	s.prompts.Add(reqlog.Entry{
		ID:         id,
		Started:    start,
		Finished:   time.Now(),
		URL:        r.URL.Path,
		Method:     r.Method,
		Outcome:    outcome,
		MaskedBody: res.Masked,
		Status:     http.StatusOK,
		PIICount:   len(res.Items),
	})
	s.log.Infof("pseudonymize", "id=%s detected=%d in %s", id, len(res.Items), resp.ProcessingTime)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text       string            `json:"pseudonymized_text"`
		ReverseMap map[string]string `json:"reverse_map"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPromptBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json: "+err.Error())
		return
	}
	var m mapping.Mapping
	for pseudonym, original := range req.ReverseMap {
		m.Add(pseudonym, original)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"restored_text": restore.Text(req.Text, m),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"method":    "regex",
		"ready":     true,
		"uptime":    int(time.Since(s.started).Seconds()),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handlePromptLogs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"logs": s.prompts.Recent(promptLogSize)})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
