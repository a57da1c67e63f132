package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/uifallback"
)

// maxBody caps a fetched response body returned as text.
const maxBody = 32 << 20

// Server answers relay messages arriving on WebSocket connections.
type Server struct {
	transport http.RoundTripper
	ui        *uifallback.Restorer
	timeout   time.Duration
	log       *logger.Logger
	upgrader  websocket.Upgrader
}

// NewServer returns a relay server. Fetches go through transport, which is
// normally the interceptor; ui may be nil, in which case ui_restore
// messages return the text unchanged.
func NewServer(transport http.RoundTripper, ui *uifallback.Restorer, timeout time.Duration, log *logger.Logger) *Server {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.New("RELAY", "info")
	}
	return &Server{
		transport: transport,
		ui:        ui,
		timeout:   timeout,
		log:       log,
		upgrader: websocket.Upgrader{
			// Extension pages connect from their own origin; the
			// management listener is loopback-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and serves messages until the client
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade", "%s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.Close() //nolint:errcheck // connection teardown
	s.log.Infof("connect", "relay client %s connected", r.RemoteAddr)
	s.serve(r.Context(), conn)
	s.log.Infof("disconnect", "relay client %s gone", r.RemoteAddr)
}

// serve reads requests and answers each concurrently. Results go through a
// single writer goroutine since a websocket.Conn allows one writer at a time.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan Result)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for res := range results {
			if err := conn.WriteJSON(res); err != nil {
				s.log.Debugf("write", "msgId=%s: %v", res.MsgID, err)
			}
		}
	}()

	var obs *observer
	if s.ui != nil {
		obs = s.observe(ctx)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inFlight = make(map[string]bool)
	)
	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugf("read", "%v", err)
			}
			break
		}
		if req.MsgID == "" {
			results <- failed("", errNoMsgID)
			continue
		}
		mu.Lock()
		dup := inFlight[req.MsgID]
		if !dup {
			inFlight[req.MsgID] = true
		}
		mu.Unlock()
		if dup {
			s.log.Warnf("duplicate", "msgId=%s already in flight", req.MsgID)
			results <- failed(req.MsgID, errDuplicate)
			continue
		}

		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			res := s.answer(ctx, req, obs)
			mu.Lock()
			delete(inFlight, req.MsgID)
			mu.Unlock()
			results <- res
		}(req)
	}

	cancel()
	wg.Wait()
	if obs != nil {
		obs.wait()
	}
	close(results)
	<-writerDone
}

// answer runs handle under the relay timeout and always returns exactly one
// result for req.
func (s *Server) answer(ctx context.Context, req Request, obs *observer) Result {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() { done <- s.handle(ctx, req, obs) }()

	select {
	case res := <-done:
		if !res.OK && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failed(req.MsgID, errTimeout)
		}
		return res
	case <-ctx.Done():
		s.log.Warnf("timeout", "msgId=%s kind=%s after %s", req.MsgID, req.Kind, s.timeout)
		return failed(req.MsgID, errTimeout)
	}
}

// handle answers one request. It never returns a result for a different
// msgId. ui_restore text goes through the connection's observe loop when
// there is one.
func (s *Server) handle(ctx context.Context, req Request, obs *observer) Result {
	switch req.Kind {
	case KindPing:
		return Result{MsgID: req.MsgID, OK: true, BodyText: "pong"}
	case KindUIRestore:
		if obs == nil {
			return Result{MsgID: req.MsgID, OK: true, BodyText: req.BodyText}
		}
		n, err := obs.restore(ctx, req.BodyText)
		if err != nil {
			return failed(req.MsgID, err.Error())
		}
		return Result{MsgID: req.MsgID, OK: true, BodyText: n.Text}
	case KindFetch:
		return s.fetch(ctx, req)
	}
	return failed(req.MsgID, fmt.Sprintf("unknown kind %q", req.Kind))
}

func (s *Server) fetch(ctx context.Context, req Request) Result {
	if s.transport == nil {
		return failed(req.MsgID, "fetch not available")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if req.BodyText != "" {
		body = strings.NewReader(req.BodyText)
	}
	out, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return failed(req.MsgID, err.Error())
	}
	for k, v := range req.Headers {
		out.Header.Set(k, v)
	}

	resp, err := s.transport.RoundTrip(out)
	if err != nil {
		return failed(req.MsgID, err.Error())
	}
	defer resp.Body.Close() //nolint:errcheck // response fully consumed

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return failed(req.MsgID, fmt.Sprintf("read response: %v", err))
	}
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return Result{
		MsgID:    req.MsgID,
		OK:       true,
		Status:   resp.StatusCode,
		Headers:  headers,
		BodyText: string(data),
	}
}
