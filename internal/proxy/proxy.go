// Package proxy implements the forward proxy the client is pointed at.
//
// Traffic flow:
//   - CONNECT to a host some allow pattern names: TLS is terminated with a
//     leaf from the local CA and each decrypted request goes through the
//     interceptor
//   - CONNECT to any other host: tunneled byte for byte
//   - plain HTTP: every request goes through the interceptor, which passes
//     ineligible ones through untouched
//
// Upstream (corporate) proxy chaining is automatic: NewTransport honours
// HTTP_PROXY / HTTPS_PROXY / NO_PROXY.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"pseudonymizing-proxy/internal/interceptor"
	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/mitm"
)

const dialTimeout = 20 * time.Second

// Server is the HTTP proxy server.
type Server struct {
	ic  *interceptor.Interceptor
	ca  *mitm.CA
	log *logger.Logger
}

// New returns a proxy that sends requests through ic. A nil ca disables TLS
// termination and every CONNECT is tunneled.
func New(ic *interceptor.Interceptor, ca *mitm.CA, log *logger.Logger) *Server {
	if log == nil {
		log = logger.New("PROXY", "info")
	}
	return &Server{ic: ic, ca: ca, log: log}
}

// NewTransport returns the upstream transport: environment proxy settings,
// pooled keep-alive connections and HTTP/2 when the server offers it.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// ServeHTTP dispatches incoming proxy requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	if !r.URL.IsAbs() {
		http.Error(w, "this is a proxy; send absolute-form requests", http.StatusBadRequest)
		return
	}
	s.log.Debugf("http", "%s %s%s", r.Method, r.URL.Host, r.URL.Path)
	s.forward(w, r)
}

// handleConnect terminates TLS for hosts the policy may intercept and
// tunnels everything else.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	authority := r.Host
	host := authority
	if h, _, err := net.SplitHostPort(authority); err == nil {
		host = h
	} else {
		authority = net.JoinHostPort(authority, "443")
	}

	if s.ca != nil && s.ic.Policy().InterceptHost(host) {
		conn, err := hijack(w)
		if err != nil {
			s.log.Errorf("connect", "hijack %s: %v", host, err)
			return
		}
		s.log.Debugf("connect", "CONNECT %s [MITM]", authority)
		mitm.Serve(conn, host, s.ca, s.terminated(authority), s.log)
		return
	}

	s.log.Debugf("connect", "CONNECT %s [TUNNEL]", authority)
	dest, err := (&net.Dialer{Timeout: dialTimeout}).DialContext(r.Context(), "tcp", authority)
	if err != nil {
		http.Error(w, fmt.Sprintf("cannot connect to %s: %v", authority, err), http.StatusBadGateway)
		return
	}
	defer dest.Close() //nolint:errcheck // tunnel teardown

	conn, err := hijack(w)
	if err != nil {
		s.log.Errorf("connect", "hijack %s: %v", host, err)
		return
	}
	defer conn.Close() //nolint:errcheck // tunnel teardown

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(dest, conn); done <- struct{}{} }()
	go func() { _, _ = io.Copy(conn, dest); done <- struct{}{} }()
	<-done
}

// terminated serves requests decrypted from a CONNECT to authority.
func (s *Server) terminated(authority string) http.Handler {
	target := strings.TrimSuffix(authority, ":443")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.URL.Scheme = "https"
		r.URL.Host = target
		s.log.Debugf("https", "%s %s%s", r.Method, r.URL.Host, r.URL.Path)
		s.forward(w, r)
	})
}

// forward sends r through the interceptor and streams the response back,
// flushing after every write so server-sent events arrive as produced.
func (s *Server) forward(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	removeHopByHop(out.Header)

	resp, err := s.ic.RoundTrip(out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Warnf("forward", "%s %s: %v", r.Method, r.URL.Host, err)
		http.Error(w, fmt.Sprintf("proxy error: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // response drained below

	removeHopByHop(resp.Header)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if err := copyFlushing(w, resp.Body); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debugf("forward", "copy response from %s: %v", r.URL.Host, err)
	}
}

func copyFlushing(w http.ResponseWriter, body io.Reader) error {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32<<10)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// hijack takes over the client connection and acknowledges the CONNECT.
// Bytes the client sent ahead of the acknowledgement stay readable.
func hijack(w http.ResponseWriter) (net.Conn, error) {
	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		conn.Close() //nolint:errcheck // already failing
		return nil, err
	}
	if brw.Reader.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: brw.Reader}, nil
	}
	return conn, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Proxy-Connection",
}

// removeHopByHop deletes the standard hop-by-hop headers and any header
// the Connection header names.
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, v := range hopByHopHeaders {
		h.Del(v)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
