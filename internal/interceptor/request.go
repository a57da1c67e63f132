package interceptor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Request is a captured outbound request. The body is read exactly once
// and never modified; every forwarded attempt is built with Clone.
type Request struct {
	URL    *url.URL
	Method string
	Header http.Header
	Body   []byte

	template *http.Request
}

// Capture reads req's body and returns the captured request. req.Body is
// consumed and closed.
func Capture(req *http.Request) (*Request, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close() //nolint:errcheck // fully read above
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	tmpl := req.Clone(req.Context())
	tmpl.Body = nil
	tmpl.GetBody = nil
	tmpl.RequestURI = ""
	return &Request{
		URL:      tmpl.URL,
		Method:   tmpl.Method,
		Header:   tmpl.Header,
		Body:     body,
		template: tmpl,
	}, nil
}

// Host returns the destination host without port.
func (r *Request) Host() string { return r.URL.Hostname() }

// Clone returns a new outbound request carrying body. The captured request
// is left untouched.
func (r *Request) Clone(ctx context.Context, body []byte) *http.Request {
	out := r.template.Clone(ctx)
	out.Header.Del("Content-Length")
	if len(body) == 0 {
		out.Body = http.NoBody
		out.ContentLength = 0
		out.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return out
	}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return out
}
