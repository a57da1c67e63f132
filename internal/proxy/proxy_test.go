package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"pseudonymizing-proxy/internal/correlation"
	"pseudonymizing-proxy/internal/interceptor"
	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/mapping"
	"pseudonymizing-proxy/internal/mitm"
	"pseudonymizing-proxy/internal/pseudo"
)

const chatPath = "/v1/chat/completions"

type swap struct{ original, pseudonym string }

func (s swap) Pseudonymize(_ context.Context, text, _ string) (pseudo.Result, error) {
	var m mapping.Mapping
	if strings.Contains(text, s.original) {
		text = strings.ReplaceAll(text, s.original, s.pseudonym)
		m.Add(s.pseudonym, s.original)
	}
	return pseudo.Result{MaskedText: text, Mapping: m}, nil
}

func quiet(module string) *logger.Logger { return logger.NewWithWriter(module, "error", io.Discard) }

// upstream echoes the first chat message back and records what it saw.
type upstream struct {
	mu      sync.Mutex
	bodies  []string
	headers []http.Header
}

func (u *upstream) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.bodies = append(u.bodies, string(body))
		u.headers = append(u.headers, r.Header.Clone())
		u.mu.Unlock()
		if r.URL.Path != chatPath {
			_, _ = io.WriteString(w, "plain "+r.URL.Path)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"You said: `+
			gjson.GetBytes(body, "messages.0.content").String()+`"}}]}`)
	})
}

func (u *upstream) last() (string, http.Header) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.bodies) == 0 {
		return "", nil
	}
	return u.bodies[len(u.bodies)-1], u.headers[len(u.headers)-1]
}

func newInterceptor(t *testing.T, transport http.RoundTripper) *interceptor.Interceptor {
	t.Helper()
	policy := interceptor.NewPolicy([]string{"127.0.0.1" + chatPath}, nil, nil, "", quiet("POLICY"))
	store := correlation.NewMemoryStore(0, quiet("STORE"))
	t.Cleanup(func() { _ = store.Close() })
	cfg := interceptor.Config{
		Policy:        policy,
		Pseudonymizer: swap{original: "Alice", pseudonym: "PERSON_1"},
		Store:         store,
		Transport:     transport,
		Log:           quiet("INTERCEPT"),
	}
	require.NoError(t, cfg.Validate())
	return interceptor.New(cfg)
}

// proxyClient returns a client that sends everything through proxyURL.
func proxyClient(proxyURL string, roots *x509.CertPool) *http.Client {
	pu, _ := url.Parse(proxyURL)
	tr := &http.Transport{Proxy: http.ProxyURL(pu)}
	if roots != nil {
		tr.TLSClientConfig = &tls.Config{RootCAs: roots}
	}
	return &http.Client{Transport: tr}
}

func chatBody(content string) io.Reader {
	return strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"` + content + `"}]}`)
}

func TestPlainHTTP_Pseudonymized(t *testing.T) {
	up := &upstream{}
	upSrv := httptest.NewServer(up.handler())
	defer upSrv.Close()

	px := httptest.NewServer(New(newInterceptor(t, http.DefaultTransport), nil, quiet("PROXY")))
	defer px.Close()

	resp, err := proxyClient(px.URL, nil).Post(upSrv.URL+chatPath, "application/json", chatBody("I am Alice"))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test
	body, _ := io.ReadAll(resp.Body)

	sent, _ := up.last()
	assert.Contains(t, sent, "PERSON_1")
	assert.NotContains(t, sent, "Alice")
	assert.Equal(t, "You said: I am Alice", gjson.GetBytes(body, "choices.0.message.content").String())
}

func TestPlainHTTP_PassthroughStripsHopByHop(t *testing.T) {
	up := &upstream{}
	upSrv := httptest.NewServer(up.handler())
	defer upSrv.Close()

	px := httptest.NewServer(New(newInterceptor(t, http.DefaultTransport), nil, quiet("PROXY")))
	defer px.Close()

	req, _ := http.NewRequest(http.MethodGet, upSrv.URL+"/other", nil)
	req.Header.Set("Connection", "X-Private")
	req.Header.Set("X-Private", "secret")
	req.Header.Set("Proxy-Authorization", "Basic Zm9vOmJhcg==")
	req.Header.Set("X-Kept", "yes")

	resp, err := proxyClient(px.URL, nil).Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close() //nolint:errcheck // test

	assert.Equal(t, "plain /other", string(body))
	_, h := up.last()
	require.NotNil(t, h)
	assert.Empty(t, h.Get("X-Private"))
	assert.Empty(t, h.Get("Proxy-Authorization"))
	assert.Equal(t, "yes", h.Get("X-Kept"))
}

func TestRelativeRequestRejected(t *testing.T) {
	px := httptest.NewServer(New(newInterceptor(t, http.DefaultTransport), nil, quiet("PROXY")))
	defer px.Close()

	resp, err := http.Get(px.URL + "/v1/chat/completions")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // test
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpstreamUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	px := httptest.NewServer(New(newInterceptor(t, http.DefaultTransport), nil, quiet("PROXY")))
	defer px.Close()

	resp, err := proxyClient(px.URL, nil).Get(deadURL + "/x")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // test
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestConnect_TunnelWithoutCA(t *testing.T) {
	up := &upstream{}
	upSrv := httptest.NewTLSServer(up.handler())
	defer upSrv.Close()

	px := httptest.NewServer(New(newInterceptor(t, http.DefaultTransport), nil, quiet("PROXY")))
	defer px.Close()

	roots := x509.NewCertPool()
	roots.AddCert(upSrv.Certificate())
	resp, err := proxyClient(px.URL, roots).Post(upSrv.URL+chatPath, "application/json", chatBody("I am Alice"))
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // test

	sent, _ := up.last()
	assert.Contains(t, sent, "Alice", "tunneled traffic is never rewritten")
}

func TestConnect_MITMPseudonymizes(t *testing.T) {
	up := &upstream{}
	upSrv := httptest.NewTLSServer(up.handler())
	defer upSrv.Close()

	dir := t.TempDir()
	ca, err := mitm.LoadOrGenerateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem"), quiet("MITM"))
	require.NoError(t, err)

	ic := newInterceptor(t, upSrv.Client().Transport)
	px := httptest.NewServer(New(ic, ca, quiet("PROXY")))
	defer px.Close()

	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate())
	resp, err := proxyClient(px.URL, roots).Post(upSrv.URL+chatPath, "application/json", chatBody("I am Alice"))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test
	body, _ := io.ReadAll(resp.Body)

	sent, _ := up.last()
	assert.Contains(t, sent, "PERSON_1")
	assert.NotContains(t, sent, "Alice")
	assert.Equal(t, "You said: I am Alice", gjson.GetBytes(body, "choices.0.message.content").String())
}

func TestConnect_NonAllowedHostTunneledEvenWithCA(t *testing.T) {
	up := &upstream{}
	upSrv := httptest.NewTLSServer(up.handler())
	defer upSrv.Close()

	dir := t.TempDir()
	ca, err := mitm.LoadOrGenerateCA(filepath.Join(dir, "ca.pem"), filepath.Join(dir, "ca-key.pem"), quiet("MITM"))
	require.NoError(t, err)

	policy := interceptor.NewPolicy([]string{"api.example.com"}, nil, nil, "", quiet("POLICY"))
	store := correlation.NewMemoryStore(0, quiet("STORE"))
	defer store.Close() //nolint:errcheck // test
	ic := interceptor.New(interceptor.Config{
		Policy:        policy,
		Pseudonymizer: swap{original: "Alice", pseudonym: "PERSON_1"},
		Store:         store,
		Log:           quiet("INTERCEPT"),
	})
	px := httptest.NewServer(New(ic, ca, quiet("PROXY")))
	defer px.Close()

	// Trusting only the upstream's own certificate proves no leaf from
	// the local CA was presented.
	roots := x509.NewCertPool()
	roots.AddCert(upSrv.Certificate())
	resp, err := proxyClient(px.URL, roots).Get(upSrv.URL + "/other")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close() //nolint:errcheck // test
	assert.Equal(t, "plain /other", string(body))
}

func TestRemoveHopByHop(t *testing.T) {
	h := http.Header{}
	h.Set("Connection", "keep-alive, X-Custom")
	h.Set("Keep-Alive", "timeout=5")
	h.Set("X-Custom", "1")
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Content-Type", "application/json")

	removeHopByHop(h)

	for _, k := range []string{"Connection", "Keep-Alive", "X-Custom", "Transfer-Encoding"} {
		assert.Empty(t, h.Get(k), k)
	}
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestCopyFlushing(t *testing.T) {
	rec := httptest.NewRecorder()
	require.NoError(t, copyFlushing(rec, strings.NewReader("data: one\n\ndata: two\n\n")))
	assert.True(t, rec.Flushed)
	assert.Equal(t, "data: one\n\ndata: two\n\n", rec.Body.String())
}
