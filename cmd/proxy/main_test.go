package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"pseudonymizing-proxy/internal/config"
	"pseudonymizing-proxy/internal/detector"
	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/reqlog"
)

func TestPrintBanner_ContainsExpectedFields(t *testing.T) {
	cfg := &config.Config{
		ProxyPort:      8080,
		ManagementPort: 8081,
		CACertFile:     "ca-cert.pem",
		Pseudonymizer:  config.Pseudonymizer{Enabled: true, URL: "http://127.0.0.1:5000"},
		Correlation:    config.Correlation{Backend: "redis", RedisAddr: "cache:6379", TTL: config.Duration{Duration: 5 * time.Minute}},
	}

	var buf bytes.Buffer
	printBanner(&buf, cfg)
	out := buf.String()

	for _, want := range []string{"8080", "8081", "http://127.0.0.1:5000", "redis @ cache:6379", "5m0s", "ca-cert.pem"} {
		assert.Contains(t, out, want)
	}
}

func TestPrintBanner_PseudonymizerDisabled(t *testing.T) {
	var buf bytes.Buffer
	printBanner(&buf, &config.Config{Pseudonymizer: config.Pseudonymizer{URL: "http://x"}})
	assert.Contains(t, buf.String(), "disabled")
	assert.NotContains(t, buf.String(), "http://x")
}

func TestPrintBanner_UpstreamProxy_FromEnv(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "http://corporate:8888")

	var buf bytes.Buffer
	printBanner(&buf, &config.Config{ProxyPort: 8080, ManagementPort: 8081})
	assert.Contains(t, buf.String(), "http://corporate:8888")
}

func TestPrintBanner_NoProxy_ShowsDirect(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "")
	t.Setenv("HTTP_PROXY", "")

	var buf bytes.Buffer
	printBanner(&buf, &config.Config{})
	assert.Contains(t, buf.String(), "direct")
}

func TestRootCmd_FlagsAndSubcommands(t *testing.T) {
	cmd := newRootCmd()

	for _, name := range []string{"config", "log-level"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "flag %s", name)
	}
	for _, name := range []string{"pseudonymizer", "gen-ca"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}

	sub, _, err := cmd.Find([]string{"pseudonymizer"})
	require.NoError(t, err)
	addr, err := sub.Flags().GetString("addr")
	require.NoError(t, err)
	assert.Equal(t, defaultPseudonymizerAddr, addr)
}

func TestGenCACmd(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca.pem")
	keyFile := filepath.Join(dir, "ca-key.pem")
	args := []string{"gen-ca", "--cert", certFile, "--key", keyFile}

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), certFile)

	first, err := os.ReadFile(certFile)
	require.NoError(t, err)

	cmd = newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	cmd = newRootCmd()
	cmd.SetOut(io.Discard)
	cmd.SetArgs(append(args, "--force"))
	require.NoError(t, cmd.Execute())
	second, err := os.ReadFile(certFile)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestLoadConfig_LogLevelOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: warn\n"), 0o600))
	t.Setenv("LOG_LEVEL", "")

	assert.Equal(t, "warn", loadConfig(path, "").LogLevel)
	assert.Equal(t, "debug", loadConfig(path, "debug").LogLevel)
}

func TestServeUntilDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serveUntilDone(ctx, &http.Server{Addr: "127.0.0.1:0", Handler: http.NotFoundHandler(), ReadHeaderTimeout: time.Second})
	}()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serveUntilDone did not return after cancel")
	}
}

func TestServeUntilDone_AddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close() //nolint:errcheck // test

	err = serveUntilDone(context.Background(), &http.Server{Addr: ln.Addr().String(), ReadHeaderTimeout: time.Second})
	assert.Error(t, err)
}

// testApp wires a full app against a local detector service.
func testApp(t *testing.T) *app {
	t.Helper()
	quiet := logger.NewWithWriter("DETECTOR", "error", io.Discard)
	det := httptest.NewServer(detector.NewServer(detector.New(quiet), quiet).Handler())
	t.Cleanup(det.Close)

	dir := t.TempDir()
	path := filepath.Join(dir, "proxy-config.yaml")
	yaml := strings.Join([]string{
		"logLevel: error",
		"caCertFile: " + filepath.Join(dir, "ca.pem"),
		"caKeyFile: " + filepath.Join(dir, "ca-key.pem"),
		"allowListFile: " + filepath.Join(dir, "allow.json"),
		"requestLogArchive: " + filepath.Join(dir, "requests.db"),
		"allow:",
		"  - 127.0.0.1/v1/chat/completions",
		"pseudonymizer:",
		"  url: " + det.URL,
		"correlation:",
		"  backend: memory",
		"  ttl: 1m",
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	for _, k := range []string{"PSEUDONYMIZER_URL", "PSEUDONYMIZER_ENABLED", "CORRELATION_BACKEND", "LOG_LEVEL", "CA_CERT_FILE", "CA_KEY_FILE", "ALLOW_PATTERNS", "REQUEST_LOG_ARCHIVE"} {
		t.Setenv(k, "")
	}

	cfg := loadConfig(path, "error")
	require.NoError(t, cfg.Validate())
	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestApp_PseudonymizesEndToEnd(t *testing.T) {
	seen := make(chan string, 1)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- string(body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"Noted: `+
			gjson.GetBytes(body, "messages.0.content").String()+`"}}]}`)
	}))
	defer up.Close()

	a := testApp(t)
	px := httptest.NewServer(a.proxy)
	defer px.Close()

	pu, _ := url.Parse(px.URL)
	client := &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(pu)}}
	resp, err := client.Post(up.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"m","messages":[{"role":"user","content":"mail alice@corp.io"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test
	body, _ := io.ReadAll(resp.Body)

	assert.NotContains(t, <-seen, "alice@corp.io", "upstream must only see the pseudonym")
	assert.Equal(t, "Noted: mail alice@corp.io", gjson.GetBytes(body, "choices.0.message.content").String())

	recent := a.requests.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, reqlog.OutcomePseudonymized, recent[0].Outcome)
	assert.Zero(t, a.memory.Len(), "the mapping is consumed by the response")
}

func TestApp_ManagementStatus(t *testing.T) {
	a := testApp(t)
	srv := httptest.NewServer(a.mgmt.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // test
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_Reload(t *testing.T) {
	a := testApp(t)

	next := *a.cfg
	next.LogLevel = "debug"
	next.Pseudonymizer.Enabled = false
	a.reload(&next)
	assert.False(t, a.pseudo.Options().Enabled)
	assert.True(t, a.log.Enabled(logger.LevelDebug))

	bad := next
	bad.Pseudonymizer.Enabled = true
	bad.ProxyPort = 0
	a.reload(&bad)
	assert.False(t, a.pseudo.Options().Enabled, "invalid config is ignored")
}

func TestNewApp_RedisUnreachable(t *testing.T) {
	cfg := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "error")
	cfg.Correlation.Backend = "redis"
	cfg.Correlation.RedisAddr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := newApp(ctx, cfg)
	assert.Error(t, err)
}
