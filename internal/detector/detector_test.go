package detector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/pseudo"
	"pseudonymizing-proxy/internal/restore"
)

func newTestDetector() *Detector {
	return New(logger.NewWithWriter("DETECTOR", "error", io.Discard))
}

func TestPseudonymize_Types(t *testing.T) {
	tests := []struct {
		name  string
		input string
		value string
		want  PIIType
	}{
		{"email", "Contact me at alice@corp.io please", "alice@corp.io", PIIEmail},
		{"us phone", "Call 555-867-5309 today", "555-867-5309", PIIPhone},
		{"kr phone", "번호는 010-9876-5432 입니다", "010-9876-5432", PIIPhone},
		{"ssn", "My SSN is 123-45-6789", "123-45-6789", PIISSN},
		{"rrn", "주민번호 850715-1234567", "850715-1234567", PIIRRN},
		{"card", "Card 4242 4242 4242 4242 expires soon", "4242 4242 4242 4242", PIICreditCard},
		{"ip", "Server at 192.168.1.100 is down", "192.168.1.100", PIIIPAddress},
		{"api key", "api_key=abcdefghijklmnopqrstuvwxyz123456", "abcdefghijklmnopqrstuvwxyz123456", PIIAPIKey},
		{"title name", "Please ask Dr. Watson about it", "Watson", PIIName},
		{"intro name", "Hi, my name is Jane Doe.", "Jane Doe", PIIName},
		{"korean name", "김민수님 안녕하세요", "김민수", PIIName},
	}
	d := newTestDetector()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Pseudonymize(tt.input)
			require.Len(t, res.Items, 1, "items: %+v", res.Items)
			item := res.Items[0]
			assert.Equal(t, tt.want, item.Type)
			assert.Equal(t, tt.value, item.Value)
			assert.Equal(t, tt.value, tt.input[item.Start:item.End], "offsets point into the original")
			assert.NotContains(t, res.Masked, tt.value)
			assert.Contains(t, res.Masked, item.Token)
		})
	}
}

func TestPseudonymize_NoPII(t *testing.T) {
	res := newTestDetector().Pseudonymize("What is the capital of France?")
	assert.Equal(t, "What is the capital of France?", res.Masked)
	assert.Empty(t, res.Items)
	assert.True(t, res.Mapping.IsEmpty())
}

func TestPseudonymize_SameValueSameToken(t *testing.T) {
	res := newTestDetector().Pseudonymize("mail bob@corp.io, then mail bob@corp.io again")
	require.Len(t, res.Items, 2)
	assert.Equal(t, res.Items[0].Token, res.Items[1].Token)
	assert.Equal(t, 1, res.Mapping.Len())
}

func TestPseudonymize_DistinctValuesDistinctTokens(t *testing.T) {
	res := newTestDetector().Pseudonymize("a@corp.io b@corp.io c@corp.io")
	require.Len(t, res.Items, 3)
	seen := map[string]bool{}
	for _, it := range res.Items {
		assert.False(t, seen[it.Token], "token %q reused", it.Token)
		seen[it.Token] = true
	}
}

func TestPseudonymize_TokenNeverInInput(t *testing.T) {
	d := newTestDetector()
	first := defaultPools[PIIEmail][0]
	res := d.Pseudonymize("write to " + first + " and to eve@corp.io")
	for _, it := range res.Items {
		if it.Value == "eve@corp.io" {
			assert.NotEqual(t, first, it.Token)
		}
	}
}

func TestPseudonymize_RoundRobinAcrossCalls(t *testing.T) {
	d := newTestDetector()
	a := d.Pseudonymize("x@corp.io").Items[0].Token
	b := d.Pseudonymize("x@corp.io").Items[0].Token
	assert.NotEqual(t, a, b, "the pool position carries across calls")
}

func TestPseudonymize_PoolExhaustion(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < len(defaultPools[PIIIPAddress])+3; i++ {
		sb.WriteString("10.1.1.")
		sb.WriteString(string(rune('1' + i)))
		sb.WriteString(" ")
	}
	res := newTestDetector().Pseudonymize(sb.String())
	seen := map[string]bool{}
	for _, it := range res.Items {
		assert.False(t, seen[it.Token], "token %q reused", it.Token)
		seen[it.Token] = true
	}
	assert.Equal(t, len(res.Items), res.Mapping.Len())
}

func TestDetect_LongestMatchWins(t *testing.T) {
	// The card number contains shorter digit runs other patterns could match.
	spans := detect("pay with 4111-1111-1111-1111 now")
	require.Len(t, spans, 1)
	assert.Equal(t, PIICreditCard, spans[0].piiType)
}

func TestPseudonymize_RestoreRoundTrip(t *testing.T) {
	d := newTestDetector()
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOfN(rapid.SampledFrom([]string{
			"hello", "alice@corp.io", "555-867-5309", "Dr. Watson", "123-45-6789", "the", "10.0.0.7", ",",
		}), 1, 12).Draw(t, "parts")
		text := strings.Join(parts, " ")
		res := d.Pseudonymize(text)
		if got := restore.Text(res.Masked, res.Mapping); got != text {
			t.Fatalf("round trip:\n  in:  %q\n  out: %q", text, got)
		}
	})
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(data)))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestServer_Pseudonymize(t *testing.T) {
	srv := httptest.NewServer(NewServer(newTestDetector(), nil).Handler())
	defer srv.Close()

	resp, out := postJSON(t, srv.URL+"/pseudonymize", map[string]string{"prompt": "mail alice@corp.io", "id": "req-1"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "req-1", out["request_id"])
	assert.NotContains(t, out["masked_prompt"], "alice@corp.io")

	rev, ok := out["reverse_map"].(map[string]any)
	require.True(t, ok)
	require.Len(t, rev, 1)
	for _, orig := range rev {
		assert.Equal(t, "alice@corp.io", orig)
	}
	items, ok := out["mapping"].([]any)
	require.True(t, ok)
	assert.Len(t, items, 1)
}

func TestServer_PseudonymizeErrors(t *testing.T) {
	srv := httptest.NewServer(NewServer(newTestDetector(), nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/pseudonymize", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // test
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out := postJSON(t, srv.URL+"/pseudonymize", map[string]string{"id": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing_prompt", out["error"])
}

func TestServer_Restore(t *testing.T) {
	srv := httptest.NewServer(NewServer(newTestDetector(), nil).Handler())
	defer srv.Close()

	resp, out := postJSON(t, srv.URL+"/restore", map[string]any{
		"pseudonymized_text": "Hello Jordan Avery",
		"reverse_map":        map[string]string{"Jordan Avery": "Alice Kim"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello Alice Kim", out["restored_text"])
}

func TestServer_HealthAndPromptLogs(t *testing.T) {
	srv := httptest.NewServer(NewServer(newTestDetector(), nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // test
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	postJSON(t, srv.URL+"/pseudonymize", map[string]string{"prompt": "mail alice@corp.io", "id": "one"})
	postJSON(t, srv.URL+"/pseudonymize", map[string]string{"prompt": "nothing here", "id": "two"})

	resp, err = http.Get(srv.URL + "/prompt_logs")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test
	body, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(body), "alice@corp.io", "logs hold masked prompts only")

	var out struct {
		Logs []struct {
			ID       string `json:"id"`
			PIICount int    `json:"piiCount"`
		} `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Logs, 2)
	assert.Equal(t, "two", out.Logs[0].ID)
	assert.Equal(t, 1, out.Logs[1].PIICount)
}

func TestServer_Preflight(t *testing.T) {
	srv := httptest.NewServer(NewServer(newTestDetector(), nil).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/pseudonymize", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck // test
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Methods"))
}

func TestServer_WithPseudoClient(t *testing.T) {
	srv := httptest.NewServer(NewServer(newTestDetector(), nil).Handler())
	defer srv.Close()

	c := pseudo.New(pseudo.Options{Enabled: true, BaseURL: srv.URL}, nil)
	res, err := c.Pseudonymize(context.Background(), "I am Dr. Watson, reach me at 555-867-5309", "id-1")
	require.NoError(t, err)
	assert.NotContains(t, res.MaskedText, "Watson")
	assert.NotContains(t, res.MaskedText, "555-867-5309")
	assert.Equal(t, 2, res.Mapping.Len())
	assert.Len(t, res.Items, 2)
	assert.Equal(t, "I am Dr. Watson, reach me at 555-867-5309", restore.Text(res.MaskedText, res.Mapping))
	require.NoError(t, c.Health(context.Background()))
}
