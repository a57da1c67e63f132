package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/mapping"
	"pseudonymizing-proxy/internal/metrics"
	"pseudonymizing-proxy/internal/uifallback"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func okTransport(r *http.Request) (*http.Response, error) {
	var body string
	if r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}
	return &http.Response{
		StatusCode: http.StatusCreated,
		Header:     http.Header{"Content-Type": {"application/json"}, "X-Echo-Method": {r.Method}},
		Body:       io.NopCloser(strings.NewReader(`{"echo":` + fmt.Sprintf("%q", body) + `}`)),
		Request:    r,
	}, nil
}

// blockingTransport waits for the request context to end.
func blockingTransport(r *http.Request) (*http.Response, error) {
	<-r.Context().Done()
	return nil, r.Context().Err()
}

func quietLog() *logger.Logger { return logger.NewWithWriter("RELAY", "debug", io.Discard) }

func startServer(t *testing.T, s *Server) string {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, timeout time.Duration) *Caller {
	t.Helper()
	c, err := Dial(context.Background(), url, nil, timeout)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCall_Ping(t *testing.T) {
	url := startServer(t, NewServer(nil, nil, time.Second, quietLog()))
	c := dial(t, url, time.Second)

	res, err := c.Call(context.Background(), Request{Kind: KindPing, MsgID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, Result{MsgID: "m1", OK: true, BodyText: "pong"}, res)
	assert.Zero(t, c.Pending())
}

func TestCall_AssignsMsgID(t *testing.T) {
	url := startServer(t, NewServer(nil, nil, time.Second, quietLog()))
	c := dial(t, url, time.Second)

	res, err := c.Call(context.Background(), Request{Kind: KindPing})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Len(t, res.MsgID, 36)
}

func TestCall_UIRestore(t *testing.T) {
	ui := uifallback.New(time.Minute, quietLog(), metrics.New())
	m := mapping.FromPairs(mapping.Pair{Pseudonym: "user1@test.com", Original: "kim@corp.com"})
	ui.SetMapping(m)

	url := startServer(t, NewServer(nil, ui, time.Second, quietLog()))
	c := dial(t, url, time.Second)

	res, err := c.Call(context.Background(), Request{Kind: KindUIRestore, MsgID: "n1", BodyText: "reply to user1@test.com"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "reply to kim@corp.com", res.BodyText)
}

func TestCall_UIRestoreConcurrentNodesOnOneConnection(t *testing.T) {
	m := metrics.New()
	ui := uifallback.New(time.Minute, quietLog(), m)
	ui.SetMapping(mapping.FromPairs(mapping.Pair{Pseudonym: "Kim Minsu", Original: "Hong Gildong"}))

	url := startServer(t, NewServer(nil, ui, time.Second, quietLog()))
	c := dial(t, url, 2*time.Second)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text, want := fmt.Sprintf("node %d for Kim Minsu", i), fmt.Sprintf("node %d for Hong Gildong", i)
			if i%2 == 1 {
				text, want = fmt.Sprintf("node %d untouched", i), fmt.Sprintf("node %d untouched", i)
			}
			res, err := c.Call(context.Background(), Request{Kind: KindUIRestore, MsgID: fmt.Sprintf("n%d", i), BodyText: text})
			if assert.NoError(t, err) {
				assert.True(t, res.OK)
				assert.Equal(t, want, res.BodyText)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(n/2), m.UIRestores.Load())
	assert.Zero(t, c.Pending())
}

func TestCall_Fetch(t *testing.T) {
	url := startServer(t, NewServer(roundTripFunc(okTransport), nil, time.Second, quietLog()))
	c := dial(t, url, time.Second)

	res, err := c.Call(context.Background(), Request{
		Kind:     KindFetch,
		MsgID:    "f1",
		URL:      "https://api.openai.com/v1/chat/completions",
		Method:   "post",
		Headers:  map[string]string{"Content-Type": "application/json"},
		BodyText: `{"messages":[]}`,
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, "POST", res.Headers["X-Echo-Method"])
	assert.JSONEq(t, `{"echo":"{\"messages\":[]}"}`, res.BodyText)
}

func TestCall_FetchError(t *testing.T) {
	failing := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	url := startServer(t, NewServer(failing, nil, time.Second, quietLog()))
	c := dial(t, url, time.Second)

	res, err := c.Call(context.Background(), Request{Kind: KindFetch, MsgID: "f2", URL: "http://example.invalid/"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "f2", res.MsgID)
	assert.Contains(t, res.Error, "connection refused")
}

func TestCall_UnknownKind(t *testing.T) {
	url := startServer(t, NewServer(nil, nil, time.Second, quietLog()))
	c := dial(t, url, time.Second)

	res, err := c.Call(context.Background(), Request{Kind: "reboot", MsgID: "u1"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Contains(t, res.Error, "unknown kind")
}

func TestServer_TimeoutResult(t *testing.T) {
	url := startServer(t, NewServer(roundTripFunc(blockingTransport), nil, 50*time.Millisecond, quietLog()))
	c := dial(t, url, 2*time.Second)

	start := time.Now()
	res, err := c.Call(context.Background(), Request{Kind: KindFetch, MsgID: "slow", URL: "http://example.com/"})
	require.NoError(t, err)
	assert.Equal(t, Result{MsgID: "slow", OK: false, Error: "timeout"}, res)
	assert.Less(t, time.Since(start), time.Second)
}

func TestServer_DuplicateInFlightRejected(t *testing.T) {
	url := startServer(t, NewServer(roundTripFunc(blockingTransport), nil, 200*time.Millisecond, quietLog()))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck // test cleanup

	req := Request{Kind: KindFetch, MsgID: "same", URL: "http://example.com/"}
	require.NoError(t, conn.WriteJSON(req))
	require.NoError(t, conn.WriteJSON(req))

	var first, second Result
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, Result{MsgID: "same", Error: "duplicate msgId"}, first)
	assert.Equal(t, Result{MsgID: "same", Error: "timeout"}, second)
}

func TestServer_MissingMsgID(t *testing.T) {
	url := startServer(t, NewServer(nil, nil, time.Second, quietLog()))
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck // test cleanup

	require.NoError(t, conn.WriteJSON(Request{Kind: KindPing}))
	var res Result
	require.NoError(t, conn.ReadJSON(&res))
	assert.False(t, res.OK)
	assert.Equal(t, "missing msgId", res.Error)
}

func TestCall_ConcurrentEachAnsweredOnce(t *testing.T) {
	url := startServer(t, NewServer(roundTripFunc(okTransport), nil, time.Second, quietLog()))
	c := dial(t, url, 2*time.Second)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("msg-%d", i)
			body := fmt.Sprintf("body-%d", i)
			res, err := c.Call(context.Background(), Request{Kind: KindFetch, MsgID: id, Method: "POST", URL: "http://example.com/", BodyText: body})
			if assert.NoError(t, err) {
				assert.Equal(t, id, res.MsgID)
				assert.Contains(t, res.BodyText, body)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, c.Pending())
}

// silentServer accepts messages and never answers.
func silentServer(t *testing.T) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close() //nolint:errcheck // test cleanup
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestCall_Timeout(t *testing.T) {
	c := dial(t, silentServer(t), 50*time.Millisecond)

	_, err := c.Call(context.Background(), Request{Kind: KindPing, MsgID: "lost"})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, c.Pending())
}

func TestCall_DuplicatePending(t *testing.T) {
	c := dial(t, silentServer(t), 300*time.Millisecond)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := c.Call(context.Background(), Request{Kind: KindPing, MsgID: "dup"})
		done <- err
	}()
	<-started
	require.Eventually(t, func() bool { return c.Pending() == 1 }, time.Second, 5*time.Millisecond)

	_, err := c.Call(context.Background(), Request{Kind: KindPing, MsgID: "dup"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.ErrorIs(t, <-done, ErrTimeout)
}

func TestCall_ContextCancelled(t *testing.T) {
	c := dial(t, silentServer(t), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, Request{Kind: KindPing})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCall_ClosedConnection(t *testing.T) {
	c := dial(t, silentServer(t), time.Second)
	require.NoError(t, c.Close())

	_, err := c.Call(context.Background(), Request{Kind: KindPing})
	assert.Error(t, err)
}
