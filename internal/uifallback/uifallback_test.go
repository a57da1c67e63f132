package uifallback

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pseudonymizing-proxy/internal/logger"
	"pseudonymizing-proxy/internal/mapping"
	"pseudonymizing-proxy/internal/metrics"
)

func testMapping(kv ...string) mapping.Mapping {
	var m mapping.Mapping
	for i := 0; i+1 < len(kv); i += 2 {
		m.Add(kv[i], kv[i+1])
	}
	return m
}

func TestRestoreText_LatestMappingWins(t *testing.T) {
	r := New(time.Minute, nil, nil)
	r.SetMapping(testMapping("Lee", "Kim"))
	r.SetMapping(testMapping("Park", "Choi"))

	out, changed := r.RestoreText("Hello Park, not Lee")
	assert.True(t, changed)
	assert.Equal(t, "Hello Choi, not Lee", out)
}

func TestRestoreText_EmptyMappingIgnored(t *testing.T) {
	r := New(time.Minute, nil, nil)
	r.SetMapping(testMapping("Lee", "Kim"))
	r.SetMapping(mapping.Mapping{})

	out, _ := r.RestoreText("Lee")
	assert.Equal(t, "Kim", out)
}

func TestRestoreText_Expired(t *testing.T) {
	now := time.Now()
	r := New(time.Minute, nil, nil)
	r.now = func() time.Time { return now }
	r.SetMapping(testMapping("Lee", "Kim"))

	now = now.Add(2 * time.Minute)
	out, changed := r.RestoreText("Lee")
	assert.False(t, changed)
	assert.Equal(t, "Lee", out)
}

func TestRestoreText_LongestFirst(t *testing.T) {
	r := New(0, nil, nil)
	r.SetMapping(testMapping("A", "X", "AB", "Y"))
	out, _ := r.RestoreText("AB")
	assert.Equal(t, "Y", out)
}

func TestRestoreText_FalseNegativeLoggedAndCounted(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter("ui", "debug", &buf)
	m := metrics.New()
	r := New(time.Minute, log, m)
	r.SetMapping(testMapping("user1@test.com", "kim@corp.com"))

	// Case drift defeats every restoration step.
	out, changed := r.RestoreText("write to USER1@TEST.COM")
	assert.False(t, changed)
	assert.Equal(t, "write to USER1@TEST.COM", out)
	assert.Equal(t, int64(1), m.UIFalseNegatives.Load())
	assert.Contains(t, buf.String(), "false-negative")
	assert.NotContains(t, buf.String(), "kim@corp.com")
}

func TestObserve(t *testing.T) {
	m := metrics.New()
	r := New(time.Minute, nil, m)
	r.SetMapping(testMapping("Lee", "Kim"))

	in := make(chan Node, 3)
	out := make(chan Node, 3)
	in <- Node{ID: "1", Text: "Hi Lee"}
	in <- Node{ID: "2", Text: "nothing here"}
	in <- Node{ID: "3", Text: "Lee again"}
	close(in)

	require.NoError(t, r.Observe(context.Background(), in, out))
	close(out)

	var got []Node
	for n := range out {
		got = append(got, n)
	}
	assert.Equal(t, []Node{
		{ID: "1", Text: "Hi Kim", Changed: true},
		{ID: "2", Text: "nothing here"},
		{ID: "3", Text: "Kim again", Changed: true},
	}, got)
	assert.Equal(t, int64(2), m.UIRestores.Load())
}

func TestObserve_ContextCancel(t *testing.T) {
	r := New(time.Minute, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Observe(ctx, make(chan Node), make(chan Node)) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Observe did not return after cancel")
	}
}

func TestRemaining_SkipsSelfContainingPairs(t *testing.T) {
	m := testMapping("Kim", "Kim Cheolsu")
	assert.Zero(t, remaining(strings.ToUpper("Kim Cheolsu"), m))
}
