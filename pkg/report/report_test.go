package report

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(addr string, sev int) *Finding {
	return &Finding{
		Timestamp: time.Unix(1700000000, 0),
		Address:   addr,
		Class:     "fee_on_transfer_overcredit",
		Severity:  sev,
	}
}

func TestJSONLSinkAppendsOneLinePerFinding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findings.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Submit(ctx, sample("0xaa", 7)))
	require.NoError(t, sink.Submit(ctx, sample("0xbb", 4)))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Finding
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var got Finding
		require.NoError(t, json.Unmarshal(sc.Bytes(), &got))
		lines = append(lines, got)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "0xaa", lines[0].Address)
	assert.Equal(t, "0xbb", lines[1].Address)
}

func TestJSONLSinkConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findings.jsonl")
	sink, err := NewJSONLSink(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.Submit(context.Background(), sample("0xcc", 5)))
		}()
	}
	wg.Wait()
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	count := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var got Finding
		require.NoError(t, json.Unmarshal(sc.Bytes(), &got), "interleaved line")
		count++
	}
	assert.Equal(t, 20, count)
}

func TestWebhookSinkSeverityGate(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink("ERROR", srv.URL, 6, time.Minute)
	ctx := context.Background()

	require.NoError(t, sink.Submit(ctx, sample("0xaa", 3)))
	assert.Equal(t, int32(0), posts.Load(), "below-threshold finding must not post")

	require.NoError(t, sink.Submit(ctx, sample("0xaa", 8)))
	assert.Equal(t, int32(1), posts.Load())
}

func TestWebhookSinkThrottle(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink("ERROR", srv.URL, 0, time.Minute)
	fake := time.Unix(1700000000, 0)
	sink.now = func() time.Time { return fake }
	ctx := context.Background()

	require.NoError(t, sink.Submit(ctx, sample("0xaa", 8)))
	require.NoError(t, sink.Submit(ctx, sample("0xaa", 8)))
	assert.Equal(t, int32(1), posts.Load(), "same key inside window throttled")

	// Different address is a different key.
	require.NoError(t, sink.Submit(ctx, sample("0xbb", 8)))
	assert.Equal(t, int32(2), posts.Load())

	// Window expiry re-arms the key.
	fake = fake.Add(2 * time.Minute)
	require.NoError(t, sink.Submit(ctx, sample("0xaa", 8)))
	assert.Equal(t, int32(3), posts.Load())
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewWebhookSink("ERROR", srv.URL, 0, time.Minute)
	err := sink.Submit(context.Background(), sample("0xaa", 8))
	assert.Error(t, err)
}

type failSink struct{ calls int }

func (s *failSink) Submit(context.Context, *Finding) error { s.calls++; return assert.AnError }
func (s *failSink) Close() error                           { return nil }

type okSink struct{ calls int }

func (s *okSink) Submit(context.Context, *Finding) error { s.calls++; return nil }
func (s *okSink) Close() error                           { return nil }

func TestMultiSinkRunsAllChildren(t *testing.T) {
	bad := &failSink{}
	good := &okSink{}
	m := MultiSink{bad, good}

	err := m.Submit(context.Background(), sample("0xaa", 8))
	assert.Error(t, err)
	assert.Equal(t, 1, bad.calls)
	assert.Equal(t, 1, good.calls, "later sink still runs after an error")
}
