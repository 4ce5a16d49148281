package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tscore/internal/config"
	"tscore/internal/mapper"
	"tscore/internal/obs"
	"tscore/internal/registry"
	"tscore/internal/transport"
)

func testModel(t *testing.T) *registry.ModelDef {
	t.Helper()
	def, err := registry.NewBuilder("Product", "products").
		Attribute("title", registry.TypeString, registry.AttrOpts{}).
		Build()
	require.NoError(t, err)
	return def
}

func newTestIndexer(t *testing.T, baseURL string, retryCfg config.RetryConfig) *Indexer {
	t.Helper()
	host, port := splitHostPort(t, baseURL)
	c := transport.New(transport.Config{Host: host, Port: port, Protocol: "http"})
	observer := obs.NewObserver(zap.NewNop())
	model := testModel(t)
	m := mapper.New(model, func(row any) (any, error) {
		r := row.(map[string]any)
		return map[string]any{"title": r["title"]}, nil
	}, map[string]string{"title": "string"}, mapper.Options{})
	return New(c, observer, m, config.IndexerConfig{BatchSize: 10}, retryCfg)
}

func splitHostPort(t *testing.T, baseURL string) (string, int) {
	t.Helper()
	u := strings.TrimPrefix(baseURL, "http://")
	parts := strings.SplitN(u, ":", 2)
	require.Len(t, parts, 2)
	port := 0
	for _, c := range parts[1] {
		port = port*10 + int(c-'0')
	}
	return parts[0], port
}

func TestRunPartitionHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"success":true}` + "\n"))
	}))
	defer srv.Close()

	idx := newTestIndexer(t, srv.URL, config.RetryConfig{Attempts: 1})
	rows := []any{map[string]any{"title": "Shoe"}}

	summary, err := idx.RunPartition(context.Background(), "products", nil, rows, Hooks{}, true)
	require.NoError(t, err)
	assert.Equal(t, "ok", summary.Status)
	assert.Equal(t, 1, summary.SuccessTotal)
	assert.Equal(t, 0, summary.FailedTotal)
}

func TestRetryWithBackoffRetriesRetryableErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(503)
			return
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"success":true}` + "\n"))
	}))
	defer srv.Close()

	idx := newTestIndexer(t, srv.URL, config.RetryConfig{Attempts: 5, BaseMs: 1, MaxMs: 5, JitterFraction: 0})
	rows := []any{map[string]any{"title": "Shoe"}}

	summary, err := idx.RunPartition(context.Background(), "products", nil, rows, Hooks{}, true)
	require.NoError(t, err)
	assert.Equal(t, "ok", summary.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryWithBackoffDoesNotRetryNonRetryableErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(400)
	}))
	defer srv.Close()

	idx := newTestIndexer(t, srv.URL, config.RetryConfig{Attempts: 5, BaseMs: 1, MaxMs: 5})
	rows := []any{map[string]any{"title": "Shoe"}}

	summary, _ := idx.RunPartition(context.Background(), "products", nil, rows, Hooks{}, true)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "failed", summary.Status)
}

func Test413SplitRetriesHalves(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		lines := strings.Count(string(body), "\n")
		if n == 1 {
			w.WriteHeader(413)
			return
		}
		_ = lines
		w.WriteHeader(200)
		w.Write([]byte(`{"success":true}` + "\n"))
	}))
	defer srv.Close()

	idx := newTestIndexer(t, srv.URL, config.RetryConfig{Attempts: 1})
	rows := []any{
		map[string]any{"title": "A"},
		map[string]any{"title": "B"},
	}

	summary, err := idx.RunPartition(context.Background(), "products", nil, rows, Hooks{}, true)
	require.NoError(t, err)
	assert.Equal(t, "ok", summary.Status)
	assert.Equal(t, 2, summary.SuccessTotal)
	assert.True(t, atomic.LoadInt32(&calls) >= 3) // 1 failed whole-batch attempt + 2 half-batch attempts
}

func TestDeleteStaleSkipsWhenDisabled(t *testing.T) {
	idx := newTestIndexer(t, "http://127.0.0.1:1", config.RetryConfig{})
	report, err := idx.DeleteStale(context.Background(), "products", func() (string, error) { return "doc_updated_at:<1", nil }, false, false, false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestDeleteStaleSkipsWhenNoFilterDefined(t *testing.T) {
	idx := newTestIndexer(t, "http://127.0.0.1:1", config.RetryConfig{})
	report, err := idx.DeleteStale(context.Background(), "products", nil, true, false, false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestDeleteStaleSkipsSuspiciousFilterInStrictMode(t *testing.T) {
	idx := newTestIndexer(t, "http://127.0.0.1:1", config.RetryConfig{})
	report, err := idx.DeleteStale(context.Background(), "products", func() (string, error) { return "*", nil }, true, true, false)
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestDeleteStaleCallsDeleteByFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "DELETE", r.Method)
		w.WriteHeader(200)
		w.Write([]byte(`{"num_deleted":3}`))
	}))
	defer srv.Close()

	idx := newTestIndexer(t, srv.URL, config.RetryConfig{})
	report, err := idx.DeleteStale(context.Background(), "products", func() (string, error) { return "doc_updated_at:<100", nil }, true, true, false)
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 3, report.DeletedCount)
	assert.NotEmpty(t, report.FilterHash)
}

func TestRunPartitionsFansOutAcrossPartitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte(`{"success":true}` + "\n"))
	}))
	defer srv.Close()

	idx := newTestIndexer(t, srv.URL, config.RetryConfig{Attempts: 1})
	partitions := []any{"p1", "p2", "p3"}
	fetch := func(ctx context.Context, p any) ([]any, error) {
		return []any{map[string]any{"title": p.(string)}}, nil
	}

	summary, err := idx.RunPartitions(context.Background(), "products", partitions, fetch, Hooks{}, true, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SuccessTotal)
	assert.Equal(t, "ok", summary.Status)
}
