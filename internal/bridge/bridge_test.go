package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkerStub(t *testing.T, healthy *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/health":
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		case "/search":
			_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"| #1 | bugfix | fixed it | 2026-01-02 |"}]}`))
		case "/timeline":
			_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"timeline table"}]}`))
		case "/observations/batch":
			_, _ = w.Write([]byte(`{"observations":[{"id":1,"title":"fixed it"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestSearchToolProxies(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := newWorkerStub(t, &healthy)

	b := New(Config{WorkerURL: srv.URL})
	res, err := b.handleSearch(context.Background(), callTool("search", map[string]any{
		"query": "fixed", "project": "alpha", "limit": float64(5),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "fixed it")
}

func TestSearchToolRequiresQuery(t *testing.T) {
	b := New(Config{WorkerURL: "http://127.0.0.1:1"})
	res, err := b.handleSearch(context.Background(), callTool("search", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestTimelineToolRequiresAnchorOrQuery(t *testing.T) {
	b := New(Config{WorkerURL: "http://127.0.0.1:1"})
	res, err := b.handleTimeline(context.Background(), callTool("timeline", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestGetObservationsValidatesIDs(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := newWorkerStub(t, &healthy)
	b := New(Config{WorkerURL: srv.URL})

	res, err := b.handleGetObservations(context.Background(), callTool("get_observations", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = b.handleGetObservations(context.Background(), callTool("get_observations", map[string]any{
		"ids": []any{"one"},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = b.handleGetObservations(context.Background(), callTool("get_observations", map[string]any{
		"ids": []any{float64(1)},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "fixed it")
}

func TestAutostartRetriesOnce(t *testing.T) {
	var healthy atomic.Bool
	srv := newWorkerStub(t, &healthy)

	var spawned int32
	old := startWorker
	startWorker = func(string) error {
		atomic.AddInt32(&spawned, 1)
		healthy.Store(true)
		return nil
	}
	t.Cleanup(func() { startWorker = old })

	b := New(Config{WorkerURL: srv.URL, WorkerBinary: "codemem"})
	res, err := b.handleSearch(context.Background(), callTool("search", map[string]any{"query": "fixed"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, int32(1), atomic.LoadInt32(&spawned))
}

func TestAutostartDisabledFails(t *testing.T) {
	var healthy atomic.Bool
	srv := newWorkerStub(t, &healthy)

	b := New(Config{WorkerURL: srv.URL})
	res, err := b.handleSearch(context.Background(), callTool("search", map[string]any{"query": "fixed"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestNewServerConstructs(t *testing.T) {
	s := NewServer(Config{WorkerURL: "http://127.0.0.1:37777"})
	assert.NotNil(t, s)
}
