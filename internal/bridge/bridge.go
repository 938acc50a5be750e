// Package bridge is the stdio JSON-RPC search bridge: an MCP server that
// proxies exactly three tools — search, timeline, get_observations — to the
// worker's HTTP API.
//
// Stdout is reserved for the JSON-RPC framing; all logging goes to stderr,
// installed before any other initialisation.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

// autostartTimeout bounds how long a call waits for a spawned worker to
// become healthy.
const autostartTimeout = 35 * time.Second

// Config points the bridge at the worker.
type Config struct {
	WorkerURL string
	// WorkerBinary is spawned with "serve" when the worker is down; empty
	// disables auto-start.
	WorkerBinary string
}

// Bridge proxies tool calls to the worker.
type Bridge struct {
	cfg        Config
	httpClient *http.Client
}

// startWorker is a package-level var to allow test injection.
var startWorker = func(binary string) error {
	cmd := exec.Command(binary, "serve")
	// The worker daemonises itself via its PID lock; the bridge only
	// launches it and walks away.
	return cmd.Start()
}

// New creates a bridge for the given worker.
func New(cfg Config) *Bridge {
	return &Bridge{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// NewServer builds the MCP server with the three query tools registered.
func NewServer(cfg Config) *server.MCPServer {
	b := New(cfg)

	s := server.NewMCPServer(
		"codemem-search",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s.AddTool(mcp.NewTool("search",
		mcp.WithDescription(
			"Search coding-session memory: observations, summaries and prompts "+
				"from past sessions. Returns a compact index table; follow up with "+
				"get_observations for full records.",
		),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query")),
		mcp.WithString("project", mcp.Description("Filter by project name")),
		mcp.WithString("type", mcp.Description("observations | summaries | prompts | all")),
		mcp.WithNumber("limit", mcp.Description("Max results")),
	), b.handleSearch)

	s.AddTool(mcp.NewTool("timeline",
		mcp.WithDescription(
			"Chronological window of observations and summaries around an anchor "+
				"observation id or a best-match query.",
		),
		mcp.WithNumber("anchor", mcp.Description("Anchor observation id")),
		mcp.WithString("query", mcp.Description("Find the anchor by search instead")),
		mcp.WithNumber("depth_before", mcp.Description("Entries before the anchor")),
		mcp.WithNumber("depth_after", mcp.Description("Entries after the anchor")),
		mcp.WithString("project", mcp.Description("Filter by project name")),
	), b.handleTimeline)

	s.AddTool(mcp.NewTool("get_observations",
		mcp.WithDescription(
			"Batch-fetch full observation records by id. Always filter first with "+
				"search or timeline — never fetch full details without filtering.",
		),
		mcp.WithArray("ids", mcp.Required(), mcp.Description("Observation ids"),
			mcp.Items(map[string]any{"type": "number"})),
	), b.handleGetObservations)

	return s
}

// ─── Tool handlers ───────────────────────────────────────────────────────────

func (b *Bridge) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := req.GetString("query", "")
	if q == "" {
		return mcp.NewToolResultError("'query' is required"), nil
	}

	params := url.Values{}
	params.Set("query", q)
	if p := req.GetString("project", ""); p != "" {
		params.Set("project", p)
	}
	if typ := req.GetString("type", ""); typ != "" {
		params.Set("type", typ)
	}
	if limit := intArg(req, "limit", 0); limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	text, err := b.getContent(ctx, "/search?"+params.Encode())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (b *Bridge) handleTimeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	params := url.Values{}
	if anchor := intArg(req, "anchor", 0); anchor > 0 {
		params.Set("anchor", strconv.Itoa(anchor))
	}
	if q := req.GetString("query", ""); q != "" {
		params.Set("query", q)
	}
	if params.Get("anchor") == "" && params.Get("query") == "" {
		return mcp.NewToolResultError("'anchor' or 'query' is required"), nil
	}
	if d := intArg(req, "depth_before", 0); d > 0 {
		params.Set("depth_before", strconv.Itoa(d))
	}
	if d := intArg(req, "depth_after", 0); d > 0 {
		params.Set("depth_after", strconv.Itoa(d))
	}
	if p := req.GetString("project", ""); p != "" {
		params.Set("project", p)
	}

	text, err := b.getContent(ctx, "/timeline?"+params.Encode())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("timeline failed: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

func (b *Bridge) handleGetObservations(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["ids"]
	if !ok {
		return mcp.NewToolResultError("'ids' is required"), nil
	}
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return mcp.NewToolResultError("'ids' must be a non-empty number array"), nil
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		n, ok := item.(float64)
		if !ok {
			return mcp.NewToolResultError("'ids' must be a number array"), nil
		}
		ids = append(ids, int64(n))
	}

	body, err := b.postJSON(ctx, "/observations/batch", map[string]any{"ids": ids})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get_observations failed: %v", err)), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}

// intArg extracts an integer argument from a tool request.
func intArg(req mcp.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

// ─── Worker round-trips with auto-start ──────────────────────────────────────

// getContent fetches a {content:[{text}]} endpoint, auto-starting the
// worker and retrying once when it is down.
func (b *Bridge) getContent(ctx context.Context, path string) (string, error) {
	body, err := b.roundTrip(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("bridge: decode response: %w", err)
	}

	var out strings.Builder
	for _, c := range parsed.Content {
		out.WriteString(c.Text)
	}
	return out.String(), nil
}

func (b *Bridge) postJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b.roundTrip(ctx, http.MethodPost, path, data)
}

// roundTrip probes health first; when the worker is down it spawns the
// worker binary, waits for health, and retries the call once.
func (b *Bridge) roundTrip(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := b.probeHealth(ctx); err != nil {
		if startErr := b.autostart(ctx); startErr != nil {
			return nil, fmt.Errorf("bridge: worker unavailable: %w", startErr)
		}
	}
	return b.doRequest(ctx, method, path, body)
}

func (b *Bridge) probeHealth(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.cfg.WorkerURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bridge: health returned %d", resp.StatusCode)
	}
	return nil
}

func (b *Bridge) autostart(ctx context.Context) error {
	if b.cfg.WorkerBinary == "" {
		return fmt.Errorf("worker down and auto-start disabled")
	}

	slog.Info("worker not responding, starting it", "binary", b.cfg.WorkerBinary)
	if err := startWorker(b.cfg.WorkerBinary); err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}

	deadline := time.Now().Add(autostartTimeout)
	for time.Now().Before(deadline) {
		if err := b.probeHealth(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return fmt.Errorf("worker did not become healthy within %s", autostartTimeout)
}

func (b *Bridge) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, b.cfg.WorkerURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("bridge: worker returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}
