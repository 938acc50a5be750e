package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codemem/codemem/internal/config"
	"github.com/codemem/codemem/internal/ingest"
	"github.com/codemem/codemem/internal/query"
	"github.com/codemem/codemem/internal/store"
	"github.com/codemem/codemem/internal/vector"
)

// contentResult wraps query text in the tool-content shape the host tool
// expects: {content:[{type:"text", text:"..."}]}.
func contentResult(c *fiber.Ctx, text string) error {
	return c.JSON(fiber.Map{
		"content": []fiber.Map{{"type": "text", "text": text}},
	})
}

func (s *Server) handleSearch(c *fiber.Ctx) error {
	params := query.SearchParams{
		Query:     c.Query("query"),
		Project:   c.Query("project"),
		Limit:     c.QueryInt("limit"),
		Offset:    c.QueryInt("offset"),
		Type:      c.Query("type"),
		ObsType:   c.Query("obs_type"),
		DateStart: parseInt64(c.Query("dateStart")),
		DateEnd:   parseInt64(c.Query("dateEnd")),
		OrderBy:   c.Query("orderBy"),
	}
	if params.Query == "" {
		return badRequest(c, "query is required")
	}

	text, err := s.queries.Search(params)
	if err != nil {
		if strings.Contains(err.Error(), "unknown search type") {
			return badRequest(c, "%v", err)
		}
		return err
	}
	return contentResult(c, text)
}

func (s *Server) handleSearchPrompts(c *fiber.Ctx) error {
	q := c.Query("query")
	if q == "" {
		return badRequest(c, "query is required")
	}

	res, err := s.queries.SearchPrompts(c.Context(), q, c.Query("project"), c.QueryInt("limit"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"content": []fiber.Map{{"type": "text", "text": res.Text}},
		"source":  res.Source,
	})
}

func (s *Server) handleTimeline(c *fiber.Ctx) error {
	params := query.TimelineParams{
		Anchor:      parseInt64(c.Query("anchor")),
		Query:       c.Query("query"),
		DepthBefore: c.QueryInt("depth_before"),
		DepthAfter:  c.QueryInt("depth_after"),
		Project:     c.Query("project"),
	}
	if params.Anchor == 0 && params.Query == "" {
		return badRequest(c, "anchor or query is required")
	}

	text, err := s.queries.Timeline(params)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return notFound(c, "%v", err)
		}
		return err
	}
	return contentResult(c, text)
}

// ─── Record pages ────────────────────────────────────────────────────────────

func pageFilter(c *fiber.Ctx) store.SearchFilter {
	return store.SearchFilter{
		Project:   c.Query("project"),
		Type:      c.Query("type"),
		Concept:   c.Query("concept"),
		FilePath:  c.Query("file"),
		DateStart: parseInt64(c.Query("dateStart")),
		DateEnd:   parseInt64(c.Query("dateEnd")),
		Limit:     c.QueryInt("limit"),
		Offset:    c.QueryInt("offset"),
		OrderBy:   c.Query("orderBy"),
	}
}

func (s *Server) handleObservationsPage(c *fiber.Ctx) error {
	page, err := s.store.GetObservationsPage(pageFilter(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"observations": page.Rows, "hasMore": page.HasMore})
}

func (s *Server) handleSummariesPage(c *fiber.Ctx) error {
	page, err := s.store.GetSummariesPage(pageFilter(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"summaries": page.Rows, "hasMore": page.HasMore})
}

func (s *Server) handlePromptsPage(c *fiber.Ctx) error {
	page, err := s.store.GetPromptsPage(c.Query("project"), c.QueryInt("offset"), c.QueryInt("limit"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"prompts": page.Rows, "hasMore": page.HasMore})
}

type batchBody struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) handleObservationsBatch(c *fiber.Ctx) error {
	var body batchBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if len(body.IDs) == 0 {
		return badRequest(c, "ids is required")
	}

	rows, err := s.queries.GetObservations(body.IDs, 0, c.Query("project"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"observations": rows})
}

// ─── Projects ────────────────────────────────────────────────────────────────

func (s *Server) handleProjects(c *fiber.Ctx) error {
	projects, err := s.store.Projects()
	if err != nil {
		return err
	}
	if projects == nil {
		projects = []string{}
	}
	return c.JSON(fiber.Map{"projects": projects})
}

// handleProjectDiagnostics merges the ingested project list with projects
// discovered in transcripts, surfacing what has not been ingested yet.
func (s *Server) handleProjectDiagnostics(c *fiber.Ctx) error {
	ingested, err := s.store.Projects()
	if err != nil {
		return err
	}

	discovered := &ingest.DiscoveryResult{}
	if s.transcriptRoot != "" {
		if result, err := ingest.DiscoverSessionProjects(s.transcriptRoot); err == nil {
			discovered = result
		}
	}

	have := make(map[string]bool, len(ingested))
	for _, p := range ingested {
		have[p] = true
	}
	missing := []string{}
	for _, p := range discovered.Projects {
		if !have[p] {
			missing = append(missing, p)
		}
	}

	if ingested == nil {
		ingested = []string{}
	}
	return c.JSON(fiber.Map{
		"ingestedProjects":          ingested,
		"discoveredSessionProjects": discovered.Projects,
		"missingProjects":           missing,
		"missingCount":              len(missing),
		"scannedFiles":              discovered.ScannedFiles,
		"lastScanEpochMs":           time.Now().UnixMilli(),
	})
}

// ─── Settings ────────────────────────────────────────────────────────────────

func (s *Server) handleGetSettings(c *fiber.Ctx) error {
	return c.JSON(s.settings.All())
}

func (s *Server) handlePutSettings(c *fiber.Ctx) error {
	var values map[string]string
	if err := json.Unmarshal(c.Body(), &values); err != nil {
		return badRequest(c, "settings body must be a flat string map")
	}
	if err := s.settings.Put(values); err != nil {
		var validationErr *config.ValidationError
		if errors.As(err, &validationErr) {
			return badRequest(c, "%v", validationErr)
		}
		return err
	}
	return c.JSON(fiber.Map{"updated": len(values)})
}

// ─── Health & stats ──────────────────────────────────────────────────────────

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":   "ok",
		"uptimeMs": time.Since(s.startedAt).Milliseconds(),
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	stats, err := s.store.GetStats()
	if err != nil {
		return err
	}
	age, _ := s.store.OldestPendingAgeMs()
	return c.JSON(fiber.Map{
		"stats":              stats,
		"oldestPendingAgeMs": age,
		"activeSessions":     s.sched.ActiveCount(),
		"activeProviders":    s.sched.ActiveProviders(),
		"sseSubscribers":     s.broadcaster.SubscriberCount(),
	})
}

// ─── Ollama model discovery ──────────────────────────────────────────────────

// ollamaTagsClient is a package-level var to allow test injection.
var ollamaTagsClient = &http.Client{Timeout: 5 * time.Second}

// ollamaListCommand is a package-level var to allow test injection.
var ollamaListCommand = func(ctx context.Context) ([]byte, error) {
	return exec.CommandContext(ctx, "ollama", "list").Output()
}

// handleOllamaModels discovers local models: the daemon's tag API first,
// then parsing the CLI list output, else none.
func (s *Server) handleOllamaModels(c *fiber.Ctx) error {
	baseURL := c.Query("baseUrl")
	if baseURL == "" {
		baseURL = vector.DefaultOllamaBaseURL
	}

	if models := fetchOllamaTags(baseURL); len(models) > 0 {
		return c.JSON(fiber.Map{"models": models, "source": "api"})
	}

	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()
	if out, err := ollamaListCommand(ctx); err == nil {
		if models := parseOllamaList(string(out)); len(models) > 0 {
			return c.JSON(fiber.Map{"models": models, "source": "cli"})
		}
	}

	return c.JSON(fiber.Map{"models": []string{}, "source": "none"})
}

func fetchOllamaTags(baseURL string) []string {
	resp, err := ollamaTagsClient.Get(strings.TrimRight(baseURL, "/") + "/api/tags")
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}

	models := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		if m.Name != "" {
			models = append(models, m.Name)
		}
	}
	return models
}

// parseOllamaList extracts model names from the CLI table: the first
// whitespace-separated token of every non-header line.
func parseOllamaList(out string) []string {
	var models []string
	scanner := bufio.NewScanner(strings.NewReader(out))
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			// Header row ("NAME ID SIZE MODIFIED").
			first = false
			if strings.HasPrefix(strings.ToUpper(line), "NAME") {
				continue
			}
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			models = append(models, fields[0])
		}
	}
	return models
}
