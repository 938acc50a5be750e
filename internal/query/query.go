// Package query implements search, timeline and context assembly over the
// store, rendering compact markdown index tables for the search API and the
// stdio bridge.
//
// The documented contract for consumers: never fetch full details without
// filtering first — run a search or timeline to get ids, then batch-fetch
// with GetObservations.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codemem/codemem/internal/store"
	"github.com/codemem/codemem/internal/vector"
)

// Engine answers search, timeline and batched-fetch queries.
type Engine struct {
	store   *store.Store
	vectors *vector.Index
}

// New creates a query engine. vectors may be nil.
func New(st *store.Store, vectors *vector.Index) *Engine {
	return &Engine{store: st, vectors: vectors}
}

// SearchParams narrows a search request.
type SearchParams struct {
	Query     string
	Project   string
	Limit     int
	Offset    int
	Type      string // observations | summaries | prompts | all
	ObsType   string
	DateStart int64
	DateEnd   int64
	OrderBy   string
}

// Search runs full-text search over the requested record kinds and renders
// a compact index table (ids, titles, dates — roughly 50–100 tokens per
// result).
func (e *Engine) Search(params SearchParams) (string, error) {
	kind := params.Type
	if kind == "" {
		kind = "observations"
	}

	filter := store.SearchFilter{
		Project:   params.Project,
		Type:      params.ObsType,
		DateStart: params.DateStart,
		DateEnd:   params.DateEnd,
		Limit:     params.Limit,
		Offset:    params.Offset,
		OrderBy:   params.OrderBy,
	}

	wantObs := kind == "observations" || kind == "all"
	wantSums := kind == "summaries" || kind == "all"
	wantPrompts := kind == "prompts" || kind == "all"
	if !wantObs && !wantSums && !wantPrompts {
		return "", fmt.Errorf("query: unknown search type %q", kind)
	}

	var b strings.Builder
	if wantObs {
		page, err := e.store.SearchObservations(params.Query, filter)
		if err != nil {
			return "", err
		}
		renderObservationTable(&b, page)
	}
	if wantSums {
		page, err := e.store.SearchSummaries(params.Query, filter)
		if err != nil {
			return "", err
		}
		renderSummaryTable(&b, page)
	}
	if wantPrompts {
		page, err := e.store.SearchUserPrompts(params.Query, filter)
		if err != nil {
			return "", err
		}
		renderPromptTable(&b, page)
	}

	out := strings.TrimSpace(b.String())
	if out == "" {
		return fmt.Sprintf("No results for %q.", params.Query), nil
	}
	return out, nil
}

// TimelineParams selects a timeline window either by anchor id or by a
// best-match search query.
type TimelineParams struct {
	Anchor      int64
	Query       string
	DepthBefore int
	DepthAfter  int
	Project     string
}

// Timeline renders a chronological window of observations and summaries
// around the anchor. When Query is given instead of an anchor, the
// best-match observation becomes the anchor.
func (e *Engine) Timeline(params TimelineParams) (string, error) {
	anchor := params.Anchor
	if anchor == 0 {
		if params.Query == "" {
			return "", fmt.Errorf("query: timeline requires anchor or query")
		}
		page, err := e.store.SearchObservations(params.Query, store.SearchFilter{
			Project: params.Project,
			Limit:   1,
		})
		if err != nil {
			return "", err
		}
		if len(page.Rows) == 0 {
			return fmt.Sprintf("No timeline anchor found for %q.", params.Query), nil
		}
		anchor = page.Rows[0].ID
	}

	items, err := e.store.GetTimeline(anchor, params.DepthBefore, params.DepthAfter, params.Project)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("| When | Kind | ID | Entry |\n|---|---|---|---|\n")
	for _, item := range items {
		marker := ""
		if item.IsAnchor {
			marker = " ◀"
		}
		switch item.Kind {
		case "observation":
			o := item.Observation
			fmt.Fprintf(&b, "| %s | %s | #%d | %s%s |\n",
				formatEpoch(item.CreatedAtEpoch), o.Type, o.ID, cell(o.Title), marker)
		case "summary":
			sm := item.Summary
			fmt.Fprintf(&b, "| %s | summary | #%d | %s%s |\n",
				formatEpoch(item.CreatedAtEpoch), sm.ID, cell(firstNonEmpty(sm.Request, sm.Completed)), marker)
		}
	}
	return b.String(), nil
}

// GetObservations batch-fetches full records, ordered chronologically.
func (e *Engine) GetObservations(ids []int64, limit int, project string) ([]store.Observation, error) {
	observations, err := e.store.GetObservationsByIDs(ids)
	if err != nil {
		return nil, err
	}
	if project != "" {
		filtered := observations[:0]
		for _, o := range observations {
			if o.Project == project {
				filtered = append(filtered, o)
			}
		}
		observations = filtered
	}
	if limit > 0 && len(observations) > limit {
		observations = observations[:limit]
	}
	return observations, nil
}

// PromptSearchResult carries the rendered prompt search plus its backing
// source: "vector" or "sqlite".
type PromptSearchResult struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// SearchPrompts queries the vector index first when prompt vectors exist;
// on empty result or error it transparently falls back to the relational
// full-text backend and marks the result source=sqlite.
func (e *Engine) SearchPrompts(ctx context.Context, text, project string, limit int) (*PromptSearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	if e.vectors.Enabled() {
		hits, err := e.vectors.Query(ctx, vector.KindPrompt, text, project, limit)
		if err != nil {
			slog.Debug("prompt vector search failed, falling back", "error", err)
		} else if len(hits) > 0 {
			if res := e.renderPromptHits(text, hits); res != nil {
				return res, nil
			}
		}
	}

	page, err := e.store.SearchUserPrompts(text, store.SearchFilter{Project: project, Limit: limit})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d user prompt(s) matching %q\n\n", len(page.Rows), text)
	writePromptRows(&b, page.Rows)
	return &PromptSearchResult{Text: strings.TrimSpace(b.String()), Source: "sqlite"}, nil
}

func (e *Engine) renderPromptHits(text string, hits []vector.Hit) *PromptSearchResult {
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	rows, err := e.promptsByIDs(ids)
	if err != nil || len(rows) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d user prompt(s) matching %q\n\n", len(rows), text)
	writePromptRows(&b, rows)
	return &PromptSearchResult{Text: strings.TrimSpace(b.String()), Source: "vector"}
}

func (e *Engine) promptsByIDs(ids []int64) ([]store.ScoredPrompt, error) {
	// The vector index stores prompt rowids; resolve them through the
	// relational store page API to keep the store authoritative.
	page, err := e.store.GetPromptsPage("", 0, len(ids)*4)
	if err != nil {
		return nil, err
	}
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []store.ScoredPrompt
	for _, p := range page.Rows {
		if wanted[p.ID] {
			out = append(out, store.ScoredPrompt{UserPrompt: p})
		}
	}
	return out, nil
}

// ─── Context assembly ────────────────────────────────────────────────────────

// ContextParams configures session-start context assembly.
type ContextParams struct {
	Project            string
	ObservationCount   int
	IncludeSummary     bool
	IncludeLastMessage bool
	ObservationTypes   []string
	Concepts           []string
}

// AssembleContext renders the context block injected into new sessions:
// recent observations and optionally the latest summary.
func (e *Engine) AssembleContext(params ContextParams) (string, error) {
	if params.ObservationCount <= 0 {
		params.ObservationCount = 10
	}

	filter := store.SearchFilter{Project: params.Project, Limit: params.ObservationCount}
	if len(params.ObservationTypes) == 1 {
		filter.Type = params.ObservationTypes[0]
	}
	page, err := e.store.GetObservationsPage(filter)
	if err != nil {
		return "", err
	}

	rows := filterByTypesAndConcepts(page.Rows, params.ObservationTypes, params.Concepts)
	if len(rows) == 0 && !params.IncludeSummary {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("<codemem-context>\n")
	if len(rows) > 0 {
		b.WriteString("Recent memory:\n")
		for _, o := range rows {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", o.Type, o.Title, formatEpoch(o.CreatedAtEpoch))
		}
	}
	if params.IncludeSummary {
		sums, err := e.store.GetSummariesPage(store.SearchFilter{Project: params.Project, Limit: 1})
		if err == nil && len(sums.Rows) > 0 {
			sm := sums.Rows[0]
			fmt.Fprintf(&b, "\nLast session: %s", firstNonEmpty(sm.Completed, sm.Request))
			if params.IncludeLastMessage && sm.Notes != "" {
				fmt.Fprintf(&b, "\nNotes: %s", sm.Notes)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("</codemem-context>")
	return b.String(), nil
}

func filterByTypesAndConcepts(rows []store.Observation, types, concepts []string) []store.Observation {
	if len(types) == 0 && len(concepts) == 0 {
		return rows
	}
	var out []store.Observation
	for _, o := range rows {
		if len(types) > 0 && !containsString(types, o.Type) {
			continue
		}
		if len(concepts) > 0 && !intersects(concepts, o.Concepts) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// ─── Rendering helpers ───────────────────────────────────────────────────────

func renderObservationTable(b *strings.Builder, page *store.Page[store.ScoredObservation]) {
	if len(page.Rows) == 0 {
		return
	}
	fmt.Fprintf(b, "Found %d observation(s)", len(page.Rows))
	if page.HasMore {
		b.WriteString(" (more available)")
	}
	b.WriteString("\n\n| ID | Type | Title | Date |\n|---|---|---|---|\n")
	for _, o := range page.Rows {
		fmt.Fprintf(b, "| #%d | %s | %s | %s |\n", o.ID, o.Type, cell(o.Title), formatEpoch(o.CreatedAtEpoch))
	}
	b.WriteString("\n")
}

func renderSummaryTable(b *strings.Builder, page *store.Page[store.ScoredSummary]) {
	if len(page.Rows) == 0 {
		return
	}
	fmt.Fprintf(b, "Found %d summary(ies)\n\n| ID | Request | Completed | Date |\n|---|---|---|---|\n", len(page.Rows))
	for _, sm := range page.Rows {
		fmt.Fprintf(b, "| #%d | %s | %s | %s |\n",
			sm.ID, cell(sm.Request), cell(sm.Completed), formatEpoch(sm.CreatedAtEpoch))
	}
	b.WriteString("\n")
}

func renderPromptTable(b *strings.Builder, page *store.Page[store.ScoredPrompt]) {
	if len(page.Rows) == 0 {
		return
	}
	fmt.Fprintf(b, "Found %d user prompt(s)\n\n", len(page.Rows))
	writePromptRows(b, page.Rows)
}

func writePromptRows(b *strings.Builder, rows []store.ScoredPrompt) {
	if len(rows) == 0 {
		return
	}
	b.WriteString("| ID | Session | Prompt | Date |\n|---|---|---|---|\n")
	for _, p := range rows {
		fmt.Fprintf(b, "| #%d | %s | %s | %s |\n",
			p.ID, p.ContentSessionID, cell(p.PromptText), formatEpoch(p.CreatedAtEpoch))
	}
}

// cell truncates and flattens a value for a one-line table cell.
func cell(v string) string {
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "|", "\\|")
	return store.Truncate(v, 80)
}

func formatEpoch(epoch int64) string {
	if epoch <= 0 {
		return ""
	}
	return time.UnixMilli(epoch).UTC().Format("2006-01-02 15:04")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, v := range a {
		if containsString(b, v) {
			return true
		}
	}
	return false
}
