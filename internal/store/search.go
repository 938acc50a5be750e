package store

import (
	"fmt"
	"sort"
)

// ─── Full-text search ────────────────────────────────────────────────────────

// SearchObservations performs FTS5 search over observations with filters.
func (s *Store) SearchObservations(text string, filter SearchFilter) (*Page[ScoredObservation], error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > s.cfg.MaxSearchLimit {
		limit = s.cfg.MaxSearchLimit
	}

	ftsQuery := sanitizeFTS(text)
	if ftsQuery == "" {
		// Empty query falls back to a recency page with rank 0.
		page, err := s.GetObservationsPage(filter)
		if err != nil {
			return nil, err
		}
		out := &Page[ScoredObservation]{HasMore: page.HasMore}
		for _, o := range page.Rows {
			out.Rows = append(out.Rows, ScoredObservation{Observation: o})
		}
		return out, nil
	}

	sqlStr := `
		SELECT o.id, o.session_db_id, o.memory_session_id, o.project, o.type,
		       o.title, o.subtitle, o.narrative, o.facts, o.concepts,
		       o.files_read, o.files_modified, o.tokens_used, o.created_at_epoch, o.cwd,
		       fts.rank
		FROM observations_fts fts
		JOIN observations o ON o.id = fts.rowid
	`
	where := []string{"observations_fts MATCH ?"}
	args := []any{ftsQuery}

	moreWhere, moreArgs := observationFilterClauses(filter, "o")
	where = append(where, moreWhere...)
	args = append(args, moreArgs...)

	sqlStr += " WHERE " + joinAnd(where) + " ORDER BY fts.rank LIMIT ? OFFSET ?"
	args = append(args, limit+1, filter.Offset)

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search observations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page Page[ScoredObservation]
	for rows.Next() {
		var so ScoredObservation
		var facts, concepts, filesRead, filesModified string
		if err := rows.Scan(
			&so.ID, &so.SessionDBID, &so.MemorySessionID, &so.Project, &so.Type,
			&so.Title, &so.Subtitle, &so.Narrative, &facts, &concepts,
			&filesRead, &filesModified, &so.TokensUsed, &so.CreatedAtEpoch, &so.CWD,
			&so.Rank,
		); err != nil {
			return nil, err
		}
		so.Facts = unmarshalList(facts)
		so.Concepts = unmarshalList(concepts)
		so.FilesRead = unmarshalList(filesRead)
		so.FilesModified = unmarshalList(filesModified)
		page.Rows = append(page.Rows, so)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Rows) > limit {
		page.Rows = page.Rows[:limit]
		page.HasMore = true
	}
	return &page, nil
}

// SearchSummaries performs FTS5 search over summaries.
func (s *Store) SearchSummaries(text string, filter SearchFilter) (*Page[ScoredSummary], error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > s.cfg.MaxSearchLimit {
		limit = s.cfg.MaxSearchLimit
	}

	ftsQuery := sanitizeFTS(text)
	if ftsQuery == "" {
		return &Page[ScoredSummary]{}, nil
	}

	sqlStr := `
		SELECT m.id, m.session_db_id, m.memory_session_id, m.project,
		       m.request, m.investigated, m.learned, m.completed, m.next_steps, m.notes,
		       m.created_at_epoch, fts.rank
		FROM summaries_fts fts
		JOIN summaries m ON m.id = fts.rowid
	`
	where := []string{"summaries_fts MATCH ?"}
	args := []any{ftsQuery}

	if filter.Project != "" {
		where = append(where, "m.project = ?")
		args = append(args, filter.Project)
	}
	if filter.DateStart > 0 {
		where = append(where, "m.created_at_epoch >= ?")
		args = append(args, filter.DateStart)
	}
	if filter.DateEnd > 0 {
		where = append(where, "m.created_at_epoch <= ?")
		args = append(args, filter.DateEnd)
	}

	sqlStr += " WHERE " + joinAnd(where) + " ORDER BY fts.rank LIMIT ? OFFSET ?"
	args = append(args, limit+1, filter.Offset)

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page Page[ScoredSummary]
	for rows.Next() {
		var sm ScoredSummary
		if err := rows.Scan(
			&sm.ID, &sm.SessionDBID, &sm.MemorySessionID, &sm.Project,
			&sm.Request, &sm.Investigated, &sm.Learned, &sm.Completed,
			&sm.NextSteps, &sm.Notes, &sm.CreatedAtEpoch, &sm.Rank,
		); err != nil {
			return nil, err
		}
		page.Rows = append(page.Rows, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Rows) > limit {
		page.Rows = page.Rows[:limit]
		page.HasMore = true
	}
	return &page, nil
}

// ─── Timeline ────────────────────────────────────────────────────────────────

// GetTimeline returns a chronologically interleaved window of observations
// and summaries around the anchor observation id.
func (s *Store) GetTimeline(anchorID int64, depthBefore, depthAfter int, project string) ([]TimelineItem, error) {
	if depthBefore <= 0 {
		depthBefore = 5
	}
	if depthAfter <= 0 {
		depthAfter = 5
	}

	anchor, err := scanObservation(s.db.QueryRow(
		`SELECT `+observationColumns+` FROM observations WHERE id = ?`, anchorID,
	).Scan)
	if err != nil {
		return nil, fmt.Errorf("store: timeline: anchor #%d not found: %w", anchorID, err)
	}

	before, err := s.timelineSide(anchor.CreatedAtEpoch, anchor.ID, project, depthBefore, true)
	if err != nil {
		return nil, err
	}
	after, err := s.timelineSide(anchor.CreatedAtEpoch, anchor.ID, project, depthAfter, false)
	if err != nil {
		return nil, err
	}

	items := make([]TimelineItem, 0, len(before)+len(after)+1)
	items = append(items, before...)
	items = append(items, TimelineItem{
		Kind:           "observation",
		Observation:    anchor,
		CreatedAtEpoch: anchor.CreatedAtEpoch,
		IsAnchor:       true,
	})
	items = append(items, after...)
	return items, nil
}

// timelineSide collects observations and summaries strictly before or after
// the anchor timestamp, interleaved chronologically.
func (s *Store) timelineSide(anchorEpoch, anchorID int64, project string, depth int, isBefore bool) ([]TimelineItem, error) {
	cmp, order := ">", "ASC"
	if isBefore {
		cmp, order = "<", "DESC"
	}

	// Tie-break on id so the anchor row itself is excluded.
	obsSQL := `SELECT ` + observationColumns + ` FROM observations
		WHERE (created_at_epoch ` + cmp + ` ? OR (created_at_epoch = ? AND id ` + cmp + ` ?))`
	args := []any{anchorEpoch, anchorEpoch, anchorID}
	if project != "" {
		obsSQL += " AND project = ?"
		args = append(args, project)
	}
	obsSQL += " ORDER BY created_at_epoch " + order + ", id " + order + " LIMIT ?"
	args = append(args, depth)

	rows, err := s.db.Query(obsSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("store: timeline side: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []TimelineItem
	for rows.Next() {
		o, err := scanObservation(rows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, TimelineItem{Kind: "observation", Observation: o, CreatedAtEpoch: o.CreatedAtEpoch})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sumSQL := `SELECT ` + summaryColumns + ` FROM summaries WHERE created_at_epoch ` + cmp + ` ?`
	sumArgs := []any{anchorEpoch}
	if project != "" {
		sumSQL += " AND project = ?"
		sumArgs = append(sumArgs, project)
	}
	sumSQL += " ORDER BY created_at_epoch " + order + ", id " + order + " LIMIT ?"
	sumArgs = append(sumArgs, depth)

	sumRows, err := s.db.Query(sumSQL, sumArgs...)
	if err != nil {
		return nil, fmt.Errorf("store: timeline summaries: %w", err)
	}
	defer func() { _ = sumRows.Close() }()

	for sumRows.Next() {
		sm, err := scanSummary(sumRows.Scan)
		if err != nil {
			return nil, err
		}
		items = append(items, TimelineItem{Kind: "summary", Summary: sm, CreatedAtEpoch: sm.CreatedAtEpoch})
	}
	if err := sumRows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAtEpoch < items[j].CreatedAtEpoch
	})

	// Both sides were over-fetched; keep the depth entries closest to the
	// anchor, in chronological order.
	if len(items) > depth {
		if isBefore {
			items = items[len(items)-depth:]
		} else {
			items = items[:depth]
		}
	}
	return items, nil
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// GetStats returns aggregate store statistics.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{}
	_ = s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&stats.TotalSessions)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM observations").Scan(&stats.TotalObservations)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM summaries").Scan(&stats.TotalSummaries)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM user_prompts").Scan(&stats.TotalPrompts)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM pending_messages").Scan(&stats.PendingMessages)

	projects, err := s.Projects()
	if err != nil {
		return stats, nil
	}
	stats.Projects = projects
	return stats, nil
}
