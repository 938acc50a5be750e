package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ─── Observations & summaries ────────────────────────────────────────────────

// StoreObservationsResult reports the ids written by one atomic call.
type StoreObservationsResult struct {
	ObservationIDs []int64 `json:"observation_ids"`
	SummaryID      int64   `json:"summary_id,omitempty"`
	CreatedAtEpoch int64   `json:"created_at_epoch"`
}

// StoreObservations writes a batch of observations and an optional summary
// in a single transaction. Readers never see a partial batch. createdAtEpoch
// is the enqueue time of the oldest pending message that contributed to the
// batch, preserving global chronology when processing is delayed; pass 0 to
// stamp with the current time.
func (s *Store) StoreObservations(sessionDBID int64, memorySessionID, project string, observations []Observation, summary *Summary, createdAtEpoch int64) (*StoreObservationsResult, error) {
	if createdAtEpoch <= 0 {
		createdAtEpoch = now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: store observations: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result := &StoreObservationsResult{CreatedAtEpoch: createdAtEpoch}

	for _, o := range observations {
		if o.Type == "" {
			o.Type = "discovery"
		}
		epoch := o.CreatedAtEpoch
		if epoch <= 0 {
			epoch = createdAtEpoch
		}
		res, err := tx.Exec(`
			INSERT INTO observations (
				session_db_id, memory_session_id, project, type, title, subtitle,
				narrative, facts, concepts, files_read, files_modified,
				tokens_used, created_at_epoch, cwd
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sessionDBID, memorySessionID, project, o.Type, o.Title, o.Subtitle,
			o.Narrative, marshalList(o.Facts), marshalList(o.Concepts),
			marshalList(o.FilesRead), marshalList(o.FilesModified),
			o.TokensUsed, epoch, o.CWD)
		if err != nil {
			return nil, fmt.Errorf("store: insert observation: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		result.ObservationIDs = append(result.ObservationIDs, id)
	}

	if summary != nil {
		// Each summarize replaces the previous summary for the session.
		if _, err := tx.Exec(`DELETE FROM summaries WHERE session_db_id = ?`, sessionDBID); err != nil {
			return nil, fmt.Errorf("store: replace summary: %w", err)
		}
		res, err := tx.Exec(`
			INSERT INTO summaries (
				session_db_id, memory_session_id, project,
				request, investigated, learned, completed, next_steps, notes,
				created_at_epoch
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sessionDBID, memorySessionID, project,
			summary.Request, summary.Investigated, summary.Learned,
			summary.Completed, summary.NextSteps, summary.Notes, createdAtEpoch)
		if err != nil {
			return nil, fmt.Errorf("store: insert summary: %w", err)
		}
		result.SummaryID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit observations: %w", err)
	}
	return result, nil
}

const observationColumns = `
	id, session_db_id, memory_session_id, project, type, title, subtitle,
	narrative, facts, concepts, files_read, files_modified, tokens_used,
	created_at_epoch, cwd
`

func scanObservation(scan func(dest ...any) error) (*Observation, error) {
	var o Observation
	var facts, concepts, filesRead, filesModified string
	if err := scan(
		&o.ID, &o.SessionDBID, &o.MemorySessionID, &o.Project, &o.Type,
		&o.Title, &o.Subtitle, &o.Narrative, &facts, &concepts,
		&filesRead, &filesModified, &o.TokensUsed, &o.CreatedAtEpoch, &o.CWD,
	); err != nil {
		return nil, err
	}
	o.Facts = unmarshalList(facts)
	o.Concepts = unmarshalList(concepts)
	o.FilesRead = unmarshalList(filesRead)
	o.FilesModified = unmarshalList(filesModified)
	return &o, nil
}

// GetObservationsByIDs fetches full observation records in batch. Missing
// ids are silently absent from the result.
func (s *Store) GetObservationsByIDs(ids []int64) ([]Observation, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(
		`SELECT `+observationColumns+` FROM observations WHERE id IN (`+placeholders+`) ORDER BY created_at_epoch ASC, id ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("store: observations by ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Observation
	for rows.Next() {
		o, err := scanObservation(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// GetObservationsPage returns observations matching the filter, ordered and
// paged, with a hasMore flag.
func (s *Store) GetObservationsPage(filter SearchFilter) (*Page[Observation], error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	sqlStr := `SELECT ` + observationColumns + ` FROM observations`
	where, args := observationFilterClauses(filter, "")
	if len(where) > 0 {
		sqlStr += " WHERE " + joinAnd(where)
	}

	order := "created_at_epoch DESC, id DESC"
	if filter.OrderBy == "asc" {
		order = "created_at_epoch ASC, id ASC"
	}
	sqlStr += " ORDER BY " + order + " LIMIT ? OFFSET ?"
	args = append(args, limit+1, filter.Offset)

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("store: observations page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page Page[Observation]
	for rows.Next() {
		o, err := scanObservation(rows.Scan)
		if err != nil {
			return nil, err
		}
		page.Rows = append(page.Rows, *o)
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

func observationFilterClauses(filter SearchFilter, alias string) ([]string, []any) {
	var where []string
	var args []any
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}
	if filter.Project != "" {
		where = append(where, col("project")+" = ?")
		args = append(args, filter.Project)
	}
	if filter.Type != "" {
		where = append(where, col("type")+" = ?")
		args = append(args, filter.Type)
	}
	if filter.Concept != "" {
		where = append(where, col("concepts")+" LIKE ?")
		args = append(args, `%"`+filter.Concept+`"%`)
	}
	if filter.FilePath != "" {
		where = append(where, "("+col("files_read")+" LIKE ? OR "+col("files_modified")+" LIKE ?)")
		pattern := "%" + filter.FilePath + "%"
		args = append(args, pattern, pattern)
	}
	if filter.DateStart > 0 {
		where = append(where, col("created_at_epoch")+" >= ?")
		args = append(args, filter.DateStart)
	}
	if filter.DateEnd > 0 {
		where = append(where, col("created_at_epoch")+" <= ?")
		args = append(args, filter.DateEnd)
	}
	return where, args
}

const summaryColumns = `
	id, session_db_id, memory_session_id, project, request, investigated,
	learned, completed, next_steps, notes, created_at_epoch
`

func scanSummary(scan func(dest ...any) error) (*Summary, error) {
	var sm Summary
	if err := scan(
		&sm.ID, &sm.SessionDBID, &sm.MemorySessionID, &sm.Project,
		&sm.Request, &sm.Investigated, &sm.Learned, &sm.Completed,
		&sm.NextSteps, &sm.Notes, &sm.CreatedAtEpoch,
	); err != nil {
		return nil, err
	}
	return &sm, nil
}

// GetSummariesPage returns summaries matching the filter, newest first.
func (s *Store) GetSummariesPage(filter SearchFilter) (*Page[Summary], error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}

	sqlStr := `SELECT ` + summaryColumns + ` FROM summaries`
	args := []any{}
	var where []string
	if filter.Project != "" {
		where = append(where, "project = ?")
		args = append(args, filter.Project)
	}
	if filter.DateStart > 0 {
		where = append(where, "created_at_epoch >= ?")
		args = append(args, filter.DateStart)
	}
	if filter.DateEnd > 0 {
		where = append(where, "created_at_epoch <= ?")
		args = append(args, filter.DateEnd)
	}
	if len(where) > 0 {
		sqlStr += " WHERE " + joinAnd(where)
	}
	sqlStr += " ORDER BY created_at_epoch DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit+1, filter.Offset)

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("store: summaries page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page Page[Summary]
	for rows.Next() {
		sm, err := scanSummary(rows.Scan)
		if err != nil {
			return nil, err
		}
		page.Rows = append(page.Rows, *sm)
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

// GetSummaryForSession returns the current summary for a session, or nil.
func (s *Store) GetSummaryForSession(sessionDBID int64) (*Summary, error) {
	sm, err := scanSummary(s.db.QueryRow(
		`SELECT `+summaryColumns+` FROM summaries WHERE session_db_id = ?`, sessionDBID,
	).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sm, nil
}
