package store

import (
	"database/sql"
	"fmt"
)

// ─── Sessions ────────────────────────────────────────────────────────────────

// CreateOrGetSession registers a session for the given content session id,
// returning the existing row when one is already present. Idempotent on
// content_session_id.
func (s *Store) CreateOrGetSession(contentSessionID, platform, project, initialPrompt string) (*Session, error) {
	if contentSessionID == "" {
		return nil, fmt.Errorf("store: content session id required")
	}
	if platform == "" {
		platform = PlatformHostedAgent
	}

	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO sessions (content_session_id, platform, project, initial_prompt, created_at_epoch, updated_at_epoch)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_session_id) DO NOTHING
	`, contentSessionID, platform, project, initialPrompt, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}

	return s.GetSessionByContentID(contentSessionID)
}

// GetSessionByContentID retrieves a session by its content session id.
func (s *Store) GetSessionByContentID(contentSessionID string) (*Session, error) {
	return s.scanSession(s.db.QueryRow(`
		SELECT id, content_session_id, platform, project, initial_prompt,
		       ifnull(memory_session_id, ''), created_at_epoch, updated_at_epoch
		FROM sessions WHERE content_session_id = ?
	`, contentSessionID))
}

// GetSession retrieves a session by its database id.
func (s *Store) GetSession(id int64) (*Session, error) {
	return s.scanSession(s.db.QueryRow(`
		SELECT id, content_session_id, platform, project, initial_prompt,
		       ifnull(memory_session_id, ''), created_at_epoch, updated_at_epoch
		FROM sessions WHERE id = ?
	`, id))
}

func (s *Store) scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	if err := row.Scan(
		&sess.ID, &sess.ContentSessionID, &sess.Platform, &sess.Project,
		&sess.InitialPrompt, &sess.MemorySessionID, &sess.CreatedAtEpoch, &sess.UpdatedAtEpoch,
	); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SetMemorySessionID assigns the memory session id once. A second call with
// a different value is a no-op: the id is stable after first assignment.
func (s *Store) SetMemorySessionID(sessionDBID int64, memorySessionID string) error {
	_, err := s.db.Exec(`
		UPDATE sessions SET memory_session_id = ?, updated_at_epoch = ?
		WHERE id = ? AND memory_session_id IS NULL
	`, memorySessionID, now(), sessionDBID)
	if err != nil {
		return fmt.Errorf("store: set memory session id: %w", err)
	}
	return nil
}

// Projects returns the distinct project names that have observations,
// most-recently-active first.
func (s *Store) Projects() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT project FROM observations
		GROUP BY project ORDER BY MAX(created_at_epoch) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ─── User prompts ────────────────────────────────────────────────────────────

// AppendUserPrompt records a prompt with the next monotonic prompt number
// for the session and returns that number.
func (s *Store) AppendUserPrompt(contentSessionID, promptText string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: append prompt: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRow(`
		SELECT ifnull(MAX(prompt_number), 0) + 1 FROM user_prompts WHERE content_session_id = ?
	`, contentSessionID).Scan(&next); err != nil {
		return 0, fmt.Errorf("store: next prompt number: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO user_prompts (content_session_id, prompt_number, prompt_text, created_at_epoch)
		VALUES (?, ?, ?, ?)
	`, contentSessionID, next, promptText, now()); err != nil {
		return 0, fmt.Errorf("store: insert prompt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// GetPromptsPage returns prompts filtered by project (via their session),
// newest first, with a hasMore flag.
func (s *Store) GetPromptsPage(project string, offset, limit int) (*Page[UserPrompt], error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT p.id, p.content_session_id, p.prompt_number, p.prompt_text, p.created_at_epoch
		FROM user_prompts p
	`
	args := []any{}
	if project != "" {
		query += `
			JOIN sessions s ON s.content_session_id = p.content_session_id
			WHERE s.project = ?
		`
		args = append(args, project)
	}
	query += " ORDER BY p.created_at_epoch DESC, p.id DESC LIMIT ? OFFSET ?"
	args = append(args, limit+1, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: prompts page: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page Page[UserPrompt]
	for rows.Next() {
		var p UserPrompt
		if err := rows.Scan(&p.ID, &p.ContentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAtEpoch); err != nil {
			return nil, err
		}
		page.Rows = append(page.Rows, p)
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

// SearchUserPrompts searches prompts with FTS5. Results are scored rows plus
// a hasMore flag.
func (s *Store) SearchUserPrompts(text string, filter SearchFilter) (*Page[ScoredPrompt], error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > s.cfg.MaxSearchLimit {
		limit = s.cfg.MaxSearchLimit
	}

	ftsQuery := sanitizeFTS(text)
	if ftsQuery == "" {
		return &Page[ScoredPrompt]{}, nil
	}

	sqlStr := `
		SELECT p.id, p.content_session_id, p.prompt_number, p.prompt_text, p.created_at_epoch, fts.rank
		FROM prompts_fts fts
		JOIN user_prompts p ON p.id = fts.rowid
	`
	args := []any{}
	where := []string{"prompts_fts MATCH ?"}
	args = append(args, ftsQuery)

	if filter.Project != "" {
		sqlStr += " JOIN sessions s ON s.content_session_id = p.content_session_id"
		where = append(where, "s.project = ?")
		args = append(args, filter.Project)
	}
	if filter.DateStart > 0 {
		where = append(where, "p.created_at_epoch >= ?")
		args = append(args, filter.DateStart)
	}
	if filter.DateEnd > 0 {
		where = append(where, "p.created_at_epoch <= ?")
		args = append(args, filter.DateEnd)
	}

	sqlStr += " WHERE " + joinAnd(where) + " ORDER BY fts.rank LIMIT ? OFFSET ?"
	args = append(args, limit+1, filter.Offset)

	rows, err := s.db.Query(sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("store: search prompts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var page Page[ScoredPrompt]
	for rows.Next() {
		var p ScoredPrompt
		if err := rows.Scan(&p.ID, &p.ContentSessionID, &p.PromptNumber, &p.PromptText, &p.CreatedAtEpoch, &p.Rank); err != nil {
			return nil, err
		}
		page.Rows = append(page.Rows, p)
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

func joinAnd(conds []string) string {
	out := conds[0]
	for _, c := range conds[1:] {
		out += " AND " + c
	}
	return out
}
