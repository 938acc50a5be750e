package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ─── Pending message queue ───────────────────────────────────────────────────

// Message types on the pending queue. Summarize has strict priority over
// observation regardless of age.
const (
	MessageSummarize   = "summarize"
	MessageObservation = "observation"
)

// ErrQueueFull is returned when a session already has its cap of pending
// messages. Over-cap enqueues are rejected to the caller, never silently
// dropped.
var ErrQueueFull = errors.New("store: pending queue full for session")

// PendingMessage is one queued unit of agent work. Messages are claim-and-
// delete: there is no in-progress state.
type PendingMessage struct {
	ID               int64  `json:"id"`
	SessionDBID      int64  `json:"session_db_id"`
	ContentSessionID string `json:"content_session_id"`
	MessageType      string `json:"message_type"`
	Payload          string `json:"payload"`
	CreatedAtEpoch   int64  `json:"created_at_epoch"`
}

// EnqueuePending appends a message to a session's queue, enforcing the
// per-session cap.
func (s *Store) EnqueuePending(sessionDBID int64, contentSessionID, messageType, payload string) (int64, error) {
	if messageType != MessageSummarize && messageType != MessageObservation {
		return 0, fmt.Errorf("store: unknown message type %q", messageType)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRow(
		`SELECT COUNT(*) FROM pending_messages WHERE session_db_id = ?`, sessionDBID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("store: enqueue count: %w", err)
	}
	if count >= s.cfg.SessionCap {
		return 0, ErrQueueFull
	}

	res, err := tx.Exec(`
		INSERT INTO pending_messages (session_db_id, content_session_id, message_type, payload, created_at_epoch)
		VALUES (?, ?, ?, ?, ?)
	`, sessionDBID, contentSessionID, messageType, payload, now())
	if err != nil {
		return 0, fmt.Errorf("store: enqueue insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// ClaimAndDelete atomically removes and returns the next message for a
// session: summarize before observation, then by increasing id. Claim and
// delete are one step — if the agent crashes mid-process the work is lost,
// but no half-claimed row remains. Returns nil when the queue is empty.
func (s *Store) ClaimAndDelete(sessionDBID int64) (*PendingMessage, error) {
	row := s.db.QueryRow(`
		DELETE FROM pending_messages
		WHERE id = (
			SELECT id FROM pending_messages
			WHERE session_db_id = ?
			ORDER BY CASE message_type WHEN 'summarize' THEN 0 ELSE 1 END ASC, id ASC
			LIMIT 1
		)
		RETURNING id, session_db_id, content_session_id, message_type, payload, created_at_epoch
	`, sessionDBID)

	var m PendingMessage
	err := row.Scan(&m.ID, &m.SessionDBID, &m.ContentSessionID, &m.MessageType, &m.Payload, &m.CreatedAtEpoch)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim: %w", err)
	}
	return &m, nil
}

// OldestPendingAgeMs returns the age of the oldest pending message across
// all sessions, or -1 when the queue is empty. Used for viewer back-pressure
// hints.
func (s *Store) OldestPendingAgeMs() (int64, error) {
	var oldest sql.NullInt64
	if err := s.db.QueryRow(
		`SELECT MIN(created_at_epoch) FROM pending_messages`,
	).Scan(&oldest); err != nil {
		return -1, fmt.Errorf("store: oldest pending: %w", err)
	}
	if !oldest.Valid {
		return -1, nil
	}
	age := now() - oldest.Int64
	if age < 0 {
		age = 0
	}
	return age, nil
}

// PendingCount returns the total number of queued messages.
func (s *Store) PendingCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_messages`).Scan(&n)
	return n, err
}

// PendingCountForSession returns the queue depth for one session.
func (s *Store) PendingCountForSession(sessionDBID int64) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pending_messages WHERE session_db_id = ?`, sessionDBID,
	).Scan(&n)
	return n, err
}

// SessionsWithPending returns session ids that have queued work, ordered by
// their earliest enqueued message (FIFO for scheduler admission).
func (s *Store) SessionsWithPending() ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT session_db_id FROM pending_messages
		GROUP BY session_db_id ORDER BY MIN(id) ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: sessions with pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingMessagesSnapshot returns all queued messages for diagnostics.
func (s *Store) PendingMessagesSnapshot() ([]PendingMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, session_db_id, content_session_id, message_type, payload, created_at_epoch
		FROM pending_messages ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("store: pending snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PendingMessage
	for rows.Next() {
		var m PendingMessage
		if err := rows.Scan(&m.ID, &m.SessionDBID, &m.ContentSessionID, &m.MessageType, &m.Payload, &m.CreatedAtEpoch); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
