// Package store implements the persistent memory engine for codemem.
//
// It uses SQLite with FTS5 full-text search to store sessions, user prompts,
// observations and summaries distilled from coding sessions, plus the pending
// message queue that drives agent processing. The queue lives in the same
// database so crash recovery resumes in-flight work.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// now is a package-level var to allow test injection; returns epoch millis.
var now = func() int64 { return time.Now().UnixMilli() }

// Database file names. The legacy name is accepted on read so an upgraded
// install keeps its data without a rename step.
const (
	DBFileName       = "codemem.db"
	LegacyDBFileName = "memworker.db"
)

// ─── Types ───────────────────────────────────────────────────────────────────

// Platform tags the upstream source of a session.
const (
	PlatformHostedAgent = "hosted-agent"
	PlatformTranscript  = "transcript"
	PlatformCursor      = "cursor"
)

// Observation types produced by the agent.
var ObservationTypes = []string{"discovery", "bugfix", "feature", "refactor", "decision", "change"}

// Session represents one coherent user interaction with an upstream coding
// agent, identified by an opaque content session id.
type Session struct {
	ID               int64  `json:"id"`
	ContentSessionID string `json:"content_session_id"`
	Platform         string `json:"platform"`
	Project          string `json:"project"`
	InitialPrompt    string `json:"initial_prompt"`
	MemorySessionID  string `json:"memory_session_id,omitempty"`
	CreatedAtEpoch   int64  `json:"created_at_epoch"`
	UpdatedAtEpoch   int64  `json:"updated_at_epoch"`
}

// UserPrompt is one recorded user prompt within a session.
type UserPrompt struct {
	ID               int64  `json:"id"`
	ContentSessionID string `json:"content_session_id"`
	PromptNumber     int    `json:"prompt_number"`
	PromptText       string `json:"prompt_text"`
	CreatedAtEpoch   int64  `json:"created_at_epoch"`
}

// Observation is a structured record of a single tool-use event.
type Observation struct {
	ID              int64    `json:"id"`
	SessionDBID     int64    `json:"session_db_id"`
	MemorySessionID string   `json:"memory_session_id"`
	Project         string   `json:"project"`
	Type            string   `json:"type"`
	Title           string   `json:"title"`
	Subtitle        string   `json:"subtitle"`
	Narrative       string   `json:"narrative"`
	Facts           []string `json:"facts"`
	Concepts        []string `json:"concepts"`
	FilesRead       []string `json:"files_read"`
	FilesModified   []string `json:"files_modified"`
	TokensUsed      int64    `json:"tokens_used"`
	CreatedAtEpoch  int64    `json:"created_at_epoch"`
	CWD             string   `json:"cwd"`
}

// Summary is the structured end-of-turn record for a session. Each summarize
// replaces the previous summary for that session.
type Summary struct {
	ID              int64  `json:"id"`
	SessionDBID     int64  `json:"session_db_id"`
	MemorySessionID string `json:"memory_session_id"`
	Project         string `json:"project"`
	Request         string `json:"request"`
	Investigated    string `json:"investigated"`
	Learned         string `json:"learned"`
	Completed       string `json:"completed"`
	NextSteps       string `json:"next_steps"`
	Notes           string `json:"notes"`
	CreatedAtEpoch  int64  `json:"created_at_epoch"`
}

// SearchFilter narrows full-text queries.
type SearchFilter struct {
	Project   string `json:"project,omitempty"`
	Type      string `json:"type,omitempty"`
	Concept   string `json:"concept,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	DateStart int64  `json:"date_start,omitempty"`
	DateEnd   int64  `json:"date_end,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	OrderBy   string `json:"order_by,omitempty"`
}

// ScoredObservation embeds an Observation with its FTS5 rank.
type ScoredObservation struct {
	Observation
	Rank float64 `json:"rank"`
}

// ScoredSummary embeds a Summary with its FTS5 rank.
type ScoredSummary struct {
	Summary
	Rank float64 `json:"rank"`
}

// ScoredPrompt embeds a UserPrompt with its FTS5 rank.
type ScoredPrompt struct {
	UserPrompt
	Rank float64 `json:"rank"`
}

// Page wraps a result slice with a hasMore flag.
type Page[T any] struct {
	Rows    []T  `json:"rows"`
	HasMore bool `json:"hasMore"`
}

// TimelineItem is one entry in an interleaved observation/summary window.
type TimelineItem struct {
	Kind           string       `json:"kind"` // "observation" or "summary"
	Observation    *Observation `json:"observation,omitempty"`
	Summary        *Summary     `json:"summary,omitempty"`
	CreatedAtEpoch int64        `json:"created_at_epoch"`
	IsAnchor       bool         `json:"is_anchor"`
}

// Stats holds aggregate store statistics.
type Stats struct {
	TotalSessions     int      `json:"total_sessions"`
	TotalObservations int      `json:"total_observations"`
	TotalSummaries    int      `json:"total_summaries"`
	TotalPrompts      int      `json:"total_prompts"`
	PendingMessages   int      `json:"pending_messages"`
	Projects          []string `json:"projects"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds store configuration.
type Config struct {
	DataDir        string
	SessionCap     int // max pending messages per session
	MaxSearchLimit int
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:        dataDir,
		SessionCap:     3,
		MaxSearchLimit: 100,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the persistent memory engine backed by SQLite + FTS5.
type Store struct {
	db  *sql.DB
	cfg Config
}

// New creates a Store with the given configuration. It creates the data
// directory if needed, opens SQLite with WAL mode, and runs migrations.
// The legacy database file name is picked up when the canonical one is
// absent.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	if cfg.SessionCap <= 0 {
		cfg.SessionCap = 3
	}
	if cfg.MaxSearchLimit <= 0 {
		cfg.MaxSearchLimit = 100
	}

	dbPath := filepath.Join(cfg.DataDir, DBFileName)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		legacy := filepath.Join(cfg.DataDir, LegacyDBFileName)
		if _, lerr := os.Stat(legacy); lerr == nil {
			dbPath = legacy
		}
	}

	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("store: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for sibling packages that share the database
// file (the vector index). Mutating application tables through it is not
// supported.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			content_session_id TEXT    NOT NULL UNIQUE,
			platform           TEXT    NOT NULL DEFAULT 'hosted-agent',
			project            TEXT    NOT NULL,
			initial_prompt     TEXT    NOT NULL DEFAULT '',
			memory_session_id  TEXT,
			created_at_epoch   INTEGER NOT NULL,
			updated_at_epoch   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project);

		CREATE TABLE IF NOT EXISTS user_prompts (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			content_session_id TEXT    NOT NULL,
			prompt_number      INTEGER NOT NULL,
			prompt_text        TEXT    NOT NULL,
			created_at_epoch   INTEGER NOT NULL,
			UNIQUE(content_session_id, prompt_number)
		);

		CREATE INDEX IF NOT EXISTS idx_prompts_session ON user_prompts(content_session_id);
		CREATE INDEX IF NOT EXISTS idx_prompts_created ON user_prompts(created_at_epoch DESC);

		CREATE VIRTUAL TABLE IF NOT EXISTS prompts_fts USING fts5(
			prompt_text,
			content='user_prompts',
			content_rowid='id'
		);

		CREATE TABLE IF NOT EXISTS observations (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			session_db_id     INTEGER NOT NULL,
			memory_session_id TEXT    NOT NULL,
			project           TEXT    NOT NULL,
			type              TEXT    NOT NULL,
			title             TEXT    NOT NULL,
			subtitle          TEXT    NOT NULL DEFAULT '',
			narrative         TEXT    NOT NULL DEFAULT '',
			facts             TEXT    NOT NULL DEFAULT '[]',
			concepts          TEXT    NOT NULL DEFAULT '[]',
			files_read        TEXT    NOT NULL DEFAULT '[]',
			files_modified    TEXT    NOT NULL DEFAULT '[]',
			tokens_used       INTEGER NOT NULL DEFAULT 0,
			created_at_epoch  INTEGER NOT NULL,
			cwd               TEXT    NOT NULL DEFAULT '',
			FOREIGN KEY (session_db_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_obs_session ON observations(session_db_id);
		CREATE INDEX IF NOT EXISTS idx_obs_project ON observations(project);
		CREATE INDEX IF NOT EXISTS idx_obs_type    ON observations(type);
		CREATE INDEX IF NOT EXISTS idx_obs_created ON observations(created_at_epoch DESC);

		CREATE VIRTUAL TABLE IF NOT EXISTS observations_fts USING fts5(
			title,
			subtitle,
			narrative,
			facts,
			concepts,
			type,
			project,
			content='observations',
			content_rowid='id'
		);

		CREATE TABLE IF NOT EXISTS summaries (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			session_db_id     INTEGER NOT NULL,
			memory_session_id TEXT    NOT NULL,
			project           TEXT    NOT NULL,
			request           TEXT    NOT NULL DEFAULT '',
			investigated      TEXT    NOT NULL DEFAULT '',
			learned           TEXT    NOT NULL DEFAULT '',
			completed         TEXT    NOT NULL DEFAULT '',
			next_steps        TEXT    NOT NULL DEFAULT '',
			notes             TEXT    NOT NULL DEFAULT '',
			created_at_epoch  INTEGER NOT NULL,
			FOREIGN KEY (session_db_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_sum_session ON summaries(session_db_id);
		CREATE INDEX IF NOT EXISTS idx_sum_project ON summaries(project);
		CREATE INDEX IF NOT EXISTS idx_sum_created ON summaries(created_at_epoch DESC);

		CREATE VIRTUAL TABLE IF NOT EXISTS summaries_fts USING fts5(
			request,
			investigated,
			learned,
			completed,
			next_steps,
			notes,
			project,
			content='summaries',
			content_rowid='id'
		);

		CREATE TABLE IF NOT EXISTS pending_messages (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			session_db_id      INTEGER NOT NULL,
			content_session_id TEXT    NOT NULL,
			message_type       TEXT    NOT NULL,
			payload            TEXT    NOT NULL,
			created_at_epoch   INTEGER NOT NULL,
			FOREIGN KEY (session_db_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_pending_session ON pending_messages(session_db_id, message_type, id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if err := s.ensureTriggers("obs_fts_insert", `
		CREATE TRIGGER obs_fts_insert AFTER INSERT ON observations BEGIN
			INSERT INTO observations_fts(rowid, title, subtitle, narrative, facts, concepts, type, project)
			VALUES (new.id, new.title, new.subtitle, new.narrative, new.facts, new.concepts, new.type, new.project);
		END;

		CREATE TRIGGER obs_fts_delete AFTER DELETE ON observations BEGIN
			INSERT INTO observations_fts(observations_fts, rowid, title, subtitle, narrative, facts, concepts, type, project)
			VALUES ('delete', old.id, old.title, old.subtitle, old.narrative, old.facts, old.concepts, old.type, old.project);
		END;
	`); err != nil {
		return err
	}

	if err := s.ensureTriggers("sum_fts_insert", `
		CREATE TRIGGER sum_fts_insert AFTER INSERT ON summaries BEGIN
			INSERT INTO summaries_fts(rowid, request, investigated, learned, completed, next_steps, notes, project)
			VALUES (new.id, new.request, new.investigated, new.learned, new.completed, new.next_steps, new.notes, new.project);
		END;

		CREATE TRIGGER sum_fts_delete AFTER DELETE ON summaries BEGIN
			INSERT INTO summaries_fts(summaries_fts, rowid, request, investigated, learned, completed, next_steps, notes, project)
			VALUES ('delete', old.id, old.request, old.investigated, old.learned, old.completed, old.next_steps, old.notes, old.project);
		END;
	`); err != nil {
		return err
	}

	return s.ensureTriggers("prompt_fts_insert", `
		CREATE TRIGGER prompt_fts_insert AFTER INSERT ON user_prompts BEGIN
			INSERT INTO prompts_fts(rowid, prompt_text)
			VALUES (new.id, new.prompt_text);
		END;

		CREATE TRIGGER prompt_fts_delete AFTER DELETE ON user_prompts BEGIN
			INSERT INTO prompts_fts(prompts_fts, rowid, prompt_text)
			VALUES ('delete', old.id, old.prompt_text);
		END;
	`)
}

func (s *Store) ensureTriggers(probe, ddl string) error {
	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='trigger' AND name=?", probe,
	).Scan(&name)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec(ddl); err != nil {
			return err
		}
		return nil
	}
	return err
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// sanitizeFTS wraps each word in quotes for safe FTS5 queries.
// "fix auth bug" → `"fix" "auth" "bug"`
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		w = strings.Trim(w, `"`)
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}

func marshalList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(data string) []string {
	if data == "" || data == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data), &items); err != nil {
		return nil
	}
	return items
}

// Truncate shortens a string to max length with ellipsis.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
