package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SessionIDPrefix namespaces transcript-derived sessions in the worker.
const SessionIDPrefix = "codex-"

// ToolName tags transcript-derived observations.
const ToolName = "CodexHistoryEntry"

// EngineOptions configures one ingestion run.
type EngineOptions struct {
	// Workspace is the fallback project directory when a record carries no
	// cwd of its own.
	Workspace     string
	SkipSummaries bool
	IncludeSystem bool
	SinceTS       int64
	Limit         int
}

// RunReport summarises one ingestion run.
type RunReport struct {
	FilesScanned   int `json:"files_scanned"`
	RecordsSent    int `json:"records_sent"`
	MalformedLines int `json:"malformed_lines"`
	SummariesSent  int `json:"summaries_sent"`
}

// Engine replays transcript files into the worker over HTTP.
type Engine struct {
	client      *WorkerClient
	checkpoints *CheckpointStore
	opts        EngineOptions
}

// NewEngine creates an ingestion engine.
func NewEngine(client *WorkerClient, checkpoints *CheckpointStore, opts EngineOptions) *Engine {
	return &Engine{client: client, checkpoints: checkpoints, opts: opts}
}

// initRequest mirrors POST /sessions/init.
type initRequest struct {
	ContentSessionID string `json:"contentSessionId"`
	Project          string `json:"project"`
	Prompt           string `json:"prompt"`
	Platform         string `json:"platform"`
}

// observationRequest mirrors POST /sessions/observations.
type observationRequest struct {
	ContentSessionID string `json:"contentSessionId"`
	ToolName         string `json:"tool_name"`
	ToolInput        string `json:"tool_input,omitempty"`
	ToolResponse     string `json:"tool_response"`
	CWD              string `json:"cwd,omitempty"`
	SourcePath       string `json:"source_path,omitempty"`
	SourceLine       int    `json:"source_line,omitempty"`
	Timestamp        int64  `json:"timestamp,omitempty"`
}

// summarizeRequest mirrors POST /sessions/summarize.
type summarizeRequest struct {
	ContentSessionID     string `json:"contentSessionId"`
	LastAssistantMessage string `json:"last_assistant_message"`
}

// Run ingests every transcript file under root, oldest mtime first. On any
// record failure the engine stops at that record and leaves the file's
// checkpoint at the last success, so the next run resumes idempotently.
func (e *Engine) Run(ctx context.Context, root string) (*RunReport, error) {
	paths, err := listTranscriptFiles(root)
	if err != nil {
		return nil, err
	}

	report := &RunReport{}
	for _, path := range paths {
		report.FilesScanned++
		if err := e.runFile(ctx, path, report); err != nil {
			// Persist whatever advanced before the failure.
			if saveErr := e.checkpoints.Save(); saveErr != nil {
				slog.Error("ingest: save checkpoints after failure", "error", saveErr)
			}
			return report, fmt.Errorf("ingest: %s: %w", path, err)
		}
	}

	if err := e.checkpoints.Save(); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) runFile(ctx context.Context, path string, report *RunReport) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	parsed := ParseHistoryFileContents(string(contents))
	report.MalformedLines += parsed.MalformedLines
	if parsed.SessionID == "" {
		// Nothing attributable to a session; skip the file entirely.
		return nil
	}

	selected := SelectRecordsForIngestion(parsed.Records, SelectOptions{
		SinceTS:       e.opts.SinceTS,
		AfterLine:     e.checkpoints.Get(path),
		IncludeSystem: e.opts.IncludeSystem,
		Limit:         e.opts.Limit,
	})
	if len(selected) == 0 {
		return nil
	}

	contentSessionID := SessionIDPrefix + parsed.SessionID
	project := e.projectFor(parsed.CWD)

	// One init per file; the worker is idempotent on contentSessionId.
	if err := e.client.PostJSONWithRetry(ctx, "/sessions/init", initRequest{
		ContentSessionID: contentSessionID,
		Project:          project,
		Prompt:           selected[0].Text,
		Platform:         "transcript",
	}, nil); err != nil {
		return err
	}

	for _, rec := range selected {
		if err := e.client.PostJSONWithRetry(ctx, "/sessions/observations", observationRequest{
			ContentSessionID: contentSessionID,
			ToolName:         ToolName,
			ToolResponse:     rec.Text,
			CWD:              e.cwdFor(rec),
			SourcePath:       path,
			SourceLine:       rec.Line,
			Timestamp:        rec.Timestamp,
		}, nil); err != nil {
			return err
		}
		e.checkpoints.Advance(path, rec.Line)
		report.RecordsSent++
	}

	if !e.opts.SkipSummaries {
		if err := e.client.PostJSONWithRetry(ctx, "/sessions/summarize", summarizeRequest{
			ContentSessionID:     contentSessionID,
			LastAssistantMessage: LastAssistantMessage(parsed.Records),
		}, nil); err != nil {
			return err
		}
		report.SummariesSent++
	}

	return nil
}

func (e *Engine) projectFor(cwd string) string {
	if cwd == "" {
		cwd = e.opts.Workspace
	}
	if cwd == "" {
		return "unknown"
	}
	return filepath.Base(cwd)
}

func (e *Engine) cwdFor(rec Record) string {
	if rec.CWD != "" {
		return rec.CWD
	}
	return e.opts.Workspace
}

// listTranscriptFiles collects *.jsonl files under root, mtime ascending.
func listTranscriptFiles(root string) ([]string, error) {
	type fileInfo struct {
		path  string
		mtime int64
	}
	var files []fileInfo

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, fileInfo{path: path, mtime: info.ModTime().UnixNano()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: scan %s: %w", root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mtime < files[j].mtime })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}

// ─── Project discovery ───────────────────────────────────────────────────────

// DiscoveryResult lists projects seen in transcripts, ingested or not.
type DiscoveryResult struct {
	Projects     []string `json:"projects"`
	ScannedFiles int      `json:"scannedFiles"`
}

// DiscoverSessionProjects scans the transcript root and returns the set of
// project names that have at least one user message in any session. The
// viewer diffs this against ingested projects to surface "discovered but
// not ingested".
func DiscoverSessionProjects(root string) (*DiscoveryResult, error) {
	paths, err := listTranscriptFiles(root)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	result := &DiscoveryResult{}
	for _, path := range paths {
		contents, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		result.ScannedFiles++

		parsed := ParseHistoryFileContents(string(contents))
		if parsed.CWD == "" {
			continue
		}
		for _, rec := range parsed.Records {
			if rec.Role == "user" && strings.TrimSpace(rec.Text) != "" {
				project := filepath.Base(parsed.CWD)
				if !seen[project] {
					seen[project] = true
					result.Projects = append(result.Projects, project)
				}
				break
			}
		}
	}

	sort.Strings(result.Projects)
	return result, nil
}
