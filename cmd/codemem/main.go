// codemem: local-first coding-session memory worker.
//
// A long-running loopback HTTP daemon that ingests prompts and tool-use
// events from coding sessions, distills them into searchable observations
// and summaries, and serves search/timeline/context queries to the host
// tool and the viewer.
//
// Usage:
//
//	codemem serve                      # Start the worker daemon
//	codemem ingest <transcript-dir>    # Replay transcript files into the worker
//	codemem migrate-data               # One-shot legacy data-dir migration
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codemem/codemem/internal/config"
	"github.com/codemem/codemem/internal/ingest"
	"github.com/codemem/codemem/internal/logging"
	"github.com/codemem/codemem/internal/migrate"
	"github.com/codemem/codemem/internal/worker"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// Optional .env next to the working directory; absence is fine.
	_ = godotenv.Load()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe()
	case "ingest":
		err = runIngest(os.Args[2:])
	case "migrate-data":
		err = runMigrate(os.Args[2:])
	case "--help", "-h", "help":
		printUsage()
	case "--version", "-v", "version":
		fmt.Printf("codemem v%s\n", worker.Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe() error {
	dataDir := config.DataDir()
	closeLogs, err := logging.InitWorker(dataDir, slog.LevelInfo)
	if err != nil {
		return err
	}
	defer closeLogs()

	w, cleanup, err := worker.New(worker.Options{
		DataDir:        dataDir,
		TranscriptRoot: transcriptRoot(),
	})
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	slog.Info("worker starting",
		"version", worker.Version,
		"port", w.Settings.GetInt(config.KeyWorkerPort),
		"dataDir", dataDir)
	return w.Run(ctx)
}

func runIngest(args []string) error {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	workspace := fs.String("workspace", "", "fallback project directory for records without a cwd")
	skipSummaries := fs.Bool("skip-summaries", false, "do not emit summarize requests")
	includeSystem := fs.Bool("include-system", false, "ingest system/warning lines too")
	since := fs.String("since", "", "only records at or after this RFC3339 time")
	limit := fs.Int("limit", 0, "cap on records per run, 0 = unlimited")
	watch := fs.Bool("watch", false, "keep running and re-ingest on file changes")
	workerURL := fs.String("worker", "", "worker base URL (default from settings)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: codemem ingest [flags] <transcript-dir>")
	}
	root := fs.Arg(0)

	logging.InitBridge(slog.LevelInfo)

	var sinceTS int64
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		sinceTS = t.UnixMilli()
	}

	dataDir := config.DataDir()
	settings := config.New(dataDir)
	baseURL := *workerURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://%s:%d",
			settings.Get(config.KeyWorkerHost), settings.GetInt(config.KeyWorkerPort))
	}

	checkpoints, err := ingest.LoadCheckpoints(dataDir)
	if err != nil {
		return err
	}

	engine := ingest.NewEngine(
		ingest.NewWorkerClient(baseURL, ingest.DefaultRetryPolicy()),
		checkpoints,
		ingest.EngineOptions{
			Workspace:     *workspace,
			SkipSummaries: *skipSummaries,
			IncludeSystem: *includeSystem,
			SinceTS:       sinceTS,
			Limit:         *limit,
		},
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	report, err := engine.Run(ctx, root)
	if report != nil {
		slog.Info("ingestion run complete",
			"files", report.FilesScanned,
			"records", report.RecordsSent,
			"summaries", report.SummariesSent,
			"malformed", report.MalformedLines)
	}
	if err != nil {
		return err
	}

	if *watch {
		slog.Info("watching for transcript changes", "root", root)
		if err := engine.Watch(ctx, root, 0); err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate-data", flag.ExitOnError)
	dryRun := fs.Bool("dry-run", false, "print the plan without creating the destination")
	force := fs.Bool("force", false, "overwrite files that already exist")
	if err := fs.Parse(args); err != nil {
		return err
	}

	report, err := migrate.Run(migrate.Options{
		LegacyDir: config.LegacyDataDir(),
		TargetDir: config.DataDir(),
		DryRun:    *dryRun,
		Force:     *force,
	})
	if err != nil {
		return err
	}

	if *dryRun {
		fmt.Printf("Would copy %d file(s) from %s to %s:\n", len(report.CopiedFiles), report.LegacyDir, report.TargetDir)
		for _, f := range report.CopiedFiles {
			fmt.Printf("  %s\n", f)
		}
		return nil
	}
	fmt.Printf("Copied %d file(s), skipped %d.\n", len(report.CopiedFiles), len(report.Skipped))
	return nil
}

// transcriptRoot resolves the default transcript directory scanned for
// project diagnostics.
func transcriptRoot() string {
	if v := os.Getenv("CODEMEM_TRANSCRIPT_ROOT"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.codex/sessions"
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `codemem v%s — coding-session memory worker

Usage:
  codemem serve                     Start the worker daemon (loopback HTTP + SSE)
  codemem ingest [flags] <dir>      Replay transcript files into the worker
  codemem migrate-data [flags]      One-shot legacy data-dir migration
  codemem version                   Print the version

Ingest flags:
  --workspace <dir>    Fallback project directory for records without a cwd
  --skip-summaries     Do not emit summarize requests
  --include-system     Ingest system/warning lines too
  --since <rfc3339>    Only records at or after this time
  --limit <n>          Cap on records per run
  --watch              Keep running and re-ingest on file changes
`, worker.Version)
}
