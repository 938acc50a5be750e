// Package worker wires all components and runs the daemon.
//
// This is the composition root: it creates concrete implementations and
// injects them into the pieces that depend on abstractions. No business
// logic lives here — only wiring.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codemem/codemem/internal/agent"
	"github.com/codemem/codemem/internal/config"
	"github.com/codemem/codemem/internal/httpapi"
	"github.com/codemem/codemem/internal/migrate"
	"github.com/codemem/codemem/internal/query"
	"github.com/codemem/codemem/internal/scheduler"
	"github.com/codemem/codemem/internal/store"
	"github.com/codemem/codemem/internal/vector"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Worker is the assembled daemon.
type Worker struct {
	Settings *config.Settings
	Store    *store.Store
	Vectors  *vector.Index
	Queries  *query.Engine
	Sched    *scheduler.Scheduler
	HTTP     *httpapi.Server

	dataDir string
}

// Options tweaks assembly.
type Options struct {
	DataDir        string
	TranscriptRoot string
	// EmbeddingModel enables the vector index when non-empty.
	EmbeddingModel string
}

// New assembles the worker. The returned cleanup function closes the store
// and must be called on shutdown; it is always non-nil.
func New(opts Options) (*Worker, func(), error) {
	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = config.DataDir()
	}

	// One-shot legacy data-dir migration before anything opens files.
	if report, err := migrate.Run(migrate.Options{
		LegacyDir: config.LegacyDataDir(),
		TargetDir: dataDir,
	}); err != nil {
		slog.Warn("data dir migration failed", "error", err)
	} else if len(report.CopiedFiles) > 0 {
		slog.Info("migrated legacy data dir", "files", len(report.CopiedFiles))
	}

	settings := config.New(dataDir)

	storeCfg := store.DefaultConfig(dataDir)
	storeCfg.SessionCap = settings.GetInt(config.KeyQueueSessionCap)
	st, err := store.New(storeCfg)
	if err != nil {
		return nil, func() {}, fmt.Errorf("worker: open store: %w", err)
	}
	cleanup := func() {
		if err := st.Close(); err != nil {
			slog.Warn("store close", "error", err)
		}
	}

	var embedder vector.Embedder
	if opts.EmbeddingModel != "" {
		embedder = vector.NewOllamaEmbedder(settings.Get(config.KeyBaseURL), opts.EmbeddingModel, 30*time.Second)
	}
	vectors, err := vector.New(st.DB(), embedder)
	if err != nil {
		cleanup()
		return nil, func() {}, fmt.Errorf("worker: vector index: %w", err)
	}

	queries := query.New(st, vectors)

	w := &Worker{
		Settings: settings,
		Store:    st,
		Vectors:  vectors,
		Queries:  queries,
		dataDir:  dataDir,
	}

	w.Sched = scheduler.New(st, w.agentFactory, settings.GetInt(config.KeyAgentConcurrency))

	w.HTTP = httpapi.New(httpapi.Options{
		Store:          st,
		Vectors:        vectors,
		Queries:        queries,
		Settings:       settings,
		Scheduler:      w.Sched,
		DataDir:        dataDir,
		TranscriptRoot: opts.TranscriptRoot,
	})

	w.Sched.SetOnIdle(func(sessionDBID int64) {
		sess, err := st.GetSession(sessionDBID)
		if err != nil {
			return
		}
		w.HTTP.Broadcaster().Broadcast(httpapi.EventSessionCompleted, map[string]any{
			"contentSessionId": sess.ContentSessionID,
			"project":          sess.Project,
		})
	})

	return w, cleanup, nil
}

// agentFactory builds the provider chain from the current settings on every
// task start, so settings changes apply without a restart.
func (w *Worker) agentFactory() (agent.Agent, error) {
	deps := agent.Deps{
		Store:   w.Store,
		Vectors: w.Vectors,
		Mode:    agent.DefaultMode(),
		Notify: func(event string, payload map[string]any) {
			w.HTTP.Broadcaster().Broadcast(event, payload)
		},
	}

	timeout := time.Duration(w.Settings.GetInt(config.KeyTimeoutMs)) * time.Millisecond
	return agent.Build(deps, agent.Options{
		Provider: w.Settings.Get(config.KeyProvider),
		Policy:   agent.FallbackPolicy(w.Settings.Get(config.KeyFallbackPolicy)),
		Anthropic: agent.AnthropicConfig{
			APIKey:        w.Settings.Get(config.KeyAPIKey),
			Model:         w.Settings.Get(config.KeyModel),
			FallbackModel: "claude-haiku-4-5",
		},
		Ollama: agent.OllamaConfig{
			BaseURL:      w.Settings.Get(config.KeyBaseURL),
			Model:        w.Settings.Get(config.KeyModel),
			ContextSize:  w.Settings.GetInt(config.KeyContextSize),
			Temperature:  w.Settings.GetFloat(config.KeyTemperature),
			ExtraOptions: w.Settings.Get(config.KeyExtraOptions),
			Timeout:      timeout,
		},
		CLI: agent.CLIConfig{
			Model:           w.Settings.Get(config.KeyModel),
			ReasoningEffort: w.Settings.Get(config.KeyReasoningEffort),
			Timeout:         timeout,
		},
	})
}

// Run starts the HTTP server and resumes queued work. Blocks until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	// Crash recovery: sessions with queued messages resume immediately.
	w.Sched.KickPending()

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.HTTP.Listen(
			w.Settings.Get(config.KeyWorkerHost),
			w.Settings.GetInt(config.KeyWorkerPort),
		)
	}()

	select {
	case <-ctx.Done():
		w.Sched.Shutdown()
		return w.HTTP.Shutdown()
	case err := <-errCh:
		w.Sched.Shutdown()
		return err
	}
}
