// Package httpapi is the worker's single loopback HTTP frontend: ingestion,
// query, settings, stats, and the SSE event stream.
package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/codemem/codemem/internal/config"
	"github.com/codemem/codemem/internal/query"
	"github.com/codemem/codemem/internal/scheduler"
	"github.com/codemem/codemem/internal/store"
	"github.com/codemem/codemem/internal/vector"
)

// PIDFileName is the singleton lock in the data directory: "pid:port".
const PIDFileName = "worker.pid"

// processingStatusInterval paces the periodic status broadcast.
const processingStatusInterval = 5 * time.Second

// Server wires the HTTP surface to the worker internals.
type Server struct {
	app         *fiber.App
	store       *store.Store
	vectors     *vector.Index
	queries     *query.Engine
	settings    *config.Settings
	sched       *scheduler.Scheduler
	broadcaster *Broadcaster

	dataDir        string
	transcriptRoot string
	startedAt      time.Time
	stopStatus     chan struct{}
}

// Options configures the server.
type Options struct {
	Store          *store.Store
	Vectors        *vector.Index
	Queries        *query.Engine
	Settings       *config.Settings
	Scheduler      *scheduler.Scheduler
	DataDir        string
	TranscriptRoot string
}

// New creates the server and registers all routes.
func New(opts Options) *Server {
	s := &Server{
		store:          opts.Store,
		vectors:        opts.Vectors,
		queries:        opts.Queries,
		settings:       opts.Settings,
		sched:          opts.Scheduler,
		broadcaster:    NewBroadcaster(),
		dataDir:        opts.DataDir,
		transcriptRoot: opts.TranscriptRoot,
		startedAt:      time.Now(),
		stopStatus:     make(chan struct{}),
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
		ReadTimeout:           30 * time.Second,
	})
	s.app.Use(recover.New())
	s.app.Use(cors.New())

	s.routes()
	return s
}

// Broadcaster exposes the event bus for collaborators (the agent loop).
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

func (s *Server) routes() {
	s.app.Post("/sessions/init", s.handleSessionInit)
	s.app.Post("/sessions/:id/init", s.handleLegacySessionInit)
	s.app.Post("/sessions/observations", s.handleSessionObservations)
	s.app.Post("/sessions/summarize", s.handleSessionSummarize)
	s.app.Delete("/sessions/:id", s.handleSessionDelete)

	s.app.Get("/observations", s.handleObservationsPage)
	s.app.Get("/summaries", s.handleSummariesPage)
	s.app.Get("/prompts", s.handlePromptsPage)
	s.app.Post("/observations/batch", s.handleObservationsBatch)

	s.app.Get("/search", s.handleSearch)
	s.app.Get("/search/prompts", s.handleSearchPrompts)
	s.app.Get("/timeline", s.handleTimeline)

	s.app.Get("/projects", s.handleProjects)
	s.app.Get("/projects/diagnostics", s.handleProjectDiagnostics)

	s.app.Get("/settings", s.handleGetSettings)
	s.app.Put("/settings", s.handlePutSettings)

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/stats", s.handleStats)
	s.app.Get("/ollama/models", s.handleOllamaModels)

	s.app.Get("/events", s.handleEvents)
}

// Listen binds to the given host (127.0.0.1 when empty) and writes the
// singleton PID file. The host is not checked to be a loopback address.
// Blocks until Shutdown.
func (s *Server) Listen(host string, port int) error {
	if host == "" {
		host = "127.0.0.1"
	}
	if err := s.writePIDFile(port); err != nil {
		return err
	}

	go s.statusLoop()
	return s.app.Listen(fmt.Sprintf("%s:%d", host, port))
}

// Shutdown stops the server and removes the PID file.
func (s *Server) Shutdown() error {
	close(s.stopStatus)
	err := s.app.Shutdown()
	_ = os.Remove(filepath.Join(s.dataDir, PIDFileName))
	return err
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// statusLoop broadcasts processing_status with queue back-pressure hints.
func (s *Server) statusLoop() {
	ticker := time.NewTicker(processingStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopStatus:
			return
		case <-ticker.C:
			s.broadcastProcessingStatus()
		}
	}
}

func (s *Server) broadcastProcessingStatus() {
	age, err := s.store.OldestPendingAgeMs()
	if err != nil {
		return
	}
	depth, _ := s.store.PendingCount()
	s.broadcaster.Broadcast(EventProcessingStatus, fiber.Map{
		"oldestPendingAgeMs": age,
		"activeProviders":    s.sched.ActiveProviders(),
		"activeSessions":     s.sched.ActiveCount(),
		"queueDepth":         depth,
	})
}

// ─── Singleton lock ──────────────────────────────────────────────────────────

// writePIDFile refuses to start when another live worker holds the lock.
func (s *Server) writePIDFile(port int) error {
	path := filepath.Join(s.dataDir, PIDFileName)

	if data, err := os.ReadFile(path); err == nil {
		if pid, _, ok := parsePIDFile(string(data)); ok && processAlive(pid) {
			return fmt.Errorf("httpapi: worker already running (pid %d)", pid)
		}
		// Stale lock from a dead process.
		_ = os.Remove(path)
	}

	if err := os.MkdirAll(s.dataDir, 0700); err != nil {
		return err
	}
	contents := fmt.Sprintf("%d:%d", os.Getpid(), port)
	return os.WriteFile(path, []byte(contents), 0600)
}

func parsePIDFile(contents string) (pid, port int, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(contents), ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	pid, err1 := strconv.Atoi(parts[0])
	port, err2 := strconv.Atoi(parts[1])
	return pid, port, err1 == nil && err2 == nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(nil) == nil
}

// ─── Error envelope ──────────────────────────────────────────────────────────

// errorHandler maps errors to the compact JSON envelope.
func errorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{"error": fiberErr.Message})
	}

	var validationErr *config.ValidationError
	if errors.As(err, &validationErr) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": validationErr.Error()})
	}

	slog.Error("request failed", "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, format string, args ...any) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": fmt.Sprintf(format, args...)})
}

func notFound(c *fiber.Ctx, format string, args ...any) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": fmt.Sprintf(format, args...)})
}
