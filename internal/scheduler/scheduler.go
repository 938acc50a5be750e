// Package scheduler runs at most one agent task per session with a global
// concurrency cap. Excess sessions wait FIFO by their earliest enqueued
// message.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"github.com/codemem/codemem/internal/agent"
	"github.com/codemem/codemem/internal/store"
)

// AgentFactory builds a fresh agent chain for one session run. A fresh
// chain per task keeps provider state (rate limiters excepted) isolated.
type AgentFactory func() (agent.Agent, error)

// Scheduler owns the per-session task map.
type Scheduler struct {
	store   *store.Store
	factory AgentFactory

	mu      sync.Mutex
	active  map[int64]context.CancelFunc
	slots   chan struct{}
	wg      sync.WaitGroup
	closed  bool
	baseCtx context.Context
	cancel  context.CancelFunc

	// providers currently running, for processing_status events.
	providers map[int64]string

	// onIdle is invoked when a session task finishes; used to admit the
	// next waiting session and to broadcast status. May be nil.
	onIdle func(sessionDBID int64)
}

// New creates a scheduler with the given global concurrency cap.
func New(st *store.Store, factory AgentFactory, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     st,
		factory:   factory,
		active:    make(map[int64]context.CancelFunc),
		providers: make(map[int64]string),
		slots:     make(chan struct{}, concurrency),
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// SetOnIdle installs the completion callback.
func (s *Scheduler) SetOnIdle(fn func(sessionDBID int64)) {
	s.mu.Lock()
	s.onIdle = fn
	s.mu.Unlock()
}

// Kick starts an agent task for the session if none is active and queued
// work exists. Safe to call on every ingest.
func (s *Scheduler) Kick(sess *store.Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, running := s.active[sess.ID]; running {
		s.mu.Unlock()
		return
	}

	taskCtx, cancelTask := context.WithCancel(s.baseCtx)
	s.active[sess.ID] = cancelTask
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runTask(taskCtx, cancelTask, sess)
}

// KickPending admits every session with queued work, earliest first. Called
// on startup so crash recovery resumes in-flight work, and after each task
// completes.
func (s *Scheduler) KickPending() {
	ids, err := s.store.SessionsWithPending()
	if err != nil {
		slog.Error("scheduler: list pending sessions", "error", err)
		return
	}
	for _, id := range ids {
		sess, err := s.store.GetSession(id)
		if err != nil {
			continue
		}
		s.Kick(sess)
	}
}

func (s *Scheduler) runTask(ctx context.Context, cancelTask context.CancelFunc, sess *store.Session) {
	defer s.wg.Done()
	defer cancelTask()

	// Global cap: block for a slot, FIFO by goroutine admission order.
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		s.finish(sess.ID, false)
		return
	}
	defer func() { <-s.slots }()

	a, err := s.factory()
	if err != nil {
		slog.Error("scheduler: build agent", "session", sess.ContentSessionID, "error", err)
		// No re-kick: a persistently failing factory must not spin the
		// scheduler.
		s.finish(sess.ID, false)
		return
	}

	s.mu.Lock()
	s.providers[sess.ID] = a.Name()
	s.mu.Unlock()

	run := &agent.Session{
		DBID:             sess.ID,
		ContentSessionID: sess.ContentSessionID,
		Project:          sess.Project,
		InitialPrompt:    sess.InitialPrompt,
		MemorySessionID:  sess.MemorySessionID,
	}

	if err := a.StartSession(ctx, run); err != nil && ctx.Err() == nil {
		slog.Error("scheduler: agent task failed", "session", sess.ContentSessionID, "error", err)
	}

	// An aborted task is not re-kicked: its queued work waits for the next
	// Kick instead of restarting the task that was just cancelled.
	s.finish(sess.ID, ctx.Err() == nil)
}

func (s *Scheduler) finish(sessionDBID int64, rekick bool) {
	s.mu.Lock()
	delete(s.active, sessionDBID)
	delete(s.providers, sessionDBID)
	onIdle := s.onIdle
	closed := s.closed
	s.mu.Unlock()

	if onIdle != nil {
		onIdle(sessionDBID)
	}
	if rekick && !closed {
		// A waiting session may now fit under the cap.
		go s.KickPending()
	}
}

// Abort cancels the active task for a session, if any. The agent stops at
// its next suspension point without committing the current turn.
func (s *Scheduler) Abort(sessionDBID int64) bool {
	s.mu.Lock()
	cancelTask, ok := s.active[sessionDBID]
	s.mu.Unlock()
	if ok {
		cancelTask()
	}
	return ok
}

// ActiveCount returns the number of running agent tasks.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ActiveProviders returns the distinct provider names currently running.
func (s *Scheduler) ActiveProviders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, name := range s.providers {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Shutdown cancels every task and waits for them to release their slots.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}
