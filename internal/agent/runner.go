package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/codemem/codemem/internal/store"
	"github.com/codemem/codemem/internal/vector"
	"github.com/google/uuid"
)

// newMemorySessionID is a package-level var to allow test injection.
var newMemorySessionID = func() string { return uuid.NewString() }

// Deps carries the shared collaborators every agent variant needs.
type Deps struct {
	Store   *store.Store
	Vectors *vector.Index
	Mode    Mode
	// Notify broadcasts a worker event; may be nil.
	Notify func(event string, payload map[string]any)
}

func (d Deps) notify(event string, payload map[string]any) {
	if d.Notify != nil {
		d.Notify(event, payload)
	}
}

// runner is the provider-agnostic agent loop shared by every variant. It
// claims messages, drives the conversation, parses replies and persists
// results. The only provider-specific behaviour is the completer.
type runner struct {
	deps     Deps
	name     string
	fallback Agent
}

func (r *runner) SetFallback(next Agent) { r.fallback = next }

// run processes the session queue until drained. On a fallback-eligible
// provider error the same Session — including the claimed message — is
// handed to the fallback agent, which replays it before new work.
func (r *runner) run(ctx context.Context, sess *Session, c completer) error {
	if err := r.ensureMemorySession(sess); err != nil {
		return err
	}
	if len(sess.History) == 0 {
		sess.Append("user", BuildInitPrompt(sess, r.deps.Mode))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := r.nextMessage(sess)
		if err != nil {
			return err
		}
		if msg == nil {
			// Drained. Re-check once: an enqueue may have raced the last
			// claim.
			msg, err = r.deps.Store.ClaimAndDelete(sess.DBID)
			if err != nil {
				return err
			}
			if msg == nil {
				return nil
			}
		}

		if err := r.processMessage(ctx, sess, c, msg); err != nil {
			if ctx.Err() != nil {
				// Abort: no commit for the current turn.
				return ctx.Err()
			}
			if IsFallbackEligible(err) && r.fallback != nil {
				slog.Warn("provider failed, handing session to fallback",
					"provider", r.name, "fallback", r.fallback.Name(), "error", err)
				sess.Replay = append(sess.Replay, msg)
				return r.fallback.StartSession(ctx, sess)
			}
			// A single bad message never kills the session: log, count,
			// continue.
			slog.Error("message processing failed", "provider", r.name,
				"session", sess.ContentSessionID, "type", msg.MessageType, "error", err)
		}
	}
}

// nextMessage prefers replayed messages left over from a failed provider.
func (r *runner) nextMessage(sess *Session) (*store.PendingMessage, error) {
	if len(sess.Replay) > 0 {
		msg := sess.Replay[0]
		sess.Replay = sess.Replay[1:]
		return msg, nil
	}
	return r.deps.Store.ClaimAndDelete(sess.DBID)
}

func (r *runner) ensureMemorySession(sess *Session) error {
	if sess.MemorySessionID != "" {
		return nil
	}
	stored, err := r.deps.Store.GetSession(sess.DBID)
	if err != nil {
		return fmt.Errorf("agent: load session: %w", err)
	}
	if stored.MemorySessionID != "" {
		sess.MemorySessionID = stored.MemorySessionID
		return nil
	}
	id := newMemorySessionID()
	if err := r.deps.Store.SetMemorySessionID(sess.DBID, id); err != nil {
		return err
	}
	// Re-read in case a concurrent assignment won; the stored id is
	// authoritative once set.
	stored, err = r.deps.Store.GetSession(sess.DBID)
	if err != nil {
		return err
	}
	sess.MemorySessionID = stored.MemorySessionID
	return nil
}

func (r *runner) processMessage(ctx context.Context, sess *Session, c completer, msg *store.PendingMessage) error {
	switch msg.MessageType {
	case store.MessageObservation:
		return r.processObservation(ctx, sess, c, msg)
	case store.MessageSummarize:
		return r.processSummarize(ctx, sess, c, msg)
	default:
		return fmt.Errorf("agent: unknown message type %q", msg.MessageType)
	}
}

func (r *runner) processObservation(ctx context.Context, sess *Session, c completer, msg *store.PendingMessage) error {
	var payload ObservationPayload
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("agent: decode observation payload: %w", err)
	}

	sess.Append("user", BuildObservationPrompt(payload))
	reply, usage, err := c.complete(ctx, sess)
	if err != nil {
		// Drop the just-appended turn so a replaying fallback provider
		// rebuilds it without duplication. Prior turns are untouched.
		sess.History = sess.History[:len(sess.History)-1]
		return err
	}
	sess.Append("assistant", reply)

	parsed := ParseReply(reply, r.deps.Mode)
	observations := parsed.Observations
	if len(observations) == 0 {
		// parse-empty: store a synthetic observation so memory is never
		// lost; counts as productive.
		observations = []store.Observation{FallbackObservation(payload)}
	}
	for i := range observations {
		observations[i].TokensUsed = usage.Total()
		observations[i].CWD = payload.CWD
	}

	res, err := r.deps.Store.StoreObservations(sess.DBID, sess.MemorySessionID, sess.Project, observations, parsed.Summary, msg.CreatedAtEpoch)
	if err != nil {
		return err
	}
	r.indexObservations(ctx, sess, observations, res)
	r.deps.notify("session_observed", map[string]any{
		"contentSessionId": sess.ContentSessionID,
		"observationIds":   res.ObservationIDs,
	})
	return nil
}

func (r *runner) processSummarize(ctx context.Context, sess *Session, c completer, msg *store.PendingMessage) error {
	var payload SummarizePayload
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("agent: decode summarize payload: %w", err)
	}

	sess.Append("user", BuildSummaryPrompt(payload))
	reply, _, err := c.complete(ctx, sess)
	if err != nil {
		sess.History = sess.History[:len(sess.History)-1]
		return err
	}
	sess.Append("assistant", reply)

	parsed := ParseReply(reply, r.deps.Mode)
	summary := parsed.Summary
	if summary == nil {
		summary = FallbackSummary(sess.InitialPrompt, reply)
	}
	if summary.Request == "" {
		summary.Request = sess.InitialPrompt
	}

	res, err := r.deps.Store.StoreObservations(sess.DBID, sess.MemorySessionID, sess.Project, parsed.Observations, summary, msg.CreatedAtEpoch)
	if err != nil {
		return err
	}
	if r.deps.Vectors.Enabled() && res.SummaryID != 0 {
		r.deps.Vectors.Upsert(ctx, vector.Record{
			Kind:    vector.KindSummary,
			ID:      res.SummaryID,
			Project: sess.Project,
			Text:    summary.Request + "\n" + summary.Completed + "\n" + summary.Notes,
		}, res.CreatedAtEpoch)
	}
	r.deps.notify("session_summarized", map[string]any{
		"contentSessionId": sess.ContentSessionID,
	})
	return nil
}

func (r *runner) indexObservations(ctx context.Context, sess *Session, observations []store.Observation, res *store.StoreObservationsResult) {
	if !r.deps.Vectors.Enabled() {
		return
	}
	for i, id := range res.ObservationIDs {
		if i >= len(observations) {
			break
		}
		o := observations[i]
		r.deps.Vectors.Upsert(ctx, vector.Record{
			Kind:    vector.KindObservation,
			ID:      id,
			Project: sess.Project,
			Text:    o.Title + "\n" + o.Subtitle + "\n" + o.Narrative,
		}, res.CreatedAtEpoch)
	}
}
