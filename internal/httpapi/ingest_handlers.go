package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/codemem/codemem/internal/agent"
	"github.com/codemem/codemem/internal/store"
	"github.com/codemem/codemem/internal/textutil"
	"github.com/codemem/codemem/internal/vector"
)

// observerBootstrapPrefix recognises the preamble external observer tooling
// injects when it boots. Those payloads are accepted and ignored rather
// than persisted.
const observerBootstrapPrefix = "You are the observation agent"

type sessionInitBody struct {
	ContentSessionID string `json:"contentSessionId"`
	Project          string `json:"project"`
	Prompt           string `json:"prompt"`
	Platform         string `json:"platform"`
}

// handleSessionInit records the session and prompt, broadcasting new_prompt
// unless the prompt was private or the platform uses the legacy dual-entry
// path (claude-code broadcasts from /sessions/:id/init instead).
func (s *Server) handleSessionInit(c *fiber.Ctx) error {
	var body sessionInitBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	broadcast := body.Platform != "claude-code"
	return s.sessionInit(c, body, broadcast)
}

// handleLegacySessionInit is the path-parameter variant kept for older
// clients; it always broadcasts.
func (s *Server) handleLegacySessionInit(c *fiber.Ctx) error {
	var body sessionInitBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if body.ContentSessionID == "" {
		body.ContentSessionID = c.Params("id")
	}
	return s.sessionInit(c, body, true)
}

func (s *Server) sessionInit(c *fiber.Ctx, body sessionInitBody, broadcast bool) error {
	if body.ContentSessionID == "" {
		return badRequest(c, "contentSessionId is required")
	}

	// Prompts fully enclosed in <private> are accepted but never stored.
	if textutil.IsFullyPrivate(body.Prompt) {
		return c.JSON(fiber.Map{"skipped": true, "reason": "private"})
	}

	prompt := textutil.Clean(body.Prompt)
	sess, err := s.store.CreateOrGetSession(body.ContentSessionID, body.Platform, body.Project, prompt)
	if err != nil {
		return err
	}
	if prompt != "" {
		if _, err := s.store.AppendUserPrompt(body.ContentSessionID, prompt); err != nil {
			return err
		}
		if s.vectors.Enabled() {
			// Best-effort prompt indexing; the FTS backend stays
			// authoritative.
			go s.indexLatestPrompt(body.ContentSessionID, sess.Project)
		}
	}

	if broadcast {
		s.broadcaster.Broadcast(EventNewPrompt, fiber.Map{
			"contentSessionId": body.ContentSessionID,
			"project":          sess.Project,
			"prompt":           store.Truncate(prompt, 200),
		})
	}
	s.broadcaster.Broadcast(EventSessionStarted, fiber.Map{
		"contentSessionId": body.ContentSessionID,
		"project":          sess.Project,
	})

	return c.JSON(fiber.Map{"skipped": false})
}

type observationBody struct {
	ContentSessionID string          `json:"contentSessionId"`
	ToolName         string          `json:"tool_name"`
	ToolInput        json.RawMessage `json:"tool_input"`
	ToolResponse     json.RawMessage `json:"tool_response"`
	CWD              string          `json:"cwd"`
	Timestamp        int64           `json:"timestamp"`
}

func (s *Server) handleSessionObservations(c *fiber.Ctx) error {
	var body observationBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if body.ContentSessionID == "" {
		return badRequest(c, "contentSessionId is required")
	}

	response := rawToText(body.ToolResponse)
	if strings.HasPrefix(strings.TrimSpace(response), observerBootstrapPrefix) {
		return c.JSON(fiber.Map{"status": "skipped", "reason": "observer_bootstrap"})
	}

	sess, err := s.store.GetSessionByContentID(body.ContentSessionID)
	if err != nil {
		return notFound(c, "unknown session %q", body.ContentSessionID)
	}

	payload, err := json.Marshal(agent.ObservationPayload{
		ToolName:     body.ToolName,
		ToolInput:    rawToText(body.ToolInput),
		ToolResponse: textutil.Clean(response),
		CWD:          body.CWD,
		Timestamp:    body.Timestamp,
	})
	if err != nil {
		return err
	}

	if _, err := s.store.EnqueuePending(sess.ID, sess.ContentSessionID, store.MessageObservation, string(payload)); err != nil {
		if errors.Is(err, store.ErrQueueFull) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "session queue full, retry later",
			})
		}
		return err
	}

	s.broadcaster.Broadcast(EventObservationQueue, fiber.Map{
		"contentSessionId": sess.ContentSessionID,
		"toolName":         body.ToolName,
	})
	s.sched.Kick(sess)

	return c.JSON(fiber.Map{"status": "queued"})
}

type summarizeBody struct {
	ContentSessionID     string `json:"contentSessionId"`
	LastAssistantMessage string `json:"last_assistant_message"`
}

func (s *Server) handleSessionSummarize(c *fiber.Ctx) error {
	var body summarizeBody
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid JSON body")
	}
	if body.ContentSessionID == "" {
		return badRequest(c, "contentSessionId is required")
	}

	sess, err := s.store.GetSessionByContentID(body.ContentSessionID)
	if err != nil {
		return notFound(c, "unknown session %q", body.ContentSessionID)
	}

	payload, err := json.Marshal(agent.SummarizePayload{
		LastAssistantMessage: textutil.Clean(body.LastAssistantMessage),
	})
	if err != nil {
		return err
	}

	if _, err := s.store.EnqueuePending(sess.ID, sess.ContentSessionID, store.MessageSummarize, string(payload)); err != nil {
		if errors.Is(err, store.ErrQueueFull) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "session queue full, retry later",
			})
		}
		return err
	}

	s.broadcaster.Broadcast(EventSummarizeQueued, fiber.Map{
		"contentSessionId": sess.ContentSessionID,
	})
	s.sched.Kick(sess)

	return c.JSON(fiber.Map{"status": "queued"})
}

// handleSessionDelete aborts the session's agent task, if any.
func (s *Server) handleSessionDelete(c *fiber.Ctx) error {
	contentSessionID := c.Params("id")
	sess, err := s.store.GetSessionByContentID(contentSessionID)
	if err != nil {
		return notFound(c, "unknown session %q", contentSessionID)
	}

	aborted := s.sched.Abort(sess.ID)
	s.broadcaster.Broadcast(EventSessionCompleted, fiber.Map{
		"contentSessionId": contentSessionID,
		"aborted":          aborted,
	})
	return c.JSON(fiber.Map{"aborted": aborted})
}

// indexLatestPrompt embeds the newest prompt of a session into the vector
// index.
func (s *Server) indexLatestPrompt(contentSessionID, project string) {
	page, err := s.store.GetPromptsPage(project, 0, 5)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, p := range page.Rows {
		if p.ContentSessionID == contentSessionID {
			s.vectors.Upsert(ctx, vector.Record{
				Kind:    vector.KindPrompt,
				ID:      p.ID,
				Project: project,
				Text:    p.PromptText,
			}, p.CreatedAtEpoch)
			break
		}
	}
}

// rawToText renders a JSON value as plain text: strings verbatim, anything
// else as its JSON encoding.
func rawToText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func parseInt64(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
