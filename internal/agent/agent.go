// Package agent implements the LLM distillation pipeline: per-session agent
// loops that consume queued messages, call a provider with a growing
// conversation, parse XML-tagged responses into observations and summaries,
// and persist them.
//
// Providers are polymorphic over the same StartSession contract. Fallback is
// explicit composition of agents: on a fallback-eligible error the current
// agent hands the same Session — with its shared conversation history — to
// the fallback agent and returns.
package agent

import (
	"context"

	"github.com/codemem/codemem/internal/store"
)

// Turn is one conversation entry. History is a per-session ordered list of
// turns; ownership belongs to the Session — a handing-over agent is a
// consumer and must not mutate prior turns.
type Turn struct {
	Role string `json:"role"` // "user" or "assistant"
	Text string `json:"text"`
}

// Session is the runtime state handed between agents. The same value flows
// through a fallback chain so the subsequent provider sees the full turn
// list.
type Session struct {
	DBID             int64
	ContentSessionID string
	Project          string
	InitialPrompt    string
	MemorySessionID  string

	History []Turn

	// Replay holds messages that were claimed but not completed by a
	// failing provider. The fallback agent drains these before claiming
	// new work, so backlog order is preserved across the handover.
	Replay []*store.PendingMessage
}

// Append adds a turn to the history.
func (s *Session) Append(role, text string) {
	s.History = append(s.History, Turn{Role: role, Text: text})
}

// LastAssistantText returns the most recent assistant turn, or "".
func (s *Session) LastAssistantText() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == "assistant" {
			return s.History[i].Text
		}
	}
	return ""
}

// Usage is provider-reported token accounting.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// SplitTotal divides a provider-reported total into input/output using the
// 70/30 accounting heuristic, for providers that only report one number.
func SplitTotal(total int64) Usage {
	in := total * 70 / 100
	return Usage{InputTokens: in, OutputTokens: total - in}
}

// Agent consumes queued messages for one session until the queue drains.
type Agent interface {
	// Name identifies the provider variant ("anthropic", "ollama", "cli").
	Name() string
	// StartSession runs the agent loop for the session. It returns nil when
	// the queue is drained, ctx.Err() on cancellation, or an error that stops
	// the loop, such as a store failure. A provider error on one message is
	// logged and the loop moves on, unless the session is handed to the
	// fallback, in which case the fallback's result is returned.
	StartSession(ctx context.Context, sess *Session) error
	// SetFallback installs the agent used on fallback-eligible errors.
	SetFallback(next Agent)
}

// completer is the single provider-specific operation: produce the next
// assistant reply for the session's full history.
type completer interface {
	complete(ctx context.Context, sess *Session) (string, Usage, error)
}
