package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/codemem/codemem/internal/store"
)

// Mode is a small configuration bundle naming the allowed observation types
// and concept tags for a deployment.
type Mode struct {
	Name             string   `json:"name"`
	ObservationTypes []string `json:"observation_types"`
	Concepts         []string `json:"concepts"`
}

// DefaultMode returns the standard coding-session mode.
func DefaultMode() Mode {
	return Mode{
		Name:             "code",
		ObservationTypes: store.ObservationTypes,
		Concepts: []string{
			"architecture", "testing", "debugging", "performance",
			"configuration", "tooling", "refactoring", "security",
		},
	}
}

// AllowsType reports whether the mode permits an observation type.
func (m Mode) AllowsType(t string) bool {
	for _, v := range m.ObservationTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ─── Prompt builders ─────────────────────────────────────────────────────────

// BuildInitPrompt combines project, session id, the initial user prompt and
// the active mode into the first user turn of a memory conversation.
func BuildInitPrompt(sess *Session, mode Mode) string {
	var b strings.Builder
	b.WriteString("You are a memory distiller for coding sessions. You watch a developer's\n")
	b.WriteString("tool activity and record structured observations about what happened.\n\n")
	fmt.Fprintf(&b, "Project: %s\nSession: %s\nMode: %s\n\n", sess.Project, sess.ContentSessionID, mode.Name)
	fmt.Fprintf(&b, "Allowed observation types: %s\n", strings.Join(mode.ObservationTypes, ", "))
	fmt.Fprintf(&b, "Preferred concept tags: %s\n\n", strings.Join(mode.Concepts, ", "))
	b.WriteString("For each tool event I send, respond with zero or more <observation> blocks:\n\n")
	b.WriteString("<observation>\n")
	b.WriteString("<type>discovery</type>\n")
	b.WriteString("<title>short title</title>\n")
	b.WriteString("<subtitle>one line of context</subtitle>\n")
	b.WriteString("<narrative>what happened and why it matters</narrative>\n")
	b.WriteString("<fact>a single atomic fact</fact>\n")
	b.WriteString("<concept>tag</concept>\n")
	b.WriteString("<files_read>comma,separated,paths</files_read>\n")
	b.WriteString("<files_modified>comma,separated,paths</files_modified>\n")
	b.WriteString("</observation>\n\n")
	b.WriteString("When I ask for a summary, respond with exactly one <summary> block with\n")
	b.WriteString("sub-tags request, investigated, learned, completed, next_steps, notes.\n\n")
	if sess.InitialPrompt != "" {
		fmt.Fprintf(&b, "The user started the session with:\n%s\n", sess.InitialPrompt)
	}
	return b.String()
}

// ObservationPayload is the queued payload for an observation message.
type ObservationPayload struct {
	ToolName     string `json:"tool_name"`
	ToolInput    string `json:"tool_input"`
	ToolResponse string `json:"tool_response"`
	CWD          string `json:"cwd"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// SummarizePayload is the queued payload for a summarize message.
type SummarizePayload struct {
	LastAssistantMessage string `json:"last_assistant_message"`
}

// BuildObservationPrompt renders a tool-use event as a user turn.
func BuildObservationPrompt(p ObservationPayload) string {
	var b strings.Builder
	b.WriteString("Tool event:\n")
	fmt.Fprintf(&b, "tool: %s\n", p.ToolName)
	if p.CWD != "" {
		fmt.Fprintf(&b, "cwd: %s\n", p.CWD)
	}
	if p.Timestamp > 0 {
		fmt.Fprintf(&b, "at: %s\n", time.UnixMilli(p.Timestamp).UTC().Format(time.RFC3339))
	}
	if p.ToolInput != "" {
		fmt.Fprintf(&b, "input:\n%s\n", p.ToolInput)
	}
	fmt.Fprintf(&b, "response:\n%s\n", p.ToolResponse)
	b.WriteString("\nRecord any observations worth remembering.")
	return b.String()
}

// BuildSummaryPrompt renders a summarize request from the last assistant
// transcript message.
func BuildSummaryPrompt(p SummarizePayload) string {
	var b strings.Builder
	b.WriteString("The session turn has ended. ")
	if p.LastAssistantMessage != "" {
		b.WriteString("The assistant's final message was:\n\n")
		b.WriteString(p.LastAssistantMessage)
		b.WriteString("\n\n")
	}
	b.WriteString("Produce one <summary> block describing this session so far.")
	return b.String()
}
