// Package ingest reads external transcript files incrementally and replays
// them into the worker's HTTP API. Each file has its own line checkpoint so
// re-runs are idempotent.
package ingest

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Transcript line variants. The on-disk formats use dynamic objects with
// optional fields; here every line decodes into one tagged variant with
// exhaustive handling.
const (
	lineSessionMeta  = "session_meta"
	lineEventMsg     = "event_msg"
	lineResponseItem = "response_item"

	eventUserMessage  = "user_message"
	eventAgentMessage = "agent_message"

	// PhaseFinalAnswer marks the assistant's definitive reply in a
	// response_item; commentary phases are lower priority for summaries.
	PhaseFinalAnswer = "final_answer"
)

// Record is one ingestible transcript entry.
type Record struct {
	SessionID string `json:"session_id"`
	Line      int    `json:"line"`
	Timestamp int64  `json:"ts"` // epoch millis, 0 when absent
	Text      string `json:"text"`
	Role      string `json:"role"`  // "user" or "agent"
	Phase     string `json:"phase"` // response_item phase, "" otherwise
	CWD       string `json:"cwd"`
}

// ParsedFile is the decoded content of one transcript file.
type ParsedFile struct {
	SessionID      string
	CWD            string
	Records        []Record
	MalformedLines int
	TotalLines     int
}

type rawLine struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	TS        int64           `json:"ts"`
	Payload   json.RawMessage `json:"payload"`

	// Legacy flat format fields.
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type sessionMetaPayload struct {
	ID  string `json:"id"`
	CWD string `json:"cwd"`
}

type eventMsgPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type responseItemPayload struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Phase   string `json:"phase"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ParseHistoryFileContents decodes a transcript file. Malformed lines are
// skipped and counted; both the legacy flat format and the structured
// session format are supported, line by line.
func ParseHistoryFileContents(contents string) *ParsedFile {
	out := &ParsedFile{}

	for i, line := range strings.Split(contents, "\n") {
		lineNo := i + 1
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		out.TotalLines++

		var raw rawLine
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			out.MalformedLines++
			continue
		}

		ts := raw.TS
		if ts == 0 && raw.Timestamp != "" {
			if parsed, err := time.Parse(time.RFC3339, raw.Timestamp); err == nil {
				ts = parsed.UnixMilli()
			}
		}

		switch raw.Type {
		case lineSessionMeta:
			var meta sessionMetaPayload
			if err := json.Unmarshal(raw.Payload, &meta); err != nil || meta.ID == "" {
				out.MalformedLines++
				continue
			}
			out.SessionID = meta.ID
			out.CWD = meta.CWD

		case lineEventMsg:
			var ev eventMsgPayload
			if err := json.Unmarshal(raw.Payload, &ev); err != nil {
				out.MalformedLines++
				continue
			}
			role := ""
			switch ev.Type {
			case eventUserMessage:
				role = "user"
			case eventAgentMessage:
				role = "agent"
			default:
				// Other event subtypes carry no ingestible text.
				continue
			}
			out.Records = append(out.Records, Record{
				SessionID: out.SessionID,
				Line:      lineNo,
				Timestamp: ts,
				Text:      ev.Message,
				Role:      role,
				CWD:       out.CWD,
			})

		case lineResponseItem:
			var item responseItemPayload
			if err := json.Unmarshal(raw.Payload, &item); err != nil {
				out.MalformedLines++
				continue
			}
			if item.Role != "assistant" {
				continue
			}
			var text strings.Builder
			for _, part := range item.Content {
				if part.Type == "output_text" {
					text.WriteString(part.Text)
				}
			}
			out.Records = append(out.Records, Record{
				SessionID: out.SessionID,
				Line:      lineNo,
				Timestamp: ts,
				Text:      text.String(),
				Role:      "agent",
				Phase:     item.Phase,
				CWD:       out.CWD,
			})

		default:
			// Legacy flat record: one object per line with session_id,
			// ts, text.
			if raw.SessionID == "" || raw.Text == "" {
				out.MalformedLines++
				continue
			}
			if out.SessionID == "" {
				out.SessionID = raw.SessionID
			}
			out.Records = append(out.Records, Record{
				SessionID: raw.SessionID,
				Line:      lineNo,
				Timestamp: ts,
				Text:      raw.Text,
				Role:      "user",
			})
		}
	}

	return out
}

// ─── Record selection ────────────────────────────────────────────────────────

// SelectOptions filters records before ingestion.
type SelectOptions struct {
	SinceTS       int64
	AfterLine     int // per-file checkpoint: only lines strictly greater
	IncludeSystem bool
	Limit         int // global cap, 0 = unlimited
}

var mcpTimeoutRe = regexp.MustCompile(`(?i)MCP (client|server).*(timed? ?out|failed to start)`)

// isSystemLine recognises system/warning output that is not a real user
// message.
func isSystemLine(text string) bool {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "⚠") || strings.HasPrefix(trimmed, "[experimental]") {
		return true
	}
	return mcpTimeoutRe.MatchString(trimmed)
}

// SelectRecordsForIngestion applies the ingestibility rules: non-empty user
// text, not a system line unless IncludeSystem, at or after SinceTS (records
// without a timestamp pass), strictly beyond the per-file checkpoint, sorted
// by line number, capped by Limit.
// Deterministic given its inputs; selecting with a finite limit yields a
// prefix of the unlimited selection.
func SelectRecordsForIngestion(records []Record, opts SelectOptions) []Record {
	var out []Record
	for _, r := range records {
		if r.Role != "user" {
			continue
		}
		if strings.TrimSpace(r.Text) == "" {
			continue
		}
		if !opts.IncludeSystem && isSystemLine(r.Text) {
			continue
		}
		if opts.SinceTS > 0 && r.Timestamp > 0 && r.Timestamp < opts.SinceTS {
			continue
		}
		if r.Line <= opts.AfterLine {
			continue
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Line < out[j].Line })

	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// LastAssistantMessage picks the summary source for a session: the latest
// response_item with phase final_answer wins over commentary agent messages;
// when no assistant text exists, the latest user text is used.
func LastAssistantMessage(records []Record) string {
	var finalAnswer, agentMsg, userMsg string
	for _, r := range records {
		switch {
		case r.Role == "agent" && r.Phase == PhaseFinalAnswer && strings.TrimSpace(r.Text) != "":
			finalAnswer = r.Text
		case r.Role == "agent" && strings.TrimSpace(r.Text) != "":
			agentMsg = r.Text
		case r.Role == "user" && strings.TrimSpace(r.Text) != "":
			userMsg = r.Text
		}
	}
	if finalAnswer != "" {
		return finalAnswer
	}
	if agentMsg != "" {
		return agentMsg
	}
	return userMsg
}
