package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const structuredTranscript = `{"type":"session_meta","ts":1000,"payload":{"id":"sess-1","cwd":"/u/dev/project-alpha"}}
{"type":"event_msg","ts":2000,"payload":{"type":"user_message","message":"please fix the login bug"}}
not json at all
{"type":"event_msg","ts":3000,"payload":{"type":"agent_message","message":"working on it"}}
{"type":"response_item","ts":4000,"payload":{"type":"message","role":"assistant","phase":"commentary","content":[{"type":"output_text","text":"thinking..."}]}}
{"type":"response_item","ts":5000,"payload":{"type":"message","role":"assistant","phase":"final_answer","content":[{"type":"output_text","text":"fixed in auth.go"}]}}
{"type":"event_msg","ts":6000,"payload":{"type":"user_message","message":"⚠ plugin warning, ignore"}}
{"type":"event_msg","ts":7000,"payload":{"type":"user_message","message":""}}
`

func TestParseHistoryFileContentsStructured(t *testing.T) {
	parsed := ParseHistoryFileContents(structuredTranscript)

	assert.Equal(t, "sess-1", parsed.SessionID)
	assert.Equal(t, "/u/dev/project-alpha", parsed.CWD)
	assert.Equal(t, 1, parsed.MalformedLines)
	require.Len(t, parsed.Records, 6)

	assert.Equal(t, "user", parsed.Records[0].Role)
	assert.Equal(t, 2, parsed.Records[0].Line)
	assert.Equal(t, int64(2000), parsed.Records[0].Timestamp)
	assert.Equal(t, "/u/dev/project-alpha", parsed.Records[0].CWD)

	assert.Equal(t, "agent", parsed.Records[2].Role)
	assert.Equal(t, "commentary", parsed.Records[2].Phase)
	assert.Equal(t, PhaseFinalAnswer, parsed.Records[3].Phase)
}

func TestParseHistoryFileContentsLegacy(t *testing.T) {
	legacy := `{"session_id":"old-1","ts":100,"text":"first prompt"}
{"session_id":"old-1","ts":200,"text":"second prompt"}
{"broken":"line"}
`
	parsed := ParseHistoryFileContents(legacy)
	assert.Equal(t, "old-1", parsed.SessionID)
	assert.Equal(t, 1, parsed.MalformedLines)
	require.Len(t, parsed.Records, 2)
	assert.Equal(t, "user", parsed.Records[0].Role)
	assert.Equal(t, "first prompt", parsed.Records[0].Text)
}

func TestSelectRecordsForIngestion(t *testing.T) {
	parsed := ParseHistoryFileContents(structuredTranscript)

	selected := SelectRecordsForIngestion(parsed.Records, SelectOptions{})
	// Only the one real user message: the warning line and the empty
	// message are filtered, agent records are not ingestible.
	require.Len(t, selected, 1)
	assert.Equal(t, "please fix the login bug", selected[0].Text)

	// includeSystem admits the warning line.
	selected = SelectRecordsForIngestion(parsed.Records, SelectOptions{IncludeSystem: true})
	assert.Len(t, selected, 2)

	// Checkpoint filters strictly greater line numbers.
	selected = SelectRecordsForIngestion(parsed.Records, SelectOptions{AfterLine: 2})
	assert.Empty(t, selected)

	// since_ts filter.
	selected = SelectRecordsForIngestion(parsed.Records, SelectOptions{SinceTS: 2500})
	assert.Empty(t, selected)
}

func TestSelectLimitIsPrefix(t *testing.T) {
	records := []Record{
		{Role: "user", Line: 3, Text: "c"},
		{Role: "user", Line: 1, Text: "a"},
		{Role: "user", Line: 2, Text: "b"},
	}

	all := SelectRecordsForIngestion(records, SelectOptions{})
	limited := SelectRecordsForIngestion(records, SelectOptions{Limit: 2})

	require.Len(t, all, 3)
	require.Len(t, limited, 2)
	assert.Equal(t, all[:2], limited)
	// Sorted by line number.
	assert.Equal(t, 1, all[0].Line)
	assert.Equal(t, 3, all[2].Line)
}

func TestIsSystemLine(t *testing.T) {
	assert.True(t, isSystemLine("⚠ something went wrong"))
	assert.True(t, isSystemLine("[experimental] feature flag"))
	assert.True(t, isSystemLine("MCP client for `browser` failed to start"))
	assert.True(t, isSystemLine("MCP server timed out after 30s"))
	assert.False(t, isSystemLine("fix the MCP integration in our app"))
	assert.False(t, isSystemLine("regular prompt"))
}

func TestLastAssistantMessage(t *testing.T) {
	parsed := ParseHistoryFileContents(structuredTranscript)
	// final_answer beats commentary and agent_message.
	assert.Equal(t, "fixed in auth.go", LastAssistantMessage(parsed.Records))

	// Without a final answer, the agent message wins.
	noFinal := []Record{
		{Role: "user", Text: "question"},
		{Role: "agent", Text: "partial answer"},
	}
	assert.Equal(t, "partial answer", LastAssistantMessage(noFinal))

	// With no assistant text at all, fall back to the user text.
	onlyUser := []Record{{Role: "user", Text: "just me"}}
	assert.Equal(t, "just me", LastAssistantMessage(onlyUser))
}
