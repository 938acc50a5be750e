package agent

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/codemem/codemem/internal/store"
)

// Parsing contract: responses are expected to contain XML-tagged blocks.
// Missing required fields get defaults, malformed blocks are skipped with a
// warning, and at least one well-formed block counts the turn as productive.

var (
	observationBlockRe = regexp.MustCompile(`(?s)<observation>(.*?)</observation>`)
	summaryBlockRe     = regexp.MustCompile(`(?s)<summary>(.*?)</summary>`)
	factRe             = regexp.MustCompile(`(?s)<fact>(.*?)</fact>`)
	conceptRe          = regexp.MustCompile(`(?s)<concept>(.*?)</concept>`)
)

// ParsedReply holds everything extracted from one assistant response.
type ParsedReply struct {
	Observations []store.Observation
	Summary      *store.Summary
	Skipped      int // malformed blocks dropped
}

// Productive reports whether the reply contained at least one well-formed
// observation or a summary.
func (p *ParsedReply) Productive() bool {
	return len(p.Observations) > 0 || p.Summary != nil
}

// ParseReply extracts observation and summary blocks from a provider
// response.
func ParseReply(text string, mode Mode) *ParsedReply {
	out := &ParsedReply{}

	for _, m := range observationBlockRe.FindAllStringSubmatch(text, -1) {
		obs, ok := parseObservation(m[1], mode)
		if !ok {
			out.Skipped++
			slog.Warn("skipping malformed observation block")
			continue
		}
		out.Observations = append(out.Observations, obs)
	}

	if m := summaryBlockRe.FindStringSubmatch(text); m != nil {
		out.Summary = parseSummary(m[1])
	}

	return out
}

func parseObservation(block string, mode Mode) (store.Observation, bool) {
	obs := store.Observation{
		Type:     tagValue(block, "type"),
		Title:    tagValue(block, "title"),
		Subtitle: tagValue(block, "subtitle"),
	}

	// Title is the one genuinely required field; a block without it is
	// malformed rather than defaultable.
	if obs.Title == "" {
		return obs, false
	}

	if obs.Type == "" || !mode.AllowsType(obs.Type) {
		obs.Type = "discovery"
	}

	obs.Narrative = tagValue(block, "narrative")
	for _, f := range factRe.FindAllStringSubmatch(block, -1) {
		if v := strings.TrimSpace(f[1]); v != "" {
			obs.Facts = append(obs.Facts, v)
		}
	}
	for _, c := range conceptRe.FindAllStringSubmatch(block, -1) {
		if v := strings.TrimSpace(c[1]); v != "" {
			obs.Concepts = appendUnique(obs.Concepts, v)
		}
	}
	obs.FilesRead = splitPathList(tagValue(block, "files_read"))
	obs.FilesModified = splitPathList(tagValue(block, "files_modified"))
	return obs, true
}

func parseSummary(block string) *store.Summary {
	return &store.Summary{
		Request:      tagValue(block, "request"),
		Investigated: tagValue(block, "investigated"),
		Learned:      tagValue(block, "learned"),
		Completed:    tagValue(block, "completed"),
		NextSteps:    tagValue(block, "next_steps"),
		Notes:        tagValue(block, "notes"),
	}
}

// FallbackSummary synthesises a usable summary from an unstructured
// summarize reply, preserving the turn instead of failing it.
func FallbackSummary(initialPrompt, raw string) *store.Summary {
	return &store.Summary{
		Request: initialPrompt,
		Notes:   strings.TrimSpace(raw),
	}
}

// FallbackObservation synthesises an observation describing the raw tool
// event when a turn parsed empty, so memory is never lost.
func FallbackObservation(p ObservationPayload) store.Observation {
	title := "Tool event: " + p.ToolName
	if p.ToolName == "" {
		title = "Unparsed tool event"
	}
	return store.Observation{
		Type:      "discovery",
		Title:     title,
		Narrative: store.Truncate(p.ToolResponse, 2000),
		CWD:       p.CWD,
	}
}

func tagValue(block, tag string) string {
	re := regexp.MustCompile(`(?s)<` + tag + `>(.*?)</` + tag + `>`)
	if m := re.FindStringSubmatch(block); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

func splitPathList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
