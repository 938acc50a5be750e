package query

import (
	"context"
	"testing"

	"github.com/codemem/codemem/internal/store"
	"github.com/codemem/codemem/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.New(store.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	vecs, err := vector.New(st.DB(), nil)
	require.NoError(t, err)
	return New(st, vecs), st
}

func seedObservations(t *testing.T, st *store.Store) []int64 {
	t.Helper()
	sess, err := st.CreateOrGetSession("sid", "", "codex-mem", "set up PLAYWRIGHT tests")
	require.NoError(t, err)

	first, err := st.StoreObservations(sess.ID, "mem", "codex-mem", []store.Observation{
		{Type: "feature", Title: "added playwright harness", Concepts: []string{"testing"}},
	}, nil, 1000)
	require.NoError(t, err)

	_, err = st.StoreObservations(sess.ID, "mem", "codex-mem", nil,
		&store.Summary{Request: "set up playwright", Completed: "harness added"}, 2000)
	require.NoError(t, err)

	second, err := st.StoreObservations(sess.ID, "mem", "codex-mem", []store.Observation{
		{Type: "bugfix", Title: "fixed flaky selector", Concepts: []string{"debugging"}},
	}, nil, 3000)
	require.NoError(t, err)
	return append(first.ObservationIDs, second.ObservationIDs...)
}

func TestSearchRendersIndexTable(t *testing.T) {
	e, st := newTestEngine(t)
	seedObservations(t, st)

	out, err := e.Search(SearchParams{Query: "playwright", Project: "codex-mem"})
	require.NoError(t, err)
	assert.Contains(t, out, "Found 1 observation(s)")
	assert.Contains(t, out, "| ID | Type | Title | Date |")
	assert.Contains(t, out, "added playwright harness")
}

func TestSearchNoResults(t *testing.T) {
	e, _ := newTestEngine(t)
	out, err := e.Search(SearchParams{Query: "zzz-nothing"})
	require.NoError(t, err)
	assert.Contains(t, out, "No results")
}

func TestSearchUnknownType(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Search(SearchParams{Query: "x", Type: "widgets"})
	assert.Error(t, err)
}

func TestTimelineByQueryAnchor(t *testing.T) {
	e, st := newTestEngine(t)
	seedObservations(t, st)

	out, err := e.Timeline(TimelineParams{Query: "flaky selector", Project: "codex-mem"})
	require.NoError(t, err)
	assert.Contains(t, out, "fixed flaky selector ◀")
	assert.Contains(t, out, "summary")
}

func TestGetObservationsFiltered(t *testing.T) {
	e, st := newTestEngine(t)
	ids := seedObservations(t, st)

	rows, err := e.GetObservations(ids, 0, "codex-mem")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = e.GetObservations(ids, 1, "")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = e.GetObservations(ids, 0, "other-project")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSearchPromptsFallsBackToSQLite(t *testing.T) {
	e, st := newTestEngine(t)
	seedObservations(t, st)
	_, err := st.AppendUserPrompt("sid", "set up PLAYWRIGHT end to end coverage")
	require.NoError(t, err)

	// The vector index has no embedder, so the relational backend answers.
	res, err := e.SearchPrompts(context.Background(), "PLAYWRIGHT", "codex-mem", 5)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", res.Source)
	assert.Contains(t, res.Text, `Found 1 user prompt(s) matching "PLAYWRIGHT"`)
	assert.Contains(t, res.Text, "PLAYWRIGHT end to end")
}

func TestAssembleContext(t *testing.T) {
	e, st := newTestEngine(t)
	seedObservations(t, st)

	out, err := e.AssembleContext(ContextParams{
		Project:          "codex-mem",
		ObservationCount: 5,
		IncludeSummary:   true,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "<codemem-context>")
	assert.Contains(t, out, "added playwright harness")
	assert.Contains(t, out, "harness added")
	assert.Contains(t, out, "</codemem-context>")

	// Type filter narrows the listing.
	out, err = e.AssembleContext(ContextParams{
		Project:          "codex-mem",
		ObservationTypes: []string{"bugfix"},
	})
	require.NoError(t, err)
	assert.NotContains(t, out, "added playwright harness")
	assert.Contains(t, out, "fixed flaky selector")
}

func TestCellEscapesTableBreakers(t *testing.T) {
	assert.Equal(t, "a\\|b c", cell("a|b\nc"))
}
