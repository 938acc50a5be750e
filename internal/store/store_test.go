package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// setClock pins the store clock and returns a function to advance it.
func setClock(t *testing.T, start int64) func(delta int64) {
	t.Helper()
	current := start
	old := now
	now = func() int64 { return current }
	t.Cleanup(func() { now = old })
	return func(delta int64) { current += delta }
}

func TestCreateOrGetSessionIdempotent(t *testing.T) {
	s := newTestStore(t)

	first, err := s.CreateOrGetSession("codex-abc", PlatformTranscript, "project-alpha", "initial prompt")
	require.NoError(t, err)
	assert.Equal(t, "project-alpha", first.Project)
	assert.Equal(t, PlatformTranscript, first.Platform)

	// A second init for the same content session returns the same row and
	// does not overwrite anything.
	second, err := s.CreateOrGetSession("codex-abc", PlatformHostedAgent, "other", "different")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "project-alpha", second.Project)
	assert.Equal(t, "initial prompt", second.InitialPrompt)
}

func TestMemorySessionIDWriteOnce(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateOrGetSession("sid", "", "proj", "p")
	require.NoError(t, err)

	require.NoError(t, s.SetMemorySessionID(sess.ID, "mem-1"))
	require.NoError(t, s.SetMemorySessionID(sess.ID, "mem-2"))

	got, err := s.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "mem-1", got.MemorySessionID)
}

func TestAppendUserPromptMonotonic(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateOrGetSession("sid", "", "proj", "p")
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		n, err := s.AppendUserPrompt("sid", "prompt text")
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	// Independent numbering per session.
	n, err := s.AppendUserPrompt("other-sid", "x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStoreObservationsAtomicWithSummary(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateOrGetSession("sid", "", "proj", "p")
	require.NoError(t, err)

	obs := []Observation{
		{Type: "discovery", Title: "found the cache bug", Facts: []string{"f1", "f2"}, Concepts: []string{"cache"}},
		{Type: "bugfix", Title: "fixed it", FilesModified: []string{"internal/cache/cache.go"}},
	}
	sum := &Summary{Request: "fix the cache", Completed: "fixed"}

	res, err := s.StoreObservations(sess.ID, "mem-1", "proj", obs, sum, 1234500)
	require.NoError(t, err)
	assert.Len(t, res.ObservationIDs, 2)
	assert.NotZero(t, res.SummaryID)
	assert.Equal(t, int64(1234500), res.CreatedAtEpoch)

	got, err := s.GetObservationsByIDs(res.ObservationIDs)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"f1", "f2"}, got[0].Facts)
	// Backlog preservation: records carry the enqueue epoch, not write time.
	assert.Equal(t, int64(1234500), got[0].CreatedAtEpoch)

	stored, err := s.GetSummaryForSession(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "fix the cache", stored.Request)

	// A later summary replaces the previous one.
	_, err = s.StoreObservations(sess.ID, "mem-1", "proj", nil, &Summary{Request: "second"}, 0)
	require.NoError(t, err)
	stored, err = s.GetSummaryForSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", stored.Request)

	page, err := s.GetSummariesPage(SearchFilter{Project: "proj"})
	require.NoError(t, err)
	assert.Len(t, page.Rows, 1)
}

func TestSearchObservationsFilters(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateOrGetSession("sid", "", "alpha", "p")
	require.NoError(t, err)

	_, err = s.StoreObservations(sess.ID, "m", "alpha", []Observation{
		{Type: "bugfix", Title: "fix playwright flake", Concepts: []string{"testing"}, FilesModified: []string{"e2e/run.ts"}},
		{Type: "feature", Title: "add playwright harness", Concepts: []string{"infra"}},
	}, nil, 100)
	require.NoError(t, err)

	page, err := s.SearchObservations("playwright", SearchFilter{Project: "alpha"})
	require.NoError(t, err)
	assert.Len(t, page.Rows, 2)

	page, err = s.SearchObservations("playwright", SearchFilter{Type: "bugfix"})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "fix playwright flake", page.Rows[0].Title)

	page, err = s.SearchObservations("playwright", SearchFilter{Concept: "infra"})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "add playwright harness", page.Rows[0].Title)

	page, err = s.SearchObservations("playwright", SearchFilter{FilePath: "e2e/run.ts"})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Equal(t, "bugfix", page.Rows[0].Type)

	page, err = s.SearchObservations("nomatch-zzz", SearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, page.Rows)
}

func TestSearchUserPromptsFTS(t *testing.T) {
	s := newTestStore(t)
	_, err := s.CreateOrGetSession("sid", "", "codex-mem", "p")
	require.NoError(t, err)
	_, err = s.AppendUserPrompt("sid", "set up PLAYWRIGHT end to end tests")
	require.NoError(t, err)
	_, err = s.AppendUserPrompt("sid", "unrelated prompt")
	require.NoError(t, err)

	page, err := s.SearchUserPrompts("PLAYWRIGHT", SearchFilter{Project: "codex-mem", Limit: 5})
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.Contains(t, page.Rows[0].PromptText, "PLAYWRIGHT")
}

func TestTimelineInterleaves(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateOrGetSession("sid", "", "proj", "p")
	require.NoError(t, err)

	// obs@100, summary@200, obs@300 (anchor), obs@400
	_, err = s.StoreObservations(sess.ID, "m", "proj", []Observation{{Title: "one"}}, nil, 100)
	require.NoError(t, err)
	_, err = s.StoreObservations(sess.ID, "m", "proj", nil, &Summary{Request: "mid"}, 200)
	require.NoError(t, err)
	res, err := s.StoreObservations(sess.ID, "m", "proj", []Observation{{Title: "anchor"}}, nil, 300)
	require.NoError(t, err)
	_, err = s.StoreObservations(sess.ID, "m", "proj", []Observation{{Title: "later"}}, nil, 400)
	require.NoError(t, err)

	items, err := s.GetTimeline(res.ObservationIDs[0], 5, 5, "proj")
	require.NoError(t, err)
	require.Len(t, items, 4)

	assert.Equal(t, "observation", items[0].Kind)
	assert.Equal(t, "one", items[0].Observation.Title)
	assert.Equal(t, "summary", items[1].Kind)
	assert.True(t, items[2].IsAnchor)
	assert.Equal(t, "later", items[3].Observation.Title)
}

func TestLegacyDBFileAccepted(t *testing.T) {
	dir := t.TempDir()

	// Seed a database under the legacy name.
	cfg := DefaultConfig(dir)
	s, err := New(cfg)
	require.NoError(t, err)
	_, err = s.CreateOrGetSession("sid", "", "proj", "p")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Rename to the legacy file name; reopening must find the data.
	require.NoError(t, renameDB(dir))
	s2, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	sess, err := s2.GetSessionByContentID("sid")
	require.NoError(t, err)
	assert.Equal(t, "proj", sess.Project)
}
