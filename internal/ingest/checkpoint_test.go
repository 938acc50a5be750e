package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCheckpointsMissingFile(t *testing.T) {
	cs, err := LoadCheckpoints(t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, cs.Get("/anything"))
}

func TestLegacyCheckpointMigration(t *testing.T) {
	dir := t.TempDir()
	legacy := `{"historyPath":"/u/.codex/history.jsonl","lastProcessedLineNumber":42}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFileName), []byte(legacy), 0600))

	cs, err := LoadCheckpoints(dir)
	require.NoError(t, err)
	assert.Equal(t, 42, cs.Get("/u/.codex/history.jsonl"))
}

func TestAdvanceAndSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cs, err := LoadCheckpoints(dir)
	require.NoError(t, err)

	cs.Advance("/a.jsonl", 5)
	cs.Advance("/b.jsonl", 2)
	// Lower lines never regress the checkpoint.
	cs.Advance("/a.jsonl", 3)
	require.NoError(t, cs.Save())

	reloaded, err := LoadCheckpoints(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, reloaded.Get("/a.jsonl"))
	assert.Equal(t, 2, reloaded.Get("/b.jsonl"))

	// The legacy mirror tracks the most recently advanced file.
	assert.Equal(t, "/b.jsonl", reloaded.state.HistoryPath)
	assert.Equal(t, 2, reloaded.state.LastProcessedLineNumber)
}
