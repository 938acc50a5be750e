package migrate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedLegacy(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "memworker.db"), []byte("db-bytes"), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "logs"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logs", "old.log"), []byte("log"), 0600))
	return dir
}

func TestRunCopiesEverything(t *testing.T) {
	legacy := seedLegacy(t)
	target := filepath.Join(t.TempDir(), "codemem")

	report, err := Run(Options{LegacyDir: legacy, TargetDir: target})
	require.NoError(t, err)
	assert.Len(t, report.CopiedFiles, 2)

	data, err := os.ReadFile(filepath.Join(target, "memworker.db"))
	require.NoError(t, err)
	assert.Equal(t, "db-bytes", string(data))

	// Lock and report written.
	_, err = os.Stat(filepath.Join(target, LockFileName))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(target, ReportFileName))
	assert.NoError(t, err)

	// Legacy data untouched (copy, never move).
	_, err = os.Stat(filepath.Join(legacy, "memworker.db"))
	assert.NoError(t, err)
}

func TestRunSecondRunSkips(t *testing.T) {
	legacy := seedLegacy(t)
	target := filepath.Join(t.TempDir(), "codemem")

	_, err := Run(Options{LegacyDir: legacy, TargetDir: target})
	require.NoError(t, err)

	report, err := Run(Options{LegacyDir: legacy, TargetDir: target})
	require.NoError(t, err)
	assert.Empty(t, report.CopiedFiles)
}

func TestRunNeverOverwritesWithoutForce(t *testing.T) {
	legacy := seedLegacy(t)
	target := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(target, "memworker.db"), []byte("newer"), 0600))

	report, err := Run(Options{LegacyDir: legacy, TargetDir: target})
	require.NoError(t, err)
	assert.Contains(t, report.Skipped, "memworker.db")

	data, err := os.ReadFile(filepath.Join(target, "memworker.db"))
	require.NoError(t, err)
	assert.Equal(t, "newer", string(data))

	// Forced run overwrites. Remove the lock from the first run first.
	require.NoError(t, os.Remove(filepath.Join(target, LockFileName)))
	report, err = Run(Options{LegacyDir: legacy, TargetDir: target, Force: true})
	require.NoError(t, err)
	assert.Contains(t, report.CopiedFiles, "memworker.db")

	data, err = os.ReadFile(filepath.Join(target, "memworker.db"))
	require.NoError(t, err)
	assert.Equal(t, "db-bytes", string(data))
}

func TestRunDryRunCreatesNothing(t *testing.T) {
	legacy := seedLegacy(t)
	target := filepath.Join(t.TempDir(), "codemem")

	report, err := Run(Options{LegacyDir: legacy, TargetDir: target, DryRun: true})
	require.NoError(t, err)
	assert.Len(t, report.CopiedFiles, 2)
	assert.True(t, report.DryRun)

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestRunMissingLegacyIsNoop(t *testing.T) {
	report, err := Run(Options{
		LegacyDir: filepath.Join(t.TempDir(), "absent"),
		TargetDir: filepath.Join(t.TempDir(), "codemem"),
	})
	require.NoError(t, err)
	assert.Empty(t, report.CopiedFiles)
}
