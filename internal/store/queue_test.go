package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// renameDB moves the canonical database file to the legacy name, dropping
// WAL sidecars left from the previous open.
func renameDB(dir string) error {
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(filepath.Join(dir, DBFileName+suffix))
	}
	return os.Rename(filepath.Join(dir, DBFileName), filepath.Join(dir, LegacyDBFileName))
}

func TestClaimOrderSummarizeFirst(t *testing.T) {
	s := newTestStore(t)
	cfg := s.cfg
	cfg.SessionCap = 10
	s.cfg = cfg

	sess, err := s.CreateOrGetSession("sid", "", "proj", "p")
	require.NoError(t, err)

	// Enqueue [obs1, sum1, obs2, sum2]; claims must yield
	// [sum1, sum2, obs1, obs2].
	ids := make(map[string]int64)
	for _, m := range []struct{ name, typ string }{
		{"obs1", MessageObservation},
		{"sum1", MessageSummarize},
		{"obs2", MessageObservation},
		{"sum2", MessageSummarize},
	} {
		id, err := s.EnqueuePending(sess.ID, "sid", m.typ, `{"name":"`+m.name+`"}`)
		require.NoError(t, err)
		ids[m.name] = id
	}

	var claimed []int64
	for {
		m, err := s.ClaimAndDelete(sess.ID)
		require.NoError(t, err)
		if m == nil {
			break
		}
		claimed = append(claimed, m.ID)
	}

	assert.Equal(t, []int64{ids["sum1"], ids["sum2"], ids["obs1"], ids["obs2"]}, claimed)
}

func TestEnqueueCapRejected(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateOrGetSession("sid", "", "proj", "p")
	require.NoError(t, err)

	for i := 0; i < s.cfg.SessionCap; i++ {
		_, err := s.EnqueuePending(sess.ID, "sid", MessageObservation, "{}")
		require.NoError(t, err)
	}

	_, err = s.EnqueuePending(sess.ID, "sid", MessageObservation, "{}")
	assert.ErrorIs(t, err, ErrQueueFull)

	// The cap is per session: another session still enqueues.
	other, err := s.CreateOrGetSession("other", "", "proj", "p")
	require.NoError(t, err)
	_, err = s.EnqueuePending(other.ID, "other", MessageObservation, "{}")
	assert.NoError(t, err)
}

func TestClaimEmptyReturnsNil(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateOrGetSession("sid", "", "proj", "p")
	require.NoError(t, err)

	m, err := s.ClaimAndDelete(sess.ID)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestOldestPendingAge(t *testing.T) {
	s := newTestStore(t)
	advance := setClock(t, 10_000)

	sess, err := s.CreateOrGetSession("sid", "", "proj", "p")
	require.NoError(t, err)

	age, err := s.OldestPendingAgeMs()
	require.NoError(t, err)
	assert.Equal(t, int64(-1), age)

	_, err = s.EnqueuePending(sess.ID, "sid", MessageObservation, "{}")
	require.NoError(t, err)
	advance(2500)

	age, err = s.OldestPendingAgeMs()
	require.NoError(t, err)
	assert.Equal(t, int64(2500), age)
}

func TestSessionsWithPendingFIFO(t *testing.T) {
	s := newTestStore(t)

	a, err := s.CreateOrGetSession("a", "", "proj", "p")
	require.NoError(t, err)
	b, err := s.CreateOrGetSession("b", "", "proj", "p")
	require.NoError(t, err)

	_, err = s.EnqueuePending(b.ID, "b", MessageObservation, "{}")
	require.NoError(t, err)
	_, err = s.EnqueuePending(a.ID, "a", MessageObservation, "{}")
	require.NoError(t, err)

	ids, err := s.SessionsWithPending()
	require.NoError(t, err)
	assert.Equal(t, []int64{b.ID, a.ID}, ids)
}

func TestUnknownMessageTypeRejected(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.CreateOrGetSession("sid", "", "proj", "p")
	require.NoError(t, err)

	_, err = s.EnqueuePending(sess.ID, "sid", "compact", "{}")
	assert.Error(t, err)
}
