package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codemem/codemem/internal/agent"
	"github.com/codemem/codemem/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingAgent drains nothing; it parks until released or cancelled.
type blockingAgent struct {
	started chan int64
	release chan struct{}
	st      *store.Store
	drain   bool
}

func (b *blockingAgent) Name() string              { return "fake" }
func (b *blockingAgent) SetFallback(_ agent.Agent) {}

func (b *blockingAgent) StartSession(ctx context.Context, sess *agent.Session) error {
	b.started <- sess.DBID
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	if b.drain {
		for {
			m, err := b.st.ClaimAndDelete(sess.DBID)
			if err != nil || m == nil {
				return err
			}
		}
	}
	return nil
}

func newSchedTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig(t.TempDir())
	cfg.SessionCap = 10
	s, err := store.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seed(t *testing.T, st *store.Store, cid string) *store.Session {
	t.Helper()
	sess, err := st.CreateOrGetSession(cid, "", "proj", "p")
	require.NoError(t, err)
	_, err = st.EnqueuePending(sess.ID, cid, store.MessageObservation, "{}")
	require.NoError(t, err)
	return sess
}

func TestAtMostOneTaskPerSession(t *testing.T) {
	st := newSchedTestStore(t)
	sess := seed(t, st, "a")

	var builds int32
	b := &blockingAgent{started: make(chan int64, 4), release: make(chan struct{}), st: st, drain: true}
	s := New(st, func() (agent.Agent, error) {
		atomic.AddInt32(&builds, 1)
		return b, nil
	}, 4)
	defer s.Shutdown()

	s.Kick(sess)
	s.Kick(sess)
	s.Kick(sess)

	<-b.started
	assert.Equal(t, 1, s.ActiveCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))
	close(b.release)
}

func TestGlobalConcurrencyCap(t *testing.T) {
	st := newSchedTestStore(t)
	a := seed(t, st, "a")
	bSess := seed(t, st, "b")
	c := seed(t, st, "c")

	ba := &blockingAgent{started: make(chan int64, 4), release: make(chan struct{}), st: st, drain: true}
	s := New(st, func() (agent.Agent, error) { return ba, nil }, 2)
	defer s.Shutdown()

	s.Kick(a)
	s.Kick(bSess)
	s.Kick(c)

	// Only two tasks may hold a slot at once.
	<-ba.started
	<-ba.started
	select {
	case id := <-ba.started:
		t.Fatalf("third task %d started over the cap", id)
	case <-time.After(100 * time.Millisecond):
	}

	close(ba.release)
	// The third session is admitted once a slot frees up.
	select {
	case <-ba.started:
	case <-time.After(2 * time.Second):
		t.Fatal("third task never started")
	}
}

func TestAbortCancelsTask(t *testing.T) {
	st := newSchedTestStore(t)
	sess := seed(t, st, "a")

	ba := &blockingAgent{started: make(chan int64, 1), release: make(chan struct{}), st: st}
	s := New(st, func() (agent.Agent, error) { return ba, nil }, 2)
	defer s.Shutdown()

	var idleMu sync.Mutex
	var idled []int64
	s.SetOnIdle(func(id int64) {
		idleMu.Lock()
		idled = append(idled, id)
		idleMu.Unlock()
	})

	s.Kick(sess)
	<-ba.started
	assert.True(t, s.Abort(sess.ID))

	assert.Eventually(t, func() bool {
		return s.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	idleMu.Lock()
	defer idleMu.Unlock()
	assert.Contains(t, idled, sess.ID)

	// Aborting a session with no task reports false.
	assert.False(t, s.Abort(999))
}

func TestKickPendingResumesQueuedSessions(t *testing.T) {
	st := newSchedTestStore(t)
	seed(t, st, "a")
	seed(t, st, "b")

	ba := &blockingAgent{started: make(chan int64, 2), release: make(chan struct{}), st: st, drain: true}
	close(ba.release)
	s := New(st, func() (agent.Agent, error) { return ba, nil }, 4)
	defer s.Shutdown()

	s.KickPending()
	<-ba.started
	<-ba.started
}
