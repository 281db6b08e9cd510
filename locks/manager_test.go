package locks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/davidroman0O/blockflow/coordinator"
	"github.com/davidroman0O/blockflow/errors"
)

func newTestManager() (*Manager, *coordinator.Memory) {
	backend := coordinator.NewMemory()
	return NewManager(backend, WithPolling(time.Millisecond, 5*time.Millisecond)), backend
}

func TestAcquireAndReleaseAll(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestManager()

	require.NoError(t, m.Acquire(ctx, "wf-1", []string{"B", "A", "A"}, time.Second))
	assert.Equal(t, []string{"A", "B"}, m.Held("wf-1"))

	owner, _ := backend.LockOwner(ctx, "A")
	assert.Equal(t, "wf-1", owner)

	require.NoError(t, m.ReleaseAll(ctx, "wf-1"))
	owner, _ = backend.LockOwner(ctx, "A")
	assert.Empty(t, owner)
	assert.Empty(t, m.Held("wf-1"))
}

func TestAcquireTimeoutNamesKeysAndHoldsNothing(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestManager()

	require.NoError(t, m.Acquire(ctx, "wf-1", []string{"B"}, time.Second))

	err := m.Acquire(ctx, "wf-2", []string{"A", "B"}, 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsLockAcquisition(err))
	assert.Contains(t, err.Error(), "[A, B]")
	assert.Equal(t, []string{"B"}, errors.GetContext(err)["contended"])

	owner, _ := backend.LockOwner(ctx, "A")
	assert.Empty(t, owner, "a failed acquire must not leave a partial hold")
	assert.Empty(t, m.Held("wf-2"))
}

func TestAcquireWaitsForRelease(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()
	require.NoError(t, m.Acquire(ctx, "wf-1", []string{"A"}, time.Second))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.ReleaseAll(ctx, "wf-1")
	}()

	require.NoError(t, m.Acquire(ctx, "wf-2", []string{"A"}, time.Second))
	assert.Equal(t, []string{"A"}, m.Held("wf-2"))
}

func TestSelfReentrant(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	require.NoError(t, m.Acquire(ctx, "wf-1", []string{"A"}, time.Second))
	require.NoError(t, m.Acquire(ctx, "wf-1", []string{"A", "B"}, 10*time.Millisecond))
	assert.Equal(t, []string{"A", "B"}, m.Held("wf-1"))
}

func TestFamilyReentrancy(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestManager()

	require.NoError(t, m.Acquire(ctx, "parent", []string{"A"}, time.Second))
	m.Adopt("child", "parent")
	assert.Equal(t, "parent", m.Root("child"))

	// the child re-enters its parent's key and adds one of its own
	require.NoError(t, m.Acquire(ctx, "child", []string{"A", "C"}, 10*time.Millisecond))
	assert.Equal(t, []string{"A", "C"}, m.Held("child"))

	owner, _ := backend.LockOwner(ctx, "C")
	assert.Equal(t, "parent", owner)

	// an unrelated workflow is still excluded
	err := m.Acquire(ctx, "other", []string{"A"}, 10*time.Millisecond)
	assert.True(t, errors.IsLockAcquisition(err))

	// releasing the child frees only what it added
	require.NoError(t, m.ReleaseAll(ctx, "child"))
	owner, _ = backend.LockOwner(ctx, "C")
	assert.Empty(t, owner)
	owner, _ = backend.LockOwner(ctx, "A")
	assert.Equal(t, "parent", owner)

	require.NoError(t, m.ReleaseAll(ctx, "parent"))
	owner, _ = backend.LockOwner(ctx, "A")
	assert.Empty(t, owner)
}

func TestFamilyKeyOutlivesTheMemberThatTookIt(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestManager()
	m.Adopt("child", "parent")

	// the child takes K first, then the parent starts using it too
	require.NoError(t, m.Acquire(ctx, "child", []string{"K"}, time.Second))
	require.NoError(t, m.Acquire(ctx, "parent", []string{"K"}, 10*time.Millisecond))
	assert.Equal(t, []string{"K"}, m.Held("parent"))

	require.NoError(t, m.ReleaseAll(ctx, "child"))
	owner, _ := backend.LockOwner(ctx, "K")
	assert.Equal(t, "parent", owner, "the parent still uses K")

	err := m.Acquire(ctx, "other", []string{"K"}, 10*time.Millisecond)
	assert.True(t, errors.IsLockAcquisition(err))

	require.NoError(t, m.Release(ctx, "parent", []string{"K"}))
	owner, _ = backend.LockOwner(ctx, "K")
	assert.Empty(t, owner)
}

func TestReleaseKeepsKeysSharedWithinFamily(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestManager()
	require.NoError(t, m.Acquire(ctx, "parent", []string{"A", "B"}, time.Second))
	m.Adopt("child", "parent")
	require.NoError(t, m.Acquire(ctx, "child", []string{"A"}, time.Second))

	require.NoError(t, m.Release(ctx, "child", []string{"A"}))
	owner, _ := backend.LockOwner(ctx, "A")
	assert.Equal(t, "parent", owner)

	require.NoError(t, m.Release(ctx, "parent", []string{"A"}))
	owner, _ = backend.LockOwner(ctx, "A")
	assert.Empty(t, owner)
	assert.Equal(t, []string{"B"}, m.Held("parent"))
}

func TestReleaseAllClearsStaleBackendLocks(t *testing.T) {
	ctx := context.Background()
	backend := coordinator.NewMemory()
	_, err := backend.TryLock(ctx, "wf-crashed", []string{"A", "B"})
	require.NoError(t, err)

	m := NewManager(backend)
	require.NoError(t, m.ReleaseAll(ctx, "wf-crashed"))

	held, err := backend.LocksHeldBy(ctx, "wf-crashed")
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestReleaseSpecificKeys(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestManager()
	require.NoError(t, m.Acquire(ctx, "wf-1", []string{"A", "B"}, time.Second))

	require.NoError(t, m.Release(ctx, "wf-1", []string{"A"}))
	assert.Equal(t, []string{"B"}, m.Held("wf-1"))
	owner, _ := backend.LockOwner(ctx, "A")
	assert.Empty(t, owner)
}

func TestTryAcquire(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager()

	ok, err := m.TryAcquire(ctx, "wf-1", []string{"A"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.TryAcquire(ctx, "wf-2", []string{"A", "B"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.TryAcquire(ctx, "wf-2", nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCancelledContext(t *testing.T) {
	m, _ := newTestManager()
	require.NoError(t, m.Acquire(context.Background(), "wf-1", []string{"A"}, time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.Acquire(ctx, "wf-2", []string{"A"}, time.Second)
	assert.True(t, errors.IsCancelled(err))
}

// Concurrent workflows contending for {A,B} in both orders never deadlock and
// never observe a partial hold.
func TestConcurrentContentionAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m, backend := newTestManager()

	var (
		wg        sync.WaitGroup
		inside    int32
		violation int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("wf-%d", i)
			keys := []string{"A", "B"}
			if i%2 == 1 {
				keys = []string{"B", "A"}
			}
			if err := m.Acquire(ctx, owner, keys, 2*time.Second); err != nil {
				return
			}
			if atomic.AddInt32(&inside, 1) != 1 {
				atomic.StoreInt32(&violation, 1)
			}
			a, _ := backend.LockOwner(ctx, "A")
			b, _ := backend.LockOwner(ctx, "B")
			if a != owner || b != owner {
				atomic.StoreInt32(&violation, 1)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = m.ReleaseAll(ctx, owner)
		}(i)
	}
	wg.Wait()
	assert.Zero(t, atomic.LoadInt32(&violation))
}

func TestAcquireIsAllOrNothingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		backend := coordinator.NewMemory()
		m := NewManager(backend, WithPolling(time.Millisecond, time.Millisecond))

		universe := []string{"A", "B", "C", "D", "E"}
		held := rapid.SliceOfDistinct(rapid.SampledFrom(universe), rapid.ID[string]).Draw(t, "heldByOther")
		want := rapid.SliceOfN(rapid.SampledFrom(universe), 1, 5).Draw(t, "requested")

		if _, err := backend.TryLock(ctx, "other", held); err != nil {
			t.Fatalf("seed lock: %v", err)
		}

		err := m.Acquire(ctx, "wf", want, 2*time.Millisecond)

		heldSet := map[string]bool{}
		for _, k := range held {
			heldSet[k] = true
		}
		overlap := false
		for _, k := range want {
			if heldSet[k] {
				overlap = true
			}
		}

		mine, _ := backend.LocksHeldBy(ctx, "wf")
		if overlap {
			if err == nil {
				t.Fatalf("acquired %v despite %v being held", want, held)
			}
			if len(mine) != 0 {
				t.Fatalf("partial hold %v after failed acquire", mine)
			}
			return
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(mine) != len(Normalize(want)) {
			t.Fatalf("held %v, wanted %v", mine, Normalize(want))
		}
	})
}
