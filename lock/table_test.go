package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coredb/tupl/kv"
)

// testScope is the minimal lock.Scope implementation lock's own tests use:
// txn.Locker is the real implementation, but lock cannot import txn (txn
// imports lock), so tests exercise the Table against this standalone
// fixture instead.
type testScope struct {
	id ScopeID

	mu         sync.Mutex
	waitingFor *Lock
}

func newTestScope(id uint64) *testScope { return &testScope{id: ScopeID(id)} }

func (s *testScope) ID() ScopeID { return s.id }

func (s *testScope) WaitingFor() *Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingFor
}

func (s *testScope) SetWaitingFor(l *Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitingFor = l
}

func (s *testScope) Attachment() interface{} { return s.id }

const testIndex = kv.IndexID(1)

func newTestTable() *Table {
	return NewTable(Options{Shards: 4})
}

// TestTryLockExclusiveMutualExclusion confirms the core invariant of
// spec.md §3: at most one scope may hold Exclusive on a resource at a
// time, and a second exclusive request fails fast rather than being
// silently granted.
func TestTryLockExclusiveMutualExclusion(t *testing.T) {
	tbl := newTestTable()
	a := newTestScope(1)
	b := newTestScope(2)
	ctx := context.Background()

	res, err := tbl.TryLock(ctx, Exclusive, a, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	res, err = tbl.TryLock(ctx, Exclusive, b, testIndex, []byte("k1"), 0)
	assert.Equal(t, TimedOut, res)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	assert.Equal(t, OwnedExclusive, tbl.Unlock(a, testIndex, []byte("k1")))
}

// TestTryLockSharedAllowsConcurrentReaders confirms Shared is compatible
// with Shared: two scopes both acquire it on the same key.
func TestTryLockSharedAllowsConcurrentReaders(t *testing.T) {
	tbl := newTestTable()
	a := newTestScope(1)
	b := newTestScope(2)
	ctx := context.Background()

	res, err := tbl.TryLock(ctx, Shared, a, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	res, err = tbl.TryLock(ctx, Shared, b, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	assert.Equal(t, OwnedShared, tbl.Unlock(a, testIndex, []byte("k1")))
	assert.Equal(t, OwnedShared, tbl.Unlock(b, testIndex, []byte("k1")))
}

// TestUnlockWakesBlockedWaiter confirms Unlock's call into wake() actually
// grants a queued waiter rather than just freeing the resource.
func TestUnlockWakesBlockedWaiter(t *testing.T) {
	tbl := newTestTable()
	a := newTestScope(1)
	b := newTestScope(2)
	ctx := context.Background()

	res, err := tbl.TryLock(ctx, Exclusive, a, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	require.Equal(t, Acquired, res)

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := tbl.TryLock(ctx, Exclusive, b, testIndex, []byte("k1"), time.Second)
		done <- outcome{r, err}
	}()

	// Give b a moment to enqueue before releasing a's hold.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, OwnedExclusive, tbl.Unlock(a, testIndex, []byte("k1")))

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, Acquired, o.res)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was never woken after Unlock")
	}

	assert.Equal(t, OwnedExclusive, tbl.Unlock(b, testIndex, []byte("k1")))
}

// TestUnlockToSharedDowngrade confirms an exclusive holder downgrading to
// Shared both keeps its own hold and admits a second shared reader.
func TestUnlockToSharedDowngrade(t *testing.T) {
	tbl := newTestTable()
	a := newTestScope(1)
	b := newTestScope(2)
	ctx := context.Background()

	_, err := tbl.TryLock(ctx, Exclusive, a, testIndex, []byte("k1"), 0)
	require.NoError(t, err)

	assert.Equal(t, OwnedShared, tbl.UnlockToShared(a, testIndex, []byte("k1")))

	res, err := tbl.TryLock(ctx, Shared, b, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res)

	res, err = tbl.TryLock(ctx, Shared, a, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	assert.Equal(t, OwnedShared, res)
}

// TestUpgradeCoalescingRoundTrip walks a scope from a sole Shared holder
// through Upgradable to Exclusive and back down, confirming the LENIENT
// sole-holder upgrade rule and the forbidden direct shared->exclusive
// transition (spec.md §3).
func TestUpgradeCoalescingRoundTrip(t *testing.T) {
	tbl := newTestTable()
	a := newTestScope(1)
	ctx := context.Background()

	res, err := tbl.TryLock(ctx, Shared, a, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	require.Equal(t, Acquired, res)

	// Direct shared -> exclusive is illegal; callers must go through upgradable.
	res, err = tbl.TryLock(ctx, Exclusive, a, testIndex, []byte("k1"), 0)
	assert.Equal(t, Illegal, res)
	var illegalErr *IllegalUpgradeError
	require.ErrorAs(t, err, &illegalErr)

	res, err = tbl.TryLock(ctx, Upgradable, a, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	assert.Equal(t, Upgraded, res, "sole shared holder must be allowed to upgrade in place")

	res, err = tbl.TryLock(ctx, Exclusive, a, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	assert.Equal(t, Upgraded, res)

	assert.Equal(t, OwnedUpgradable, tbl.UnlockToUpgradable(a, testIndex, []byte("k1")))
	assert.Equal(t, OwnedShared, tbl.UnlockToShared(a, testIndex, []byte("k1")))
	assert.Equal(t, OwnedShared, tbl.Unlock(a, testIndex, []byte("k1")))
}

// TestUpgradableDeniesSecondUpgradable confirms a second scope requesting
// Upgradable while one is already held is refused (a zero timeout fails
// fast with TimedOut) rather than granted.
func TestUpgradableDeniesSecondUpgradable(t *testing.T) {
	tbl := newTestTable()
	a := newTestScope(1)
	b := newTestScope(2)
	ctx := context.Background()

	res, err := tbl.TryLock(ctx, Upgradable, a, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	require.Equal(t, Acquired, res)

	res, err = tbl.TryLock(ctx, Upgradable, b, testIndex, []byte("k1"), 0)
	assert.Equal(t, TimedOut, res)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

// TestTransferExclusiveBundlesOwnedLocksOnly confirms TransferExclusive
// only bundles resources the scope actually holds exclusively, and that
// PendingTxn.Release fully drops them afterward.
func TestTransferExclusiveBundlesOwnedLocksOnly(t *testing.T) {
	tbl := newTestTable()
	a := newTestScope(1)
	ctx := context.Background()

	_, err := tbl.TryLock(ctx, Exclusive, a, testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	_, err = tbl.TryLock(ctx, Shared, a, testIndex, []byte("k2"), 0)
	require.NoError(t, err)

	pending := tbl.TransferExclusive(a, []kv.IndexID{testIndex, testIndex}, [][]byte{[]byte("k1"), []byte("k2")})
	require.NotNil(t, pending)

	// k2 was only ever Shared, so it must still be held directly by a.
	assert.Equal(t, OwnedShared, tbl.Unlock(a, testIndex, []byte("k2")))

	pending.Release(a)
	res, err := tbl.TryLock(ctx, Exclusive, newTestScope(2), testIndex, []byte("k1"), 0)
	require.NoError(t, err)
	assert.Equal(t, Acquired, res, "PendingTxn.Release must have dropped k1's exclusive hold")
}
