package lock

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/coredb/tupl/kv"
)

// Options configures a Table's shard count and instrumentation. Zero value
// is a usable default, the same shape as the teacher's NewBufferPool(n int).
type Options struct {
	// Shards is rounded up to the next power of two; zero defaults to 256.
	Shards int
	// Logger receives lock lifecycle diagnostics; nil defaults to a no-op logger.
	Logger *zap.Logger
	// Registerer receives prometheus metrics; nil disables registration.
	Registerer prometheus.Registerer
}

func (o Options) shardCount() int {
	if o.Shards <= 0 {
		return 256
	}
	n := 1
	for n < o.Shards {
		n <<= 1
	}
	return n
}

type shard struct {
	mu    sync.Mutex
	locks map[ResourceID]*Lock
}

// Table is a fixed, sharded hash map from (index-id, key) to Lock.
type Table struct {
	shards []*shard
	mask   uint64
	log    *zap.Logger
	m      *metrics
}

// NewTable constructs a Table with the given options.
func NewTable(opts Options) *Table {
	n := opts.shardCount()
	t := &Table{
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
	}
	for i := range t.shards {
		t.shards[i] = &shard{locks: make(map[ResourceID]*Lock)}
	}
	if opts.Logger != nil {
		t.log = opts.Logger
	} else {
		t.log = zap.NewNop()
	}
	t.m = newMetrics(opts.Registerer)
	return t
}

// Hash mixes an FNV-1a digest of key with the index id, as spec.md §4.1
// describes ("a Fowler-Noll-Vo-like digest of the key with the index id").
func Hash(index kv.IndexID, key []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)
	sum := h.Sum64()
	sum ^= uint64(index) * 0x9E3779B97F4A7C15
	return sum
}

func (t *Table) shardFor(hash uint64) *shard {
	return t.shards[hash&t.mask]
}

// getOrCreate returns the Lock for id, creating it under the shard latch.
func (t *Table) getOrCreate(index kv.IndexID, key []byte) *Lock {
	h := Hash(index, key)
	rid := ResourceID{Index: index, Key: string(key)}
	s := t.shardFor(h)

	s.mu.Lock()
	l, ok := s.locks[rid]
	if !ok {
		l = newLock(rid, h)
		s.locks[rid] = l
	}
	l.refs++
	s.mu.Unlock()
	return l
}

// release drops table's reference to l and, if nothing else refers to it
// (no owners, no waiters), removes it from its shard so idle resources
// don't pin memory forever (spec.md §3 lifetimes).
func (t *Table) release(l *Lock) {
	s := t.shardFor(l.hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs <= 0 {
		l.mu.Lock()
		free := l.isFree()
		l.mu.Unlock()
		if free {
			delete(s.locks, l.id)
		}
	}
}

// TryLock acquires mode on (index, key) for scope, blocking up to timeout
// (negative = infinite, zero = fail fast). ctx cancellation surfaces as
// Interrupted. On an exhausted non-zero timeout the deadlock detector runs
// once to distinguish ordinary contention from a real cycle.
func (t *Table) TryLock(ctx context.Context, mode Mode, scope Scope, index kv.IndexID, key []byte, timeout time.Duration) (Result, error) {
	l := t.getOrCreate(index, key)

	l.mu.Lock()
	res := l.tryAcquireLocked(mode, scope)
	if res != -1 {
		l.mu.Unlock()
		if res == Illegal {
			t.release(l)
			return Illegal, &IllegalUpgradeError{Resource: l.id, From: Shared, To: mode}
		}
		t.release(l)
		if res == Acquired {
			t.m.heldGauge.Inc()
		}
		t.log.Debug("lock granted without waiting", zap.Uint64("scope", uint64(scope.ID())), zap.Stringer("mode", mode))
		return res, nil
	}

	if timeout == 0 {
		l.mu.Unlock()
		t.release(l)
		return TimedOut, &TimeoutError{Resource: l.id, Mode: mode, Attachment: scope.Attachment()}
	}

	w := &waiter{scope: scope, mode: mode, ch: make(chan struct{})}
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()

	scope.SetWaitingFor(l)
	t.m.waitingGauge.Inc()
	start := time.Now()

	defer func() {
		scope.SetWaitingFor(nil)
		t.m.waitingGauge.Dec()
		t.release(l)
	}()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-w.ch:
		t.m.waitSeconds.Observe(time.Since(start).Seconds())
		return w.result, nil
	case <-deadline:
		if !t.removeWaiter(l, w) {
			// Granted concurrently with the deadline firing; honor the grant.
			return w.result, nil
		}
		if set, deadlocked := Detect(scope); deadlocked {
			t.m.deadlocks.Inc()
			t.log.Warn("deadlock detected", zap.Uint64("scope", uint64(scope.ID())))
			return TimedOut, &DeadlockError{Set: set}
		}
		t.m.timeouts.Inc()
		return TimedOut, &TimeoutError{Resource: l.id, Mode: mode, Waited: time.Since(start), Attachment: scope.Attachment()}
	case <-ctx.Done():
		if !t.removeWaiter(l, w) {
			return w.result, nil
		}
		return Interrupted, &InterruptedError{Resource: l.id}
	}
}

// removeWaiter drops w from l's queue. It returns false if w was not found
// (it had already been granted and popped by a concurrent wake).
func (t *Table) removeWaiter(l *Lock, w *waiter) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, o := range l.waiters {
		if o == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// wake grants locks to as many leading compatible waiters as possible, in
// FIFO order, stopping at the first waiter that cannot yet be granted
// (spec.md §4.1: "waiters are served in enqueue order subject to
// compatibility"). Caller must hold l.mu; wake releases it before notifying.
func (t *Table) wake(l *Lock) {
	var granted []*waiter
	for len(l.waiters) > 0 {
		w := l.waiters[0]
		res := l.tryAcquireLocked(w.mode, w.scope)
		if res == -1 {
			break
		}
		w.result = res
		l.waiters = l.waiters[1:]
		granted = append(granted, w)
		if res == Acquired {
			t.m.heldGauge.Inc()
		}
		if w.mode == Exclusive {
			break
		}
	}
	l.mu.Unlock()
	for _, w := range granted {
		close(w.ch)
	}
	l.mu.Lock()
}

// Unlock releases every mode scope holds on (index, key).
func (t *Table) Unlock(scope Scope, index kv.IndexID, key []byte) Result {
	l := t.getOrCreate(index, key)
	defer t.release(l)
	l.mu.Lock()
	result := Unowned
	if l.exclusive != nil && l.exclusive.ID() == scope.ID() {
		l.exclusive = nil
		result = OwnedExclusive
	}
	if l.upgradable != nil && l.upgradable.ID() == scope.ID() {
		l.upgradable = nil
		result = OwnedUpgradable
	}
	if _, ok := l.shared[scope.ID()]; ok {
		delete(l.shared, scope.ID())
		if result == Unowned {
			result = OwnedShared
		}
	}
	if result != Unowned {
		t.m.heldGauge.Dec()
	}
	t.wake(l)
	l.mu.Unlock()
	return result
}

// UnlockToShared downgrades scope's hold to Shared, releasing the
// exclusive/upgradable portion and waking anyone blocked only on that
// stronger mode.
func (t *Table) UnlockToShared(scope Scope, index kv.IndexID, key []byte) Result {
	l := t.getOrCreate(index, key)
	defer t.release(l)
	l.mu.Lock()
	if l.exclusive != nil && l.exclusive.ID() == scope.ID() {
		l.exclusive = nil
		l.shared[scope.ID()] = scope
	} else if l.upgradable != nil && l.upgradable.ID() == scope.ID() {
		l.upgradable = nil
		// shared[scope.ID()] already set from the original acquire
	}
	t.wake(l)
	l.mu.Unlock()
	return OwnedShared
}

// UnlockToUpgradable downgrades an exclusive hold to Upgradable.
func (t *Table) UnlockToUpgradable(scope Scope, index kv.IndexID, key []byte) Result {
	l := t.getOrCreate(index, key)
	defer t.release(l)
	l.mu.Lock()
	if l.exclusive != nil && l.exclusive.ID() == scope.ID() {
		l.exclusive = nil
		l.shared[scope.ID()] = scope
		l.upgradable = scope
	}
	t.wake(l)
	l.mu.Unlock()
	return OwnedUpgradable
}

// PendingTxn is a commit-deferred bundle of exclusive locks, released only
// once the caller confirms the associated redo record is durable.
type PendingTxn struct {
	table *Table
	locks []struct {
		index kv.IndexID
		key   []byte
	}
}

// TransferExclusive moves every exclusive lock owned by scope in the given
// resources into a PendingTxn, for commit to release after durability.
func (t *Table) TransferExclusive(scope Scope, resources []kv.IndexID, keys [][]byte) *PendingTxn {
	p := &PendingTxn{table: t}
	for i, idx := range resources {
		key := keys[i]
		l := t.getOrCreate(idx, key)
		l.mu.Lock()
		owns := l.exclusive != nil && l.exclusive.ID() == scope.ID()
		l.mu.Unlock()
		t.release(l)
		if owns {
			p.locks = append(p.locks, struct {
				index kv.IndexID
				key   []byte
			}{idx, key})
		}
	}
	return p
}

// Release completes a PendingTxn: every bundled exclusive lock is dropped.
func (p *PendingTxn) Release(scope Scope) {
	for _, lk := range p.locks {
		p.table.Unlock(scope, lk.index, lk.key)
	}
}
