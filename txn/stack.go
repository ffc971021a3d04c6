package txn

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/coredb/tupl/kv"
	"github.com/coredb/tupl/lock"
)

// IllegalStateError is the programmer-bug error family of spec.md §7: an
// empty stack, crossing a scope boundary, unlocking a non-immediate
// upgrade alone, or combining an acquire with an upgrade.
type IllegalStateError struct {
	Reason string
}

func (e *IllegalStateError) Error() string { return "txn: illegal state: " + e.Reason }

func illegal(reason string) error { return errors.WithStack(&IllegalStateError{Reason: reason}) }

// frame is one entry in a Locker's stack.
type frame struct {
	lk    *lock.Lock
	index kv.IndexID
	key   []byte
	mode  lock.Mode
}

// Locker is a scoped, single-threaded holder of locks: a Transaction or an
// ad-hoc locker. It implements lock.Scope so the lock.Table can identify it
// and walk its wait state during deadlock detection.
//
// Frame metadata (which frames are upgrades, which are grouped with the
// frame below) is packed one bit per frame into 64-bit words, one word per
// 64 frames — the cap spec.md's design notes call for so frame bookkeeping
// stays word-sized.
type Locker struct {
	id    lock.ScopeID
	table *lock.Table

	mu sync.Mutex
	frames []frame
	// nonImmediate marks frames pushed by AcquireUpgrade that did NOT
	// coalesce into the preceding frame — releasing one alone would lose
	// the pre-upgrade state, so unlock* on it must pop it first instead.
	nonImmediate []bool
	upgrades     []uint64 // bit i%64 of word i/64 set <=> frames[i] is an upgrade (coalesced or not)
	unlockGroup  []uint64 // bit i%64 of word i/64 set <=> frames[i] is grouped with frames[i-1]
	markers      []int    // frame-count snapshots at each ScopeEnter

	waitingFor *lock.Lock
	attachment interface{}

	defaultMode    lock.Mode
	defaultTimeout time.Duration

	bogus  bool
	borked error
}

// New returns a Locker bound to table, with id as its deadlock-detection identity.
func New(table *lock.Table, id lock.ScopeID) *Locker {
	return &Locker{
		id:             id,
		table:          table,
		defaultMode:    lock.Upgradable,
		defaultTimeout: 5 * time.Second,
	}
}

// bogusScope is the distinguished BOGUS transaction: its lock-acquire
// primitives are no-ops and it never fires triggers. Shared across callers;
// it is never mutated.
var bogusScope = &Locker{bogus: true}

// Bogus returns the shared no-locking, no-trigger scope used for internal
// (page allocator, trash-cursor) access that must never participate in 2PL.
func Bogus() *Locker { return bogusScope }

// IsBogus reports whether l is the distinguished BOGUS scope.
func (l *Locker) IsBogus() bool { return l.bogus }

// Bork permanently marks l borked after cause, the first time it is called;
// later calls return the original error. Every subsequent Commit/Rollback
// against l must check Borked and fail instead of proceeding.
func (l *Locker) Bork(cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.borked == nil {
		l.borked = &BorkedTransactionError{Cause: cause}
	}
	return l.borked
}

// Borked reports the error l was borked with, or nil if it never was.
func (l *Locker) Borked() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.borked
}

// --- lock.Scope ---

func (l *Locker) ID() lock.ScopeID { return l.id }

func (l *Locker) WaitingFor() *lock.Lock {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waitingFor
}

func (l *Locker) SetWaitingFor(lk *lock.Lock) {
	l.mu.Lock()
	l.waitingFor = lk
	l.mu.Unlock()
}

func (l *Locker) Attachment() interface{} { return l.attachment }

// SetAttachment stores opaque caller data surfaced in lock.TimeoutError.
func (l *Locker) SetAttachment(a interface{}) { l.attachment = a }

func bit(words []uint64, i int) bool {
	w := i / 64
	if w >= len(words) {
		return false
	}
	return words[w]&(1<<uint(i%64)) != 0
}

func setBit(words *[]uint64, i int, v bool) {
	w := i / 64
	for w >= len(*words) {
		*words = append(*words, 0)
	}
	if v {
		(*words)[w] |= 1 << uint(i%64)
	} else {
		(*words)[w] &^= 1 << uint(i%64)
	}
}

// Acquire locks (index, key) in mode, pushing a fresh frame on success. The
// BOGUS scope never touches the lock table and always reports Acquired.
func (l *Locker) Acquire(ctx context.Context, mode lock.Mode, index kv.IndexID, key []byte, timeout time.Duration) (lock.Result, error) {
	if l.bogus {
		return lock.Acquired, nil
	}
	res, err := l.table.TryLock(ctx, mode, l, index, key, timeout)
	if err != nil {
		return res, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res == lock.Acquired {
		l.push(frame{index: index, key: key, mode: mode})
	}
	// OWNED_* results mean the scope already had a frame; no new push.
	return res, nil
}

// AcquireUpgrade requests mode as an upgrade of an existing hold, per
// spec.md §4.2's coalescing rule.
func (l *Locker) AcquireUpgrade(ctx context.Context, mode lock.Mode, index kv.IndexID, key []byte, timeout time.Duration) (lock.Result, error) {
	if l.bogus {
		return lock.Acquired, nil
	}
	res, err := l.table.TryLock(ctx, mode, l, index, key, timeout)
	if err != nil {
		return res, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res == lock.Upgraded || res == lock.Acquired {
		l.pushUpgrade(index, key, mode)
	}
	return res, nil
}

func (l *Locker) push(f frame) {
	l.frames = append(l.frames, f)
}

// pushUpgrade coalesces into the immediately preceding frame for the same
// resource, or pushes a distinct "non-immediate upgrade" frame otherwise.
func (l *Locker) pushUpgrade(index kv.IndexID, key []byte, mode lock.Mode) {
	n := len(l.frames)
	if n > 0 && l.frames[n-1].index == index && string(l.frames[n-1].key) == string(key) {
		l.frames[n-1].mode = mode
		setBit(&l.upgrades, n-1, true)
		return
	}
	l.frames = append(l.frames, frame{index: index, key: key, mode: mode})
	for len(l.nonImmediate) < len(l.frames) {
		l.nonImmediate = append(l.nonImmediate, false)
	}
	l.nonImmediate[len(l.frames)-1] = true
	setBit(&l.upgrades, len(l.frames)-1, true)
}

func (l *Locker) innermostMarker() int {
	if len(l.markers) == 0 {
		return 0
	}
	return l.markers[len(l.markers)-1]
}

// groupStart returns the index of the earliest frame combined with the top
// frame via UnlockCombine, by walking unlockGroup bits downward.
func (l *Locker) groupStart(top int) int {
	i := top
	for i > 0 && bit(l.unlockGroup, i) {
		i--
	}
	return i
}

// Unlock releases the top frame (or its whole combine-group).
func (l *Locker) Unlock() error {
	if l.bogus {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.frames)
	if n <= l.innermostMarker() {
		return illegal("unlock with empty stack or stack belonging to a parent scope")
	}
	top := n - 1
	if l.isNonImmediate(top) {
		// Non-immediate upgrade: releasing it alone would lose the
		// pre-upgrade state the scope needs to remember.
		return illegal("cannot unlock a non-immediate upgrade frame alone")
	}
	start := l.groupStart(top)
	for i := n - 1; i >= start; i-- {
		f := l.frames[i]
		l.table.Unlock(l, f.index, f.key)
	}
	l.truncate(start)
	return nil
}

func (l *Locker) isNonImmediate(i int) bool {
	if i < 0 || i >= len(l.nonImmediate) {
		return false
	}
	return l.nonImmediate[i]
}

// UnlockToShared downgrades the top frame to Shared.
func (l *Locker) UnlockToShared() error {
	return l.unlockWeaken(func(idx kv.IndexID, key []byte) {
		l.table.UnlockToShared(l, idx, key)
	})
}

// UnlockToUpgradable downgrades the top frame (an exclusive hold) to Upgradable.
func (l *Locker) UnlockToUpgradable() error {
	return l.unlockWeaken(func(idx kv.IndexID, key []byte) {
		l.table.UnlockToUpgradable(l, idx, key)
	})
}

func (l *Locker) unlockWeaken(call func(kv.IndexID, []byte)) error {
	if l.bogus {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.frames)
	if n <= l.innermostMarker() {
		return illegal("unlock with empty stack or stack belonging to a parent scope")
	}
	top := n - 1
	f := l.frames[top]
	if l.isNonImmediate(top) {
		// Pop the pushed upgrade frame, reverting to the pre-upgrade state
		// recorded by an earlier frame, then weaken the table-level hold.
		l.truncate(top)
	} else {
		setBit(&l.upgrades, top, false)
	}
	call(f.index, f.key)
	return nil
}

// UnlockCombine marks the top frame as grouped with the one below it; both
// must be the same kind (both acquires or both upgrades).
func (l *Locker) UnlockCombine() error {
	if l.bogus {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.frames)
	if n-1 <= l.innermostMarker() {
		return illegal("unlock_combine needs two frames in the current scope")
	}
	top, below := n-1, n-2
	if bit(l.upgrades, top) != bit(l.upgrades, below) {
		return illegal("unlock_combine cannot mix an acquire with an upgrade")
	}
	setBit(&l.unlockGroup, top, true)
	return nil
}

func (l *Locker) truncate(n int) {
	l.frames = l.frames[:n]
	if len(l.nonImmediate) > n {
		l.nonImmediate = l.nonImmediate[:n]
	}
	last := len(l.frames) - 1
	for i := n; i <= last+64 && i/64 < len(l.upgrades); i++ {
		setBit(&l.upgrades, i, false)
		setBit(&l.unlockGroup, i, false)
	}
}

// ScopeEnter pushes a parent marker capturing the current stack top.
func (l *Locker) ScopeEnter() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.markers = append(l.markers, len(l.frames))
}

// ScopeExit releases everything pushed since the last ScopeEnter.
func (l *Locker) ScopeExit() error {
	l.mu.Lock()
	if len(l.markers) == 0 {
		l.mu.Unlock()
		return illegal("scope_exit without a matching scope_enter")
	}
	marker := l.markers[len(l.markers)-1]
	l.markers = l.markers[:len(l.markers)-1]
	frames := append([]frame(nil), l.frames[marker:]...)
	l.mu.Unlock()

	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		l.table.Unlock(l, f.index, f.key)
	}
	l.mu.Lock()
	l.truncate(marker)
	l.mu.Unlock()
	return nil
}

// ScopeUnlockAll releases everything pushed in the current sub-scope
// without exiting it (the marker stays in place, so the scope remains open
// and empty).
func (l *Locker) ScopeUnlockAll() error {
	l.mu.Lock()
	if len(l.markers) == 0 {
		l.mu.Unlock()
		return illegal("scope_unlock_all without an open sub-scope")
	}
	marker := l.markers[len(l.markers)-1]
	frames := append([]frame(nil), l.frames[marker:]...)
	l.mu.Unlock()

	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		l.table.Unlock(l, f.index, f.key)
	}
	l.mu.Lock()
	l.truncate(marker)
	l.mu.Unlock()
	return nil
}

// Promote reassigns every frame pushed in the current sub-scope to the
// parent, by dropping the marker without releasing anything.
func (l *Locker) Promote() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.markers) == 0 {
		return illegal("promote without an open sub-scope")
	}
	l.markers = l.markers[:len(l.markers)-1]
	return nil
}

// LastLockedIndex and LastLockedKey report the most recent acquisition,
// always the stack top (spec.md §5 ordering guarantees).
func (l *Locker) LastLockedIndex() (kv.IndexID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return 0, false
	}
	return l.frames[len(l.frames)-1].index, true
}

func (l *Locker) LastLockedKey() ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.frames) == 0 {
		return nil, false
	}
	return l.frames[len(l.frames)-1].key, true
}

// StackSize returns the number of held frames, for invariant checks in tests.
func (l *Locker) StackSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// TransferExclusive hands every exclusive frame in the current top scope to
// a PendingTxn and releases everything else immediately, for commit.
func (l *Locker) TransferExclusive() *lock.PendingTxn {
	l.mu.Lock()
	marker := l.innermostMarker()
	var exIdx []kv.IndexID
	var exKeys [][]byte
	var others []frame
	for i := marker; i < len(l.frames); i++ {
		f := l.frames[i]
		if f.mode == lock.Exclusive {
			exIdx = append(exIdx, f.index)
			exKeys = append(exKeys, f.key)
		} else {
			others = append(others, f)
		}
	}
	l.mu.Unlock()

	p := l.table.TransferExclusive(l, exIdx, exKeys)
	for _, f := range others {
		l.table.Unlock(l, f.index, f.key)
	}
	l.mu.Lock()
	l.truncate(marker)
	l.mu.Unlock()
	return p
}
