// Package lock implements the scoped, per-transaction lock manager: hashed
// shards of keyed locks over (index-id, key) pairs with shared / upgradable
// / exclusive modes, wait queues and latch-free deadlock detection.
package lock

import (
	"sync"

	"github.com/coredb/tupl/kv"
)

// Mode is a lock's requested or held strength.
type Mode int

const (
	// Shared allows concurrent readers; incompatible with Exclusive.
	Shared Mode = iota
	// Upgradable is a distinguished shared holder: it may later upgrade to
	// Exclusive without another upgradable request being able to interpose.
	Upgradable
	// Exclusive is a single writer; incompatible with everything else.
	Exclusive
)

func (m Mode) String() string {
	switch m {
	case Shared:
		return "SHARED"
	case Upgradable:
		return "UPGRADABLE"
	case Exclusive:
		return "EXCLUSIVE"
	default:
		return "UNKNOWN"
	}
}

// Result is the sum of outcomes a lock request may report (spec.md §3, §6).
type Result int

const (
	Acquired Result = iota
	Upgraded
	OwnedShared
	OwnedUpgradable
	OwnedExclusive
	Unowned
	TimedOut
	Illegal
	Interrupted
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "ACQUIRED"
	case Upgraded:
		return "UPGRADED"
	case OwnedShared:
		return "OWNED_SHARED"
	case OwnedUpgradable:
		return "OWNED_UPGRADABLE"
	case OwnedExclusive:
		return "OWNED_EXCLUSIVE"
	case Unowned:
		return "UNOWNED"
	case TimedOut:
		return "TIMED_OUT_LOCK"
	case Illegal:
		return "ILLEGAL"
	case Interrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

// Held reports whether r represents the caller actually holding the lock
// afterwards (the ACQUIRED/OWNED*/UPGRADED family).
func (r Result) Held() bool {
	switch r {
	case Acquired, Upgraded, OwnedShared, OwnedUpgradable, OwnedExclusive:
		return true
	default:
		return false
	}
}

// ScopeID identifies a LockScope (transaction or ad-hoc locker) for the
// purposes of ownership bookkeeping and deadlock detection. It is the
// "handle" spec.md's design notes call for instead of a true owning pointer.
type ScopeID uint64

// Scope is the minimal contract the lock manager needs from a LockScope: an
// identity, the lock it is currently blocked on (if any), and an opaque
// attachment surfaced in timeout errors. txn.Locker implements this.
type Scope interface {
	ID() ScopeID
	WaitingFor() *Lock
	SetWaitingFor(*Lock)
	Attachment() interface{}
}

// ResourceID names a lockable (index-id, key) pair.
type ResourceID struct {
	Index kv.IndexID
	Key   string // raw key bytes, used as a map key; never interpreted.
}

// waiter is one entry in a Lock's FIFO wait queue. result is filled in by
// the granter (under l.mu) before ch is closed, so the waiter never has to
// re-derive what it was granted.
type waiter struct {
	scope  Scope
	mode   Mode
	ch     chan struct{}
	result Result
}

// Lock is a record for a contended or held resource: at most one exclusive
// owner; if shared owners are non-empty there is no exclusive owner;
// upgradable is a distinguished shared owner that denies further
// upgradables (spec.md §3).
type Lock struct {
	id   ResourceID
	hash uint64

	mu         sync.Mutex // guards the fields below; distinct from the shard latch
	exclusive  Scope
	shared     map[ScopeID]Scope
	upgradable Scope
	waiters    []*waiter

	refs int // in-flight TryLock calls holding this pointer; at zero the table reclaims it if isFree
}

func newLock(id ResourceID, hash uint64) *Lock {
	return &Lock{
		id:     id,
		hash:   hash,
		shared: make(map[ScopeID]Scope),
	}
}

// Key returns the resource this lock guards, for deadlock reporting.
func (l *Lock) Key() ResourceID {
	return l.id
}

func (l *Lock) isFree() bool {
	return l.exclusive == nil && len(l.shared) == 0 && l.upgradable == nil && len(l.waiters) == 0
}

// owners returns every scope currently holding l in any mode, for the
// deadlock detector's wait-graph expansion.
func (l *Lock) owners() []Scope {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Scope
	if l.exclusive != nil {
		out = append(out, l.exclusive)
	}
	if l.upgradable != nil {
		out = append(out, l.upgradable)
	}
	for _, s := range l.shared {
		if l.upgradable != nil && s.ID() == l.upgradable.ID() {
			continue
		}
		out = append(out, s)
	}
	return out
}

// tryAcquireLocked attempts to grant mode to scope given the lock's current
// state. Caller must hold l.mu. It never blocks and never enqueues: it
// grants the mode when compatible (or reports an existing hold or an
// illegal request), and returns -1 when the caller would have to wait.
func (l *Lock) tryAcquireLocked(mode Mode, scope Scope) Result {
	switch mode {
	case Shared:
		return l.tryShared(scope)
	case Upgradable:
		return l.tryUpgradable(scope)
	case Exclusive:
		return l.tryExclusive(scope)
	default:
		return Illegal
	}
}

func (l *Lock) tryShared(scope Scope) Result {
	if l.exclusive != nil && l.exclusive.ID() == scope.ID() {
		return OwnedExclusive
	}
	if _, ok := l.shared[scope.ID()]; ok {
		if l.upgradable != nil && l.upgradable.ID() == scope.ID() {
			return OwnedUpgradable
		}
		return OwnedShared
	}
	if l.exclusive == nil {
		l.shared[scope.ID()] = scope
		return Acquired
	}
	return -1 // must wait
}

func (l *Lock) tryUpgradable(scope Scope) Result {
	if l.exclusive != nil && l.exclusive.ID() == scope.ID() {
		return OwnedExclusive
	}
	if l.upgradable != nil {
		if l.upgradable.ID() == scope.ID() {
			return OwnedUpgradable
		}
		if _, ok := l.shared[scope.ID()]; ok {
			return Illegal
		}
		return -1
	}
	if _, ok := l.shared[scope.ID()]; ok {
		// LENIENT: a sole shared holder may upgrade in place.
		if len(l.shared) == 1 {
			l.upgradable = scope
			return Upgraded
		}
		return Illegal
	}
	if l.exclusive == nil {
		l.shared[scope.ID()] = scope
		l.upgradable = scope
		return Acquired
	}
	return -1
}

func (l *Lock) tryExclusive(scope Scope) Result {
	if l.exclusive != nil {
		if l.exclusive.ID() == scope.ID() {
			return OwnedExclusive
		}
		return -1
	}
	if l.upgradable != nil && l.upgradable.ID() == scope.ID() {
		if len(l.shared) == 1 {
			delete(l.shared, scope.ID())
			l.upgradable = nil
			l.exclusive = scope
			return Upgraded
		}
		return -1
	}
	if _, ok := l.shared[scope.ID()]; ok {
		// Direct shared -> exclusive is forbidden; callers must go through upgradable.
		return Illegal
	}
	if len(l.shared) == 0 && l.upgradable == nil {
		l.exclusive = scope
		return Acquired
	}
	return -1
}
