// Package trigger implements the per-index LIFO observer chain and the
// view decorators that transform what a chain observes (spec.md §4.4): a
// store fires every registered observer, most-recently-registered first,
// each seeing the mutation as if earlier observers had not run.
package trigger

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/coredb/tupl/kv"
)

// IllegalStateError reports a trigger-list misuse: removing a handle that
// was never registered, or was already removed (spec.md §7).
type IllegalStateError struct {
	Handle Handle
}

func (e *IllegalStateError) Error() string {
	return "trigger: illegal state: unknown handle"
}

// Handle identifies a registered observer for later removal. Comparable by
// identity, the same shape as the teacher's RID: an opaque value the
// caller stores and hands back, never interpreted.
type Handle uint64

// Context carries the cursor position and before/after values an observer
// inspects for a single firing (spec.md §4.4's "cursor positioned at the
// key, the incoming new value, the original value from the cursor").
type Context struct {
	Index  kv.IndexID
	Cursor kv.Cursor
	Key    []byte
	Old    kv.Value
	New    kv.Value
}

// Observer is the minimal contract every registered trigger satisfies:
// called immediately before the underlying store completes. Observers
// must not mutate ctx.New's backing array or reposition ctx.Cursor beyond
// a cloned copy (spec.md §4.4) — this is a caller contract, not one the
// list enforces.
type Observer interface {
	Store(ctx *Context) error
}

// LengthObserver is an optional extension an Observer implements to
// override the default value_length dispatch (load + resize + Store),
// e.g. a pure key-view observer that never needs the real bytes.
type LengthObserver interface {
	ValueLength(ctx *Context, newLength int64) error
}

// WriteObserver overrides the default value_write dispatch.
type WriteObserver interface {
	ValueWrite(ctx *Context, pos int64, buf []byte, off, length int) error
}

// ClearObserver overrides the default value_clear dispatch.
type ClearObserver interface {
	ValueClear(ctx *Context, pos, length int64) error
}

type node struct {
	handle   Handle
	observer Observer
	next     *node
}

// List is a LIFO observer chain for one index or view. Add prepends (the
// teacher's intrusive singly-linked list shape, spec.md §9): the most
// recently added observer is always fired first.
type List struct {
	mu       sync.Mutex
	head     *node
	nextID   uint64
	observed int64 // total fires, for tests asserting LIFO ordering via counters
}

// NewList returns an empty observer chain.
func NewList() *List {
	return &List{}
}

// Add registers observer at the head of the chain and returns a handle
// for later removal.
func (l *List) Add(observer Observer) Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	h := Handle(l.nextID)
	l.head = &node{handle: h, observer: observer, next: l.head}
	return h
}

// Remove deletes the exact entry named by h. An unknown handle is a
// programmer bug (spec.md §7 IllegalState).
func (l *List) Remove(h Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var prev *node
	for n := l.head; n != nil; n = n.next {
		if n.handle == h {
			if prev == nil {
				l.head = n.next
			} else {
				prev.next = n.next
			}
			return nil
		}
		prev = n
	}
	return errors.WithStack(&IllegalStateError{Handle: h})
}

// snapshot copies the current chain under the latch so firing can run
// without holding it (an observer may itself call Add/Remove).
func (l *List) snapshot() []Observer {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Observer
	for n := l.head; n != nil; n = n.next {
		out = append(out, n.observer)
	}
	return out
}

// Fire invokes every registered observer's Store in LIFO order with ctx.
// Stops and returns the first error (spec.md §4.4: "immediately before
// any store/commit/value-write"; a trigger error aborts the mutation).
func (l *List) Fire(ctx *Context) error {
	for _, o := range l.snapshot() {
		if err := o.Store(ctx); err != nil {
			return err
		}
		atomic.AddInt64(&l.observed, 1)
	}
	return nil
}

// FireView decorates (key, old, new) through view and, if the view keeps
// the row in scope, fires every observer with the decorated cursor/key/
// values. A view that suppresses the row (out of bounds, filtered by a
// Transform) reports no firing at all, not an error.
func (l *List) FireView(index kv.IndexID, view View, cursor kv.Cursor, key []byte, old, new kv.Value) error {
	dkey, dold, dnew, ok := view.Decorate(key, old, new)
	if !ok {
		return nil
	}
	ctx := &Context{Index: index, Cursor: view.WrapCursor(cursor), Key: dkey, Old: dold, New: dnew}
	return l.Fire(ctx)
}

// FireValueLength dispatches value_length: observers implementing
// LengthObserver handle it directly, everything else gets the default
// load+resize+Store path (spec.md §4.4).
func (l *List) FireValueLength(ctx *Context, newLength int64) error {
	for _, o := range l.snapshot() {
		if lo, ok := o.(LengthObserver); ok {
			if err := lo.ValueLength(ctx, newLength); err != nil {
				return err
			}
			continue
		}
		dctx, err := DefaultValueLength(ctx, newLength)
		if err != nil {
			return err
		}
		if err := o.Store(dctx); err != nil {
			return err
		}
	}
	return nil
}

// FireValueWrite dispatches value_write, the WriteObserver analogue of FireValueLength.
func (l *List) FireValueWrite(ctx *Context, pos int64, buf []byte, off, length int) error {
	for _, o := range l.snapshot() {
		if wo, ok := o.(WriteObserver); ok {
			if err := wo.ValueWrite(ctx, pos, buf, off, length); err != nil {
				return err
			}
			continue
		}
		dctx, err := DefaultValueWrite(ctx, pos, buf, off, length)
		if err != nil {
			return err
		}
		if err := o.Store(dctx); err != nil {
			return err
		}
	}
	return nil
}

// FireValueClear dispatches value_clear, the ClearObserver analogue of FireValueLength.
func (l *List) FireValueClear(ctx *Context, pos, length int64) error {
	for _, o := range l.snapshot() {
		if co, ok := o.(ClearObserver); ok {
			if err := co.ValueClear(ctx, pos, length); err != nil {
				return err
			}
			continue
		}
		dctx, err := DefaultValueClear(ctx, pos, length)
		if err != nil {
			return err
		}
		if err := o.Store(dctx); err != nil {
			return err
		}
	}
	return nil
}

// Observed returns the number of Store calls this list has dispatched
// through Fire and FireView, for tests asserting LIFO fan-out counts
// (spec.md §8 scenario 1). Store calls made by FireValueLength,
// FireValueWrite and FireValueClear are not counted.
func (l *List) Observed() int64 {
	return atomic.LoadInt64(&l.observed)
}

// Op names the mutation kind a firing attempt represents, used by
// ShouldFire to decide whether it is a no-op the engine should collapse
// (spec.md §4.4 firing rules).
type Op int

const (
	// OpStore is an unconditional store: always fires (subject to bogus).
	OpStore Op = iota
	// OpInsert is a no-op (doesn't fire) if the key already has a value.
	OpInsert
	// OpReplace is a no-op if the key currently has no value.
	OpReplace
	// OpUpdate is a no-op if the current value differs from the expected old one.
	OpUpdate
	// OpDelete is a no-op if the key already has no value.
	OpDelete
)

// ShouldFire applies spec.md §4.4's firing rule: the BOGUS transaction
// never fires triggers, and no-op mutations (insert-that-exists,
// replace-that-doesn't-exist, update-with-stale-old, delete-of-absent)
// don't either. current is the row's value before the mutation; old is
// the value the caller expected to be replacing (only meaningful for
// OpUpdate).
func ShouldFire(bogus bool, op Op, current, old kv.Value) bool {
	if bogus {
		return false
	}
	switch op {
	case OpInsert:
		return current.IsAbsent()
	case OpReplace:
		return !current.IsAbsent()
	case OpUpdate:
		return sameValue(current, old)
	case OpDelete:
		return !current.IsAbsent()
	default:
		return true
	}
}

func sameValue(a, b kv.Value) bool {
	if a.State != b.State {
		return false
	}
	if a.State != kv.Loaded {
		return true
	}
	if len(a.Bytes) != len(b.Bytes) {
		return false
	}
	for i := range a.Bytes {
		if a.Bytes[i] != b.Bytes[i] {
			return false
		}
	}
	return true
}

// DefaultValueLength implements the value_length default: load the
// current value, build the resized post-mutation value (zero-extended or
// truncated), and return a Context ready to pass to Observer.Store.
func DefaultValueLength(ctx *Context, newLength int64) (*Context, error) {
	cur, err := ctx.Cursor.Value()
	if err != nil {
		return nil, err
	}
	var buf []byte
	if cur.IsLoaded() {
		buf = cur.Bytes
	}
	resized := make([]byte, newLength)
	copy(resized, buf)
	nctx := *ctx
	nctx.Old = cur
	nctx.New = kv.LoadedValue(resized)
	return &nctx, nil
}

// DefaultValueWrite implements the value_write default: load, patch the
// byte range [pos, pos+length) from buf[off:off+length], extending with
// zeros if the write runs past the current end, then return a Context
// for Observer.Store.
func DefaultValueWrite(ctx *Context, pos int64, buf []byte, off, length int) (*Context, error) {
	cur, err := ctx.Cursor.Value()
	if err != nil {
		return nil, err
	}
	var base []byte
	if cur.IsLoaded() {
		base = append([]byte(nil), cur.Bytes...)
	}
	end := int(pos) + length
	if end > len(base) {
		grown := make([]byte, end)
		copy(grown, base)
		base = grown
	}
	copy(base[pos:end], buf[off:off+length])
	nctx := *ctx
	nctx.Old = cur
	nctx.New = kv.LoadedValue(base)
	return &nctx, nil
}

// DefaultValueClear implements the value_clear default: load, zero the
// byte range [pos, pos+length), extending with zeros first if needed,
// then return a Context for Observer.Store.
func DefaultValueClear(ctx *Context, pos, length int64) (*Context, error) {
	cur, err := ctx.Cursor.Value()
	if err != nil {
		return nil, err
	}
	var base []byte
	if cur.IsLoaded() {
		base = append([]byte(nil), cur.Bytes...)
	}
	end := pos + length
	if int64(len(base)) < end {
		grown := make([]byte, end)
		copy(grown, base)
		base = grown
	}
	for i := pos; i < end; i++ {
		base[i] = 0
	}
	nctx := *ctx
	nctx.Old = cur
	nctx.New = kv.LoadedValue(base)
	return &nctx, nil
}
