package engine

import (
	"context"
	"math"
	"time"

	"github.com/coredb/tupl/kv"
	"github.com/coredb/tupl/lock"
	"github.com/coredb/tupl/trigger"
	"github.com/coredb/tupl/txn"
)

// Index is an open, named kv.Store plus the LIFO observer chain
// registered on it (spec.md §4.4's "each index carries a LIFO observer list").
type Index struct {
	id       kv.IndexID
	store    kv.Store
	triggers *trigger.List
	db       *Database
}

// ID returns the index's identity, used as the first half of every
// lockable resource this index's mutations touch.
func (ix *Index) ID() kv.IndexID { return ix.id }

// AddTrigger registers observer at the head of this index's chain.
func (ix *Index) AddTrigger(observer trigger.Observer) trigger.Handle {
	return ix.triggers.Add(observer)
}

// RemoveTrigger deregisters the observer named by h.
func (ix *Index) RemoveTrigger(h trigger.Handle) error {
	return ix.triggers.Remove(h)
}

// Cursor returns a mutation handle bound to scope (a transaction's
// txn.Locker, or the database's Bogus scope for non-transactional
// access) and txnID (the trash-record prefix; ignored for the bogus
// scope, which never accumulates trash).
func (ix *Index) Cursor(scope *txn.Locker, txnID txn.ID) *Cursor {
	return &Cursor{index: ix, scope: scope, txnID: uint64(txnID), view: trigger.Base()}
}

// Cursor is a scoped mutation handle implementing the trigger-observed,
// trash-coupled write protocol of spec.md §2/§4.4/§4.5.
type Cursor struct {
	index *Index
	scope *txn.Locker
	txnID uint64
	view  trigger.View
}

// WithView returns a copy of c that decorates trigger observation
// through v (spec.md §4.4's view decorators), without changing which
// index or scope c writes through.
func (c *Cursor) WithView(v trigger.View) *Cursor {
	nc := *c
	nc.view = v
	return &nc
}

// mutate implements spec.md §2's per-row protocol: acquire an exclusive
// lock, decide whether the attempt is transactional and non-no-op
// (spec.md §4.4 firing rules), fire the observer chain through c.view if
// so, trash the old value if it's large enough to warrant the undo
// coupling, then perform the write. It does not enforce insert/replace
// key-existence semantics beyond the trigger firing decision — that
// bookkeeping belongs to the real index (table/catalog), out of this
// core's scope.
func (c *Cursor) mutate(ctx context.Context, op trigger.Op, key []byte, old, new kv.Value, timeout time.Duration) (kv.Value, error) {
	if _, err := c.scope.Acquire(ctx, lock.Exclusive, c.index.id, key, timeout); err != nil {
		return kv.Value{}, err
	}

	current, err := c.index.store.Get(key)
	if err != nil {
		return kv.Value{}, err
	}

	if trigger.ShouldFire(c.scope.IsBogus(), op, current, old) {
		observed := c.index.store.NewCursor()
		if _, err := observed.Seek(key); err != nil {
			return kv.Value{}, err
		}
		if err := c.index.triggers.FireView(c.index.id, c.view, observed, key, current, new); err != nil {
			return kv.Value{}, err
		}
	}

	if !c.scope.IsBogus() && current.IsLoaded() && len(current.Bytes) >= c.index.db.threshold && !new.IsAbsent() {
		if err := c.index.db.trash.Add(c.txnID, c.index.id, key, current.Bytes); err != nil {
			return kv.Value{}, c.scope.Bork(err)
		}
	}

	if new.IsAbsent() {
		if _, err := c.index.store.Delete(key); err != nil {
			return kv.Value{}, err
		}
	} else if err := c.index.store.Put(key, new.Bytes); err != nil {
		return kv.Value{}, err
	}
	return current, nil
}

// Insert stores value at key; the trigger fires only if key has no
// current value (spec.md §4.4's "insert where the key already exists" no-op).
func (c *Cursor) Insert(ctx context.Context, key, value []byte, timeout time.Duration) error {
	_, err := c.mutate(ctx, trigger.OpInsert, key, kv.Value{}, kv.LoadedValue(value), timeout)
	return err
}

// Replace stores value at key; the trigger fires only if key currently
// has a value (the "replace where it doesn't" no-op).
func (c *Cursor) Replace(ctx context.Context, key, value []byte, timeout time.Duration) error {
	_, err := c.mutate(ctx, trigger.OpReplace, key, kv.Value{}, kv.LoadedValue(value), timeout)
	return err
}

// Update stores newValue at key only (for trigger-firing purposes) if
// the current value equals old; a stale old is the no-op spec.md §4.4 describes.
func (c *Cursor) Update(ctx context.Context, key, old, newValue []byte, timeout time.Duration) error {
	_, err := c.mutate(ctx, trigger.OpUpdate, key, kv.LoadedValue(old), kv.LoadedValue(newValue), timeout)
	return err
}

// Delete removes key; the trigger fires only if key currently has a value.
func (c *Cursor) Delete(ctx context.Context, key []byte, timeout time.Duration) error {
	_, err := c.mutate(ctx, trigger.OpDelete, key, kv.Value{}, kv.AbsentValue(), timeout)
	return err
}

// Store unconditionally writes value at key; the trigger always fires
// (subject only to the BOGUS scope's silence).
func (c *Cursor) Store(ctx context.Context, key, value []byte, timeout time.Duration) error {
	_, err := c.mutate(ctx, trigger.OpStore, key, kv.Value{}, kv.LoadedValue(value), timeout)
	return err
}

// Exchange stores value at key and returns the value it replaced,
// matching spec.md §8 scenario 2's exchange(txn, key, value) -> old.
func (c *Cursor) Exchange(ctx context.Context, key, value []byte, timeout time.Duration) (kv.Value, error) {
	return c.mutate(ctx, trigger.OpStore, key, kv.Value{}, kv.LoadedValue(value), timeout)
}

// ValueLength implements value_length: it acquires the lock, then collapses
// a resize that doesn't change byte content (same length) without firing
// or writing (spec.md §4.4); otherwise it dispatches through the
// observer chain's FireValueLength (honoring any LengthObserver
// override; skipped for the BOGUS scope), and performs the resize.
func (c *Cursor) ValueLength(ctx context.Context, key []byte, newLength int64, timeout time.Duration) error {
	if newLength < 0 || newLength > int64(math.MaxInt) {
		return &kv.LargeValueError{Requested: newLength}
	}
	if _, err := c.scope.Acquire(ctx, lock.Exclusive, c.index.id, key, timeout); err != nil {
		return err
	}

	observed := c.index.store.NewCursor()
	if _, err := observed.Seek(key); err != nil {
		return err
	}
	cur, err := observed.Value()
	if err != nil {
		return err
	}
	if cur.IsLoaded() && int64(len(cur.Bytes)) == newLength {
		return nil
	}

	fctx := &trigger.Context{Index: c.index.id, Cursor: observed, Key: key, Old: cur}
	if !c.scope.IsBogus() {
		if err := c.index.triggers.FireValueLength(fctx, newLength); err != nil {
			return err
		}
	}
	resized, err := trigger.DefaultValueLength(fctx, newLength)
	if err != nil {
		return err
	}
	return c.index.store.Put(key, resized.New.Bytes)
}

// ValueWrite implements value_write: patch buf[off:off+length] into the
// value at key starting at byte pos, firing through FireValueWrite.
func (c *Cursor) ValueWrite(ctx context.Context, key []byte, pos int64, buf []byte, off, length int, timeout time.Duration) error {
	if _, err := c.scope.Acquire(ctx, lock.Exclusive, c.index.id, key, timeout); err != nil {
		return err
	}

	observed := c.index.store.NewCursor()
	if _, err := observed.Seek(key); err != nil {
		return err
	}
	cur, err := observed.Value()
	if err != nil {
		return err
	}

	fctx := &trigger.Context{Index: c.index.id, Cursor: observed, Key: key, Old: cur}
	if !c.scope.IsBogus() {
		if err := c.index.triggers.FireValueWrite(fctx, pos, buf, off, length); err != nil {
			return err
		}
	}
	patched, err := trigger.DefaultValueWrite(fctx, pos, buf, off, length)
	if err != nil {
		return err
	}
	return c.index.store.Put(key, patched.New.Bytes)
}

// ValueClear implements value_clear: zero the byte range [pos, pos+length)
// of the value at key, firing through FireValueClear.
func (c *Cursor) ValueClear(ctx context.Context, key []byte, pos, length int64, timeout time.Duration) error {
	if _, err := c.scope.Acquire(ctx, lock.Exclusive, c.index.id, key, timeout); err != nil {
		return err
	}

	observed := c.index.store.NewCursor()
	if _, err := observed.Seek(key); err != nil {
		return err
	}
	cur, err := observed.Value()
	if err != nil {
		return err
	}

	fctx := &trigger.Context{Index: c.index.id, Cursor: observed, Key: key, Old: cur}
	if !c.scope.IsBogus() {
		if err := c.index.triggers.FireValueClear(fctx, pos, length); err != nil {
			return err
		}
	}
	cleared, err := trigger.DefaultValueClear(fctx, pos, length)
	if err != nil {
		return err
	}
	return c.index.store.Put(key, cleared.New.Bytes)
}
