package trigger

import (
	"bytes"

	"github.com/coredb/tupl/kv"
)

// View decorates the key/value/cursor an observer sees for a row,
// transforming the trigger's observed universe (spec.md §4.4). Views
// compose by wrapping an inner View: Base() is the identity view every
// chain starts from.
type View interface {
	// Decorate maps a raw (index) key/value mutation to the (dkey, dold,
	// dnew) an observer should see, or reports ok=false to suppress
	// firing entirely (out of bounds, filtered by a Transform).
	Decorate(key []byte, old, new kv.Value) (dkey []byte, dold, dnew kv.Value, ok bool)
	// WrapCursor decorates a raw cursor to match this view's semantics
	// (reversed traversal, bounded range, masked values, transformed
	// keys/values) for use inside an observer.
	WrapCursor(c kv.Cursor) kv.Cursor
}

type baseView struct{}

// Base returns the identity view: no bound, no transform, no masking.
func Base() View { return baseView{} }

func (baseView) Decorate(key []byte, old, new kv.Value) ([]byte, kv.Value, kv.Value, bool) {
	return key, old, new, true
}

func (baseView) WrapCursor(c kv.Cursor) kv.Cursor { return c }

// --- Reverse ---

type reverseView struct{ inner View }

// Reverse wraps inner so Next()/Prev() swap meaning: "next" visits the
// predecessor in unsigned key order (spec.md §4.4).
func Reverse(inner View) View { return reverseView{inner: inner} }

func (v reverseView) Decorate(key []byte, old, new kv.Value) ([]byte, kv.Value, kv.Value, bool) {
	return v.inner.Decorate(key, old, new)
}

func (v reverseView) WrapCursor(c kv.Cursor) kv.Cursor {
	return &reverseCursor{Cursor: v.inner.WrapCursor(c)}
}

type reverseCursor struct {
	kv.Cursor
}

func (r *reverseCursor) Next() (bool, error) { return r.Cursor.Prev() }
func (r *reverseCursor) Prev() (bool, error) { return r.Cursor.Next() }
func (r *reverseCursor) First() (bool, error) { return r.Cursor.Last() }
func (r *reverseCursor) Last() (bool, error)  { return r.Cursor.First() }

// --- Bounded (Ge / Lt / Prefix) ---

type boundedView struct {
	inner  View
	lo, hi []byte // hi is exclusive; either may be nil (unbounded)
	trim   int
}

// Ge bounds inner to keys >= lo (inclusive).
func Ge(inner View, lo []byte) View {
	return &boundedView{inner: inner, lo: lo}
}

// Lt bounds inner to keys < hi (exclusive).
func Lt(inner View, hi []byte) View {
	return &boundedView{inner: inner, hi: hi}
}

// Prefix bounds inner to keys sharing prefix p, visible to observers with
// the first trim bytes removed (spec.md §4.4: "the visible key may be the
// original key with a prefix trimmed").
func Prefix(inner View, p []byte, trim int) View {
	return &boundedView{inner: inner, lo: p, hi: prefixUpperBound(p), trim: trim}
}

// prefixUpperBound returns the smallest key strictly greater than every
// key with prefix p, or nil if p is all 0xff (unbounded above).
func prefixUpperBound(p []byte) []byte {
	up := append([]byte(nil), p...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xff {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}

func (v *boundedView) Decorate(key []byte, old, new kv.Value) ([]byte, kv.Value, kv.Value, bool) {
	dkey, dold, dnew, ok := v.inner.Decorate(key, old, new)
	if !ok {
		return nil, kv.Value{}, kv.Value{}, false
	}
	if v.lo != nil && bytes.Compare(dkey, v.lo) < 0 {
		return nil, kv.Value{}, kv.Value{}, false
	}
	if v.hi != nil && bytes.Compare(dkey, v.hi) >= 0 {
		return nil, kv.Value{}, kv.Value{}, false
	}
	if v.trim > 0 {
		if v.trim > len(dkey) {
			return nil, kv.Value{}, kv.Value{}, false
		}
		dkey = dkey[v.trim:]
	}
	return dkey, dold, dnew, true
}

func (v *boundedView) WrapCursor(c kv.Cursor) kv.Cursor {
	return &boundedCursor{Cursor: v.inner.WrapCursor(c), lo: v.lo, hi: v.hi}
}

// boundedCursor clamps traversal to [lo, hi): First() seeks to lo (or the
// smallest in-range key) and reports not-found if that position is out
// of bounds or empty (spec.md §8 scenario 3: "first() returns null" until
// the lower-bound key itself is stored).
type boundedCursor struct {
	kv.Cursor
	lo, hi []byte
}

func (b *boundedCursor) inBounds() (bool, error) {
	key := b.Cursor.Key()
	if key == nil {
		return false, nil
	}
	if b.lo != nil && bytes.Compare(key, b.lo) < 0 {
		return false, nil
	}
	if b.hi != nil && bytes.Compare(key, b.hi) >= 0 {
		return false, nil
	}
	return true, nil
}

func (b *boundedCursor) First() (bool, error) {
	var ok bool
	var err error
	if b.lo != nil {
		ok, err = b.Cursor.Seek(b.lo)
	} else {
		ok, err = b.Cursor.First()
	}
	if err != nil || !ok {
		return false, err
	}
	return b.inBounds()
}

func (b *boundedCursor) Last() (bool, error) {
	var ok bool
	var err error
	if b.hi != nil {
		ok, err = b.Cursor.Seek(b.hi)
		if err == nil && ok {
			ok, err = b.Cursor.Prev()
		} else if err == nil && !ok {
			ok, err = b.Cursor.Last()
		}
	} else {
		ok, err = b.Cursor.Last()
	}
	if err != nil || !ok {
		return false, err
	}
	return b.inBounds()
}

func (b *boundedCursor) Next() (bool, error) {
	ok, err := b.Cursor.Next()
	if err != nil || !ok {
		return false, err
	}
	return b.inBounds()
}

func (b *boundedCursor) Prev() (bool, error) {
	ok, err := b.Cursor.Prev()
	if err != nil || !ok {
		return false, err
	}
	return b.inBounds()
}

func (b *boundedCursor) Seek(key []byte) (bool, error) {
	ok, err := b.Cursor.Seek(key)
	if err != nil || !ok {
		return false, err
	}
	return b.inBounds()
}

// --- Keys (value-hiding) view ---

type keysView struct{ inner View }

// Keys wraps inner so the value an observer ever sees is Absent or
// NotLoaded, never the concrete bytes, even after an explicit load
// (spec.md §4.4, §8 scenario 4).
func Keys(inner View) View { return keysView{inner: inner} }

func (v keysView) Decorate(key []byte, old, new kv.Value) ([]byte, kv.Value, kv.Value, bool) {
	dkey, dold, dnew, ok := v.inner.Decorate(key, old, new)
	if !ok {
		return nil, kv.Value{}, kv.Value{}, false
	}
	return dkey, maskValue(dold), maskValue(dnew), true
}

func maskValue(v kv.Value) kv.Value {
	if v.IsAbsent() {
		return kv.AbsentValue()
	}
	return kv.NotLoadedValue()
}

func (v keysView) WrapCursor(c kv.Cursor) kv.Cursor {
	return &keysCursor{Cursor: v.inner.WrapCursor(c)}
}

type keysCursor struct {
	kv.Cursor
}

func (k *keysCursor) Value() (kv.Value, error) {
	v, err := k.Cursor.Value()
	if err != nil {
		return kv.Value{}, err
	}
	return maskValue(v), nil
}

// --- Transformed view ---

// Transform is the user hook a viewTransformed(T) installs (spec.md
// §4.4). TransformKey may filter a row out of the view entirely by
// returning ok=false.
type Transform interface {
	TransformKey(key []byte) (tkey []byte, ok bool)
	TransformValue(value kv.Value, key, tkey []byte) kv.Value
}

type transformedView struct {
	inner View
	t     Transform
}

// Transformed wraps inner with a user Transform. Per the resolved open
// question in SPEC_FULL.md §D, TransformValue is treated as pure and is
// re-invoked on every Load rather than memoized: a cursor with autoload
// off reports NotLoaded until an explicit load, at which point the
// transform runs against the freshly loaded bytes.
func Transformed(inner View, t Transform) View {
	return transformedView{inner: inner, t: t}
}

func (v transformedView) Decorate(key []byte, old, new kv.Value) ([]byte, kv.Value, kv.Value, bool) {
	dkey, dold, dnew, ok := v.inner.Decorate(key, old, new)
	if !ok {
		return nil, kv.Value{}, kv.Value{}, false
	}
	tkey, ok := v.t.TransformKey(dkey)
	if !ok {
		return nil, kv.Value{}, kv.Value{}, false
	}
	if dold.IsLoaded() {
		dold = v.t.TransformValue(dold, dkey, tkey)
	}
	if dnew.IsLoaded() {
		dnew = v.t.TransformValue(dnew, dkey, tkey)
	}
	return tkey, dold, dnew, true
}

func (v transformedView) WrapCursor(c kv.Cursor) kv.Cursor {
	return &transformedCursor{Cursor: v.inner.WrapCursor(c), t: v.t}
}

type transformedCursor struct {
	kv.Cursor
	t Transform
}

func (tc *transformedCursor) Key() []byte {
	key := tc.Cursor.Key()
	if key == nil {
		return nil
	}
	tkey, ok := tc.t.TransformKey(key)
	if !ok {
		return nil
	}
	return tkey
}

// Value re-runs the transform every call, never caching across loads, so
// a cursor with autoload off sees the transform applied the moment it
// explicitly loads (see Transformed's doc comment).
func (tc *transformedCursor) Value() (kv.Value, error) {
	v, err := tc.Cursor.Value()
	if err != nil || !v.IsLoaded() {
		return v, err
	}
	key := tc.Cursor.Key()
	tkey, ok := tc.t.TransformKey(key)
	if !ok {
		return kv.AbsentValue(), nil
	}
	return tc.t.TransformValue(v, key, tkey), nil
}
