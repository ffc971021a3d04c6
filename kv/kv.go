// Package kv defines the abstract storage contracts the transactional core
// consumes: an index-id+key to bytes mutable store with cursors, and a
// byte-addressable fragmented-value side store. Page layout, allocation and
// durable writeback belong to a real backing store (see btree/buffer/disk)
// and are never interpreted here.
package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrExists is returned by InsertFragmented when the key is already present.
	ErrExists = errors.New("kv: key already exists")
	// ErrNotFound is returned when a key has no entry.
	ErrNotFound = errors.New("kv: key not found")
)

// LargeValueError reports a value_length request for a length this
// platform's int cannot address (spec.md §7's LargeValue kind).
type LargeValueError struct {
	Requested int64
}

func (e *LargeValueError) Error() string {
	return fmt.Sprintf("kv: requested length %d exceeds platform int max", e.Requested)
}

// IndexID names a logical key space. Pairs (IndexID, Key) name a lockable resource.
type IndexID uint64

// ValueState distinguishes a concretely loaded value from one that is
// known absent or merely not-yet-loaded (the NOT_LOADED sentinel of spec.md §9).
type ValueState int

const (
	// Absent means the key has no value (a delete, or never stored).
	Absent ValueState = iota
	// NotLoaded means a value exists but its bytes were not fetched.
	NotLoaded
	// Loaded means Bytes holds the concrete value.
	Loaded
)

// Value is the tri-state row value observers and cursors see.
type Value struct {
	State ValueState
	Bytes []byte
}

// LoadedValue wraps concrete bytes.
func LoadedValue(b []byte) Value { return Value{State: Loaded, Bytes: b} }

// AbsentValue is the canonical absent value.
func AbsentValue() Value { return Value{State: Absent} }

// NotLoadedValue is the canonical not-loaded sentinel.
func NotLoadedValue() Value { return Value{State: NotLoaded} }

// IsAbsent reports whether the value represents no row.
func (v Value) IsAbsent() bool { return v.State == Absent }

// IsLoaded reports whether Bytes is meaningful.
func (v Value) IsLoaded() bool { return v.State == Loaded }

// Store is the raw mutable store behind an Index: positionable cursors over
// ordered (unsigned-lexicographic) keys, plus direct point operations used
// by the trash/undo coupling which never goes through locking or triggers.
type Store interface {
	// Get returns the value at key, or Absent if missing.
	Get(key []byte) (Value, error)
	// Put writes key to the given bytes unconditionally (insert or overwrite).
	Put(key []byte, value []byte) error
	// Delete removes key; ok is false if it was already absent.
	Delete(key []byte) (ok bool, err error)
	// NewCursor returns a cursor positioned before the first entry.
	NewCursor() Cursor
}

// Cursor walks a Store in unsigned-lexicographic key order.
type Cursor interface {
	// First positions at the smallest key; ok is false if the store is empty.
	First() (ok bool, err error)
	// Last positions at the largest key.
	Last() (ok bool, err error)
	// Next advances to the next key in order.
	Next() (ok bool, err error)
	// Prev moves to the previous key in order.
	Prev() (ok bool, err error)
	// Seek positions at key, or the smallest key greater than it if absent.
	Seek(key []byte) (ok bool, err error)
	// Key returns the key at the current position. Nil if unpositioned.
	Key() []byte
	// Value returns the value at the current position.
	Value() (Value, error)
}

// FragmentStore is the byte-addressable side store for large values: the
// trash index, and the target index a fragmented reclaim writes back into.
// It is deliberately narrower than Store: no cursor, no locking, used by
// the BOGUS (internal, non-transactional) access path.
type FragmentStore interface {
	InsertFragmented(key []byte, value []byte) error
	DeleteFragments(value []byte) error
	Find(key []byte) ([]byte, bool, error)
	Delete(key []byte) (bool, error)
}
