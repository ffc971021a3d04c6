package trigger

import (
	"testing"

	"github.com/coredb/tupl/kv"
)

// memCursorIndex is a tiny test fixture wrapping kv.MemIndex so trigger
// tests can exercise real cursors without pulling in the engine package.
type memCursorIndex struct {
	t     *testing.T
	store *kv.MemIndex
}

func NewMemCursorIndex(t *testing.T) *memCursorIndex {
	return &memCursorIndex{t: t, store: kv.NewMemIndex()}
}

func (m *memCursorIndex) Put(key, value string) {
	if err := m.store.Put([]byte(key), []byte(value)); err != nil {
		m.t.Fatalf("put %q: %v", key, err)
	}
}
