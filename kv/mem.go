package kv

import (
	"bytes"
	"sync"

	"github.com/coredb/tupl/bsearch"
)

// entry is one row of a MemIndex, kept in a slice sorted by Key.
type entry struct {
	key   []byte
	value []byte
}

// MemIndex is an in-memory Store/FragmentStore used for tests and for
// small side indexes (notably the trash index) that do not warrant
// page-level storage. Entries are kept sorted in a slice; lookups use the
// same binary search helper the teacher's B+Tree leaves use.
type MemIndex struct {
	mu      sync.RWMutex
	entries []entry
}

// NewMemIndex returns an empty index.
func NewMemIndex() *MemIndex {
	return &MemIndex{}
}

func (m *MemIndex) search(key []byte) (int, bool) {
	idx, err := bsearch.BinarySearchBy(len(m.entries), func(i int) int {
		return bytes.Compare(m.entries[i].key, key)
	})
	return idx, err == nil
}

func (m *MemIndex) Get(key []byte) (Value, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, found := m.search(key)
	if !found {
		return AbsentValue(), nil
	}
	return LoadedValue(append([]byte(nil), m.entries[idx].value...)), nil
}

func (m *MemIndex) Put(key []byte, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, found := m.search(key)
	v := append([]byte(nil), value...)
	if found {
		m.entries[idx].value = v
		return nil
	}
	m.entries = append(m.entries, entry{})
	copy(m.entries[idx+1:], m.entries[idx:])
	m.entries[idx] = entry{key: append([]byte(nil), key...), value: v}
	return nil
}

func (m *MemIndex) Delete(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, found := m.search(key)
	if !found {
		return false, nil
	}
	m.entries = append(m.entries[:idx], m.entries[idx+1:]...)
	return true, nil
}

func (m *MemIndex) NewCursor() Cursor {
	return &memCursor{idx: m}
}

// FragmentStore methods: InsertFragmented behaves like a strict insert
// (ErrExists on a duplicate key), the rest delegate to Get/Put/Delete.
func (m *MemIndex) InsertFragmented(key []byte, value []byte) error {
	m.mu.Lock()
	_, found := m.search(key)
	m.mu.Unlock()
	if found {
		return ErrExists
	}
	return m.Put(key, value)
}

// DeleteFragments releases the pages referenced by a fragmented value. The
// in-memory index has no pages to release; it is a no-op collaborator
// satisfying the FragmentStore contract for tests.
func (m *MemIndex) DeleteFragments(value []byte) error {
	return nil
}

func (m *MemIndex) Find(key []byte) ([]byte, bool, error) {
	v, err := m.Get(key)
	if err != nil {
		return nil, false, err
	}
	if v.IsAbsent() {
		return nil, false, nil
	}
	return v.Bytes, true, nil
}

type memCursor struct {
	idx *MemIndex
	pos int
	ok  bool
}

func (c *memCursor) First() (bool, error) {
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()
	c.pos = 0
	c.ok = len(c.idx.entries) > 0
	return c.ok, nil
}

func (c *memCursor) Last() (bool, error) {
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()
	c.pos = len(c.idx.entries) - 1
	c.ok = c.pos >= 0
	return c.ok, nil
}

func (c *memCursor) Next() (bool, error) {
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()
	if !c.ok {
		c.pos = 0
	} else {
		c.pos++
	}
	c.ok = c.pos >= 0 && c.pos < len(c.idx.entries)
	return c.ok, nil
}

func (c *memCursor) Prev() (bool, error) {
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()
	if !c.ok {
		c.pos = len(c.idx.entries) - 1
	} else {
		c.pos--
	}
	c.ok = c.pos >= 0 && c.pos < len(c.idx.entries)
	return c.ok, nil
}

func (c *memCursor) Seek(key []byte) (bool, error) {
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()
	idx, _ := c.idx.search(key)
	c.pos = idx
	c.ok = idx < len(c.idx.entries)
	return c.ok, nil
}

func (c *memCursor) Key() []byte {
	if !c.ok {
		return nil
	}
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()
	if c.pos < 0 || c.pos >= len(c.idx.entries) {
		return nil
	}
	return append([]byte(nil), c.idx.entries[c.pos].key...)
}

func (c *memCursor) Value() (Value, error) {
	if !c.ok {
		return AbsentValue(), nil
	}
	c.idx.mu.RLock()
	defer c.idx.mu.RUnlock()
	if c.pos < 0 || c.pos >= len(c.idx.entries) {
		return AbsentValue(), nil
	}
	return LoadedValue(append([]byte(nil), c.idx.entries[c.pos].value...)), nil
}
