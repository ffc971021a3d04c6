package kv

import (
	"github.com/pkg/errors"

	"github.com/coredb/tupl/btree"
	"github.com/coredb/tupl/buffer"
)

// BTreeIndex adapts the teacher's page-backed B+Tree (btree.BTree over a
// buffer.BufferPoolManager) to the Store contract this core drives its
// protocol through. Page layout and allocation stay entirely inside
// btree/buffer/disk, out of this core's scope (spec.md §1); this file only
// translates between Go []byte keys/values and that collaborator's API,
// the same role the teacher's table/catalog packages play over btree.
type BTreeIndex struct {
	tree   *btree.BTree
	bufmgr *buffer.BufferPoolManager
}

// NewBTreeIndex creates a fresh B+Tree backed by bufmgr.
func NewBTreeIndex(bufmgr *buffer.BufferPoolManager) (*BTreeIndex, error) {
	tree, err := btree.CreateBTree(bufmgr)
	if err != nil {
		return nil, err
	}
	return &BTreeIndex{tree: tree, bufmgr: bufmgr}, nil
}

// OpenBTreeIndex reopens a B+Tree whose meta page is already on disk.
func OpenBTreeIndex(bufmgr *buffer.BufferPoolManager, meta btree.BTree) *BTreeIndex {
	t := meta
	return &BTreeIndex{tree: &t, bufmgr: bufmgr}
}

func (b *BTreeIndex) Get(key []byte) (Value, error) {
	it, err := b.tree.Search(b.bufmgr, btree.NewSearchModeKey(key))
	if err != nil {
		return Value{}, err
	}
	gotKey, value, ok := it.Get()
	if !ok || string(gotKey) != string(key) {
		return AbsentValue(), nil
	}
	return LoadedValue(value), nil
}

// Put inserts key if it is new, otherwise updates it in place — btree.BTree
// exposes Insert and Update as distinct operations (spec.md §4.6's Store
// contract makes no such distinction), so Put probes first.
func (b *BTreeIndex) Put(key []byte, value []byte) error {
	cur, err := b.Get(key)
	if err != nil {
		return err
	}
	if cur.IsAbsent() {
		return b.tree.Insert(b.bufmgr, key, value)
	}
	return b.tree.Update(b.bufmgr, key, value)
}

// Delete is unsupported: the teacher's B+Tree never implements key removal
// (no underlying slot-compaction/merge path), and implementing one is
// B-tree node layout work spec.md §1 keeps out of this core's scope. An
// engine Cursor.Delete on an index opened over a BTreeIndex therefore
// returns this error. The trash index is a kv.MemIndex, and BTreeIndex is
// exercised for the insert/update/scan path only.
func (b *BTreeIndex) Delete(key []byte) (bool, error) {
	return false, errors.New("kv: BTreeIndex does not support delete (teacher B+Tree has no removal path)")
}

func (b *BTreeIndex) NewCursor() Cursor {
	return &btreeCursor{index: b}
}

// btreeCursor is a forward-only walk over the B+Tree's leaf chain via
// btree.Iter. The teacher's Iter has no backward link, so Last/Prev are
// not implementable without extending the leaf page format (also B-tree
// node layout, out of scope) — every core path that needs reverse
// iteration (trigger.Reverse view, descending scans) runs over a Store
// that supports it, such as kv.MemIndex.
type btreeCursor struct {
	index *BTreeIndex
	it    *btree.Iter
	key   []byte
	value Value
	ok    bool
}

func (c *btreeCursor) First() (bool, error) {
	it, err := c.index.tree.Search(c.index.bufmgr, btree.NewSearchModeStart())
	if err != nil {
		return false, err
	}
	c.it = it
	return c.load()
}

func (c *btreeCursor) Last() (bool, error) {
	return false, errors.New("kv: BTreeIndex cursor does not support Last")
}

func (c *btreeCursor) Next() (bool, error) {
	if c.it == nil {
		return c.First()
	}
	if err := c.it.Advance(c.index.bufmgr); err != nil {
		return false, err
	}
	return c.load()
}

func (c *btreeCursor) Prev() (bool, error) {
	return false, errors.New("kv: BTreeIndex cursor does not support Prev")
}

func (c *btreeCursor) Seek(key []byte) (bool, error) {
	it, err := c.index.tree.Search(c.index.bufmgr, btree.NewSearchModeKey(key))
	if err != nil {
		return false, err
	}
	c.it = it
	return c.load()
}

func (c *btreeCursor) load() (bool, error) {
	key, value, ok := c.it.Get()
	c.key, c.value, c.ok = key, LoadedValue(value), ok
	return ok, nil
}

func (c *btreeCursor) Key() []byte {
	if !c.ok {
		return nil
	}
	return c.key
}

func (c *btreeCursor) Value() (Value, error) {
	if !c.ok {
		return AbsentValue(), nil
	}
	return c.value, nil
}
