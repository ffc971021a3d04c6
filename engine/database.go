// Package engine wires the transactional concurrency substrate together
// into something end-to-end runnable: kv.Store indexes, the lock.Table,
// per-index trigger.List observer chains, and the shared trash.Trash,
// adapted from the teacher's example.go driver and catalog/catalog.go
// schema registry (narrowed to just the index-id naming half this core
// needs; the rest of the schema catalog is out of scope per spec.md §1).
package engine

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coredb/tupl/kv"
	"github.com/coredb/tupl/lock"
	"github.com/coredb/tupl/trash"
	"github.com/coredb/tupl/trigger"
	"github.com/coredb/tupl/txn"
)

// defaultFragmentThreshold is the byte length at or above which a
// replaced value is routed through the trash/undo coupling instead of a
// direct overwrite. Real Tupl ties this to page size; since page layout
// is out of this core's scope (spec.md §1), it is a configurable
// constant instead.
const defaultFragmentThreshold = 4096

// Options configures a Database.
type Options struct {
	Lock              lock.Options
	FragmentThreshold int
	Logger            *zap.Logger
}

// Database owns the shared lock table, the monotonic transaction-id
// service, the hidden trash index, and the registry naming every open
// Index by id.
type Database struct {
	tables *txn.IDService
	locks  *lock.Table
	trash  *trash.Trash
	log    *zap.Logger

	threshold   int
	commitLatch sync.RWMutex

	mu      sync.Mutex
	indexes map[kv.IndexID]*Index
	nextScope uint64
}

// NewDatabase returns a Database whose hidden trash records live in
// trashStore (typically a kv.MemIndex for tests, or a B+Tree-backed
// adapter in a real deployment).
func NewDatabase(trashStore kv.FragmentStore, opts Options) *Database {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := opts.FragmentThreshold
	if threshold <= 0 {
		threshold = defaultFragmentThreshold
	}
	opts.Lock.Logger = logger
	d := &Database{
		tables:    txn.NewIDService(0),
		locks:     lock.NewTable(opts.Lock),
		log:       logger,
		threshold: threshold,
		indexes:   make(map[kv.IndexID]*Index),
	}
	d.trash = trash.New(trashStore, logger)
	return d
}

// OpenIndex registers store under id, the narrowed index-id naming
// registry spec.md §4.6 keeps from the teacher's schema catalog.
func (d *Database) OpenIndex(id kv.IndexID, store kv.Store) *Index {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := &Index{id: id, store: store, triggers: trigger.NewList(), db: d}
	d.indexes[id] = idx
	return idx
}

// Index looks up a previously opened index by id.
func (d *Database) Index(id kv.IndexID) (*Index, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx, ok := d.indexes[id]
	return idx, ok
}

// Begin starts a new transaction: a fresh lock scope plus the monotonic
// transaction id that will prefix its trash records. The scope opens its
// own sub-scope marker immediately so Commit/Rollback always have
// exactly the frames this transaction pushed to act on.
func (d *Database) Begin() (*txn.Locker, txn.ID) {
	d.mu.Lock()
	d.nextScope++
	scopeID := lock.ScopeID(d.nextScope)
	d.mu.Unlock()

	scope := txn.New(d.locks, scopeID)
	scope.ScopeEnter()
	return scope, d.tables.Next()
}

// Bogus returns the shared no-locking, no-trigger scope for internal
// access (spec.md §9's BOGUS transaction).
func (d *Database) Bogus() *txn.Locker { return txn.Bogus() }

// Commit drains txnID's trash records under the shared commit latch,
// then hands every exclusive lock the transaction's sub-scope holds to a
// PendingTxn the caller releases once redo durability is confirmed
// (spec.md §4.2 transfer_exclusive, §4.5 "On commit").
func (d *Database) Commit(scope *txn.Locker, txnID txn.ID) (*lock.PendingTxn, error) {
	if err := scope.Borked(); err != nil {
		return nil, err
	}
	if err := d.trash.Commit(uint64(txnID), &d.commitLatch); err != nil {
		return nil, err
	}
	return scope.TransferExclusive(), nil
}

// Rollback replays txnID's undo links (spec.md §4.5 "Recovery"), then
// releases every lock the transaction's sub-scope holds.
func (d *Database) Rollback(scope *txn.Locker, txnID txn.ID) error {
	if err := scope.Borked(); err != nil {
		return err
	}
	if err := d.trash.Rollback(uint64(txnID), d); err != nil {
		return err
	}
	return scope.ScopeExit()
}

// Resolve implements trash.IndexResolver against this database's index registry.
func (d *Database) Resolve(id kv.IndexID) (kv.FragmentStore, error) {
	idx, ok := d.Index(id)
	if !ok {
		return nil, errors.Errorf("engine: unknown index %d", id)
	}
	return storeAsFragmentStore{idx.store}, nil
}

// storeAsFragmentStore adapts a plain kv.Store to the narrower
// kv.FragmentStore contract the trash package's rollback replay and
// commit drain consume. The real allocator's fragment-page release
// (DeleteFragments) is out of this core's scope, so it is a no-op here.
type storeAsFragmentStore struct{ kv.Store }

func (s storeAsFragmentStore) InsertFragmented(key, value []byte) error {
	v, err := s.Get(key)
	if err != nil {
		return err
	}
	if !v.IsAbsent() {
		return kv.ErrExists
	}
	return s.Put(key, value)
}

func (s storeAsFragmentStore) DeleteFragments(value []byte) error { return nil }

func (s storeAsFragmentStore) Find(key []byte) ([]byte, bool, error) {
	v, err := s.Get(key)
	if err != nil {
		return nil, false, err
	}
	if v.IsAbsent() {
		return nil, false, nil
	}
	return v.Bytes, true, nil
}
