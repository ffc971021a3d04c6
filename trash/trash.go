package trash

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coredb/tupl/kv"
)

// IllegalStateError reports a trash-protocol misuse: being asked to scan
// a trash store that cannot be cursor-walked (spec.md §7). Rolling back or
// committing a transaction trash has no record of is not an error; it
// does nothing.
type IllegalStateError struct {
	Reason string
}

func (e *IllegalStateError) Error() string { return "trash: illegal state: " + e.Reason }

// IndexResolver maps an index-id to the concrete store trash needs on
// rollback replay: the original index a fragmented value is reinserted
// into (spec.md §4.5's "re-insert the fragmented value at original_key
// in index_id").
type IndexResolver interface {
	Resolve(id kv.IndexID) (kv.FragmentStore, error)
}

// Index is the trash package's view of the hidden trash index itself:
// ordered point operations plus a cursor for crash recovery's full scan
// (kv.MemIndex and a real B+Tree-backed adapter both satisfy this).
type Index interface {
	kv.FragmentStore
	NewCursor() kv.Cursor
}

// Trash implements the fragmented-value trash / undo coupling protocol
// of spec.md §4.5: Add performs steps 1-3 (allocate a trash key, copy the
// fragmented bytes, record the undo link); the caller performs step 4
// (the real mutation) once Add returns successfully.
type Trash struct {
	store kv.FragmentStore
	log   *zap.Logger

	mu      sync.Mutex
	pending map[uint64][]UndoLink // txn id -> undo links, oldest first
}

// New returns a Trash backed by store (the hidden trash index). logger
// may be nil.
func New(store kv.FragmentStore, logger *zap.Logger) *Trash {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trash{store: store, log: logger, pending: make(map[uint64][]UndoLink)}
}

// HasTrash reports whether txnID currently has any undrained trash
// records, the "has trash" flag spec.md §4.5 step 3 sets on the transaction.
func (t *Trash) HasTrash(txnID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[txnID]) > 0
}

// Add runs steps 1-3 of the trash/undo protocol for a single fragmented
// value replacement under txnID: allocate the next trash key for this
// transaction, copy fragmentedValue into the trash index, and record the
// undo link. The caller must perform the real mutation only after Add
// returns nil (spec.md §4.5 step 2's "MUST succeed before step 3").
func (t *Trash) Add(txnID uint64, index kv.IndexID, originalKey, fragmentedValue []byte) error {
	t.mu.Lock()
	links := t.pending[txnID]
	var suffix []byte
	if len(links) == 0 {
		suffix = []byte{0xFF}
	} else {
		suffix = decrementSuffix(links[len(links)-1].Suffix)
	}
	t.mu.Unlock()

	trashKey := trashKeyFor(txnID, suffix)
	if err := t.store.InsertFragmented(trashKey, fragmentedValue); err != nil {
		if !errors.Is(err, kv.ErrExists) {
			return err
		}
		// SPEC_FULL.md §D: preserve the source's defensive retry — a
		// collision on a freshly allocated trash key means a stale
		// tombstone is in the way; clear it and retry once.
		if _, delErr := t.store.Delete(trashKey); delErr != nil {
			return delErr
		}
		if err := t.store.InsertFragmented(trashKey, fragmentedValue); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.pending[txnID] = append(t.pending[txnID], UndoLink{
		Index:       index,
		OriginalKey: append([]byte(nil), originalKey...),
		Suffix:      suffix,
	})
	t.mu.Unlock()

	t.log.Debug("trash add", zap.Uint64("txn", txnID), zap.Uint64("index", uint64(index)))
	return nil
}

// Rollback replays txnID's undo links in reverse (spec.md §4.5
// "Recovery"): for each, read the trashed value, delete the trash
// record, and reinsert it at the original key — deleting an uncommitted
// intermediate value first if one is present.
func (t *Trash) Rollback(txnID uint64, resolver IndexResolver) error {
	t.mu.Lock()
	links := t.pending[txnID]
	delete(t.pending, txnID)
	t.mu.Unlock()

	for i := len(links) - 1; i >= 0; i-- {
		link := links[i]
		trashKey := trashKeyFor(txnID, link.Suffix)

		value, found, err := t.store.Find(trashKey)
		if err != nil {
			return err
		}
		if !found {
			// Already rolled forward by an earlier recovery pass.
			continue
		}
		if _, err := t.store.Delete(trashKey); err != nil {
			return err
		}

		target, err := resolver.Resolve(link.Index)
		if err != nil {
			return err
		}
		if _, existing, err := target.Find(link.OriginalKey); err != nil {
			return err
		} else if existing {
			if _, err := target.Delete(link.OriginalKey); err != nil {
				return err
			}
		}
		if err := target.InsertFragmented(link.OriginalKey, value); err != nil {
			return err
		}
	}
	t.log.Debug("trash rollback", zap.Uint64("txn", txnID), zap.Int("records", len(links)))
	return nil
}

// Commit drains txnID's trash records once the transaction is durably
// committed: each record's fragments are released and the record
// deleted, one at a time, under commitLatch held in shared mode — the
// cooperation spec.md §5 describes with the allocator's
// checkpoint-exclusive latch.
func (t *Trash) Commit(txnID uint64, commitLatch *sync.RWMutex) error {
	t.mu.Lock()
	links := t.pending[txnID]
	delete(t.pending, txnID)
	t.mu.Unlock()

	commitLatch.RLock()
	defer commitLatch.RUnlock()

	for _, link := range links {
		if err := t.reclaim(trashKeyFor(txnID, link.Suffix)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Trash) reclaim(trashKey []byte) error {
	value, found, err := t.store.Find(trashKey)
	if err != nil || !found {
		return err
	}
	if err := t.store.DeleteFragments(value); err != nil {
		return err
	}
	_, err = t.store.Delete(trashKey)
	return err
}

// EmptyAll scans the entire trash index in key order and reclaims every
// entry, for crash recovery (spec.md §4.5: "the presence of any entry
// after redo replay signals had pending trash at crash"). The scan collects
// every key first; reclamation of distinct entries is independent, so it
// then fans out across goroutines.
func (t *Trash) EmptyAll(ctx context.Context) error {
	idx, ok := t.store.(Index)
	if !ok {
		return errors.WithStack(&IllegalStateError{Reason: "trash store does not support cursor scan"})
	}

	cursor := idx.NewCursor()
	found, err := cursor.First()
	if err != nil {
		return err
	}

	var keys [][]byte
	for found {
		keys = append(keys, cursor.Key())
		found, err = cursor.Next()
		if err != nil {
			return err
		}
	}

	g, _ := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return t.reclaim(key)
		})
	}
	return g.Wait()
}
