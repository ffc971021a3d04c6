package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coredb/tupl/kv"
	"github.com/coredb/tupl/lock"
	"github.com/coredb/tupl/trigger"
	"github.com/coredb/tupl/txn"
)

const testTimeout = 2 * time.Second

func newTestDatabase(t *testing.T, threshold int) (*Database, *Index) {
	t.Helper()
	trashStore := kv.NewMemIndex()
	db := NewDatabase(trashStore, Options{FragmentThreshold: threshold})
	idx := db.OpenIndex(1, kv.NewMemIndex())
	return db, idx
}

// recorder is a trigger.Observer that just counts firings, for asserting
// the no-op collapsing rules of spec.md §4.4.
type recorder struct {
	fires int
	last  []byte
}

func (r *recorder) Store(ctx *trigger.Context) error {
	r.fires++
	r.last = append([]byte(nil), ctx.Key...)
	return nil
}

// TestInsertFiresOnlyWhenAbsent exercises spec.md §4.4's insert no-op rule
// end to end through a Cursor.
func TestInsertFiresOnlyWhenAbsent(t *testing.T) {
	db, idx := newTestDatabase(t, defaultFragmentThreshold)
	rec := &recorder{}
	idx.AddTrigger(rec)

	scope, txnID := db.Begin()
	cur := idx.Cursor(scope, txnID)
	ctx := context.Background()

	if err := cur.Insert(ctx, []byte("a"), []byte("1"), testTimeout); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := cur.Insert(ctx, []byte("a"), []byte("2"), testTimeout); err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if got := rec.fires; got != 1 {
		t.Fatalf("expected exactly 1 fire for insert-over-existing no-op, got %d", got)
	}

	if _, err := db.Commit(scope, txnID); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// TestReplaceFiresOnlyWhenPresent exercises the replace no-op rule.
func TestReplaceFiresOnlyWhenPresent(t *testing.T) {
	db, idx := newTestDatabase(t, defaultFragmentThreshold)
	rec := &recorder{}
	idx.AddTrigger(rec)

	scope, txnID := db.Begin()
	cur := idx.Cursor(scope, txnID)
	ctx := context.Background()

	if err := cur.Replace(ctx, []byte("missing"), []byte("x"), testTimeout); err != nil {
		t.Fatalf("replace-of-absent: %v", err)
	}
	if rec.fires != 0 {
		t.Fatalf("expected no fire for replace-of-absent, got %d", rec.fires)
	}

	if err := cur.Insert(ctx, []byte("k"), []byte("v1"), testTimeout); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	if err := cur.Replace(ctx, []byte("k"), []byte("v2"), testTimeout); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if rec.fires != 2 {
		t.Fatalf("expected 2 fires (insert + replace), got %d", rec.fires)
	}
}

// TestUpdateFiresOnlyWhenOldMatches exercises the compare-and-swap no-op rule.
func TestUpdateFiresOnlyWhenOldMatches(t *testing.T) {
	db, idx := newTestDatabase(t, defaultFragmentThreshold)
	rec := &recorder{}
	idx.AddTrigger(rec)

	scope, txnID := db.Begin()
	cur := idx.Cursor(scope, txnID)
	ctx := context.Background()
	if err := cur.Insert(ctx, []byte("k"), []byte("v1"), testTimeout); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec.fires = 0

	if err := cur.Update(ctx, []byte("k"), []byte("stale"), []byte("v2"), testTimeout); err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if rec.fires != 0 {
		t.Fatalf("expected stale-old update to be a no-op, got %d fires", rec.fires)
	}

	if err := cur.Update(ctx, []byte("k"), []byte("v1"), []byte("v2"), testTimeout); err != nil {
		t.Fatalf("matching update: %v", err)
	}
	if rec.fires != 1 {
		t.Fatalf("expected matching update to fire once, got %d", rec.fires)
	}
}

// TestExchangeReturnsPreviousValue exercises spec.md §8 scenario 2's
// exchange(txn, key, value) -> old semantics.
func TestExchangeReturnsPreviousValue(t *testing.T) {
	db, idx := newTestDatabase(t, defaultFragmentThreshold)

	scope, txnID := db.Begin()
	cur := idx.Cursor(scope, txnID)
	ctx := context.Background()

	if err := cur.Store(ctx, []byte("k"), []byte("first"), testTimeout); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	old, err := cur.Exchange(ctx, []byte("k"), []byte("second"), testTimeout)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !old.IsLoaded() || !bytes.Equal(old.Bytes, []byte("first")) {
		t.Fatalf("exchange returned wrong previous value: %+v", old)
	}
}

// TestBogusScopeNeverFiresOrLocks confirms the BOGUS transaction (spec.md
// §9) performs writes without firing triggers or taking locks.
func TestBogusScopeNeverFiresOrLocks(t *testing.T) {
	db, idx := newTestDatabase(t, defaultFragmentThreshold)
	rec := &recorder{}
	idx.AddTrigger(rec)

	bogus := db.Bogus()
	cur := idx.Cursor(bogus, 0)
	ctx := context.Background()

	if err := cur.Store(ctx, []byte("k"), []byte("v"), testTimeout); err != nil {
		t.Fatalf("bogus store: %v", err)
	}
	if rec.fires != 0 {
		t.Fatalf("expected bogus scope to never fire triggers, got %d", rec.fires)
	}

	other, _ := db.Begin()
	if _, err := other.Acquire(ctx, lock.Exclusive, idx.ID(), []byte("k"), 0); err != nil {
		t.Fatalf("expected bogus store to leave the key unlocked, got %v", err)
	}
}

// TestLargeValueReplacementGoesThroughTrash exercises the fragmented-value
// trash/undo coupling end to end: replacing a value at or above the
// threshold must leave the old bytes recoverable via rollback (spec.md §8
// scenario 6, driven through the engine layer instead of the trash package
// directly).
func TestLargeValueReplacementGoesThroughTrash(t *testing.T) {
	db, idx := newTestDatabase(t, 16)

	scope, txnID := db.Begin()
	cur := idx.Cursor(scope, txnID)
	ctx := context.Background()

	original := bytes.Repeat([]byte{0xAB}, 64)
	if err := cur.Insert(ctx, []byte("big"), original, testTimeout); err != nil {
		t.Fatalf("seed insert: %v", err)
	}
	if _, err := db.Commit(scope, txnID); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	scope2, txnID2 := db.Begin()
	cur2 := idx.Cursor(scope2, txnID2)
	replacement := bytes.Repeat([]byte{0xCD}, 64)
	if err := cur2.Replace(ctx, []byte("big"), replacement, testTimeout); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if !db.trash.HasTrash(uint64(txnID2)) {
		t.Fatal("expected trash record after replacing a value over threshold")
	}

	if err := db.Rollback(scope2, txnID2); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	got, err := idx.store.Get([]byte("big"))
	if err != nil {
		t.Fatalf("get after rollback: %v", err)
	}
	if !got.IsLoaded() || !bytes.Equal(got.Bytes, original) {
		t.Fatal("rollback did not restore the original large value")
	}
}

// TestCommitDrainsTrash confirms a committed transaction's trash records
// are reclaimed rather than left for rollback.
func TestCommitDrainsTrash(t *testing.T) {
	db, idx := newTestDatabase(t, 16)

	scope, txnID := db.Begin()
	cur := idx.Cursor(scope, txnID)
	ctx := context.Background()
	original := bytes.Repeat([]byte{0x11}, 64)
	if err := cur.Insert(ctx, []byte("k"), original, testTimeout); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := db.Commit(scope, txnID); err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	scope2, txnID2 := db.Begin()
	cur2 := idx.Cursor(scope2, txnID2)
	if err := cur2.Replace(ctx, []byte("k"), bytes.Repeat([]byte{0x22}, 64), testTimeout); err != nil {
		t.Fatalf("replace: %v", err)
	}

	if _, err := db.Commit(scope2, txnID2); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if db.trash.HasTrash(uint64(txnID2)) {
		t.Fatal("expected commit to drain trash records")
	}
}

// TestValueLengthCollapsesNoOp confirms resizing to the current length
// neither fires nor writes (spec.md §4.4).
func TestValueLengthCollapsesNoOp(t *testing.T) {
	db, idx := newTestDatabase(t, defaultFragmentThreshold)
	rec := &recorder{}
	idx.AddTrigger(rec)

	scope, txnID := db.Begin()
	cur := idx.Cursor(scope, txnID)
	ctx := context.Background()
	if err := cur.Insert(ctx, []byte("k"), []byte("12345"), testTimeout); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec.fires = 0

	if err := cur.ValueLength(ctx, []byte("k"), 5, testTimeout); err != nil {
		t.Fatalf("same-length resize: %v", err)
	}
	if rec.fires != 0 {
		t.Fatalf("expected same-length resize to collapse without firing, got %d", rec.fires)
	}

	if err := cur.ValueLength(ctx, []byte("k"), 8, testTimeout); err != nil {
		t.Fatalf("grow resize: %v", err)
	}
	if rec.fires != 1 {
		t.Fatalf("expected grow resize to fire once, got %d", rec.fires)
	}
	got, err := idx.store.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Bytes) != 8 || !bytes.Equal(got.Bytes[:5], []byte("12345")) {
		t.Fatalf("unexpected resized bytes: %q", got.Bytes)
	}
}

// TestWithViewScopesTriggerToPrefix confirms a Cursor decorated with a
// trigger.Prefix view only fires for keys in that prefix, and sees the
// trimmed key (spec.md §4.4 view decorators).
func TestWithViewScopesTriggerToPrefix(t *testing.T) {
	db, idx := newTestDatabase(t, defaultFragmentThreshold)
	rec := &recorder{}
	idx.AddTrigger(rec)

	scope, txnID := db.Begin()
	cur := idx.Cursor(scope, txnID).WithView(trigger.Prefix(trigger.Base(), []byte("user:"), len("user:")))
	ctx := context.Background()

	if err := cur.Insert(ctx, []byte("user:42"), []byte("v"), testTimeout); err != nil {
		t.Fatalf("insert in prefix: %v", err)
	}
	if rec.fires != 1 || !bytes.Equal(rec.last, []byte("42")) {
		t.Fatalf("expected trimmed key %q, got fires=%d last=%q", "42", rec.fires, rec.last)
	}

	if err := cur.Insert(ctx, []byte("group:1"), []byte("v"), testTimeout); err != nil {
		t.Fatalf("insert outside prefix: %v", err)
	}
	if rec.fires != 1 {
		t.Fatalf("expected out-of-prefix insert to not fire, got %d total fires", rec.fires)
	}
}

// unavailableTrash is a kv.FragmentStore whose InsertFragmented always
// fails, for exercising the BorkedTransaction path of spec.md §7: a
// trash.Add failure must poison the scope rather than leave the
// transaction's undo trail silently incomplete.
type unavailableTrash struct{}

var errTrashUnavailable = errors.New("engine_test: trash store unavailable")

func (unavailableTrash) InsertFragmented(key, value []byte) error { return errTrashUnavailable }
func (unavailableTrash) DeleteFragments(value []byte) error        { return nil }
func (unavailableTrash) Find(key []byte) ([]byte, bool, error)     { return nil, false, nil }
func (unavailableTrash) Delete(key []byte) (bool, error)           { return false, nil }

// TestTrashAddFailureBorksTransaction confirms a failed trash.Add (spec.md
// §7's BorkedTransaction kind) poisons the scope: the failing mutation
// returns a BorkedTransactionError, and every later Commit/Rollback on the
// same scope must fail the same way rather than finish a transaction with
// an incomplete undo trail.
func TestTrashAddFailureBorksTransaction(t *testing.T) {
	db := NewDatabase(unavailableTrash{}, Options{FragmentThreshold: 16})
	idx := db.OpenIndex(1, kv.NewMemIndex())

	scope, txnID := db.Begin()
	cur := idx.Cursor(scope, txnID)
	ctx := context.Background()

	original := bytes.Repeat([]byte{0xAB}, 64)
	if err := cur.Insert(ctx, []byte("big"), original, testTimeout); err != nil {
		t.Fatalf("seed insert: %v", err)
	}

	err := cur.Replace(ctx, []byte("big"), bytes.Repeat([]byte{0xCD}, 64), testTimeout)
	var borked *txn.BorkedTransactionError
	if !errors.As(err, &borked) {
		t.Fatalf("expected replace over a failing trash store to return a BorkedTransactionError, got %T: %v", err, err)
	}

	if _, err := db.Commit(scope, txnID); !errors.As(err, &borked) {
		t.Fatalf("expected Commit on a borked scope to fail the same way, got %v", err)
	}
	if err := db.Rollback(scope, txnID); !errors.As(err, &borked) {
		t.Fatalf("expected Rollback on a borked scope to fail the same way, got %v", err)
	}
}

// TestValueLengthRejectsOversizedRequest confirms value_length rejects a
// request outside what this platform's int can address (spec.md §7's
// LargeValue kind) before acquiring any lock or touching the store.
func TestValueLengthRejectsOversizedRequest(t *testing.T) {
	db, idx := newTestDatabase(t, defaultFragmentThreshold)

	scope, txnID := db.Begin()
	cur := idx.Cursor(scope, txnID)
	ctx := context.Background()
	if err := cur.Insert(ctx, []byte("k"), []byte("v"), testTimeout); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := cur.ValueLength(ctx, []byte("k"), -1, testTimeout)
	var tooLarge *kv.LargeValueError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected a LargeValueError for a negative length, got %T: %v", err, err)
	}
}
