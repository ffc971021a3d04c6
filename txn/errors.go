package txn

import "fmt"

// BorkedTransactionError marks a Locker that suffered a write failure while
// staging fragmented-value trash (spec.md §7's BorkedTransaction kind): once
// set, every later Commit/Rollback attempt against the scope must fail
// rather than risk finishing a transaction whose undo trail is incomplete.
type BorkedTransactionError struct {
	Cause error
}

func (e *BorkedTransactionError) Error() string {
	return fmt.Sprintf("txn: transaction borked: %v", e.Cause)
}

func (e *BorkedTransactionError) Unwrap() error { return e.Cause }
