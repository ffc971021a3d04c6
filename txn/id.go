// Package txn implements the scoped stack of held locks (spec.md §4.2): a
// transaction or ad-hoc locker, nested sub-scopes, upgrade coalescing, and
// the monotonic transaction-id service the core consumes as an external
// collaborator (spec.md §1c).
package txn

import "sync/atomic"

// ID uniquely identifies a transaction.
type ID uint64

// IDService hands out monotonically increasing transaction ids. Recovery
// seeds it from the highest id durably logged so ids never repeat across a
// restart.
type IDService struct {
	next uint64
}

// NewIDService returns a service whose first Next() call yields start+1.
func NewIDService(start uint64) *IDService {
	return &IDService{next: start}
}

// Next atomically allocates and returns the next id.
func (s *IDService) Next() ID {
	return ID(atomic.AddUint64(&s.next, 1))
}

// Observe bumps the service forward so it never reissues an id at or below
// highest, used during crash recovery once the redo log's top txn id is known.
func (s *IDService) Observe(highest uint64) {
	for {
		cur := atomic.LoadUint64(&s.next)
		if cur >= highest {
			return
		}
		if atomic.CompareAndSwapUint64(&s.next, cur, highest) {
			return
		}
	}
}
