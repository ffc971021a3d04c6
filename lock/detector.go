package lock

// DeadlockSet lists the (index-id, key) pairs of every lock on a detected
// cycle. A lock with no meaningful key (should not normally occur) is
// recorded with an empty Key.
type DeadlockSet []ResourceID

// Detect performs a best-effort walk of the wait-for graph starting at
// origin, without taking any latches (spec.md §4.3): it follows
// origin.WaitingFor() -> lock.owners() recursively and flags a cycle when
// an owner reached this way is origin itself; a scope already visited is
// not expanded again. It tolerates minor inconsistency because every value it
// reads was published through a prior latch release.
//
// Self-deadlock within a single goroutine is intentionally undetected: the
// walk requires at least one other blocked scope to close a cycle back to
// origin.
func Detect(origin Scope) (DeadlockSet, bool) {
	visited := make(map[ScopeID]bool)
	var set DeadlockSet
	guilty := walk(origin, origin.ID(), visited, &set)
	if !guilty {
		return nil, false
	}
	return set, true
}

// walk follows the chain of "waiting for" edges starting at scope. origin
// is the scope whose guilt we are evaluating: a cycle is only reported if
// it flows back into origin.
func walk(scope Scope, origin ScopeID, visited map[ScopeID]bool, set *DeadlockSet) bool {
	l := scope.WaitingFor()
	if l == nil {
		return false
	}
	n := len(*set)
	*set = append(*set, l.Key())

	for _, owner := range l.owners() {
		if owner.ID() == scope.ID() {
			continue
		}
		if owner.ID() == origin {
			return true
		}
		if visited[owner.ID()] {
			continue
		}
		visited[owner.ID()] = true
		if walk(owner, origin, visited, set) {
			return true
		}
	}
	*set = (*set)[:n]
	return false
}
