package lock

import (
	"fmt"
	"time"
)

// TimeoutError is the non-fatal, retry-recoverable error returned when a
// lock wait exhausts its deadline without a deadlock being found.
type TimeoutError struct {
	Resource   ResourceID
	Mode       Mode
	Waited     time.Duration
	Attachment interface{}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock: timed out after %s waiting for %s on index %d", e.Waited, e.Mode, e.Resource.Index)
}

// IllegalUpgradeError is the programmer-bug error for a shared holder
// requesting upgradable/exclusive outside the LENIENT sole-holder case.
type IllegalUpgradeError struct {
	Resource ResourceID
	From     Mode
	To       Mode
}

func (e *IllegalUpgradeError) Error() string {
	return fmt.Sprintf("lock: illegal upgrade from %s to %s on index %d", e.From, e.To, e.Resource.Index)
}

// DeadlockError carries the cycle the detector found.
type DeadlockError struct {
	Set DeadlockSet
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("lock: deadlock detected involving %d resources", len(e.Set))
}

// InterruptedError is returned when ctx is cancelled while waiting.
type InterruptedError struct {
	Resource ResourceID
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("lock: interrupted waiting for index %d", e.Resource.Index)
}
