// Package lock provides per-key mutual exclusion for auth flows,
// verification runs and campaign batches.
package lock

import "context"

// Locker hands out exclusive per-key locks. The returned release func is
// safe to call more than once.
type Locker interface {
	// TryLock acquires key without waiting. ok is false when another holder
	// has it.
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
	// Lock waits until key is free or ctx is done.
	Lock(ctx context.Context, key string) (release func(), err error)
}
