// Package locker provides per-habit exclusion for verification attempts.
// At most one attempt per habit may run its progression section at a time.
package locker

import "context"

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func()

// Locker serializes the progression section of verification attempts on a
// per-habit basis.
type Locker interface {
	// Acquire blocks until the habit lock is held or the context is done.
	Acquire(ctx context.Context, habitID string) (Unlock, error)
	Close() error
}
