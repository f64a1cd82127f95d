// Package fslock provides the advisory directory locks that coordinate
// the lead, teammates, and transient tools around shared files. Locks
// are cooperative: every process touching a resource directory must
// take the directory's .lock file first.
package fslock

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// retryInterval is how often a blocked caller re-attempts acquisition.
// Holders keep locks for O(milliseconds), so contention is short.
const retryInterval = 25 * time.Millisecond

// WithLock blocks until the lock file at path is acquired, runs fn, and
// releases. The lock file (and its parent directory) are created if
// missing. Lock sections must stay synchronous: no sleeps, no network.
func WithLock(path string, fn func() error) error {
	return WithLockContext(context.Background(), path, fn)
}

// WithLockContext is WithLock with caller cancellation. A cancelled
// context abandons acquisition and returns ctx.Err(); once fn is
// running, it is never interrupted.
func WithLockContext(ctx context.Context, path string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	fl := flock.New(path)
	if _, err := fl.TryLockContext(ctx, retryInterval); err != nil {
		return err
	}
	defer fl.Unlock()
	return fn()
}
