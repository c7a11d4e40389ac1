// Package lock provides a portable advisory file lock scoped to a state
// directory. Every read-modify-write of persisted crawl state happens while
// holding one.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when the lock is held elsewhere and the caller did not
// want to wait, or gave up waiting.
var ErrLocked = errors.New("lock held by another process")

// DefaultRetryDelay is how often a blocked Acquire re-polls the lock.
const DefaultRetryDelay = 50 * time.Millisecond

// ScopedLock is an acquired exclusive advisory lock.
type ScopedLock struct {
	fl *flock.Flock
}

// Acquire blocks until the exclusive lock at path is held or ctx ends.
func Acquire(ctx context.Context, path string, retryDelay time.Duration) (*ScopedLock, error) {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	fl, err := newFlock(path)
	if err != nil {
		return nil, err
	}
	ok, err := fl.TryLockContext(ctx, retryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("acquire lock %s: %w: %w", path, ErrLocked, ctx.Err())
		}
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("acquire lock %s: %w", path, ErrLocked)
	}
	return &ScopedLock{fl: fl}, nil
}

// TryAcquire takes the lock without waiting.
func TryAcquire(path string) (*ScopedLock, error) {
	fl, err := newFlock(path)
	if err != nil {
		return nil, err
	}
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("try lock %s: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("try lock %s: %w", path, ErrLocked)
	}
	return &ScopedLock{fl: fl}, nil
}

// Release unlocks. Releasing a nil or already released lock is a no-op.
func (l *ScopedLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("release lock %s: %w", l.fl.Path(), err)
	}
	l.fl = nil
	return nil
}

// With runs fn while holding the lock at path.
func With(ctx context.Context, path string, retryDelay time.Duration, fn func() error) (err error) {
	l, err := Acquire(ctx, path, retryDelay)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := l.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()
	return fn()
}

func newFlock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir for %s: %w", path, err)
	}
	return flock.New(path), nil
}
