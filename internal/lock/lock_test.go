package lock

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireExclusive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", ".lock")
	first, err := TryAcquire(path)
	require.NoError(t, err)

	_, err = TryAcquire(path)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "double release is a no-op")

	again, err := TryAcquire(path)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestAcquireGivesUpWhenContextEnds(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")
	held, err := TryAcquire(path)
	require.NoError(t, err)
	defer held.Release() //nolint:errcheck // test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err = Acquire(ctx, path, 10*time.Millisecond)
	require.ErrorIs(t, err, ErrLocked)
}

func TestAcquireWaitsForRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")
	held, err := TryAcquire(path)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = held.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := Acquire(ctx, path, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, got.Release())
}

func TestWithSerializesWriters(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".lock")
	var inside, overlaps int32
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			done <- With(context.Background(), path, 2*time.Millisecond, func() error {
				if atomic.AddInt32(&inside, 1) > 1 {
					atomic.AddInt32(&overlaps, 1)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-done)
	}
	assert.Zero(t, atomic.LoadInt32(&overlaps))
}

func TestWithPropagatesError(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("boom")
	err := With(context.Background(), filepath.Join(t.TempDir(), ".lock"), 0, func() error { return sentinel })
	require.ErrorIs(t, err, sentinel)
}
