package state_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/index"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/lock"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/queue"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
)

func openStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(state.Options{
		Dir:           t.TempDir(),
		MaxShardChars: 10_000,
		LockTimeout:   200 * time.Millisecond,
	})
	require.NoError(t, err)
	return s
}

func product(url, key, hash string) catalog.ProductRecord {
	return catalog.ProductRecord{
		URL:         url,
		Name:        "Widget",
		ShardKey:    key,
		ContentHash: hash,
		ScrapedAt:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestUpdateCommitsAllStructures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	var hooked []string
	s.OnCommit(func(_ context.Context, c state.Commit) {
		for _, r := range c.Shards {
			hooked = append(hooked, r.Key)
		}
	})

	c, err := s.Update(ctx, func(tx *state.Tx) error {
		out, err := tx.PutProduct(product("https://shop.test/p/1", "kitchen", "h1"))
		require.Equal(t, state.PutAdded, out)
		if err != nil {
			return err
		}
		return tx.Enqueue(catalog.QueueEntry{URL: "https://shop.test/p/2", NormalizedURL: "https://shop.test/p/2"})
	})
	require.NoError(t, err)
	require.Len(t, c.Shards, 1)
	assert.Equal(t, []string{"kitchen"}, hooked)

	err = s.View(ctx, func(tx *state.Tx) error {
		assert.True(t, tx.Index.Contains("https://shop.test/p/1"))
		assert.True(t, tx.Index.Manifest.Has("kitchen", "https://shop.test/p/1"))
		assert.Equal(t, 1, tx.Queues.Len(queue.Pending))
		return nil
	})
	require.NoError(t, err)

	for _, name := range []string{index.IndexFile, index.ManifestFile, queue.FileName(queue.Pending), "shards/kitchen.json"} {
		_, err := os.Stat(filepath.Join(s.Dir(), name))
		assert.NoError(t, err, name)
	}
}

func TestUpdateErrorWritesNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	boom := errors.New("boom")
	_, err := s.Update(ctx, func(tx *state.Tx) error {
		_, err := tx.PutProduct(product("https://shop.test/p/1", "kitchen", "h1"))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	st, err := s.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.IndexEntries)
	assert.Zero(t, st.Shards)
}

func TestPutProductUnchangedAndMoved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)
	u := "https://shop.test/p/1"

	_, err := s.Update(ctx, func(tx *state.Tx) error {
		_, err := tx.PutProduct(product(u, "kitchen", "h1"))
		return err
	})
	require.NoError(t, err)

	later := product(u, "kitchen", "h1")
	later.ScrapedAt = later.ScrapedAt.Add(time.Hour)
	c, err := s.Update(ctx, func(tx *state.Tx) error {
		out, err := tx.PutProduct(later)
		assert.Equal(t, state.PutUnchanged, out)
		return err
	})
	require.NoError(t, err)
	assert.Empty(t, c.Shards)

	c, err = s.Update(ctx, func(tx *state.Tx) error {
		entry, _ := tx.Index.Index.Get(u)
		assert.True(t, entry.ScrapedAt.Equal(later.ScrapedAt))
		out, err := tx.PutProduct(product(u, "garden", "h2"))
		assert.Equal(t, state.PutMoved, out)
		return err
	})
	require.NoError(t, err)
	require.Len(t, c.Shards, 2)

	keys, err := s.ShardWriter().Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"garden"}, keys)
}

func TestRemoveProductCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Update(ctx, func(tx *state.Tx) error {
		for _, u := range []string{"https://shop.test/p/1", "https://shop.test/p/2"} {
			if _, err := tx.PutProduct(product(u, "kitchen", "h")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	_, err = s.Update(ctx, func(tx *state.Tx) error {
		keys, err := tx.RemoveProduct("https://shop.test/p/1")
		assert.Equal(t, []string{"kitchen"}, keys)
		return err
	})
	require.NoError(t, err)

	records, err := s.ShardWriter().Load("kitchen")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "https://shop.test/p/2", records[0].URL)
}

func TestUpdateBusyWhileLocked(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	held, err := lock.TryAcquire(filepath.Join(s.Dir(), state.LockFile))
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	_, err = s.Update(context.Background(), func(*state.Tx) error { return nil })
	require.ErrorIs(t, err, state.ErrBusy)
}

func TestProcessLockIsExclusive(t *testing.T) {
	t.Parallel()
	s := openStore(t)

	l, err := s.AcquireProcessLock()
	require.NoError(t, err)
	_, err = s.AcquireProcessLock()
	require.ErrorIs(t, err, state.ErrBusy)
	require.NoError(t, l.Release())

	l, err = s.AcquireProcessLock()
	require.NoError(t, err)
	require.NoError(t, l.Release())
}

func TestMissingIndexRequiresRepair(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	_, err := s.Update(ctx, func(tx *state.Tx) error {
		_, err := tx.PutProduct(product("https://shop.test/p/1", "kitchen", "h"))
		return err
	})
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(s.Dir(), index.IndexFile)))

	_, err = s.Update(ctx, func(*state.Tx) error { return nil })
	require.ErrorIs(t, err, state.ErrIndexUnavailable)

	_, err = s.Repair(ctx, func(tx *state.Tx) error {
		require.ErrorIs(t, tx.IndexErr, index.ErrInvalid)
		assert.Equal(t, []string{"https://shop.test/p/1"}, tx.Index.Manifest.URLs("kitchen"))
		return nil
	})
	require.NoError(t, err)
}
