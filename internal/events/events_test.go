package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/classify"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/events"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/queue"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/reconcile"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/urlnorm"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC) }

const indexed = "https://shop.test/c/kitchen/p/kettle"

func setup(t *testing.T, policy events.RemovalPolicy) (*events.Handler, *state.Store) {
	t.Helper()
	store, err := state.Open(state.Options{Dir: t.TempDir(), MaxShardChars: 10_000, LockTimeout: time.Second})
	require.NoError(t, err)
	_, err = store.Update(context.Background(), func(tx *state.Tx) error {
		_, err := tx.PutProduct(catalog.ProductRecord{URL: indexed, Name: "Kettle", ShardKey: "kitchen", ContentHash: "h"})
		return err
	})
	require.NoError(t, err)

	h, err := events.New(events.Options{
		Store:      store,
		Normalizer: urlnorm.New(urlnorm.Options{}),
		Classifier: classify.Chain{Classifiers: []classify.Classifier{
			classify.PathSegment{After: "c"},
			classify.Default{},
		}},
		Policy: policy,
		Clock:  fixedClock{},
	})
	require.NoError(t, err)
	return h, store
}

func TestPageAdded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, store := setup(t, events.RemoveImmediate)

	res, err := h.Apply(ctx, events.Event{Kind: events.PageAdded, URL: "https://SHOP.test/c/garden/p/hose?utm_source=x"})
	require.NoError(t, err)
	assert.Equal(t, events.ActionQueued, res.Action)
	assert.Equal(t, "https://shop.test/c/garden/p/hose", res.URL)
	assert.Equal(t, []string{"garden"}, res.ShardKeys)

	res, err = h.Apply(ctx, events.Event{Kind: events.PageAdded, URL: "https://shop.test/c/garden/p/hose"})
	require.NoError(t, err)
	assert.Equal(t, events.ActionAlreadyQueued, res.Action)

	res, err = h.Apply(ctx, events.Event{Kind: events.PageAdded, URL: indexed})
	require.NoError(t, err)
	assert.Equal(t, events.ActionAlreadyIndexed, res.Action)

	st, err := store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Pending)
}

func TestContentModifiedForcesRefreshInPlace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, store := setup(t, events.RemoveImmediate)

	res, err := h.Apply(ctx, events.Event{Kind: events.ContentModified, URL: indexed})
	require.NoError(t, err)
	assert.Equal(t, events.ActionQueued, res.Action)

	require.NoError(t, store.View(ctx, func(tx *state.Tx) error {
		entries := tx.Queues.Entries(queue.Pending)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].Metadata.Force)
		assert.Equal(t, "kitchen", entries[0].Metadata.CategoryShardKey)
		return nil
	}))
}

func TestPageRemovedImmediate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, store := setup(t, events.RemoveImmediate)

	res, err := h.Apply(ctx, events.Event{Kind: events.PageRemoved, URL: indexed})
	require.NoError(t, err)
	assert.Equal(t, events.ActionRemoved, res.Action)
	assert.Equal(t, []string{"kitchen"}, res.ShardKeys)

	st, err := store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.IndexEntries)
	assert.Equal(t, 0, st.Tombstones)

	report, err := reconcile.New(store, reconcile.Options{}, nil).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.InSync)
	assert.Zero(t, report.ShardURLs)
}

func TestPageRemovedDeferredThenReconciled(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, store := setup(t, events.RemoveDeferred)

	res, err := h.Apply(ctx, events.Event{Kind: events.PageRemoved, URL: indexed})
	require.NoError(t, err)
	assert.Equal(t, events.ActionTombstoned, res.Action)

	st, err := store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.IndexEntries)
	assert.Equal(t, 1, st.Tombstones)

	_, err = reconcile.New(store, reconcile.Options{}, nil).Run(ctx)
	require.NoError(t, err)
	st, err = store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.IndexEntries)
	assert.Equal(t, 0, st.Tombstones)
}

func TestPageAddedClearsTombstone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, store := setup(t, events.RemoveDeferred)

	_, err := h.Apply(ctx, events.Event{Kind: events.PageRemoved, URL: indexed})
	require.NoError(t, err)
	_, err = h.Apply(ctx, events.Event{Kind: events.PageAdded, URL: indexed})
	require.NoError(t, err)

	st, err := store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Tombstones)
	assert.Equal(t, 1, st.IndexEntries)
}

func TestPageRemovedDropsQueuedURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h, store := setup(t, events.RemoveImmediate)

	_, err := h.Apply(ctx, events.Event{Kind: events.PageAdded, URL: "https://shop.test/c/garden/p/hose"})
	require.NoError(t, err)
	res, err := h.Apply(ctx, events.Event{Kind: events.PageRemoved, URL: "https://shop.test/c/garden/p/hose"})
	require.NoError(t, err)
	assert.Equal(t, events.ActionRemoved, res.Action)

	res, err = h.Apply(ctx, events.Event{Kind: events.PageRemoved, URL: "https://shop.test/p/never-seen"})
	require.NoError(t, err)
	assert.Equal(t, events.ActionUnknownURL, res.Action)

	st, err := store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
}

func TestApplyRejectsUnknownKind(t *testing.T) {
	t.Parallel()
	h, _ := setup(t, events.RemoveImmediate)
	_, err := h.Apply(context.Background(), events.Event{Kind: "page_renamed", URL: indexed})
	require.ErrorIs(t, err, events.ErrUnknownKind)

	_, err = events.New(events.Options{Policy: "later"})
	require.Error(t, err)
}
