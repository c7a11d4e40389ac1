package discovery_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/classify"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/discovery"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/filter"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/pacer"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/queue"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/urlnorm"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeFetch struct {
	links map[string][]string
	fail  map[string]error
	calls int
}

func (f *fakeFetch) DiscoverLinks(_ context.Context, u string) ([]string, error) {
	f.calls++
	if err, ok := f.fail[u]; ok {
		return nil, err
	}
	return f.links[u], nil
}

func (f *fakeFetch) ScrapeProduct(context.Context, string) (catalog.ProductRecord, error) {
	return catalog.ProductRecord{}, errors.New("discovery must not scrape")
}

const site = "https://shop.test"

func productLinks(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s/p/item-%02d", site, i)
	}
	return out
}

func newEngine(t *testing.T, fetch *fakeFetch, levels []discovery.Level, store *state.Store) *discovery.Engine {
	t.Helper()
	products, err := filter.Compile(filter.Rules{RequiredSegment: "p"}, "shop.test")
	require.NoError(t, err)
	e, err := discovery.New(discovery.Options{
		StartURLs:  []string{site + "/"},
		Levels:     levels,
		Products:   products,
		Normalizer: urlnorm.New(urlnorm.Options{}),
		Classifier: classify.Chain{Classifiers: []classify.Classifier{
			classify.PathSegment{Index: 0, FromSource: true},
			classify.Default{},
		}},
		Fetch:  fetch,
		Pacer:  pacer.New(0),
		Store:  store,
		Clock:  fixedClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	return e
}

func openStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Open(state.Options{Dir: t.TempDir(), MaxShardChars: 100_000, LockTimeout: time.Second})
	require.NoError(t, err)
	return s
}

func TestDiscoverySkipsExistingAndQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	links := productLinks(50)

	_, err := store.Update(ctx, func(tx *state.Tx) error {
		for i, u := range links {
			if i < 9 {
				if _, err := tx.PutProduct(catalog.ProductRecord{URL: u, Name: "x", ShardKey: "kitchen", ContentHash: "h"}); err != nil {
					return err
				}
				continue
			}
			if err := tx.Enqueue(catalog.QueueEntry{URL: u, NormalizedURL: u}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	fetch := &fakeFetch{links: map[string][]string{site + "/": links}}
	summary, err := newEngine(t, fetch, nil, store).Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, catalog.DiscoverySummary{Found: 50, SkippedExisting: 9, SkippedDuplicate: 41, NewlyQueued: 0}, summary)
}

func TestDiscoveryIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)

	levelFilter, err := filter.Compile(filter.Rules{Include: []string{`^https://shop\.test/kitchen$`}}, "shop.test")
	require.NoError(t, err)
	fetch := &fakeFetch{links: map[string][]string{
		site + "/":        {"/kitchen", "/about", "https://elsewhere.test/kitchen"},
		site + "/kitchen": append(productLinks(5), site+"/kitchen/guide.pdf", site+"/p/item-00#reviews"),
	}}
	e := newEngine(t, fetch, []discovery.Level{{Name: "category", Filter: levelFilter}}, store)

	first, err := e.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 5, first.Found)
	assert.Equal(t, 5, first.NewlyQueued)
	assert.Equal(t, 1, first.Rejected)

	second, err := e.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, second.NewlyQueued)
	assert.Equal(t, 5, second.SkippedDuplicate)

	require.NoError(t, store.View(ctx, func(tx *state.Tx) error {
		entries := tx.Queues.Entries(queue.Pending)
		require.Len(t, entries, 5)
		assert.Equal(t, "kitchen", entries[0].Metadata.CategoryShardKey)
		assert.Equal(t, site+"/kitchen", entries[0].Metadata.SourceCategory)
		return nil
	}))
}

func TestDiscoveryForceRequeuesIndexed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)
	links := productLinks(3)

	_, err := store.Update(ctx, func(tx *state.Tx) error {
		_, err := tx.PutProduct(catalog.ProductRecord{URL: links[0], Name: "x", ShardKey: "kitchen", ContentHash: "h"})
		return err
	})
	require.NoError(t, err)

	fetch := &fakeFetch{links: map[string][]string{site + "/": links}}
	summary, err := newEngine(t, fetch, nil, store).Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.NewlyQueued)

	require.NoError(t, store.View(ctx, func(tx *state.Tx) error {
		for _, e := range tx.Queues.Entries(queue.Pending) {
			assert.Equal(t, e.URL == links[0], e.Metadata.Force, e.URL)
		}
		return nil
	}))
}

func TestDiscoveryCountsPageErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := openStore(t)

	fetch := &fakeFetch{fail: map[string]error{
		site + "/": catalog.NewFetchError(catalog.ClassTransientServer, site+"/", 503, errors.New("down")),
	}}
	summary, err := newEngine(t, fetch, nil, store).Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 0, summary.Found)
}
