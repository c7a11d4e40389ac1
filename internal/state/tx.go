package state

import (
	"fmt"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/index"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/queue"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/shard"
)

// Tx is the loaded state handed to an Update or View callback. Changes made
// through it are written when the callback returns nil.
type Tx struct {
	Index      *index.Store
	Queues     *queue.Set
	Tombstones *Tombstones
	Shards     *shard.Stage

	// IndexErr is set when the index file was missing or invalid. Only
	// Repair callbacks ever see a non-nil value.
	IndexErr error
}

// PutOutcome describes what PutProduct did.
type PutOutcome string

// Outcomes of PutProduct.
const (
	PutAdded     PutOutcome = "added"
	PutUpdated   PutOutcome = "updated"
	PutMoved     PutOutcome = "moved"
	PutUnchanged PutOutcome = "unchanged"
)

// PutProduct writes rec to its shard and records it in the index and
// manifest. A record whose shard and content hash match the index entry is
// not rewritten; only its scrape time advances. A record that changed shard
// is removed from the old one.
func (tx *Tx) PutProduct(rec catalog.ProductRecord) (PutOutcome, error) {
	if rec.URL == "" {
		return "", fmt.Errorf("put product: empty url")
	}
	if rec.ShardKey == "" {
		rec.ShardKey = catalog.DefaultShardKey
	}
	prev, had := tx.Index.Index.Get(rec.URL)
	if had && prev.ShardKey == rec.ShardKey && prev.ContentHash == rec.ContentHash && rec.ContentHash != "" {
		_, inShard, err := tx.Shards.Get(rec.ShardKey, rec.URL)
		if err != nil {
			return "", fmt.Errorf("read shard %s: %w", rec.ShardKey, err)
		}
		if inShard {
			tx.Index.Put(rec.URL, rec.ShardKey, rec.ContentHash, rec.ScrapedAt)
			return PutUnchanged, nil
		}
	}
	if err := tx.Shards.Upsert(rec.ShardKey, rec); err != nil {
		return "", fmt.Errorf("stage shard %s: %w", rec.ShardKey, err)
	}
	previous := tx.Index.Put(rec.URL, rec.ShardKey, rec.ContentHash, rec.ScrapedAt)
	if previous != "" {
		if _, err := tx.Shards.Remove(previous, rec.URL); err != nil {
			return "", fmt.Errorf("remove from shard %s: %w", previous, err)
		}
		return PutMoved, nil
	}
	if had {
		return PutUpdated, nil
	}
	return PutAdded, nil
}

// RemoveProduct cascades the removal of url through the index, manifest and
// every shard that referenced it. It returns the affected shard keys.
func (tx *Tx) RemoveProduct(url string) ([]string, error) {
	keys := tx.Index.Remove(url)
	for _, key := range keys {
		if _, err := tx.Shards.Remove(key, url); err != nil {
			return keys, fmt.Errorf("remove from shard %s: %w", key, err)
		}
	}
	return keys, nil
}

// Enqueue adds e to the pending queue unless it is indexed (and not forced)
// or already queued.
func (tx *Tx) Enqueue(e catalog.QueueEntry) error {
	return tx.Queues.Enqueue(e, tx.Index.Contains(e.NormalizedURL))
}
