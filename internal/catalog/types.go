package catalog

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultShardKey is the fallback bucket for products that cannot be classified.
const DefaultShardKey = "uncategorized"

// ProductRecord is the structured content extracted from one product page.
type ProductRecord struct {
	URL            string            `json:"url"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Price          string            `json:"price,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	Availability   string            `json:"availability,omitempty"`
	Specifications map[string]string `json:"specifications,omitempty"`
	Breadcrumbs    []string          `json:"breadcrumbs,omitempty"`
	ShardKey       string            `json:"shard_key"`
	ContentHash    string            `json:"content_hash,omitempty"`
	ScrapedAt      time.Time         `json:"scraped_at"`
}

// HashInput returns the bytes that identify the record's content. Bookkeeping
// fields (hash, scrape time, shard assignment) are excluded so that a re-scrape
// of an unchanged page yields the same digest.
func (r ProductRecord) HashInput() ([]byte, error) {
	content := struct {
		URL            string            `json:"url"`
		Name           string            `json:"name"`
		Description    string            `json:"description"`
		Price          string            `json:"price"`
		Currency       string            `json:"currency"`
		Availability   string            `json:"availability"`
		Specifications map[string]string `json:"specifications"`
		Breadcrumbs    []string          `json:"breadcrumbs"`
	}{
		URL:            r.URL,
		Name:           r.Name,
		Description:    r.Description,
		Price:          r.Price,
		Currency:       r.Currency,
		Availability:   r.Availability,
		Specifications: r.Specifications,
		Breadcrumbs:    r.Breadcrumbs,
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal record content: %w", err)
	}
	return data, nil
}

// IndexEntry records where a known product lives and what it looked like.
type IndexEntry struct {
	ShardKey    string    `json:"shard_key"`
	ContentHash string    `json:"content_hash"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// QueueMetadata travels with a queue entry between discovery, processing and retry.
type QueueMetadata struct {
	Attempts         int       `json:"attempts"`
	LastError        string    `json:"last_error,omitempty"`
	ErrorClass       Class     `json:"error_class,omitempty"`
	CategoryShardKey string    `json:"category_shard_key"`
	SourceCategory   string    `json:"source_category,omitempty"`
	DiscoveredAt     time.Time `json:"discovered_at"`
	FailedAt         time.Time `json:"failed_at,omitzero"`
	Force            bool      `json:"force,omitempty"`
}

// QueueEntry is one URL waiting in the pending, in-flight or retry queue.
type QueueEntry struct {
	URL           string        `json:"url"`
	NormalizedURL string        `json:"normalized_url"`
	Metadata      QueueMetadata `json:"metadata"`
}

// DiscoverySummary is the user-visible result of one discovery pass.
type DiscoverySummary struct {
	Found            int `json:"found"`
	SkippedExisting  int `json:"skipped_existing"`
	SkippedDuplicate int `json:"skipped_duplicate"`
	NewlyQueued      int `json:"newly_queued"`
	Rejected         int `json:"rejected"`
	Errors           int `json:"errors"`
}

// Add accumulates another summary into s.
func (s *DiscoverySummary) Add(o DiscoverySummary) {
	s.Found += o.Found
	s.SkippedExisting += o.SkippedExisting
	s.SkippedDuplicate += o.SkippedDuplicate
	s.NewlyQueued += o.NewlyQueued
	s.Rejected += o.Rejected
	s.Errors += o.Errors
}

// BatchSummary is the user-visible result of one processing invocation.
type BatchSummary struct {
	Batches         int `json:"batches"`
	Processed       int `json:"processed"`
	SkippedExisting int `json:"skipped_existing"`
	Failed          int `json:"failed"`
	// Dropped counts entries removed upstream while their scrape ran.
	Dropped        int `json:"dropped"`
	QueueRemaining  int `json:"queue_remaining"`
	RetryQueued     int `json:"retry_queued"`
}

// RunSummary combines the phases of a single CLI or API invocation.
type RunSummary struct {
	RunID      string            `json:"run_id"`
	Site       string            `json:"site"`
	Mode       string            `json:"mode"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Discovery  *DiscoverySummary `json:"discovery,omitempty"`
	Batch      *BatchSummary     `json:"batch,omitempty"`
	Reconcile  *ReconcileReport  `json:"reconcile,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// DriftKind names a class of index/manifest/shard divergence.
type DriftKind string

// Drift kinds reported by the reconciler.
const (
	DriftOrphanShardURL    DriftKind = "orphan_shard_url"
	DriftManifestOnly      DriftKind = "manifest_without_index"
	DriftIndexOnly         DriftKind = "index_without_manifest"
	DriftMissingFromShard  DriftKind = "missing_from_shard"
	DriftShardMismatch     DriftKind = "shard_key_mismatch"
	DriftDuplicateShardURL DriftKind = "duplicate_shard_url"
	DriftTombstoned        DriftKind = "tombstoned"
)

// Drift is one discrepancy found by the reconciler.
type Drift struct {
	Kind     DriftKind `json:"kind"`
	URL      string    `json:"url"`
	ShardKey string    `json:"shard_key,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Repaired bool      `json:"repaired"`
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	ShardURLs     int     `json:"shard_urls"`
	ManifestURLs  int     `json:"manifest_urls"`
	IndexURLs     int     `json:"index_urls"`
	IndexRebuilt  bool    `json:"index_rebuilt"`
	InSync        bool    `json:"in_sync"`
	Repaired      int     `json:"repaired"`
	Unresolved    int     `json:"unresolved"`
	Discrepancies []Drift `json:"discrepancies,omitempty"`
}

// Status is a point-in-time view of the persisted state.
type Status struct {
	IndexEntries int          `json:"index_entries"`
	Shards       int          `json:"shards"`
	Pending      int          `json:"pending"`
	InFlight     int          `json:"in_flight"`
	Retry        int          `json:"retry"`
	Tombstones   int          `json:"tombstones"`
	RetryErrors  []QueueEntry `json:"retry_errors,omitempty"`
}
