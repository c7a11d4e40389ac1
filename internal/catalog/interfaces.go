package catalog

import (
	"context"
	"io"
	"time"
)

// FetchService performs link discovery and structured product extraction
// against the live site.
type FetchService interface {
	DiscoverLinks(ctx context.Context, pageURL string) ([]string, error)
	ScrapeProduct(ctx context.Context, pageURL string) (ProductRecord, error)
}

// BreadcrumbFetcher loads the breadcrumb trails of a page, in document order.
// It backs the secondary shard classification strategy.
type BreadcrumbFetcher interface {
	FetchBreadcrumbs(ctx context.Context, pageURL string) ([][]string, error)
}

// Pacer enforces the minimum delay between remote calls.
type Pacer interface {
	Wait(ctx context.Context) error
}

// Publisher pushes shard change notifications to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore mirrors shard files to external storage. PutObject returns the
// object URI; DeleteObject of a missing object is not an error.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	DeleteObject(ctx context.Context, path string) error
}

// RunLedger records invocation summaries.
type RunLedger interface {
	RecordRun(ctx context.Context, summary RunSummary) error
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
