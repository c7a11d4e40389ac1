// Package batch drains the pending queue: it scrapes each entry with a
// bounded in-call retry, writes successes to their shard and isolates
// failures into the retry queue.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/queue"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/shard"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/telemetry"
)

// Entry outcomes, used as metric labels.
const (
	OutcomeProcessed = "processed"
	OutcomeUnchanged = "unchanged"
	OutcomeSkipped   = "skipped_existing"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Options wires a Processor.
type Options struct {
	Fetch  catalog.FetchService
	Pacer  catalog.Pacer
	Store  *state.Store
	Hasher catalog.Hasher
	Clock  catalog.Clock
	// MaxInCallRetries bounds the ScrapeProduct calls per entry per run,
	// first call included.
	MaxInCallRetries int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	Logger           *zap.Logger
}

// RunOptions are the operator controls of one invocation.
type RunOptions struct {
	BatchSize int
	// MaxBatches of zero drains the queue.
	MaxBatches int
}

// Processor runs processing phases.
type Processor struct {
	opts   Options
	logger *zap.Logger
}

// New validates opts and builds a Processor.
func New(opts Options) (*Processor, error) {
	if opts.Fetch == nil || opts.Pacer == nil || opts.Store == nil || opts.Hasher == nil || opts.Clock == nil {
		return nil, errors.New("batch: fetch service, pacer, store, hasher and clock are required")
	}
	if opts.MaxInCallRetries < 1 {
		opts.MaxInCallRetries = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{opts: opts, logger: logger.Named("batch")}, nil
}

// Run processes up to MaxBatches batches of BatchSize entries. It holds the
// process lock for its whole duration and first returns entries left
// in-flight by an interrupted run to pending. Each entry's outcome is
// committed before the next remote call. On cancellation the current batch's
// unprocessed entries go back to pending.
func (p *Processor) Run(ctx context.Context, ro RunOptions) (summary catalog.BatchSummary, err error) {
	if ro.BatchSize < 1 {
		return summary, fmt.Errorf("batch size must be positive, got %d", ro.BatchSize)
	}
	plock, err := p.opts.Store.AcquireProcessLock()
	if err != nil {
		return summary, err
	}
	defer func() {
		if rerr := plock.Release(); rerr != nil {
			p.logger.Error("release process lock", zap.Error(rerr))
		}
	}()

	var recovered int
	if _, err := p.opts.Store.Update(ctx, func(tx *state.Tx) error {
		recovered = tx.Queues.RecoverInFlight()
		return nil
	}); err != nil {
		return summary, fmt.Errorf("recover in-flight entries: %w", err)
	}
	if recovered > 0 {
		p.logger.Warn("recovered in-flight entries from interrupted run", zap.Int("count", recovered))
	}

	defer func() {
		p.finish(&summary, err)
	}()

	for ro.MaxBatches <= 0 || summary.Batches < ro.MaxBatches {
		var entries []catalog.QueueEntry
		if _, err := p.opts.Store.Update(ctx, func(tx *state.Tx) error {
			entries = tx.Queues.DequeueBatch(ro.BatchSize)
			return nil
		}); err != nil {
			return summary, fmt.Errorf("dequeue batch: %w", err)
		}
		if len(entries) == 0 {
			break
		}
		summary.Batches++
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			outcome, err := p.processEntry(ctx, e)
			if err != nil {
				return summary, err
			}
			metrics.ObserveBatchEntry(outcome)
			switch outcome {
			case OutcomeProcessed, OutcomeUnchanged:
				summary.Processed++
			case OutcomeSkipped:
				summary.SkippedExisting++
			case OutcomeFailed:
				summary.Failed++
			case OutcomeDropped:
				summary.Dropped++
			}
		}
	}
	return summary, nil
}

// finish requeues leftovers after an abort and fills the queue counts.
func (p *Processor) finish(summary *catalog.BatchSummary, runErr error) {
	ctx := context.Background()
	_, err := p.opts.Store.Update(ctx, func(tx *state.Tx) error {
		if runErr != nil {
			if n := tx.Queues.RecoverInFlight(); n > 0 {
				p.logger.Info("returned unprocessed entries to pending", zap.Int("count", n))
			}
		}
		summary.QueueRemaining = tx.Queues.Len(queue.Pending)
		summary.RetryQueued = tx.Queues.Len(queue.Retry)
		metrics.SetQueueDepths(map[string]int{
			string(queue.Pending):  tx.Queues.Len(queue.Pending),
			string(queue.InFlight): tx.Queues.Len(queue.InFlight),
			string(queue.Retry):    tx.Queues.Len(queue.Retry),
		})
		return nil
	})
	if err != nil {
		p.logger.Error("finalize batch run", zap.Error(err))
	}
	p.logger.Info("processing finished",
		zap.Int("batches", summary.Batches),
		zap.Int("processed", summary.Processed),
		zap.Int("skipped_existing", summary.SkippedExisting),
		zap.Int("failed", summary.Failed),
		zap.Int("dropped", summary.Dropped),
		zap.Int("queue_remaining", summary.QueueRemaining),
		zap.Int("retry_queued", summary.RetryQueued),
	)
}

// processEntry handles one in-flight entry. A returned error aborts the run
// and leaves the entry in-flight.
func (p *Processor) processEntry(ctx context.Context, e catalog.QueueEntry) (outcome string, err error) {
	ctx, span := telemetry.Start(ctx, "batch.entry", attribute.String("url", e.NormalizedURL))
	defer func() {
		span.SetAttributes(attribute.String("outcome", outcome))
		telemetry.End(span, err)
	}()

	skip, err := p.secondChanceSkip(ctx, e)
	if err != nil || skip {
		return OutcomeSkipped, err
	}

	rec, attempts, scrapeErr := p.scrape(ctx, e)
	if scrapeErr != nil && ctx.Err() != nil {
		return "", ctx.Err()
	}
	if scrapeErr == nil {
		rec, err = p.prepare(e, rec)
		if err != nil {
			scrapeErr = catalog.NewFetchError(catalog.ClassParse, e.URL, 0, err)
		}
	}

	var dropped bool
	if scrapeErr == nil {
		var put state.PutOutcome
		_, err = p.opts.Store.Update(ctx, func(tx *state.Tx) error {
			if dropped = !stillClaimed(tx, e.NormalizedURL); dropped {
				return nil
			}
			var perr error
			put, perr = tx.PutProduct(rec)
			if errors.Is(perr, shard.ErrRecordTooLarge) {
				scrapeErr = catalog.NewFetchError(catalog.ClassStorage, e.URL, 0, perr)
				return p.isolate(ctx, tx, e, scrapeErr, attempts)
			}
			if perr != nil {
				return perr
			}
			tx.Queues.Complete(e.NormalizedURL)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("commit %s: %w", e.NormalizedURL, err)
		}
		if dropped {
			p.logDropped(ctx, e)
			return OutcomeDropped, nil
		}
		if scrapeErr == nil {
			p.logger.Debug("entry processed",
				zap.String("url", e.NormalizedURL),
				zap.String("shard_key", rec.ShardKey),
				zap.String("result", string(put)),
				telemetry.LogField(ctx),
			)
			if put == state.PutUnchanged {
				return OutcomeUnchanged, nil
			}
			return OutcomeProcessed, nil
		}
		return OutcomeFailed, nil
	}

	if _, err := p.opts.Store.Update(ctx, func(tx *state.Tx) error {
		if dropped = !stillClaimed(tx, e.NormalizedURL); dropped {
			return nil
		}
		return p.isolate(ctx, tx, e, scrapeErr, attempts)
	}); err != nil {
		return "", fmt.Errorf("isolate %s: %w", e.NormalizedURL, err)
	}
	if dropped {
		p.logDropped(ctx, e)
		return OutcomeDropped, nil
	}
	return OutcomeFailed, nil
}

// stillClaimed reports whether this run still owns url: it is in-flight and
// no removal arrived while it was being scraped. An upstream page_removed
// takes the URL out of the queues (and may tombstone it), so the scrape
// result must not be written back.
func stillClaimed(tx *state.Tx, url string) bool {
	n, ok := tx.Queues.Where(url)
	return ok && n == queue.InFlight && !tx.Tombstones.Has(url)
}

func (p *Processor) logDropped(ctx context.Context, e catalog.QueueEntry) {
	p.logger.Info("entry removed during scrape, result dropped",
		zap.String("url", e.NormalizedURL), telemetry.LogField(ctx))
}

func (p *Processor) secondChanceSkip(ctx context.Context, e catalog.QueueEntry) (bool, error) {
	if e.Metadata.Force {
		return false, nil
	}
	var skipped bool
	_, err := p.opts.Store.Update(ctx, func(tx *state.Tx) error {
		if tx.Index.Contains(e.NormalizedURL) {
			skipped = tx.Queues.Complete(e.NormalizedURL)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("second-chance check %s: %w", e.NormalizedURL, err)
	}
	if skipped {
		p.logger.Debug("entry already indexed", zap.String("url", e.NormalizedURL), telemetry.LogField(ctx))
	}
	return skipped, nil
}

// scrape calls ScrapeProduct at most MaxInCallRetries times, retrying only
// retriable failure classes with exponential backoff.
func (p *Processor) scrape(ctx context.Context, e catalog.QueueEntry) (catalog.ProductRecord, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff
	b.MaxInterval = p.opts.MaxBackoff

	attempts := 0
	rec, err := backoff.Retry(ctx, func() (catalog.ProductRecord, error) {
		if err := p.opts.Pacer.Wait(ctx); err != nil {
			return catalog.ProductRecord{}, backoff.Permanent(err)
		}
		attempts++
		rec, err := p.opts.Fetch.ScrapeProduct(ctx, e.URL)
		if err != nil && !catalog.ClassOf(err).Retriable() {
			return catalog.ProductRecord{}, backoff.Permanent(err)
		}
		return rec, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.opts.MaxInCallRetries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.logger.Debug("retrying scrape",
				zap.String("url", e.NormalizedURL),
				zap.Duration("wait", wait),
				zap.Error(err),
				telemetry.LogField(ctx),
			)
		}),
	)
	return rec, attempts, err
}

// prepare fills the bookkeeping fields of a scraped record.
func (p *Processor) prepare(e catalog.QueueEntry, rec catalog.ProductRecord) (catalog.ProductRecord, error) {
	rec.URL = e.NormalizedURL
	rec.ShardKey = e.Metadata.CategoryShardKey
	if rec.ShardKey == "" {
		rec.ShardKey = catalog.DefaultShardKey
	}
	input, err := rec.HashInput()
	if err != nil {
		return rec, err
	}
	rec.ContentHash, err = p.opts.Hasher.Hash(input)
	if err != nil {
		return rec, fmt.Errorf("hash record: %w", err)
	}
	rec.ScrapedAt = p.opts.Clock.Now()
	return rec, nil
}

func (p *Processor) isolate(ctx context.Context, tx *state.Tx, e catalog.QueueEntry, cause error, attempts int) error {
	class := catalog.ClassOf(cause)
	if _, err := tx.Queues.MoveToRetry(e.NormalizedURL, queue.Failure{
		Err:      cause,
		Class:    class,
		Attempts: attempts,
		At:       p.opts.Clock.Now(),
	}); err != nil {
		return err
	}
	p.logger.Warn("entry isolated to retry queue",
		zap.String("url", e.NormalizedURL),
		zap.String("class", string(class)),
		zap.Int("attempts", attempts),
		zap.Error(cause),
		telemetry.LogField(ctx),
	)
	return nil
}
