// Package discovery walks a site's category hierarchy and feeds product URLs
// into the pending queue. It only enumerates links; product content is never
// fetched here.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/classify"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/filter"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/queue"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/telemetry"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/urlnorm"
)

// Classifier resolves the shard key of a candidate.
type Classifier interface {
	Classify(ctx context.Context, c classify.Candidate) (string, error)
}

// Level is one non-terminal step of the walk.
type Level struct {
	Name   string
	Filter *filter.Filter
	// MaxLinks caps the pages kept at this level. Zero means no cap.
	MaxLinks int
}

// Options wires an Engine.
type Options struct {
	StartURLs  []string
	Levels     []Level
	Products   *filter.Filter
	Normalizer *urlnorm.Normalizer
	Classifier Classifier
	Fetch      catalog.FetchService
	Pacer      catalog.Pacer
	Store      *state.Store
	Clock      catalog.Clock
	Logger     *zap.Logger
}

// Engine runs discovery passes.
type Engine struct {
	opts   Options
	logger *zap.Logger
}

// New validates opts and builds an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case len(opts.StartURLs) == 0:
		return nil, errors.New("discovery: at least one start url is required")
	case opts.Products == nil:
		return nil, errors.New("discovery: product filter is required")
	case opts.Normalizer == nil, opts.Classifier == nil, opts.Fetch == nil, opts.Pacer == nil, opts.Store == nil, opts.Clock == nil:
		return nil, errors.New("discovery: normalizer, classifier, fetch service, pacer, store and clock are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{opts: opts, logger: logger.Named("discovery")}, nil
}

// Run walks every level from the start URLs, then enqueues the product links
// found on the last level's pages. With force, indexed products are queued
// again as forced refreshes. A page that fails to load is counted in Errors
// and skipped; only cancellation or a state failure aborts the pass.
func (e *Engine) Run(ctx context.Context, force bool) (summary catalog.DiscoverySummary, err error) {
	ctx, span := telemetry.Start(ctx, "discovery.run", attribute.Bool("force", force))
	defer func() {
		metrics.ObserveDiscovery(summary)
		telemetry.End(span, err)
	}()

	frontier, err := e.normalizeAll(e.opts.StartURLs)
	if err != nil {
		return summary, err
	}
	for depth, level := range e.opts.Levels {
		frontier, err = e.descend(ctx, depth, level, frontier, &summary)
		if err != nil {
			return summary, err
		}
		e.logger.Info("level discovered",
			zap.String("level", level.Name),
			zap.Int("pages", len(frontier)),
			telemetry.LogField(ctx),
		)
	}
	for _, page := range frontier {
		s, err := e.discoverProducts(ctx, page, force)
		summary.Add(s)
		if err != nil {
			return summary, err
		}
	}
	e.logger.Info("discovery finished",
		zap.Int("found", summary.Found),
		zap.Int("skipped_existing", summary.SkippedExisting),
		zap.Int("skipped_duplicate", summary.SkippedDuplicate),
		zap.Int("newly_queued", summary.NewlyQueued),
		zap.Int("rejected", summary.Rejected),
		zap.Int("errors", summary.Errors),
		telemetry.LogField(ctx),
	)
	return summary, nil
}

func (e *Engine) normalizeAll(raw []string) ([]string, error) {
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		n, err := e.opts.Normalizer.Normalize(u)
		if err != nil {
			return nil, fmt.Errorf("normalize start url: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

// descend loads every page of the frontier and returns the next level's pages.
func (e *Engine) descend(ctx context.Context, depth int, level Level, frontier []string, summary *catalog.DiscoverySummary) (next []string, err error) {
	ctx, span := telemetry.Start(ctx, "discovery.level",
		attribute.String("level", level.Name),
		attribute.Int("depth", depth),
	)
	defer func() { telemetry.End(span, err) }()

	seen := make(map[string]bool)
	for _, page := range frontier {
		links, err := e.links(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			summary.Errors++
			continue
		}
		for _, link := range links {
			if level.MaxLinks > 0 && len(next) >= level.MaxLinks {
				break
			}
			if seen[link] {
				continue
			}
			if d := level.Filter.Evaluate(link); !d.Accept {
				continue
			}
			seen[link] = true
			next = append(next, link)
		}
	}
	return next, nil
}

// links paces, fetches and normalizes the links of one page.
func (e *Engine) links(ctx context.Context, page string) ([]string, error) {
	if err := e.opts.Pacer.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := e.opts.Fetch.DiscoverLinks(ctx, page)
	if err != nil {
		e.logger.Warn("discover links failed",
			zap.String("url", page),
			zap.String("class", string(catalog.ClassOf(err))),
			zap.Error(err),
			telemetry.LogField(ctx),
		)
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		n, err := e.opts.Normalizer.Resolve(page, r)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

type candidate struct {
	url string
	key string
}

// discoverProducts handles one product-category page. Candidates are
// pre-checked against the state, classified outside the lock, then enqueued in
// a single commit that re-checks membership.
func (e *Engine) discoverProducts(ctx context.Context, page string, force bool) (catalog.DiscoverySummary, error) {
	var s catalog.DiscoverySummary
	links, err := e.links(ctx, page)
	if err != nil {
		if ctx.Err() != nil {
			return s, err
		}
		s.Errors++
		return s, nil
	}

	var urls []string
	seen := make(map[string]bool)
	for _, link := range links {
		if seen[link] {
			continue
		}
		seen[link] = true
		if d := e.opts.Products.Evaluate(link); !d.Accept {
			s.Rejected++
			continue
		}
		urls = append(urls, link)
	}
	s.Found = len(urls)
	if len(urls) == 0 {
		return s, nil
	}

	var fresh []string
	err = e.opts.Store.View(ctx, func(tx *state.Tx) error {
		for _, u := range urls {
			switch {
			case tx.Index.Contains(u) && !force:
				s.SkippedExisting++
			case tx.Queues.Contains(u):
				s.SkippedDuplicate++
			default:
				fresh = append(fresh, u)
			}
		}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("check candidates: %w", err)
	}
	if len(fresh) == 0 {
		return s, nil
	}

	candidates := make([]candidate, 0, len(fresh))
	for _, u := range fresh {
		key, err := e.opts.Classifier.Classify(ctx, classify.Candidate{URL: u, SourceURL: page})
		if err != nil {
			return s, fmt.Errorf("classify %s: %w", u, err)
		}
		candidates = append(candidates, candidate{url: u, key: key})
	}

	now := e.opts.Clock.Now()
	var existing, duplicate, queued int
	_, err = e.opts.Store.Update(ctx, func(tx *state.Tx) error {
		existing, duplicate, queued = 0, 0, 0
		for _, c := range candidates {
			indexed := tx.Index.Contains(c.url)
			err := tx.Enqueue(catalog.QueueEntry{
				URL:           c.url,
				NormalizedURL: c.url,
				Metadata: catalog.QueueMetadata{
					CategoryShardKey: c.key,
					SourceCategory:   page,
					DiscoveredAt:     now,
					Force:            force && indexed,
				},
			})
			switch {
			case err == nil:
				queued++
			case errors.Is(err, queue.ErrIndexed):
				existing++
			case errors.Is(err, queue.ErrAlreadyQueued):
				duplicate++
			default:
				return fmt.Errorf("enqueue %s: %w", c.url, err)
			}
		}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("enqueue candidates: %w", err)
	}
	s.SkippedExisting += existing
	s.SkippedDuplicate += duplicate
	s.NewlyQueued += queued
	e.logger.Debug("category processed",
		zap.String("url", page),
		zap.Int("found", s.Found),
		zap.Int("newly_queued", queued),
		telemetry.LogField(ctx),
	)
	return s, nil
}
