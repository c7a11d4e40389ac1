// Package events applies upstream change notifications to the catalog state.
package events

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/classify"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/queue"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/shard"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/urlnorm"
)

// Kind names an upstream change.
type Kind string

// Event kinds.
const (
	PageAdded       Kind = "page_added"
	ContentModified Kind = "content_modified"
	PageRemoved     Kind = "page_removed"
)

// RemovalPolicy selects when page_removed cascades through the state.
type RemovalPolicy string

// Removal policies.
const (
	RemoveImmediate RemovalPolicy = "immediate"
	RemoveDeferred  RemovalPolicy = "deferred"
)

// Actions reported per event.
const (
	ActionQueued         = "queued"
	ActionAlreadyQueued  = "already_queued"
	ActionAlreadyIndexed = "already_indexed"
	ActionRemoved        = "removed"
	ActionTombstoned     = "tombstoned"
	ActionUnknownURL     = "unknown_url"
)

// ErrUnknownKind is returned for an unsupported event kind.
var ErrUnknownKind = errors.New("unknown event kind")

// Event is one upstream change notification.
type Event struct {
	Kind Kind   `json:"kind"`
	URL  string `json:"url"`
	// ShardKey optionally overrides classification for added pages.
	ShardKey       string `json:"shard_key,omitempty"`
	SourceCategory string `json:"source_category,omitempty"`
}

// Result reports what an event did.
type Result struct {
	Kind      Kind     `json:"kind"`
	URL       string   `json:"url"`
	Action    string   `json:"action"`
	ShardKeys []string `json:"shard_keys,omitempty"`
}

// Classifier resolves the shard key of a page.
type Classifier interface {
	Classify(ctx context.Context, c classify.Candidate) (string, error)
}

// Options wires a Handler.
type Options struct {
	Store      *state.Store
	Normalizer *urlnorm.Normalizer
	Classifier Classifier
	Policy     RemovalPolicy
	Clock      catalog.Clock
	Logger     *zap.Logger
}

// Handler applies events, one commit per event.
type Handler struct {
	opts   Options
	logger *zap.Logger
}

// New validates opts and builds a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Store == nil || opts.Normalizer == nil || opts.Classifier == nil || opts.Clock == nil {
		return nil, errors.New("events: store, normalizer, classifier and clock are required")
	}
	switch opts.Policy {
	case "":
		opts.Policy = RemoveImmediate
	case RemoveImmediate, RemoveDeferred:
	default:
		return nil, fmt.Errorf("events: unknown removal policy %q", opts.Policy)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{opts: opts, logger: logger.Named("events")}, nil
}

// Apply handles one event.
func (h *Handler) Apply(ctx context.Context, ev Event) (Result, error) {
	u, err := h.opts.Normalizer.Normalize(ev.URL)
	if err != nil {
		return Result{}, fmt.Errorf("normalize event url: %w", err)
	}
	res := Result{Kind: ev.Kind, URL: u}
	switch ev.Kind {
	case PageAdded, ContentModified:
		err = h.enqueue(ctx, ev, u, &res)
	case PageRemoved:
		err = h.remove(ctx, u, &res)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind)
	}
	if err != nil {
		return Result{}, err
	}
	h.logger.Info("event applied",
		zap.String("kind", string(res.Kind)),
		zap.String("url", res.URL),
		zap.String("action", res.Action),
	)
	return res, nil
}

// ApplyAll handles events in order and stops at the first error.
func (h *Handler) ApplyAll(ctx context.Context, evs []Event) ([]Result, error) {
	out := make([]Result, 0, len(evs))
	for _, ev := range evs {
		res, err := h.Apply(ctx, ev)
		if err != nil {
			return out, fmt.Errorf("apply %s %s: %w", ev.Kind, ev.URL, err)
		}
		out = append(out, res)
	}
	return out, nil
}

func (h *Handler) enqueue(ctx context.Context, ev Event, u string, res *Result) error {
	force := ev.Kind == ContentModified

	var current string
	if err := h.opts.Store.View(ctx, func(tx *state.Tx) error {
		current, _ = tx.Index.ShardOf(u)
		return nil
	}); err != nil {
		return fmt.Errorf("look up %s: %w", u, err)
	}
	key, err := h.shardKey(ctx, ev, u, current)
	if err != nil {
		return err
	}

	_, err = h.opts.Store.Update(ctx, func(tx *state.Tx) error {
		tx.Tombstones.Clear(u)
		indexed := tx.Index.Contains(u)
		err := tx.Enqueue(catalog.QueueEntry{
			URL:           ev.URL,
			NormalizedURL: u,
			Metadata: catalog.QueueMetadata{
				CategoryShardKey: key,
				SourceCategory:   ev.SourceCategory,
				DiscoveredAt:     h.opts.Clock.Now(),
				Force:            force && indexed,
			},
		})
		switch {
		case err == nil:
			res.Action = ActionQueued
		case errors.Is(err, queue.ErrIndexed):
			res.Action = ActionAlreadyIndexed
		case errors.Is(err, queue.ErrAlreadyQueued):
			res.Action = ActionAlreadyQueued
		default:
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", u, err)
	}
	res.ShardKeys = []string{key}
	return nil
}

// shardKey prefers an explicit key, then the shard the page already lives
// in, then classification.
func (h *Handler) shardKey(ctx context.Context, ev Event, u, current string) (string, error) {
	if ev.ShardKey != "" {
		key := classify.Slugify(ev.ShardKey)
		if err := shard.ValidateKey(key); err != nil {
			return "", err
		}
		return key, nil
	}
	if current != "" {
		return current, nil
	}
	key, err := h.opts.Classifier.Classify(ctx, classify.Candidate{URL: u, SourceURL: ev.SourceCategory})
	if err != nil {
		return "", fmt.Errorf("classify %s: %w", u, err)
	}
	return key, nil
}

func (h *Handler) remove(ctx context.Context, u string, res *Result) error {
	_, err := h.opts.Store.Update(ctx, func(tx *state.Tx) error {
		_, queued := tx.Queues.RemoveURL(u)
		known := tx.Index.Contains(u) || len(tx.Index.Manifest.ShardsOf(u)) > 0
		switch {
		case !known && queued:
			res.Action = ActionRemoved
		case !known:
			res.Action = ActionUnknownURL
		case h.opts.Policy == RemoveDeferred:
			tx.Tombstones.Add(u, h.opts.Clock.Now())
			res.Action = ActionTombstoned
		default:
			keys, err := tx.RemoveProduct(u)
			if err != nil {
				return err
			}
			res.ShardKeys = keys
			res.Action = ActionRemoved
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", u, err)
	}
	return nil
}
