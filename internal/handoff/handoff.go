// Package handoff hands committed shard changes to downstream consumers. It
// mirrors shard files to a blob store and publishes one notification per
// changed shard. Both are best effort: failures are logged and never undo a
// commit.
package handoff

import (
	"bytes"
	"context"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/shard"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
)

// EventShardChanged is the Event field of every notification.
const EventShardChanged = "shard_changed"

// Object describes one written shard file.
type Object struct {
	Name  string `json:"name"`
	Bytes int    `json:"bytes"`
	URI   string `json:"uri,omitempty"`
}

// Notification is the payload published for a changed shard.
type Notification struct {
	Event     string    `json:"event"`
	ShardKey  string    `json:"shard_key"`
	Written   []Object  `json:"written,omitempty"`
	Deleted   []string  `json:"deleted,omitempty"`
	Unchanged int       `json:"unchanged"`
	At        time.Time `json:"at"`
}

// Options wires a Notifier. Publisher and Mirror are both optional.
type Options struct {
	Publisher catalog.Publisher
	Topic     string
	Mirror    catalog.BlobStore
	// Prefix is prepended to mirrored object paths.
	Prefix string
	Clock  catalog.Clock
	Logger *zap.Logger
}

// Notifier is a state.CommitHook.
type Notifier struct {
	opts   Options
	logger *zap.Logger
}

// New builds a Notifier.
func New(opts Options) *Notifier {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{opts: opts, logger: logger}
}

// Enabled reports whether the notifier has anywhere to send changes.
func (n *Notifier) Enabled() bool {
	return n.opts.Mirror != nil || (n.opts.Publisher != nil && n.opts.Topic != "")
}

// Hook adapts the notifier for state.Store.OnCommit.
func (n *Notifier) Hook() state.CommitHook {
	return n.OnCommit
}

// OnCommit mirrors and announces every changed shard in c.
func (n *Notifier) OnCommit(ctx context.Context, c state.Commit) {
	for _, r := range c.Shards {
		if !r.Changed() {
			continue
		}
		note := Notification{
			Event:     EventShardChanged,
			ShardKey:  r.Key,
			Deleted:   r.Deleted,
			Unchanged: r.Unchanged,
			At:        n.now(),
		}
		for _, p := range r.Written {
			note.Written = append(note.Written, Object{
				Name:  p.Name,
				Bytes: len(p.Data),
				URI:   n.mirror(ctx, p),
			})
		}
		for _, name := range r.Deleted {
			n.unmirror(ctx, name)
		}
		n.publish(ctx, note)
	}
}

func (n *Notifier) mirror(ctx context.Context, p shard.Part) string {
	if n.opts.Mirror == nil {
		return ""
	}
	uri, err := n.opts.Mirror.PutObject(ctx, n.objectPath(p.Name), "application/json", bytes.NewReader(p.Data))
	if err != nil {
		n.logger.Error("mirror shard file failed", zap.String("file", p.Name), zap.Error(err))
		return ""
	}
	return uri
}

func (n *Notifier) unmirror(ctx context.Context, name string) {
	if n.opts.Mirror == nil {
		return
	}
	if err := n.opts.Mirror.DeleteObject(ctx, n.objectPath(name)); err != nil {
		n.logger.Error("delete mirrored shard file failed", zap.String("file", name), zap.Error(err))
	}
}

func (n *Notifier) publish(ctx context.Context, note Notification) {
	if n.opts.Publisher == nil || n.opts.Topic == "" {
		return
	}
	id, err := n.opts.Publisher.Publish(ctx, n.opts.Topic, note)
	if err != nil {
		n.logger.Error("publish shard change failed", zap.String("shard_key", note.ShardKey), zap.Error(err))
		return
	}
	n.logger.Debug("shard change published",
		zap.String("shard_key", note.ShardKey),
		zap.String("message_id", id),
		zap.Int("written", len(note.Written)),
		zap.Int("deleted", len(note.Deleted)))
}

func (n *Notifier) objectPath(name string) string {
	if n.opts.Prefix == "" {
		return name
	}
	return path.Join(n.opts.Prefix, name)
}

func (n *Notifier) now() time.Time {
	if n.opts.Clock == nil {
		return time.Now().UTC()
	}
	return n.opts.Clock.Now()
}
