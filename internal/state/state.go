// Package state is the single serialized entry point for crawl state. Every
// read-modify-write of the index, manifest, queues, tombstones and shard
// files runs inside Update while holding an exclusive lock on the state
// directory.
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/index"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/lock"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/queue"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/shard"
)

// ErrBusy is returned when another invocation holds the state lock past the
// configured wait.
var ErrBusy = errors.New("state directory busy")

// ErrIndexUnavailable is returned by Update when the index must be rebuilt by
// a reconcile before normal work can continue.
var ErrIndexUnavailable = errors.New("index unavailable, reconcile required")

// Files inside the state directory.
const (
	LockFile        = ".lock"
	ProcessLockFile = "process.lock"
	ShardDir        = "shards"
)

// Options configures a Store.
type Options struct {
	Dir           string
	MaxShardChars int
	LockTimeout   time.Duration
	Logger        *zap.Logger
}

// Commit reports the shard files changed by one Update.
type Commit struct {
	Shards []shard.Result
}

// Written counts the shard files written by the commit.
func (c Commit) Written() int {
	n := 0
	for _, r := range c.Shards {
		n += len(r.Written)
	}
	return n
}

// CommitHook observes successful commits after the lock is released.
type CommitHook func(ctx context.Context, c Commit)

// Store owns a state directory.
type Store struct {
	dir         string
	shards      *shard.Writer
	lockTimeout time.Duration
	logger      *zap.Logger
	hooks       []CommitHook
}

// Open prepares dir for use.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("state dir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	w, err := shard.NewWriter(filepath.Join(opts.Dir, ShardDir), opts.MaxShardChars, logger)
	if err != nil {
		return nil, err
	}
	return &Store{dir: opts.Dir, shards: w, lockTimeout: opts.LockTimeout, logger: logger}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// ShardWriter exposes the shard files for read-only scans.
func (s *Store) ShardWriter() *shard.Writer { return s.shards }

// OnCommit registers a hook run after every commit that changed shards.
func (s *Store) OnCommit(h CommitHook) {
	s.hooks = append(s.hooks, h)
}

// Update runs fn against freshly loaded state and commits its changes in the
// order shards, manifest, index, queues, tombstones. Nothing is written when
// fn returns an error.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) (Commit, error) {
	return s.update(ctx, false, fn)
}

// Repair is Update for callers that can work with, and fix, a missing or
// invalid index. Tx.IndexErr reports the load failure.
func (s *Store) Repair(ctx context.Context, fn func(*Tx) error) (Commit, error) {
	return s.update(ctx, true, fn)
}

// View runs fn against freshly loaded state without committing.
func (s *Store) View(ctx context.Context, fn func(*Tx) error) error {
	l, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer s.release(l)
	tx, err := s.load(true)
	if err != nil {
		return err
	}
	return fn(tx)
}

// AcquireProcessLock takes the run-scoped lock held for a whole processing
// phase. At most one processor may own in-flight entries.
func (s *Store) AcquireProcessLock() (*lock.ScopedLock, error) {
	l, err := lock.TryAcquire(filepath.Join(s.dir, ProcessLockFile))
	if errors.Is(err, lock.ErrLocked) {
		return nil, fmt.Errorf("%w: another processor is running: %w", ErrBusy, err)
	}
	return l, err
}

// Status returns counts of the persisted state.
func (s *Store) Status(ctx context.Context) (catalog.Status, error) {
	var st catalog.Status
	err := s.View(ctx, func(tx *Tx) error {
		keys, err := s.shards.Keys()
		if err != nil {
			return err
		}
		st = catalog.Status{
			IndexEntries: tx.Index.Index.Len(),
			Shards:       len(keys),
			Pending:      tx.Queues.Len(queue.Pending),
			InFlight:     tx.Queues.Len(queue.InFlight),
			Retry:        tx.Queues.Len(queue.Retry),
			Tombstones:   tx.Tombstones.Len(),
			RetryErrors:  tx.Queues.Entries(queue.Retry),
		}
		return nil
	})
	return st, err
}

func (s *Store) update(ctx context.Context, allowInvalid bool, fn func(*Tx) error) (Commit, error) {
	l, err := s.acquire(ctx)
	if err != nil {
		return Commit{}, err
	}
	tx, err := s.load(allowInvalid)
	if err != nil {
		s.release(l)
		return Commit{}, err
	}
	if err := fn(tx); err != nil {
		s.release(l)
		return Commit{}, err
	}
	c, err := s.commit(tx)
	s.release(l)
	if err != nil {
		return c, err
	}
	if len(c.Shards) > 0 {
		metrics.ObserveShardWrites(c.Written())
		for _, h := range s.hooks {
			h(ctx, c)
		}
	}
	return c, nil
}

func (s *Store) commit(tx *Tx) (Commit, error) {
	var c Commit
	results, err := tx.Shards.Commit()
	for _, r := range results {
		if r.Changed() {
			c.Shards = append(c.Shards, r)
		}
	}
	if err != nil {
		return c, fmt.Errorf("commit shards: %w", err)
	}
	if tx.Index.Dirty() {
		if err := index.Save(s.dir, tx.Index); err != nil {
			return c, fmt.Errorf("commit index: %w", err)
		}
	}
	if err := queue.Save(s.dir, tx.Queues); err != nil {
		return c, fmt.Errorf("commit queues: %w", err)
	}
	if err := saveTombstones(s.dir, tx.Tombstones); err != nil {
		return c, fmt.Errorf("commit tombstones: %w", err)
	}
	return c, nil
}

func (s *Store) load(allowInvalid bool) (*Tx, error) {
	idx, idxErr := index.Load(s.dir)
	if idxErr != nil {
		if idx == nil || !allowInvalid {
			return nil, fmt.Errorf("%w: %w", ErrIndexUnavailable, idxErr)
		}
	}
	queues, dropped, err := queue.Load(s.dir)
	if err != nil {
		return nil, fmt.Errorf("load queues: %w", err)
	}
	if dropped > 0 {
		s.logger.Warn("dropped duplicate queue entries", zap.Int("count", dropped))
	}
	tombs, err := loadTombstones(s.dir)
	if err != nil {
		return nil, err
	}
	return &Tx{
		Index:      idx,
		Queues:     queues,
		Tombstones: tombs,
		Shards:     s.shards.Stage(),
		IndexErr:   idxErr,
	}, nil
}

func (s *Store) acquire(ctx context.Context) (*lock.ScopedLock, error) {
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	l, err := lock.Acquire(ctx, filepath.Join(s.dir, LockFile), lock.DefaultRetryDelay)
	if errors.Is(err, lock.ErrLocked) {
		return nil, fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return l, err
}

func (s *Store) release(l *lock.ScopedLock) {
	if err := l.Release(); err != nil {
		s.logger.Error("release state lock", zap.Error(err))
	}
}
