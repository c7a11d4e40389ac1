package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-catalog/internal/batch"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/catalog"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/events"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/logging"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/metrics"
	"github.com/JakeFAU/realtime-cpi-catalog/internal/state"
)

// Run modes recorded in summaries, metrics and the ledger.
const (
	ModeRun       = "run"
	ModeDiscover  = "discover"
	ModeProcess   = "process"
	ModeReconcile = "reconcile"
	ModeRedrain   = "redrain"
	ModeEvents    = "events"
)

// ProcessOptions are the operator controls of a processing phase.
type ProcessOptions struct {
	BatchSize  int
	MaxBatches int
}

// RunOptions are the operator controls of a full invocation.
type RunOptions struct {
	Force   bool
	Process ProcessOptions
	// SkipDiscovery processes whatever is already queued.
	SkipDiscovery bool
}

// DefaultRunOptions derives the invocation controls from configuration.
func (a *App) DefaultRunOptions() RunOptions {
	return RunOptions{
		Force: a.cfg.Run.ForceRefresh,
		Process: ProcessOptions{
			BatchSize:  a.cfg.Run.BatchSize,
			MaxBatches: a.cfg.Run.MaxBatches,
		},
	}
}

// Run performs a full invocation: an optional startup reconcile, discovery
// and processing.
func (a *App) Run(ctx context.Context, ro RunOptions) (catalog.RunSummary, error) {
	return a.record(ctx, ModeRun, func(ctx context.Context, s *catalog.RunSummary, _ *zap.Logger) error {
		if a.cfg.State.ReconcileOnStart {
			report, err := a.reconciler.Run(ctx)
			if err != nil {
				return err
			}
			s.Reconcile = &report
		}
		if !ro.SkipDiscovery {
			ds, err := a.discovery.Run(ctx, ro.Force)
			s.Discovery = &ds
			if err != nil {
				return err
			}
		}
		bs, err := a.process(ctx, ro.Process)
		s.Batch = &bs
		return err
	})
}

// Discover runs only the discovery phase.
func (a *App) Discover(ctx context.Context, force bool) (catalog.RunSummary, error) {
	return a.record(ctx, ModeDiscover, func(ctx context.Context, s *catalog.RunSummary, _ *zap.Logger) error {
		ds, err := a.discovery.Run(ctx, force)
		s.Discovery = &ds
		return err
	})
}

// Process runs only the processing phase over the queued URLs.
func (a *App) Process(ctx context.Context, po ProcessOptions) (catalog.RunSummary, error) {
	return a.record(ctx, ModeProcess, func(ctx context.Context, s *catalog.RunSummary, _ *zap.Logger) error {
		bs, err := a.process(ctx, po)
		s.Batch = &bs
		return err
	})
}

func (a *App) process(ctx context.Context, po ProcessOptions) (catalog.BatchSummary, error) {
	if po.BatchSize <= 0 {
		po.BatchSize = a.cfg.Run.BatchSize
	}
	return a.processor.Run(ctx, batch.RunOptions{BatchSize: po.BatchSize, MaxBatches: po.MaxBatches})
}

// Reconcile runs one consistency pass.
func (a *App) Reconcile(ctx context.Context) (catalog.RunSummary, error) {
	return a.record(ctx, ModeReconcile, func(ctx context.Context, s *catalog.RunSummary, _ *zap.Logger) error {
		report, err := a.reconciler.Run(ctx)
		s.Reconcile = &report
		return err
	})
}

// Redrain moves every isolated entry back to pending with a fresh attempt
// budget and returns how many moved.
func (a *App) Redrain(ctx context.Context) (int, catalog.RunSummary, error) {
	var moved int
	summary, err := a.record(ctx, ModeRedrain, func(ctx context.Context, _ *catalog.RunSummary, logger *zap.Logger) error {
		_, err := a.store.Update(ctx, func(tx *state.Tx) error {
			moved = tx.Queues.DrainRetryIntoPending()
			return nil
		})
		if err != nil {
			return fmt.Errorf("redrain retry queue: %w", err)
		}
		logger.Info("retry queue redrained", zap.Int("moved", moved))
		return nil
	})
	return moved, summary, err
}

// ApplyEvents handles upstream change events in order.
func (a *App) ApplyEvents(ctx context.Context, evs []events.Event) ([]events.Result, catalog.RunSummary, error) {
	var results []events.Result
	summary, err := a.record(ctx, ModeEvents, func(ctx context.Context, _ *catalog.RunSummary, logger *zap.Logger) error {
		var err error
		results, err = a.events.ApplyAll(ctx, evs)
		logger.Info("change events applied", zap.Int("received", len(evs)), zap.Int("applied", len(results)))
		return err
	})
	return results, summary, err
}

// Status reports the persisted state.
func (a *App) Status(ctx context.Context) (catalog.Status, error) {
	return a.store.Status(ctx)
}

// RecentRuns lists the newest ledger rows.
func (a *App) RecentRuns(ctx context.Context, limit int) ([]catalog.RunSummary, error) {
	if a.ledger == nil {
		return nil, catalog.ErrLedgerDisabled
	}
	return a.ledger.RecentRuns(ctx, limit)
}

// record wraps one invocation with a run ID, timing, logging, metrics and the
// ledger row. Ledger failures are logged and never fail the run.
func (a *App) record(ctx context.Context, mode string, fn func(context.Context, *catalog.RunSummary, *zap.Logger) error) (catalog.RunSummary, error) {
	runID, err := a.ids.NewID()
	if err != nil {
		return catalog.RunSummary{}, err
	}
	logger := logging.ForRun(a.logger, runID, mode)
	s := catalog.RunSummary{
		RunID:     runID,
		Site:      a.profile.Name,
		Mode:      mode,
		StartedAt: a.clock.Now(),
	}
	logger.Info("run started")

	runErr := fn(ctx, &s, logger)
	s.FinishedAt = a.clock.Now()
	if runErr != nil {
		s.Error = runErr.Error()
	}
	metrics.ObserveRun(mode, runErr != nil)

	fields := []zap.Field{zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt))}
	if s.Discovery != nil {
		fields = append(fields, zap.Any("discovery", s.Discovery))
	}
	if s.Batch != nil {
		fields = append(fields, zap.Any("batch", s.Batch))
	}
	if s.Reconcile != nil {
		fields = append(fields, zap.Bool("in_sync", s.Reconcile.InSync), zap.Int("unresolved", s.Reconcile.Unresolved))
	}
	switch {
	case runErr == nil:
		logger.Info("run finished", fields...)
	case errors.Is(runErr, context.Canceled):
		logger.Warn("run interrupted, state is resumable", append(fields, zap.Error(runErr))...)
	default:
		logger.Error("run failed", append(fields, zap.Error(runErr))...)
	}

	if a.ledger != nil {
		// The ledger row is written even when ctx was canceled mid-run.
		if err := a.ledger.RecordRun(context.WithoutCancel(ctx), s); err != nil {
			logger.Warn("record run in ledger failed", zap.Error(err))
		}
	}
	return s, runErr
}
