package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/tabflow/internal/cache"
	"github.com/kiranshivaraju/tabflow/internal/config"
	"github.com/kiranshivaraju/tabflow/internal/storage"
	"github.com/kiranshivaraju/tabflow/internal/store"
	"github.com/kiranshivaraju/tabflow/pkg/models"
)

const orphanBatchSize = 500

// SweepReport counts what one reaper pass cleaned up.
type SweepReport struct {
	Reaped  int
	Staging int
	Orphans int
}

// Reaper fails files stuck in PROCESSING and removes staging artifacts and,
// optionally, committed files that no record references.
type Reaper struct {
	store       store.FileStore
	storage     storage.Storage
	cache       cache.Cache
	interval    time.Duration
	grace       time.Duration
	orphanSweep bool
	now         func() time.Time
}

func NewReaper(st store.FileStore, sg storage.Storage, ca cache.Cache, cfg config.ReaperConfig) *Reaper {
	return &Reaper{
		store:       st,
		storage:     sg,
		cache:       ca,
		interval:    cfg.Interval,
		grace:       cfg.Grace,
		orphanSweep: cfg.OrphanSweep,
		now:         time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	slog.Info("starting reaper", "interval", r.interval, "grace", r.grace, "orphan_sweep", r.orphanSweep)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := r.Sweep(ctx)
			if err != nil {
				slog.Error("reaper sweep failed", "error", err)
				continue
			}
			if report != (SweepReport{}) {
				slog.Info("reaper sweep", "reaped", report.Reaped, "staging", report.Staging, "orphans", report.Orphans)
			}
		}
	}
}

// Sweep runs one pass. Each step runs even if an earlier one failed; the
// first error is returned.
func (r *Reaper) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		report   SweepReport
		firstErr error
	)
	cutoff := r.now().UTC().Add(-r.grace)

	n, err := r.reapStuck(ctx, cutoff)
	report.Reaped = n
	if err != nil && firstErr == nil {
		firstErr = err
	}

	n, err = r.storage.SweepStaging(ctx, cutoff)
	report.Staging = n
	if err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sweep staging: %w", err)
	}

	if r.orphanSweep {
		n, err = r.sweepOrphans(ctx, cutoff)
		report.Orphans = n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return report, firstErr
}

func (r *Reaper) reapStuck(ctx context.Context, cutoff time.Time) (int, error) {
	detail := models.ErrorDetail{
		Kind:    models.ErrorKindTimeout,
		Message: fmt.Sprintf("processing did not finish within %s", r.grace),
	}
	reaped, err := r.store.ReapStuckFiles(ctx, cutoff, detail)
	if err != nil {
		return 0, fmt.Errorf("reap stuck files: %w", err)
	}

	for _, f := range reaped {
		out := r.storage.AllocateOutputPath(storage.PlacementFor(f))
		if err := r.storage.Remove(ctx, out); err != nil {
			slog.Warn("failed to remove output of reaped file", "file_id", f.ID, "path", out, "error", err)
		}
		if r.cache != nil {
			if err := r.cache.SetFileStatus(ctx, f.OwnerID, f.ID, models.FileStatusFailed, statusTTL); err != nil {
				slog.Warn("failed to cache file status", "file_id", f.ID, "error", err)
			}
		}
		slog.Warn("reaped stuck file", "file_id", f.ID, "owner_id", f.OwnerID)
	}
	return len(reaped), nil
}

func (r *Reaper) sweepOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	paths, err := r.storage.ListFiles(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stored files: %w", err)
	}

	removed := 0
	for start := 0; start < len(paths); start += orphanBatchSize {
		batch := paths[start:min(start+orphanBatchSize, len(paths))]
		refs, err := r.store.ReferencedPaths(ctx, batch)
		if err != nil {
			return removed, fmt.Errorf("check referenced paths: %w", err)
		}
		for _, p := range batch {
			if refs[p] {
				continue
			}
			if err := r.storage.Remove(ctx, p); err != nil {
				slog.Warn("failed to remove orphan", "path", p, "error", err)
				continue
			}
			slog.Info("removed orphaned file", "path", p)
			removed++
		}
	}
	return removed, nil
}
