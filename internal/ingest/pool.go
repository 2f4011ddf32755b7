package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/tabflow/internal/config"
	"github.com/kiranshivaraju/tabflow/internal/store"
)

// RunFunc processes one file. Coordinator.Process satisfies it.
type RunFunc func(ctx context.Context, fileID uuid.UUID) error

// Pool runs files on a fixed number of workers fed by a bounded queue. Files
// that do not fit in the queue stay PENDING; the recovery loop resubmits
// PENDING files older than the recovery age, which also picks up work left
// over from a previous process.
type Pool struct {
	run     RunFunc
	store   store.FileStore
	queue   chan uuid.UUID
	workers int

	recoveryInterval time.Duration
	pendingAge       time.Duration
	drainTimeout     time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewPool creates a pool. drainTimeout bounds how long Run waits for
// in-flight files after its context is cancelled.
func NewPool(run RunFunc, st store.FileStore, cfg config.WorkerConfig, drainTimeout time.Duration) *Pool {
	return &Pool{
		run:              run,
		store:            st,
		queue:            make(chan uuid.UUID, max(cfg.QueueSize, 1)),
		workers:          max(cfg.Count, 1),
		recoveryInterval: cfg.RecoveryInterval,
		pendingAge:       cfg.PendingRecoveryAge,
		drainTimeout:     drainTimeout,
	}
}

// Submit queues a file without blocking. It returns false when the queue is
// full or the pool has stopped.
func (p *Pool) Submit(id uuid.UUID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queue <- id:
		return true
	default:
		return false
	}
}

// Run starts the workers and the recovery loop and blocks until ctx is
// cancelled. It then stops accepting work and waits up to the drain timeout
// for in-flight files; runs still going after that are cancelled and end up
// on the failure path.
func (p *Pool) Run(ctx context.Context) error {
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	slog.Info("starting worker pool", "workers", p.workers, "queue_size", cap(p.queue))

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.work(ctx, runCtx, workerID)
		}(i + 1)
	}

	if p.recoveryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.recoverLoop(ctx)
		}()
	}

	<-ctx.Done()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.drainTimeout):
		slog.Warn("worker pool drain timed out, cancelling in-flight files")
		cancelRuns()
		<-done
	}
	slog.Info("worker pool stopped")
	return nil
}

func (p *Pool) work(ctx, runCtx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			if ctx.Err() != nil {
				return
			}
			p.process(runCtx, workerID, id)
		}
	}
}

func (p *Pool) process(ctx context.Context, workerID int, id uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "worker_id", workerID, "file_id", id, "panic", r)
		}
	}()
	if err := p.run(ctx, id); err != nil {
		slog.Error("processing run failed", "worker_id", workerID, "file_id", id, "error", err)
	}
}

func (p *Pool) recoverLoop(ctx context.Context) {
	p.Recover(ctx)

	ticker := time.NewTicker(p.recoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Recover(ctx)
		}
	}
}

// Recover submits PENDING files older than the recovery age until the queue
// is full. It returns the number submitted.
func (p *Pool) Recover(ctx context.Context) int {
	free := cap(p.queue) - len(p.queue)
	if free <= 0 {
		return 0
	}
	files, err := p.store.ListPendingFiles(ctx, time.Now().UTC().Add(-p.pendingAge), free)
	if err != nil {
		slog.Warn("listing pending files for recovery failed", "error", err)
		return 0
	}

	submitted := 0
	for _, f := range files {
		if !p.Submit(f.ID) {
			break
		}
		submitted++
	}
	if submitted > 0 {
		slog.Info("resubmitted pending files", "count", submitted)
	}
	return submitted
}
