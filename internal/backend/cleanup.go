package backend

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper drops expired entries. Stores with server side expiry don't need one.
type Sweeper interface {
	Cleanup(ctx context.Context) int
}

// CleanupWorker periodically sweeps expired session blobs so abandoned
// flows don't pile up in a process local store.
type CleanupWorker struct {
	interval time.Duration
	store    Sweeper
	logger   *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCleanupWorker creates a worker sweeping store every interval (default 1m)
func NewCleanupWorker(store Sweeper, interval time.Duration, logger *zap.Logger) *CleanupWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CleanupWorker{
		interval: interval,
		store:    store,
		logger:   logger.Named("session-cleanup"),
	}
}

// Start begins the cleanup worker in the background
func (w *CleanupWorker) Start() {
	var ctx context.Context
	ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("Session cleanup worker started", zap.Duration("interval", w.interval))
}

// Stop stops the worker and waits for a running sweep to end
func (w *CleanupWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("Session cleanup worker stopped")
}

func (w *CleanupWorker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *CleanupWorker) cleanup(ctx context.Context) {
	if n := w.store.Cleanup(ctx); n > 0 {
		w.logger.Debug("Expired sessions removed", zap.Int("count", n))
	}
}
