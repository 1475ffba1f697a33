package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mathgame-leaderboard/internal/config"
	"github.com/mathgame-leaderboard/internal/domain"
)

// RankedSource lists every ranked aggregate in the authoritative store
type RankedSource interface {
	AllRanked(ctx context.Context) ([]domain.RankedAggregate, error)
}

// RankingRebuilder replaces the cached ranking
type RankingRebuilder interface {
	Rebuild(ctx context.Context, items []domain.RankedAggregate) error
}

// SyncWorker rebuilds the ranking cache from the aggregate store at startup
// and then periodically, repairing any projection the ledger failed to write.
type SyncWorker struct {
	store   RankedSource
	ranking RankingRebuilder
	config  *config.SyncConfig
	logger  *zap.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	store RankedSource,
	ranking RankingRebuilder,
	cfg *config.SyncConfig,
	logger *zap.Logger,
) *SyncWorker {
	return &SyncWorker{
		store:   store,
		ranking: ranking,
		config:  cfg,
		logger:  logger.Named("sync"),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("sync worker started", zap.Duration("interval", w.config.Interval))

	go w.run(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := w.SyncAll(ctx); err != nil {
				w.logger.Error("sync cycle failed", zap.Error(err))
			}
		}
	}
}

// SyncAll rebuilds the ranking cache from the aggregate store
func (w *SyncWorker) SyncAll(ctx context.Context) error {
	startTime := time.Now()

	items, err := w.store.AllRanked(ctx)
	if err != nil {
		return err
	}

	if err := w.ranking.Rebuild(ctx, items); err != nil {
		return err
	}

	w.logger.Info("sync cycle completed",
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("ranked", len(items)),
	)
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
