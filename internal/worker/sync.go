package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/acc-tracker/internal/catalog"
	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
)

// LapLister reads a track's laps in leaderboard order
type LapLister interface {
	ListLaps(ctx context.Context, trackID string) ([]domain.LapTime, error)
}

// BoardCache is the part of the leaderboard cache the worker rebuilds
type BoardCache interface {
	Rebuild(ctx context.Context, trackID string, laps []domain.LapTime) error
}

// SyncWorker periodically rebuilds the leaderboard cache from the storage
// backend so the cache converges after missed writes or restarts
type SyncWorker struct {
	laps    LapLister
	cache   BoardCache
	tracks  []string
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker covering every catalog track
func NewSyncWorker(
	laps LapLister,
	cache BoardCache,
	cfg *config.SyncConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		laps:   laps,
		cache:  cache,
		tracks: catalog.TrackIDs(),
		config: cfg,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
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
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval, "tracks", len(w.tracks))

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// SyncTrack rebuilds one track's cached board from storage
func (w *SyncWorker) SyncTrack(ctx context.Context, trackID string) error {
	laps, err := w.laps.ListLaps(ctx, trackID)
	if err != nil {
		return err
	}
	return w.cache.Rebuild(ctx, trackID, laps)
}

// RunOnce rebuilds every track and reports how many failed
func (w *SyncWorker) RunOnce(ctx context.Context) int {
	w.logger.Info("starting sync cycle")
	startTime := time.Now()

	syncedCount := 0
	errorCount := 0

	for _, trackID := range w.tracks {
		if ctx.Err() != nil {
			break
		}
		if err := w.SyncTrack(ctx, trackID); err != nil {
			w.logger.Error("failed to sync track",
				"track_id", trackID,
				"error", err,
			)
			errorCount++
			continue
		}
		syncedCount++
	}

	w.logger.Info("sync cycle completed",
		"duration", time.Since(startTime),
		"synced", syncedCount,
		"errors", errorCount,
	)
	return errorCount
}

// IsRunning returns whether the worker is currently running
func (w *SyncWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
