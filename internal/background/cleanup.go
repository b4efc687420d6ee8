package background

import (
	"context"
	"log/slog"
	"time"
)

// SessionPruner deletes revoked session rows past their retention window.
type SessionPruner interface {
	PruneRevoked(ctx context.Context, retention time.Duration) (int64, error)
}

// CleanupManager periodically prunes revoked sessions whose tokens have all
// expired. Revocation checks only ever look at non-revoked rows, so the
// prune never changes an authorization answer; it just keeps the table from
// growing without bound.
type CleanupManager struct {
	pruner    SessionPruner
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration
	stopCh    chan struct{}
}

// NewCleanupManager creates a new cleanup manager. retention should be at
// least the refresh token expiry.
func NewCleanupManager(
	pruner SessionPruner,
	logger *slog.Logger,
	interval time.Duration,
	retention time.Duration,
) *CleanupManager {
	return &CleanupManager{
		pruner:    pruner,
		logger:    logger,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the periodic cleanup task
func (cm *CleanupManager) Start(ctx context.Context) {
	ticker := time.NewTicker(cm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	cm.runCleanup(ctx)

	for {
		select {
		case <-ticker.C:
			cm.runCleanup(ctx)
		case <-cm.stopCh:
			cm.logger.Info("cleanup manager stopped")
			return
		case <-ctx.Done():
			cm.logger.Info("cleanup manager context cancelled")
			return
		}
	}
}

// runCleanup prunes one batch of stale revoked sessions
func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rowsDeleted, err := cm.pruner.PruneRevoked(cleanupCtx, cm.retention)
	if err != nil {
		cm.logger.Error("failed to prune revoked sessions", slog.Any("error", err))
		return
	}

	if rowsDeleted > 0 {
		cm.logger.Info("revoked session prune completed", slog.Int64("rows_deleted", rowsDeleted))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
