package background

import (
	"context"
	"log/slog"
	"time"
)

// RefreshTokenCleaner deletes refresh tokens past their expiry.
type RefreshTokenCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

// AuditLogCleaner deletes audit rows older than the retention cutoff.
type AuditLogCleaner interface {
	CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupManager periodically removes expired refresh tokens and aged-out
// audit rows. Device approval expiry is not swept here; it is enforced lazily
// when an approval is validated.
type CleanupManager struct {
	refreshTokens  RefreshTokenCleaner
	auditLogs      AuditLogCleaner
	logger         *slog.Logger
	interval       time.Duration
	auditRetention time.Duration
	stopCh         chan struct{}
}

// NewCleanupManager creates a new cleanup manager
func NewCleanupManager(
	refreshTokens RefreshTokenCleaner,
	auditLogs AuditLogCleaner,
	logger *slog.Logger,
	interval time.Duration,
	auditRetention time.Duration,
) *CleanupManager {
	return &CleanupManager{
		refreshTokens:  refreshTokens,
		auditLogs:      auditLogs,
		logger:         logger,
		interval:       interval,
		auditRetention: auditRetention,
		stopCh:         make(chan struct{}),
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

func (cm *CleanupManager) runCleanup(ctx context.Context) {
	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tokensDeleted, err := cm.refreshTokens.CleanupExpired(cleanupCtx)
	if err != nil {
		cm.logger.Error("failed to cleanup expired refresh tokens", slog.Any("error", err))
	} else if tokensDeleted > 0 {
		cm.logger.Info("expired refresh token cleanup completed", slog.Int64("rows_deleted", tokensDeleted))
	}

	if cm.auditRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-cm.auditRetention)
	auditDeleted, err := cm.auditLogs.CleanupOlderThan(cleanupCtx, cutoff)
	if err != nil {
		cm.logger.Error("failed to cleanup old audit logs", slog.Any("error", err))
	} else if auditDeleted > 0 {
		cm.logger.Info("audit log cleanup completed",
			slog.Int64("rows_deleted", auditDeleted),
			slog.Time("cutoff", cutoff))
	}
}

// Stop signals the cleanup manager to stop
func (cm *CleanupManager) Stop() {
	close(cm.stopCh)
}
