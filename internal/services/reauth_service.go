package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklatt/bastion/internal/cache"
	"github.com/mklatt/bastion/internal/models"
)

// ReauthCoordinator invalidates sessions instantly, independent of token
// expiry, and owns the resolved-permission cache so invalidation and
// resolution cannot drift apart.
type ReauthCoordinator interface {
	ForceReauth(ctx context.Context, principalID, reason string) error
	OnPermissionsChanged(ctx context.Context, principalID string) error
	ClearFlag(ctx context.Context, principalID string) error
	MarkSessionRevoked(ctx context.Context, sessionID string) error
	IsReauthRequired(ctx context.Context, principalID, sessionID string) (bool, error)
	IsSessionRevoked(ctx context.Context, sessionID string) (bool, error)
	Permissions(ctx context.Context, principalID string) ([]string, error)
}

// ForceReauthCoordinator implements ReauthCoordinator over the shared cache.
// Presence of a flag key means "every access token referencing this id is
// invalid". Flags carry a TTL no shorter than the longest-lived refresh
// token, so they outlive anything they need to kill.
type ForceReauthCoordinator struct {
	cache         cache.Cache
	refreshTokens RefreshTokenRepository
	principals    PrincipalRepository
	auditor       Auditor
	flagTTL       time.Duration
	revokedTTL    time.Duration
	permTTL       time.Duration
	logger        *slog.Logger
}

// NewForceReauthCoordinator creates a new ForceReauthCoordinator
func NewForceReauthCoordinator(c cache.Cache, refreshTokens RefreshTokenRepository, principals PrincipalRepository, auditor Auditor, flagTTL, revokedTTL, permTTL time.Duration, logger *slog.Logger) *ForceReauthCoordinator {
	return &ForceReauthCoordinator{
		cache:         c,
		refreshTokens: refreshTokens,
		principals:    principals,
		auditor:       auditor,
		flagTTL:       flagTTL,
		revokedTTL:    revokedTTL,
		permTTL:       permTTL,
		logger:        logger,
	}
}

func reauthFlagKey(principalID string) string   { return "reauth:principal:" + principalID }
func revokedSessionKey(sessionID string) string { return "revoked:session:" + sessionID }
func permissionsKey(principalID string) string  { return "perms:principal:" + principalID }

// ForceReauth kills every live session a principal has: one revocation
// marker per active session, a principal-wide flag for anything the
// enumeration missed, and revocation of all refresh tokens so nothing can
// be rotated back to life.
func (c *ForceReauthCoordinator) ForceReauth(ctx context.Context, principalID, reason string) error {
	sessionIDs, err := c.refreshTokens.ListActiveSessionIDs(ctx, principalID)
	if err != nil {
		return fmt.Errorf("enumerate sessions: %w", err)
	}
	for _, sid := range sessionIDs {
		if err := c.MarkSessionRevoked(ctx, sid); err != nil {
			return err
		}
	}

	if err := c.cache.Set(ctx, reauthFlagKey(principalID), "1", c.flagTTL); err != nil {
		return fmt.Errorf("set reauth flag: %w", err)
	}

	if err := c.refreshTokens.RevokeAllForPrincipal(ctx, principalID); err != nil {
		return err
	}

	c.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionForcedReauth,
		TargetID:   &principalID,
		EntityType: models.AuditEntityPrincipal,
		EntityID:   &principalID,
		Success:    true,
		Details: models.AuditDetails{
			"reason":   reason,
			"sessions": len(sessionIDs),
		},
	})

	return nil
}

// OnPermissionsChanged drops the cached permission set, then forces
// re-authentication everywhere. Order matters: a request racing the change
// must not re-fill the cache with a stale set and then pass the flag check.
func (c *ForceReauthCoordinator) OnPermissionsChanged(ctx context.Context, principalID string) error {
	if err := c.cache.Remove(ctx, permissionsKey(principalID)); err != nil {
		return fmt.Errorf("invalidate permission cache: %w", err)
	}
	return c.ForceReauth(ctx, principalID, "permissions_changed")
}

// ClearFlag lifts the principal-wide flag after a fresh, fully gated login.
// Per-session revocation markers are deliberately left in place.
func (c *ForceReauthCoordinator) ClearFlag(ctx context.Context, principalID string) error {
	return c.cache.Remove(ctx, reauthFlagKey(principalID))
}

// MarkSessionRevoked writes the per-session marker.
func (c *ForceReauthCoordinator) MarkSessionRevoked(ctx context.Context, sessionID string) error {
	if err := c.cache.Set(ctx, revokedSessionKey(sessionID), "1", c.revokedTTL); err != nil {
		return fmt.Errorf("mark session revoked: %w", err)
	}
	return nil
}

// IsReauthRequired reports whether the principal-wide flag is set. A cache
// error propagates so callers fail closed.
func (c *ForceReauthCoordinator) IsReauthRequired(ctx context.Context, principalID, sessionID string) (bool, error) {
	return c.cache.Exists(ctx, reauthFlagKey(principalID))
}

// IsSessionRevoked reports whether the session's revocation marker is set.
func (c *ForceReauthCoordinator) IsSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	return c.cache.Exists(ctx, revokedSessionKey(sessionID))
}

// Permissions resolves the principal's permission set through the cache.
func (c *ForceReauthCoordinator) Permissions(ctx context.Context, principalID string) ([]string, error) {
	cached, err := c.cache.Get(ctx, permissionsKey(principalID))
	if err == nil {
		var permissions []string
		if jsonErr := json.Unmarshal([]byte(cached), &permissions); jsonErr == nil {
			return permissions, nil
		}
		c.logger.Warn("corrupt permission cache entry", slog.String("principal_id", principalID))
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		return nil, fmt.Errorf("permission cache lookup: %w", err)
	}

	permissions, err := c.principals.GetPermissions(ctx, principalID)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(permissions)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, permissionsKey(principalID), string(encoded), c.permTTL); err != nil {
		c.logger.Warn("failed to fill permission cache",
			slog.String("principal_id", principalID),
			slog.Any("error", err))
	}

	return permissions, nil
}
