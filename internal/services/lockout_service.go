package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/mklatt/bastion/internal/cache"
	"github.com/mklatt/bastion/internal/config"
	"github.com/mklatt/bastion/internal/models"
	pkglogger "github.com/mklatt/bastion/pkg/logger"
)

// LockoutPolicy is the brute-force gate every login entry point passes
// through before touching credentials.
type LockoutPolicy interface {
	Blocked(ctx context.Context, email string) (*time.Time, error)
	RecordFailure(ctx context.Context, email string, p *models.Principal, ip, userAgent string) (LockoutState, error)
	Reset(ctx context.Context, email, principalID string) error
}

// LockoutState is the outcome of recording one failed attempt.
type LockoutState struct {
	Attempts    int64
	Locked      bool
	LockedUntil time.Time
	Notify      bool // owner should be emailed about the lock
}

// LockoutGuard tracks failed attempts per normalized email in a TTL'd cache
// counter and escalates lock duration past the threshold. The counter lives
// in the cache so it self-expires; the lock-until time is mirrored onto the
// principal row so it survives a cache flush.
type LockoutGuard struct {
	cache      cache.Cache
	principals PrincipalRepository
	auditor    Auditor
	cfg        config.LockoutConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewLockoutGuard creates a new LockoutGuard
func NewLockoutGuard(c cache.Cache, principals PrincipalRepository, auditor Auditor, cfg config.LockoutConfig, logger *slog.Logger) *LockoutGuard {
	return &LockoutGuard{
		cache:      c,
		principals: principals,
		auditor:    auditor,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

func attemptsKey(email string) string { return "lockout:attempts:" + email }
func lockKey(email string) string     { return "lockout:until:" + email }

// Blocked reports whether the email is currently locked out, returning the
// lock expiry when it is. A missing key means not blocked.
func (g *LockoutGuard) Blocked(ctx context.Context, email string) (*time.Time, error) {
	val, err := g.cache.Get(ctx, lockKey(email))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lockout lookup: %w", err)
	}

	until, err := time.Parse(time.RFC3339, val)
	if err != nil {
		// Unparseable marker: treat as blocked for the base duration rather
		// than failing open on a corrupt key.
		g.logger.Error("corrupt lockout marker", slog.String("value", val))
		fallback := g.now().Add(g.cfg.BaseDuration)
		return &fallback, nil
	}
	return &until, nil
}

// RecordFailure bumps the attempt counter, audits the attempt, and locks the
// account once the threshold is reached. The lock duration grows
// monotonically with each failure past the threshold and is capped at
// MaxDuration. The principal pointer is nil when the email matched no
// account; the counter and audit trail still apply so unknown emails cannot
// be probed for free.
func (g *LockoutGuard) RecordFailure(ctx context.Context, email string, p *models.Principal, ip, userAgent string) (LockoutState, error) {
	count, err := g.cache.Increment(ctx, attemptsKey(email), 1, g.cfg.Window)
	if err != nil {
		return LockoutState{}, fmt.Errorf("lockout increment: %w", err)
	}

	state := LockoutState{Attempts: count}

	details := models.AuditDetails{
		"reason":   "invalid_credentials",
		"attempts": count,
	}
	var targetID *string
	if p != nil {
		targetID = &p.ID
	}

	if int(count) >= g.cfg.Threshold {
		until := g.now().Add(g.lockDuration(count))
		state.Locked = true
		state.LockedUntil = until
		state.Notify = int(count) == g.cfg.NotifyThreshold

		if err := g.cache.Set(ctx, lockKey(email), until.Format(time.RFC3339), until.Sub(g.now())); err != nil {
			return LockoutState{}, fmt.Errorf("lockout set: %w", err)
		}

		details["locked_until"] = until.Format(time.RFC3339)
		g.auditor.Record(ctx, AuditRecord{
			Action:     models.AuditActionAccountLocked,
			TargetID:   targetID,
			EntityType: models.AuditEntityPrincipal,
			EntityID:   targetID,
			Success:    false,
			IPAddress:  ip,
			UserAgent:  userAgent,
			Details:    details,
		})
		g.logger.Warn("account locked",
			slog.String("email", pkglogger.SanitizedEmail(email)),
			slog.Int64("attempts", count),
			slog.Time("locked_until", until))
	} else {
		g.auditor.Record(ctx, AuditRecord{
			Action:     models.AuditActionLoginFailed,
			TargetID:   targetID,
			EntityType: models.AuditEntityPrincipal,
			EntityID:   targetID,
			Success:    false,
			IPAddress:  ip,
			UserAgent:  userAgent,
			Details:    details,
		})
	}

	// Mirror onto the principal row; the cache remains authoritative for the
	// fast path.
	if p != nil {
		var lockedUntil *time.Time
		if state.Locked {
			lockedUntil = &state.LockedUntil
		}
		if err := g.principals.RecordFailedLogin(ctx, p.ID, int(count), lockedUntil); err != nil {
			g.logger.Error("failed to persist lockout state",
				slog.String("principal_id", p.ID),
				slog.Any("error", err))
		}
	}

	return state, nil
}

// Reset clears both the counter and any lock after a successful
// authentication.
func (g *LockoutGuard) Reset(ctx context.Context, email, principalID string) error {
	if err := g.cache.Remove(ctx, attemptsKey(email), lockKey(email)); err != nil {
		return fmt.Errorf("lockout reset: %w", err)
	}
	if principalID != "" {
		if err := g.principals.ResetFailedLogin(ctx, principalID); err != nil {
			return err
		}
	}
	return nil
}

// lockDuration returns BaseDuration scaled by Multiplier for every failure
// past the threshold, capped at MaxDuration. Multiplier >= 1.0 is enforced
// at config load, which makes the escalation monotonic.
func (g *LockoutGuard) lockDuration(attempts int64) time.Duration {
	excess := float64(attempts - int64(g.cfg.Threshold))
	scaled := float64(g.cfg.BaseDuration) * math.Pow(g.cfg.Multiplier, excess)
	if scaled > float64(g.cfg.MaxDuration) {
		return g.cfg.MaxDuration
	}
	return time.Duration(scaled)
}
