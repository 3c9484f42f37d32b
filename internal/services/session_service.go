package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/models"
)

// RefreshTokenRepository defines the persistence operations for refresh tokens
type RefreshTokenRepository interface {
	Create(ctx context.Context, t *models.RefreshToken) (*models.RefreshToken, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	Revoke(ctx context.Context, id string) error
	RevokeAllForPrincipal(ctx context.Context, principalID string) error
	RevokeForDevice(ctx context.Context, deviceID string) ([]string, error)
	ListActiveSessionIDs(ctx context.Context, principalID string) ([]string, error)
}

// SessionIssuer mints the token pair for a fully trusted login and handles
// refresh rotation and logout.
type SessionIssuer interface {
	Issue(ctx context.Context, p *models.Principal, permissions []string, deviceRowID *string, rememberMe bool) (*models.Session, error)
	Refresh(ctx context.Context, rawRefreshToken string) (*models.Session, error)
	Logout(ctx context.Context, rawRefreshToken string) error
}

// SessionTokenIssuer is the last stage of a login: it runs only after the
// lockout, credential, MFA, and device-trust gates have all passed. The
// access token is a signed JWT carrying the resolved permissions and a
// session id; the refresh token is an opaque secret stored hashed and bound
// exclusively to the login's device.
type SessionTokenIssuer struct {
	tm            *auth.TokenManager
	refreshTokens RefreshTokenRepository
	principals    PrincipalRepository
	reauth        ReauthCoordinator
	auditor       Auditor
	logger        *slog.Logger
	now           func() time.Time
}

// NewSessionTokenIssuer creates a new SessionTokenIssuer
func NewSessionTokenIssuer(tm *auth.TokenManager, refreshTokens RefreshTokenRepository, principals PrincipalRepository, reauth ReauthCoordinator, auditor Auditor, logger *slog.Logger) *SessionTokenIssuer {
	return &SessionTokenIssuer{
		tm:            tm,
		refreshTokens: refreshTokens,
		principals:    principals,
		reauth:        reauth,
		auditor:       auditor,
		logger:        logger,
		now:           time.Now,
	}
}

// Issue mints a fresh session. Creating the refresh token revokes any token
// previously linked to the same device row, so a device never owns more
// than one live refresh token.
func (s *SessionTokenIssuer) Issue(ctx context.Context, p *models.Principal, permissions []string, deviceRowID *string, rememberMe bool) (*models.Session, error) {
	sessionID := uuid.NewString()

	accessToken, err := s.tm.GenerateAccessToken(p.ID, p.Email, p.UserType, permissions, sessionID)
	if err != nil {
		s.logger.Error("failed to sign access token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	rawRefresh, err := s.tm.GenerateRefreshToken()
	if err != nil {
		return nil, models.ErrInternalServer
	}

	_, err = s.refreshTokens.Create(ctx, &models.RefreshToken{
		ID:          uuid.NewString(),
		PrincipalID: p.ID,
		TokenHash:   auth.HashToken(rawRefresh),
		DeviceID:    deviceRowID,
		SessionID:   sessionID,
		RememberMe:  rememberMe,
		ExpiresAt:   s.now().Add(s.tm.RefreshTokenExpiry(rememberMe)),
	})
	if err != nil {
		s.logger.Error("failed to persist refresh token", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	return &models.Session{
		AccessToken:  accessToken,
		RefreshToken: rawRefresh,
		SessionID:    sessionID,
		Principal:    p,
		Permissions:  permissions,
	}, nil
}

// Refresh rotates a refresh token into a new session. Force-reauth flags are
// honored here too: a flagged principal cannot quietly extend an old session
// past a permission change.
func (s *SessionTokenIssuer) Refresh(ctx context.Context, rawRefreshToken string) (*models.Session, error) {
	stored, err := s.refreshTokens.GetByTokenHash(ctx, auth.HashToken(rawRefreshToken))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewInvalidCredentials()
		}
		return nil, models.ErrInternalServer
	}
	if !stored.IsUsable(s.now()) {
		return nil, models.NewInvalidCredentials()
	}

	required, err := s.reauth.IsReauthRequired(ctx, stored.PrincipalID, stored.SessionID)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	if required {
		return nil, models.NewReauthRequired()
	}
	revoked, err := s.reauth.IsSessionRevoked(ctx, stored.SessionID)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	if revoked {
		return nil, models.NewSessionRevoked()
	}

	p, err := s.principals.GetByID(ctx, stored.PrincipalID)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	if !p.Active || p.IsLocked(s.now()) {
		return nil, models.NewAccountInactive()
	}

	permissions, err := s.reauth.Permissions(ctx, p.ID)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	// Rotation: the old token dies before the new one is born.
	if err := s.refreshTokens.Revoke(ctx, stored.ID); err != nil {
		return nil, models.ErrInternalServer
	}

	return s.Issue(ctx, p, permissions, stored.DeviceID, stored.RememberMe)
}

// Logout revokes the refresh token and marks its session revoked so the
// paired access token dies immediately rather than at expiry.
func (s *SessionTokenIssuer) Logout(ctx context.Context, rawRefreshToken string) error {
	stored, err := s.refreshTokens.GetByTokenHash(ctx, auth.HashToken(rawRefreshToken))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Already gone; logout is idempotent.
			return nil
		}
		return models.ErrInternalServer
	}

	if err := s.refreshTokens.Revoke(ctx, stored.ID); err != nil {
		return models.ErrInternalServer
	}
	if err := s.reauth.MarkSessionRevoked(ctx, stored.SessionID); err != nil {
		s.logger.Error("failed to mark session revoked",
			slog.String("session_id", stored.SessionID),
			slog.Any("error", err))
	}

	s.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionSessionRevoked,
		ActorID:    &stored.PrincipalID,
		TargetID:   &stored.PrincipalID,
		EntityType: models.AuditEntitySession,
		EntityID:   &stored.SessionID,
		Success:    true,
	})

	return nil
}
