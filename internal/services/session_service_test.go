package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/models"
)

func newTestIssuer(t *testing.T, tokens *MockRefreshTokenRepository, principals *MockPrincipalRepository, reauth *MockReauthCoordinator) (*SessionTokenIssuer, *auth.TokenManager, *RecordingAuditor) {
	t.Helper()
	tm := auth.NewTokenManager(auth.TokenManagerConfig{
		Secret:             "test-secret-key-that-is-long-enough",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 24 * time.Hour,
		RememberMeExpiry:   720 * time.Hour,
		MFAChallengeExpiry: 5 * time.Minute,
		MFASetupExpiry:     15 * time.Minute,
		MagicLinkExpiry:    15 * time.Minute,
	})
	auditor := &RecordingAuditor{}
	return NewSessionTokenIssuer(tm, tokens, principals, reauth, auditor, testLogger()), tm, auditor
}

func TestSessionTokenIssuer_IssueBindsDeviceAndHashesToken(t *testing.T) {
	var stored *models.RefreshToken
	tokens := &MockRefreshTokenRepository{
		CreateFunc: func(ctx context.Context, rt *models.RefreshToken) (*models.RefreshToken, error) {
			stored = rt
			return rt, nil
		},
	}
	issuer, tm, _ := newTestIssuer(t, tokens, &MockPrincipalRepository{}, &MockReauthCoordinator{})

	p := &models.Principal{ID: "principal-1", Email: "ops@example.com", UserType: models.UserTypeSystem}
	deviceRowID := "device-row-1"
	session, err := issuer.Issue(context.Background(), p, []string{"system:admin"}, &deviceRowID, false)
	require.NoError(t, err)

	// Access token carries identity, permissions, and the session id.
	claims, err := tm.ValidateToken(session.AccessToken, models.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "principal-1", claims.PrincipalID)
	assert.Equal(t, []string{"system:admin"}, claims.Permissions)
	assert.Equal(t, session.SessionID, claims.SessionID)

	// Refresh token is stored hashed and bound to the device row.
	require.NotNil(t, stored)
	assert.NotEqual(t, session.RefreshToken, stored.TokenHash)
	assert.Equal(t, auth.HashToken(session.RefreshToken), stored.TokenHash)
	require.NotNil(t, stored.DeviceID)
	assert.Equal(t, "device-row-1", *stored.DeviceID)
	assert.Equal(t, session.SessionID, stored.SessionID)
}

func TestSessionTokenIssuer_RememberMeExtendsExpiry(t *testing.T) {
	var stored *models.RefreshToken
	tokens := &MockRefreshTokenRepository{
		CreateFunc: func(ctx context.Context, rt *models.RefreshToken) (*models.RefreshToken, error) {
			stored = rt
			return rt, nil
		},
	}
	issuer, _, _ := newTestIssuer(t, tokens, &MockPrincipalRepository{}, &MockReauthCoordinator{})

	p := &models.Principal{ID: "principal-1", Email: "ops@example.com"}
	_, err := issuer.Issue(context.Background(), p, nil, nil, true)
	require.NoError(t, err)

	require.NotNil(t, stored)
	assert.True(t, stored.RememberMe)
	assert.WithinDuration(t, time.Now().Add(720*time.Hour), stored.ExpiresAt, time.Minute)
}

func TestSessionTokenIssuer_RefreshRotates(t *testing.T) {
	raw := "opaque-refresh-token"
	old := &models.RefreshToken{
		ID:          "rt-1",
		PrincipalID: "principal-1",
		TokenHash:   auth.HashToken(raw),
		SessionID:   "session-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	var revokedID string
	tokens := &MockRefreshTokenRepository{
		GetByTokenHashFunc: func(ctx context.Context, hash string) (*models.RefreshToken, error) {
			if hash == old.TokenHash {
				return old, nil
			}
			return nil, models.ErrNotFound
		},
		RevokeFunc: func(ctx context.Context, id string) error {
			revokedID = id
			return nil
		},
	}
	principals := &MockPrincipalRepository{
		GetByIDFunc: func(ctx context.Context, id string) (*models.Principal, error) {
			return &models.Principal{ID: id, Email: "ops@example.com", Active: true}, nil
		},
	}
	issuer, _, _ := newTestIssuer(t, tokens, principals, &MockReauthCoordinator{})

	session, err := issuer.Refresh(context.Background(), raw)
	require.NoError(t, err)

	assert.Equal(t, "rt-1", revokedID, "old token is revoked before the new one is issued")
	assert.NotEqual(t, raw, session.RefreshToken)
	assert.NotEqual(t, "session-1", session.SessionID)
}

func TestSessionTokenIssuer_RefreshHonorsForceReauth(t *testing.T) {
	raw := "opaque-refresh-token"
	old := &models.RefreshToken{
		ID:          "rt-1",
		PrincipalID: "principal-1",
		TokenHash:   auth.HashToken(raw),
		SessionID:   "session-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	tokens := &MockRefreshTokenRepository{
		GetByTokenHashFunc: func(ctx context.Context, hash string) (*models.RefreshToken, error) { return old, nil },
	}
	reauth := &MockReauthCoordinator{
		IsReauthRequiredFunc: func(ctx context.Context, principalID, sessionID string) (bool, error) { return true, nil },
	}
	issuer, _, _ := newTestIssuer(t, tokens, &MockPrincipalRepository{}, reauth)

	_, err := issuer.Refresh(context.Background(), raw)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeReauthRequired, authErr.Code)
}

func TestSessionTokenIssuer_RefreshRejectsRevokedSession(t *testing.T) {
	raw := "opaque-refresh-token"
	old := &models.RefreshToken{
		ID:          "rt-1",
		PrincipalID: "principal-1",
		TokenHash:   auth.HashToken(raw),
		SessionID:   "session-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	tokens := &MockRefreshTokenRepository{
		GetByTokenHashFunc: func(ctx context.Context, hash string) (*models.RefreshToken, error) { return old, nil },
	}
	reauth := &MockReauthCoordinator{
		IsSessionRevokedFunc: func(ctx context.Context, sessionID string) (bool, error) { return true, nil },
	}
	issuer, _, _ := newTestIssuer(t, tokens, &MockPrincipalRepository{}, reauth)

	_, err := issuer.Refresh(context.Background(), raw)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeSessionRevoked, authErr.Code)
}

func TestSessionTokenIssuer_RefreshRejectsExpiredToken(t *testing.T) {
	raw := "opaque-refresh-token"
	old := &models.RefreshToken{
		ID:          "rt-1",
		PrincipalID: "principal-1",
		TokenHash:   auth.HashToken(raw),
		SessionID:   "session-1",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}
	tokens := &MockRefreshTokenRepository{
		GetByTokenHashFunc: func(ctx context.Context, hash string) (*models.RefreshToken, error) { return old, nil },
	}
	issuer, _, _ := newTestIssuer(t, tokens, &MockPrincipalRepository{}, &MockReauthCoordinator{})

	_, err := issuer.Refresh(context.Background(), raw)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeInvalidCredentials, authErr.Code)
}

func TestSessionTokenIssuer_LogoutRevokesAndMarks(t *testing.T) {
	raw := "opaque-refresh-token"
	old := &models.RefreshToken{
		ID:          "rt-1",
		PrincipalID: "principal-1",
		TokenHash:   auth.HashToken(raw),
		SessionID:   "session-1",
		ExpiresAt:   time.Now().Add(time.Hour),
	}

	var revokedID, markedSession string
	tokens := &MockRefreshTokenRepository{
		GetByTokenHashFunc: func(ctx context.Context, hash string) (*models.RefreshToken, error) { return old, nil },
		RevokeFunc: func(ctx context.Context, id string) error {
			revokedID = id
			return nil
		},
	}
	reauth := &MockReauthCoordinator{
		MarkSessionRevokedFunc: func(ctx context.Context, sessionID string) error {
			markedSession = sessionID
			return nil
		},
	}
	issuer, _, auditor := newTestIssuer(t, tokens, &MockPrincipalRepository{}, reauth)

	require.NoError(t, issuer.Logout(context.Background(), raw))
	assert.Equal(t, "rt-1", revokedID)
	assert.Equal(t, "session-1", markedSession)
	assert.Contains(t, auditor.Actions(), models.AuditActionSessionRevoked)
}

func TestSessionTokenIssuer_LogoutIsIdempotent(t *testing.T) {
	tokens := &MockRefreshTokenRepository{}
	issuer, _, _ := newTestIssuer(t, tokens, &MockPrincipalRepository{}, &MockReauthCoordinator{})

	assert.NoError(t, issuer.Logout(context.Background(), "unknown-token"))
}
