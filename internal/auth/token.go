package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mklatt/bastion/internal/models"
)

// TokenManager mints and validates the JWT tokens used by the login flows:
// access tokens plus the short-lived single-purpose bearer tokens (MFA
// challenge, MFA setup, magic link). Refresh tokens are opaque secrets and
// never JWTs.
type TokenManager struct {
	secret             []byte
	accessTokenExpiry  time.Duration
	refreshTokenExpiry time.Duration
	rememberMeExpiry   time.Duration
	mfaChallengeExpiry time.Duration
	mfaSetupExpiry     time.Duration
	magicLinkExpiry    time.Duration
}

// TokenManagerConfig carries the configured expirations.
type TokenManagerConfig struct {
	Secret             string
	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration
	RememberMeExpiry   time.Duration
	MFAChallengeExpiry time.Duration
	MFASetupExpiry     time.Duration
	MagicLinkExpiry    time.Duration
}

// NewTokenManager creates a new TokenManager
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	return &TokenManager{
		secret:             []byte(cfg.Secret),
		accessTokenExpiry:  cfg.AccessTokenExpiry,
		refreshTokenExpiry: cfg.RefreshTokenExpiry,
		rememberMeExpiry:   cfg.RememberMeExpiry,
		mfaChallengeExpiry: cfg.MFAChallengeExpiry,
		mfaSetupExpiry:     cfg.MFASetupExpiry,
		magicLinkExpiry:    cfg.MagicLinkExpiry,
	}
}

// RefreshTokenExpiry returns the configured expiry for the given mode.
func (tm *TokenManager) RefreshTokenExpiry(rememberMe bool) time.Duration {
	if rememberMe {
		return tm.rememberMeExpiry
	}
	return tm.refreshTokenExpiry
}

// MFAChallengeExpiry returns the challenge token lifetime.
func (tm *TokenManager) MFAChallengeExpiry() time.Duration { return tm.mfaChallengeExpiry }

// MFASetupExpiry returns the setup token lifetime.
func (tm *TokenManager) MFASetupExpiry() time.Duration { return tm.mfaSetupExpiry }

// GenerateAccessToken creates an access token embedding the resolved
// permission set and the session id used for mid-flight revocation checks.
func (tm *TokenManager) GenerateAccessToken(principalID, email, userType string, permissions []string, sessionID string) (string, error) {
	claims := &models.TokenClaims{
		Type:        models.TokenTypeAccess,
		PrincipalID: principalID,
		Email:       email,
		UserType:    userType,
		Permissions: permissions,
		SessionID:   sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tm.accessTokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	return tm.sign(claims)
}

// GenerateMFAChallengeToken creates the short-lived token a caller must
// present together with a TOTP/backup code to finish a paused login.
func (tm *TokenManager) GenerateMFAChallengeToken(principalID string) (string, error) {
	return tm.generatePurposeToken(models.TokenTypeMFAChallenge, principalID, "", tm.mfaChallengeExpiry)
}

// GenerateMFASetupToken creates the token that forces MFA enrollment for a
// privileged principal before its login can complete.
func (tm *TokenManager) GenerateMFASetupToken(principalID string) (string, error) {
	return tm.generatePurposeToken(models.TokenTypeMFASetup, principalID, "", tm.mfaSetupExpiry)
}

// GenerateMagicLinkToken creates the token embedded in a login email link.
func (tm *TokenManager) GenerateMagicLinkToken(principalID, email string) (string, error) {
	return tm.generatePurposeToken(models.TokenTypeMagicLink, principalID, email, tm.magicLinkExpiry)
}

func (tm *TokenManager) generatePurposeToken(tokenType, principalID, email string, expiry time.Duration) (string, error) {
	claims := &models.TokenClaims{
		Type:        tokenType,
		PrincipalID: principalID,
		Email:       email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	return tm.sign(claims)
}

func (tm *TokenManager) sign(claims *models.TokenClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT and returns its claims. It accepts
// only HMAC-signed tokens and expects the given type; a token of any other
// type is rejected so a challenge token can never be replayed as an access
// token.
func (tm *TokenManager) ValidateToken(tokenString, expectedType string) (*models.TokenClaims, error) {
	claims := &models.TokenClaims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if claims.Type != expectedType {
		return nil, fmt.Errorf("unexpected token type %q", claims.Type)
	}

	return claims, nil
}

// GenerateRefreshToken returns a new opaque refresh token secret, URL-safe.
// Only its hash is ever persisted.
func (tm *TokenManager) GenerateRefreshToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex SHA-256 of an opaque token. Comparison by hash
// equality keeps lookups constant-time with respect to the secret.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
