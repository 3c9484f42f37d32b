package models

import "time"

// RefreshToken is an opaque secret stored hashed. A refresh token is owned by
// exactly one principal and is exclusively linked to the device/session that
// authenticated; relinking a device revokes the previous token.
type RefreshToken struct {
	ID          string
	PrincipalID string
	TokenHash   string
	DeviceID    *string // internal device row id, nil for deviceless flows
	SessionID   string
	RememberMe  bool
	Revoked     bool
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// IsUsable reports whether the token can still mint sessions.
func (t *RefreshToken) IsUsable(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}
