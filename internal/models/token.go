package models

import (
	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the "type" claim
const (
	TokenTypeAccess       = "access"
	TokenTypeMFAChallenge = "mfa_challenge"
	TokenTypeMFASetup     = "mfa_setup"
	TokenTypeMagicLink    = "magic_link"
)

// TokenClaims are the JWT claims minted by the token manager. Access tokens
// embed the resolved permission set and a session id so the request pipeline
// can reject revoked or flagged sessions before expiry.
type TokenClaims struct {
	Type        string   `json:"type"`
	PrincipalID string   `json:"principal_id"`
	Email       string   `json:"email,omitempty"`
	UserType    string   `json:"user_type,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
	jwt.RegisteredClaims
}
