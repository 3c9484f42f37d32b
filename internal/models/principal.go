package models

import (
	"time"
)

// UserType values carried in access tokens
const (
	UserTypeSystem = "system"
)

// Principal is an internal administrative account. Principals are never
// deleted, only anonymized.
type Principal struct {
	ID                  string
	Email               string // unique, always lowercase
	PasswordHash        string
	Name                string
	UserType            string
	Language            string // preferred notification language, e.g. "en"
	Active              bool
	MFAEnabled          bool
	MFASecretEncrypted  []byte // AES-256-GCM encrypted TOTP secret
	MFASecretNonce      []byte // GCM nonce (12 bytes)
	BackupCodes         []BackupCodeEntry
	FailedLoginAttempts int
	LockedUntil         *time.Time // persisted mirror of the cache lockout
	AnonymizedAt        *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// BackupCodeEntry is a single MFA backup code, stored hashed
type BackupCodeEntry struct {
	CodeHash  string     `json:"code_hash"`
	UsedAt    *time.Time `json:"used_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// IsLocked reports whether the persisted account lock is still in force.
func (p *Principal) IsLocked(now time.Time) bool {
	return p.LockedUntil != nil && now.Before(*p.LockedUntil)
}
