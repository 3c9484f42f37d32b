package models

import (
	"time"
)

// DeviceStatus is the trust lifecycle state of a device
type DeviceStatus string

const (
	DeviceStatusPendingApproval DeviceStatus = "pending_approval"
	DeviceStatusTrusted         DeviceStatus = "trusted"
	DeviceStatusRevoked         DeviceStatus = "revoked"
)

// Device is a (principal, client-identifier, fingerprint) tuple with a trust
// lifecycle. Approval credentials are stored as hashes and exist only while
// the device is pending approval.
type Device struct {
	ID          string
	PrincipalID string
	DeviceID    string // client-supplied identifier
	Fingerprint string
	Status      DeviceStatus

	// Risk captured when the device was first seen; carried over on resend
	RiskScore   int
	RiskFactors []string

	// Approval credentials, present only while Status == PendingApproval
	ApprovalTokenHash *string
	ApprovalCodeHash  *string
	ApprovalAttempts  int
	ApprovalExpiresAt *time.Time

	// Last-seen signals used by the spoofing check
	LastIP      string
	LastCountry string
	LastCity    string

	// Display metadata
	Browser    string
	OS         string
	DeviceType string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsApprovalExpired reports whether the pending approval window has elapsed.
// Expiry is enforced lazily at validation time; there is no background sweep.
func (d *Device) IsApprovalExpired(now time.Time) bool {
	return d.ApprovalExpiresAt == nil || now.After(*d.ApprovalExpiresAt)
}

// The transition functions below are pure: they take the current row by
// value and return the next state. Persistence and notifications happen in
// the services that call them.

// WithPendingApproval returns the device moved into PendingApproval with a
// fresh hashed token/code pair, a new expiry window, and a zeroed attempt
// counter. The risk assessment is recorded as-is.
func WithPendingApproval(d Device, tokenHash, codeHash string, expiresAt time.Time, risk RiskAssessment) Device {
	d.Status = DeviceStatusPendingApproval
	d.ApprovalTokenHash = &tokenHash
	d.ApprovalCodeHash = &codeHash
	d.ApprovalAttempts = 0
	d.ApprovalExpiresAt = &expiresAt
	d.RiskScore = risk.Score
	d.RiskFactors = risk.Factors
	return d
}

// WithNewApprovalSecrets replaces the approval credentials on an already
// pending device (resend). The previously computed risk is kept.
func WithNewApprovalSecrets(d Device, tokenHash, codeHash string, expiresAt time.Time) Device {
	d.ApprovalTokenHash = &tokenHash
	d.ApprovalCodeHash = &codeHash
	d.ApprovalAttempts = 0
	d.ApprovalExpiresAt = &expiresAt
	return d
}

// WithTrusted returns the device promoted to Trusted. Approval credentials
// are cleared; they must never survive a transition out of PendingApproval.
func WithTrusted(d Device) Device {
	d.Status = DeviceStatusTrusted
	d.ApprovalTokenHash = nil
	d.ApprovalCodeHash = nil
	d.ApprovalAttempts = 0
	d.ApprovalExpiresAt = nil
	return d
}

// WithRevoked returns the device moved to Revoked, clearing any outstanding
// approval credentials.
func WithRevoked(d Device) Device {
	d.Status = DeviceStatusRevoked
	d.ApprovalTokenHash = nil
	d.ApprovalCodeHash = nil
	d.ApprovalExpiresAt = nil
	return d
}

// WithFailedApprovalAttempt returns the device with the attempt counter
// incremented.
func WithFailedApprovalAttempt(d Device) Device {
	d.ApprovalAttempts++
	return d
}

// WithLastSeen returns the device with refreshed last-seen signals.
func WithLastSeen(d Device, ip, country, city string) Device {
	d.LastIP = ip
	d.LastCountry = country
	d.LastCity = city
	return d
}
