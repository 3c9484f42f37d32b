package models

import "time"

// LoginStatus discriminates the outcome of a login flow. Every flow resolves
// to exactly one of these; there is no partial state.
type LoginStatus string

const (
	LoginStatusSession          LoginStatus = "session"
	LoginStatusMFARequired      LoginStatus = "mfa_required"
	LoginStatusMFASetupRequired LoginStatus = "mfa_setup_required"
	LoginStatusApprovalRequired LoginStatus = "device_approval_required"
)

// Session is a fully established login: token pair plus the authenticated
// principal. Issued only after trust has been established.
type Session struct {
	AccessToken  string
	RefreshToken string
	SessionID    string
	Principal    *Principal
	Permissions  []string
}

// MFAChallenge pauses a login until a TOTP or backup code is re-submitted.
type MFAChallenge struct {
	ChallengeToken string
	ExpiresAt      time.Time
}

// MFASetup forces MFA enrollment before a privileged login can complete.
type MFASetup struct {
	SetupToken  string
	Secret      string
	QRCode      string // data URL
	BackupCodes []string
	ExpiresAt   time.Time
}

// DeviceApproval tells the caller a pending device must be approved out of
// band. The approval token and code themselves travel only by email; the
// response carries a reference and the risk summary.
type DeviceApproval struct {
	DeviceID    string // internal device row id, used for code submission
	RiskScore   int
	RiskFactors []string
	ExpiresAt   time.Time
}

// LoginResult is the single union type returned by every login entry point.
// Exactly one payload matching Status is non-nil.
type LoginResult struct {
	Status         LoginStatus
	Session        *Session
	MFAChallenge   *MFAChallenge
	MFASetup       *MFASetup
	DeviceApproval *DeviceApproval
}
