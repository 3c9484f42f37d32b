package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by the auth pipeline
const (
	AuditActionLoginFailed     = "login_failed"
	AuditActionLoginSucceeded  = "login_succeeded"
	AuditActionAccountLocked   = "account_locked"
	AuditActionMFAChallenged   = "mfa_challenged"
	AuditActionMFAEnrolled     = "mfa_enrolled"
	AuditActionDevicePending   = "device_approval_opened"
	AuditActionDeviceApproved  = "device_approved"
	AuditActionDeviceDenied    = "device_denied"
	AuditActionDeviceResend    = "device_approval_resent"
	AuditActionSessionRevoked  = "session_revoked"
	AuditActionPermissionsSet  = "permissions_updated"
	AuditActionForcedReauth    = "forced_reauth"
	AuditActionAccountDisabled = "account_disabled"
)

// Entity types referenced by audit records
const (
	AuditEntityPrincipal = "principal"
	AuditEntityDevice    = "device"
	AuditEntitySession   = "session"
)

type AuditLog struct {
	ID         uuid.UUID
	Action     string
	ActorID    *string // nil for unauthenticated attempts
	TargetID   *string
	EntityType string
	EntityID   *string
	Success    bool
	IPAddress  *string
	UserAgent  *string
	Details    AuditDetails
	CreatedAt  time.Time
}

// AuditDetails holds additional context, stored as JSONB
type AuditDetails map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (ad *AuditDetails) Scan(value interface{}) error {
	if value == nil {
		*ad = make(AuditDetails)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*ad = AuditDetails(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (ad AuditDetails) Value() (driver.Value, error) {
	if ad == nil {
		return nil, nil
	}
	return json.Marshal(ad)
}
