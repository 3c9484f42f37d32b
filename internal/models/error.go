package models

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")
)

// AuthErrorCode is a stable machine-readable code for an expected
// authentication failure. Callers branch on the code, never on the message.
type AuthErrorCode string

const (
	CodeInvalidCredentials   AuthErrorCode = "invalid_credentials"
	CodeAccountInactive      AuthErrorCode = "account_inactive"
	CodeAccountLocked        AuthErrorCode = "account_locked"
	CodeMFACodeInvalid       AuthErrorCode = "mfa_code_invalid"
	CodeApprovalCodeInvalid  AuthErrorCode = "approval_code_invalid"
	CodeApprovalMaxAttempts  AuthErrorCode = "approval_max_attempts"
	CodeApprovalInvalid      AuthErrorCode = "approval_invalid"
	CodeApprovalExpired      AuthErrorCode = "approval_expired"
	CodeApprovalDenied       AuthErrorCode = "approval_denied"
	CodeResendCooldownActive AuthErrorCode = "resend_cooldown_active"
	CodeReauthRequired       AuthErrorCode = "reauth_required"
	CodeSessionRevoked       AuthErrorCode = "session_revoked"
	CodeCaptchaInvalid       AuthErrorCode = "captcha_invalid"
)

// AuthError is an expected, recoverable authentication failure. It carries an
// HTTP status class and an optional structured payload (remaining attempts,
// lock expiry, cooldown) so callers can react without parsing messages.
// These are never logged as server faults.
type AuthError struct {
	Code              AuthErrorCode
	Status            int
	Message           string
	LockedUntil       *time.Time
	RemainingAttempts *int
	RetryAfterSeconds *int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is allows errors.Is comparison against another AuthError by code.
func (e *AuthError) Is(target error) bool {
	var ae *AuthError
	if errors.As(target, &ae) {
		return e.Code == ae.Code
	}
	return false
}

// AsAuthError unwraps err into an *AuthError if it is one.
func AsAuthError(err error) (*AuthError, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

func NewInvalidCredentials() *AuthError {
	return &AuthError{Code: CodeInvalidCredentials, Status: http.StatusUnauthorized, Message: "invalid email or password"}
}

func NewAccountInactive() *AuthError {
	return &AuthError{Code: CodeAccountInactive, Status: http.StatusUnauthorized, Message: "account is not active"}
}

func NewAccountLocked(until time.Time) *AuthError {
	return &AuthError{Code: CodeAccountLocked, Status: http.StatusLocked, Message: "account is temporarily locked", LockedUntil: &until}
}

func NewMFACodeInvalid() *AuthError {
	return &AuthError{Code: CodeMFACodeInvalid, Status: http.StatusUnauthorized, Message: "invalid verification code"}
}

func NewApprovalCodeInvalid(remaining int) *AuthError {
	return &AuthError{Code: CodeApprovalCodeInvalid, Status: http.StatusBadRequest, Message: "invalid approval code", RemainingAttempts: &remaining}
}

func NewApprovalMaxAttempts() *AuthError {
	return &AuthError{Code: CodeApprovalMaxAttempts, Status: http.StatusTooManyRequests, Message: "maximum approval attempts exceeded, request a new code"}
}

func NewApprovalInvalid() *AuthError {
	return &AuthError{Code: CodeApprovalInvalid, Status: http.StatusBadRequest, Message: "approval request not found or no longer pending"}
}

func NewApprovalExpired() *AuthError {
	return &AuthError{Code: CodeApprovalExpired, Status: http.StatusBadRequest, Message: "approval request has expired, request a new code"}
}

func NewApprovalDenied() *AuthError {
	return &AuthError{Code: CodeApprovalDenied, Status: http.StatusForbidden, Message: "device approval was denied"}
}

func NewResendCooldownActive(retryAfter int) *AuthError {
	return &AuthError{Code: CodeResendCooldownActive, Status: http.StatusTooManyRequests, Message: "approval email was sent recently", RetryAfterSeconds: &retryAfter}
}

func NewReauthRequired() *AuthError {
	return &AuthError{Code: CodeReauthRequired, Status: http.StatusUnauthorized, Message: "re-authentication required"}
}

func NewSessionRevoked() *AuthError {
	return &AuthError{Code: CodeSessionRevoked, Status: http.StatusUnauthorized, Message: "session has been revoked"}
}

func NewCaptchaInvalid() *AuthError {
	return &AuthError{Code: CodeCaptchaInvalid, Status: http.StatusBadRequest, Message: "captcha verification failed"}
}
