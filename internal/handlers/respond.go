package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/mklatt/bastion/internal/models"
	pkghttp "github.com/mklatt/bastion/pkg/http"
)

// SessionResponse is the token pair returned once a login fully resolves.
type SessionResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	SessionID    string   `json:"session_id"`
	Permissions  []string `json:"permissions"`
}

// MfaChallengeResponse asks the caller to re-submit with a TOTP or backup code.
type MfaChallengeResponse struct {
	ChallengeToken string    `json:"challenge_token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// MfaSetupResponse carries the provisioning material for forced enrollment.
// The secret and backup codes appear here once and are never retrievable again.
type MfaSetupResponse struct {
	SetupToken  string    `json:"setup_token"`
	Secret      string    `json:"secret"`
	QRCode      string    `json:"qr_code"`
	BackupCodes []string  `json:"backup_codes"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// DeviceApprovalResponse tells the caller the device must be approved out of
// band. The approval token and code travel only by email.
type DeviceApprovalResponse struct {
	DeviceID    string    `json:"device_id"`
	RiskScore   int       `json:"risk_score"`
	RiskFactors []string  `json:"risk_factors"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// LoginResponse is the union returned by every login endpoint. Exactly one
// payload matching Status is set.
type LoginResponse struct {
	Status         string                  `json:"status"`
	Session        *SessionResponse        `json:"session,omitempty"`
	MfaChallenge   *MfaChallengeResponse   `json:"mfa_challenge,omitempty"`
	MfaSetup       *MfaSetupResponse       `json:"mfa_setup,omitempty"`
	DeviceApproval *DeviceApprovalResponse `json:"device_approval,omitempty"`
}

func sessionResponse(s *models.Session) *SessionResponse {
	return &SessionResponse{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    "Bearer",
		SessionID:    s.SessionID,
		Permissions:  s.Permissions,
	}
}

func loginResponse(result *models.LoginResult) LoginResponse {
	resp := LoginResponse{Status: string(result.Status)}
	if result.Session != nil {
		resp.Session = sessionResponse(result.Session)
	}
	if result.MFAChallenge != nil {
		resp.MfaChallenge = &MfaChallengeResponse{
			ChallengeToken: result.MFAChallenge.ChallengeToken,
			ExpiresAt:      result.MFAChallenge.ExpiresAt,
		}
	}
	if result.MFASetup != nil {
		resp.MfaSetup = &MfaSetupResponse{
			SetupToken:  result.MFASetup.SetupToken,
			Secret:      result.MFASetup.Secret,
			QRCode:      result.MFASetup.QRCode,
			BackupCodes: result.MFASetup.BackupCodes,
			ExpiresAt:   result.MFASetup.ExpiresAt,
		}
	}
	if result.DeviceApproval != nil {
		resp.DeviceApproval = &DeviceApprovalResponse{
			DeviceID:    result.DeviceApproval.DeviceID,
			RiskScore:   result.DeviceApproval.RiskScore,
			RiskFactors: result.DeviceApproval.RiskFactors,
			ExpiresAt:   result.DeviceApproval.ExpiresAt,
		}
	}
	return resp
}

// authErrorResponse is the structured body for expected authentication
// failures. Callers branch on the code, never on the message.
type authErrorResponse struct {
	Error             string     `json:"error"`
	Message           string     `json:"message"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	RemainingAttempts *int       `json:"remaining_attempts,omitempty"`
	RetryAfterSeconds *int       `json:"retry_after_seconds,omitempty"`
}

// writeAuthError maps a service error onto the wire. AuthErrors keep their
// status and structured payload; anything else collapses to a generic 500 so
// internals never leak.
func writeAuthError(w http.ResponseWriter, err error) {
	authErr, ok := models.AsAuthError(err)
	if !ok {
		if errors.Is(err, models.ErrNotFound) {
			pkghttp.WriteNotFound(w, "Not found")
			return
		}
		if errors.Is(err, models.ErrBadRequest) {
			pkghttp.WriteBadRequest(w, "Bad request")
			return
		}
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if authErr.RetryAfterSeconds != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*authErr.RetryAfterSeconds))
	}
	w.WriteHeader(authErr.Status)
	_ = json.NewEncoder(w).Encode(authErrorResponse{
		Error:             string(authErr.Code),
		Message:           authErr.Message,
		LockedUntil:       authErr.LockedUntil,
		RemainingAttempts: authErr.RemainingAttempts,
		RetryAfterSeconds: authErr.RetryAfterSeconds,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
