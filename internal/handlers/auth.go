package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/mklatt/bastion/internal/models"
	"github.com/mklatt/bastion/internal/services"
	pkghttp "github.com/mklatt/bastion/pkg/http"
)

// AuthFlows is the slice of the login orchestrator the auth endpoints need.
type AuthFlows interface {
	PasswordLogin(ctx context.Context, email, password string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	SendMagicLink(ctx context.Context, email string) error
	MagicLinkLogin(ctx context.Context, token string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	PasskeyLogin(ctx context.Context, credentialID string, assertion []byte, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	VerifyMfa(ctx context.Context, challengeToken, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	CompleteMfaSetup(ctx context.Context, setupToken, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	Refresh(ctx context.Context, rawRefreshToken string) (*models.Session, error)
	Logout(ctx context.Context, rawRefreshToken string) error
}

// AuthHandler exposes the login, MFA, and session endpoints.
type AuthHandler struct {
	flows    AuthFlows
	ipConfig *pkghttp.IPConfig
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(flows AuthFlows, ipConfig *pkghttp.IPConfig) *AuthHandler {
	return &AuthHandler{flows: flows, ipConfig: ipConfig}
}

// Request DTOs

// PasswordLoginRequest is the request body for a password login
type PasswordLoginRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required"`
	DeviceID    string `json:"device_id" validate:"required,max=128"`
	Fingerprint string `json:"fingerprint" validate:"required,max=256"`
	RememberMe  bool   `json:"remember_me"`
}

// MagicLinkRequest asks for a login link by email
type MagicLinkRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// MagicLinkLoginRequest redeems an emailed login link
type MagicLinkLoginRequest struct {
	Token       string `json:"token" validate:"required"`
	DeviceID    string `json:"device_id" validate:"required,max=128"`
	Fingerprint string `json:"fingerprint" validate:"required,max=256"`
	RememberMe  bool   `json:"remember_me"`
}

// PasskeyLoginRequest carries a WebAuthn assertion, base64-encoded
type PasskeyLoginRequest struct {
	CredentialID string `json:"credential_id" validate:"required"`
	Assertion    string `json:"assertion" validate:"required"`
	DeviceID     string `json:"device_id" validate:"required,max=128"`
	Fingerprint  string `json:"fingerprint" validate:"required,max=256"`
	RememberMe   bool   `json:"remember_me"`
}

// MfaVerifyRequest resolves a pending MFA challenge
type MfaVerifyRequest struct {
	ChallengeToken string `json:"challenge_token" validate:"required"`
	Code           string `json:"code" validate:"required,min=6,max=32"`
	DeviceID       string `json:"device_id" validate:"required,max=128"`
	Fingerprint    string `json:"fingerprint" validate:"required,max=256"`
	RememberMe     bool   `json:"remember_me"`
}

// MfaSetupCompleteRequest finishes forced MFA enrollment
type MfaSetupCompleteRequest struct {
	SetupToken  string `json:"setup_token" validate:"required"`
	Code        string `json:"code" validate:"required,len=6"`
	DeviceID    string `json:"device_id" validate:"required,max=128"`
	Fingerprint string `json:"fingerprint" validate:"required,max=256"`
	RememberMe  bool   `json:"remember_me"`
}

// RefreshRequest exchanges a refresh token for a new session
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// LogoutRequest revokes a refresh token and its session
type LogoutRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// signals assembles the device signals every login flow evaluates.
func (h *AuthHandler) signals(r *http.Request, deviceID, fingerprint string) services.DeviceSignals {
	return services.DeviceSignals{
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		IP:          pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent:   r.Header.Get("User-Agent"),
	}
}

// PasswordLogin handles POST /auth/login
func (h *AuthHandler) PasswordLogin(w http.ResponseWriter, r *http.Request) {
	var req PasswordLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.flows.PasswordLogin(r.Context(), req.Email, req.Password, h.signals(r, req.DeviceID, req.Fingerprint), req.RememberMe)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(result))
}

// SendMagicLink handles POST /auth/magic-link. The response is 202 whether or
// not the address matches an account.
func (h *AuthHandler) SendMagicLink(w http.ResponseWriter, r *http.Request) {
	var req MagicLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.flows.SendMagicLink(r.Context(), req.Email); err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "If an account exists with this email, a login link will be sent.",
	})
}

// MagicLinkLogin handles POST /auth/magic-link/redeem
func (h *AuthHandler) MagicLinkLogin(w http.ResponseWriter, r *http.Request) {
	var req MagicLinkLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.flows.MagicLinkLogin(r.Context(), req.Token, h.signals(r, req.DeviceID, req.Fingerprint), req.RememberMe)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(result))
}

// PasskeyLogin handles POST /auth/passkey
func (h *AuthHandler) PasskeyLogin(w http.ResponseWriter, r *http.Request) {
	var req PasskeyLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	assertion, err := base64.StdEncoding.DecodeString(req.Assertion)
	if err != nil {
		pkghttp.WriteBadRequest(w, "Assertion must be base64-encoded")
		return
	}

	result, err := h.flows.PasskeyLogin(r.Context(), req.CredentialID, assertion, h.signals(r, req.DeviceID, req.Fingerprint), req.RememberMe)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(result))
}

// VerifyMfa handles POST /auth/mfa/verify
func (h *AuthHandler) VerifyMfa(w http.ResponseWriter, r *http.Request) {
	var req MfaVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.flows.VerifyMfa(r.Context(), req.ChallengeToken, req.Code, h.signals(r, req.DeviceID, req.Fingerprint), req.RememberMe)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(result))
}

// CompleteMfaSetup handles POST /auth/mfa/setup/complete
func (h *AuthHandler) CompleteMfaSetup(w http.ResponseWriter, r *http.Request) {
	var req MfaSetupCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.flows.CompleteMfaSetup(r.Context(), req.SetupToken, req.Code, h.signals(r, req.DeviceID, req.Fingerprint), req.RememberMe)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(result))
}

// Refresh handles POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	session, err := h.flows.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// Logout handles POST /auth/logout. Idempotent: an already revoked or unknown
// token still returns 204.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	if err := h.flows.Logout(r.Context(), req.RefreshToken); err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
