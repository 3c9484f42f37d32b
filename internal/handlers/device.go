package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/models"
	"github.com/mklatt/bastion/internal/services"
	pkghttp "github.com/mklatt/bastion/pkg/http"
)

// DeviceFlows is the slice of the login orchestrator the device-approval
// endpoints need.
type DeviceFlows interface {
	ApproveDeviceByCode(ctx context.Context, deviceID, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	ApproveDeviceByLink(ctx context.Context, token string, signals services.DeviceSignals) (*models.Device, error)
	DenyDevice(ctx context.Context, token string, signals services.DeviceSignals) (*models.Device, error)
	ResendDeviceApproval(ctx context.Context, deviceID, captchaToken, ip string) (*models.DeviceApproval, error)
}

// DeviceDirectory is the self-service device inventory for an authenticated
// principal.
type DeviceDirectory interface {
	ListDevices(ctx context.Context, principalID string) ([]*models.Device, error)
	RevokeDevice(ctx context.Context, principalID, deviceRowID, actorID, ip string) error
}

// DeviceHandler exposes the device approval and device management endpoints.
type DeviceHandler struct {
	flows     DeviceFlows
	directory DeviceDirectory
	ipConfig  *pkghttp.IPConfig
}

// NewDeviceHandler creates a new DeviceHandler
func NewDeviceHandler(flows DeviceFlows, directory DeviceDirectory, ipConfig *pkghttp.IPConfig) *DeviceHandler {
	return &DeviceHandler{flows: flows, directory: directory, ipConfig: ipConfig}
}

// ApproveCodeRequest submits the emailed short code from the pending device
type ApproveCodeRequest struct {
	DeviceID   string `json:"device_id" validate:"required"`
	Code       string `json:"code" validate:"required,min=8,max=16"`
	RememberMe bool   `json:"remember_me"`
}

// ResendApprovalRequest asks for a fresh approval email
type ResendApprovalRequest struct {
	DeviceID     string `json:"device_id" validate:"required"`
	CaptchaToken string `json:"captcha_token" validate:"required"`
}

// DeviceResponse is a device row as shown to its owner. Approval credentials
// never appear here.
type DeviceResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Browser     string    `json:"browser"`
	OS          string    `json:"os"`
	DeviceType  string    `json:"device_type"`
	LastCity    string    `json:"last_city,omitempty"`
	LastCountry string    `json:"last_country,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func deviceResponse(d *models.Device) DeviceResponse {
	return DeviceResponse{
		ID:          d.ID,
		Status:      string(d.Status),
		Browser:     d.Browser,
		OS:          d.OS,
		DeviceType:  d.DeviceType,
		LastCity:    d.LastCity,
		LastCountry: d.LastCountry,
		CreatedAt:   d.CreatedAt,
		LastSeenAt:  d.UpdatedAt,
	}
}

func (h *DeviceHandler) signals(r *http.Request) services.DeviceSignals {
	return services.DeviceSignals{
		IP:        pkghttp.ExtractClientIP(r, h.ipConfig),
		UserAgent: r.Header.Get("User-Agent"),
	}
}

// ApproveByCode handles POST /devices/approve-code. On success the login the
// approval interrupted completes and a session is returned.
func (h *DeviceHandler) ApproveByCode(w http.ResponseWriter, r *http.Request) {
	var req ApproveCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	result, err := h.flows.ApproveDeviceByCode(r.Context(), req.DeviceID, req.Code, h.signals(r), req.RememberMe)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse(result))
}

// ApproveByLink handles GET /devices/approve?token=... from the approval
// email. No session is issued: the click may come from any mailbox-reading
// device, not the one waiting to log in.
func (h *DeviceHandler) ApproveByLink(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		pkghttp.WriteBadRequest(w, "Missing approval token")
		return
	}

	d, err := h.flows.ApproveDeviceByLink(r.Context(), token, h.signals(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Device approved. Return to the device to sign in.",
		"device":  deviceResponse(d),
	})
}

// Deny handles GET /devices/deny?token=... from the approval email.
func (h *DeviceHandler) Deny(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		pkghttp.WriteBadRequest(w, "Missing approval token")
		return
	}

	d, err := h.flows.DenyDevice(r.Context(), token, h.signals(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Device denied and revoked.",
		"device":  deviceResponse(d),
	})
}

// Resend handles POST /devices/resend-approval. Captcha-gated; the previous
// token and code stop working once the new email is on its way.
func (h *DeviceHandler) Resend(w http.ResponseWriter, r *http.Request) {
	var req ResendApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	approval, err := h.flows.ResendDeviceApproval(r.Context(), req.DeviceID, req.CaptchaToken, pkghttp.ExtractClientIP(r, h.ipConfig))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DeviceApprovalResponse{
		DeviceID:    approval.DeviceID,
		RiskScore:   approval.RiskScore,
		RiskFactors: approval.RiskFactors,
		ExpiresAt:   approval.ExpiresAt,
	})
}

// List handles GET /devices for the authenticated principal.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	devices, err := h.directory.ListDevices(r.Context(), claims.PrincipalID)
	if err != nil {
		pkghttp.WriteInternalError(w, "Internal server error")
		return
	}

	out := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out})
}

// Revoke handles DELETE /devices/{id} for the authenticated principal. Any
// session bound to the device dies with it.
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		pkghttp.WriteUnauthorized(w, "unauthorized")
		return
	}

	deviceRowID := chi.URLParam(r, "id")
	if deviceRowID == "" {
		pkghttp.WriteBadRequest(w, "Missing device id")
		return
	}

	err := h.directory.RevokeDevice(r.Context(), claims.PrincipalID, deviceRowID, claims.PrincipalID, pkghttp.ExtractClientIP(r, h.ipConfig))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
