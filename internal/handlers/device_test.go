package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/models"
	"github.com/mklatt/bastion/internal/services"
)

func TestApproveByCode_ReturnsSession(t *testing.T) {
	flows := &MockDeviceFlows{
		ApproveByCodeFunc: func(ctx context.Context, deviceID, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
			assert.Equal(t, "device-row-1", deviceID)
			assert.Equal(t, "AAAA-2222", code)
			return sessionResult(), nil
		},
	}
	h := NewDeviceHandler(flows, &MockDeviceDirectory{}, nil)

	rec := postJSON(t, h.ApproveByCode, "/devices/approve-code", ApproveCodeRequest{
		DeviceID: "device-row-1",
		Code:     "AAAA-2222",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[LoginResponse](t, rec)
	assert.Equal(t, string(models.LoginStatusSession), resp.Status)
	require.NotNil(t, resp.Session)
}

func TestApproveByCode_WrongCodeCarriesRemainingAttempts(t *testing.T) {
	flows := &MockDeviceFlows{
		ApproveByCodeFunc: func(ctx context.Context, deviceID, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
			return nil, models.NewApprovalCodeInvalid(2)
		},
	}
	h := NewDeviceHandler(flows, &MockDeviceDirectory{}, nil)

	rec := postJSON(t, h.ApproveByCode, "/devices/approve-code", ApproveCodeRequest{
		DeviceID: "device-row-1",
		Code:     "AAAA-0000",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeBody[authErrorResponse](t, rec)
	assert.Equal(t, string(models.CodeApprovalCodeInvalid), resp.Error)
	require.NotNil(t, resp.RemainingAttempts)
	assert.Equal(t, 2, *resp.RemainingAttempts)
}

func TestApproveByLink_NoSessionInResponse(t *testing.T) {
	h := NewDeviceHandler(&MockDeviceFlows{}, &MockDeviceDirectory{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/devices/approve?token=mailed-token", nil)
	rec := httptest.NewRecorder()
	h.ApproveByLink(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "access_token")
	assert.NotContains(t, rec.Body.String(), "refresh_token")
}

func TestApproveByLink_MissingTokenRejected(t *testing.T) {
	h := NewDeviceHandler(&MockDeviceFlows{}, &MockDeviceDirectory{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/devices/approve", nil)
	rec := httptest.NewRecorder()
	h.ApproveByLink(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeny_RevokedDeviceInResponse(t *testing.T) {
	h := NewDeviceHandler(&MockDeviceFlows{}, &MockDeviceDirectory{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/devices/deny?token=mailed-token", nil)
	rec := httptest.NewRecorder()
	h.Deny(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(models.DeviceStatusRevoked))
}

func TestResend_CooldownSetsRetryAfterHeader(t *testing.T) {
	flows := &MockDeviceFlows{
		ResendFunc: func(ctx context.Context, deviceID, captchaToken, ip string) (*models.DeviceApproval, error) {
			return nil, models.NewResendCooldownActive(42)
		},
	}
	h := NewDeviceHandler(flows, &MockDeviceDirectory{}, nil)

	rec := postJSON(t, h.Resend, "/devices/resend-approval", ResendApprovalRequest{
		DeviceID:     "device-row-1",
		CaptchaToken: "captcha-ok",
	})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
}

func TestResend_RequiresCaptchaToken(t *testing.T) {
	called := false
	flows := &MockDeviceFlows{
		ResendFunc: func(ctx context.Context, deviceID, captchaToken, ip string) (*models.DeviceApproval, error) {
			called = true
			return nil, nil
		},
	}
	h := NewDeviceHandler(flows, &MockDeviceDirectory{}, nil)

	rec := postJSON(t, h.Resend, "/devices/resend-approval", ResendApprovalRequest{DeviceID: "device-row-1"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, called)
}

func authenticatedRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	claims := &models.TokenClaims{
		Type:        models.TokenTypeAccess,
		PrincipalID: "principal-1",
		SessionID:   "session-1",
	}
	ctx := context.WithValue(req.Context(), auth.PrincipalContextKey, claims)
	return req.WithContext(ctx)
}

func TestListDevices_OwnDevicesOnly(t *testing.T) {
	var requestedPrincipal string
	directory := &MockDeviceDirectory{
		ListDevicesFunc: func(ctx context.Context, principalID string) ([]*models.Device, error) {
			requestedPrincipal = principalID
			return []*models.Device{trustedDeviceRow()}, nil
		},
	}
	h := NewDeviceHandler(&MockDeviceFlows{}, directory, nil)

	rec := httptest.NewRecorder()
	h.List(rec, authenticatedRequest(t, http.MethodGet, "/devices"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "principal-1", requestedPrincipal)
	assert.NotContains(t, rec.Body.String(), "approval")
}

func TestListDevices_RequiresAuthentication(t *testing.T) {
	h := NewDeviceHandler(&MockDeviceFlows{}, &MockDeviceDirectory{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevokeDevice_OtherPrincipalsDeviceNotFound(t *testing.T) {
	directory := &MockDeviceDirectory{
		RevokeDeviceFunc: func(ctx context.Context, principalID, deviceRowID, actorID, ip string) error {
			return models.ErrNotFound
		},
	}
	h := NewDeviceHandler(&MockDeviceFlows{}, directory, nil)

	req := authenticatedRequest(t, http.MethodDelete, "/devices/device-row-9")
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "device-row-9")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Revoke(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRevokeDevice_NoContent(t *testing.T) {
	h := NewDeviceHandler(&MockDeviceFlows{}, &MockDeviceDirectory{}, nil)

	req := authenticatedRequest(t, http.MethodDelete, "/devices/device-row-1")
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", "device-row-1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Revoke(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}
