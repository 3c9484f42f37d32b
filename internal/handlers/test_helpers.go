package handlers

// Hand-written mocks for handler tests. Each mock exposes optional function
// fields; unset fields return benign defaults.

import (
	"context"
	"time"

	"github.com/mklatt/bastion/internal/models"
	"github.com/mklatt/bastion/internal/services"
)

// MockAuthFlows implements AuthFlows
type MockAuthFlows struct {
	PasswordLoginFunc    func(ctx context.Context, email, password string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	SendMagicLinkFunc    func(ctx context.Context, email string) error
	MagicLinkLoginFunc   func(ctx context.Context, token string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	PasskeyLoginFunc     func(ctx context.Context, credentialID string, assertion []byte, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	VerifyMfaFunc        func(ctx context.Context, challengeToken, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	CompleteMfaSetupFunc func(ctx context.Context, setupToken, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	RefreshFunc          func(ctx context.Context, rawRefreshToken string) (*models.Session, error)
	LogoutFunc           func(ctx context.Context, rawRefreshToken string) error
}

func sessionResult() *models.LoginResult {
	return &models.LoginResult{
		Status: models.LoginStatusSession,
		Session: &models.Session{
			AccessToken:  "access-token",
			RefreshToken: "refresh-token",
			SessionID:    "session-1",
			Permissions:  []string{"users:read"},
		},
	}
}

func (m *MockAuthFlows) PasswordLogin(ctx context.Context, email, password string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	if m.PasswordLoginFunc != nil {
		return m.PasswordLoginFunc(ctx, email, password, signals, rememberMe)
	}
	return sessionResult(), nil
}

func (m *MockAuthFlows) SendMagicLink(ctx context.Context, email string) error {
	if m.SendMagicLinkFunc != nil {
		return m.SendMagicLinkFunc(ctx, email)
	}
	return nil
}

func (m *MockAuthFlows) MagicLinkLogin(ctx context.Context, token string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	if m.MagicLinkLoginFunc != nil {
		return m.MagicLinkLoginFunc(ctx, token, signals, rememberMe)
	}
	return sessionResult(), nil
}

func (m *MockAuthFlows) PasskeyLogin(ctx context.Context, credentialID string, assertion []byte, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	if m.PasskeyLoginFunc != nil {
		return m.PasskeyLoginFunc(ctx, credentialID, assertion, signals, rememberMe)
	}
	return sessionResult(), nil
}

func (m *MockAuthFlows) VerifyMfa(ctx context.Context, challengeToken, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	if m.VerifyMfaFunc != nil {
		return m.VerifyMfaFunc(ctx, challengeToken, code, signals, rememberMe)
	}
	return sessionResult(), nil
}

func (m *MockAuthFlows) CompleteMfaSetup(ctx context.Context, setupToken, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	if m.CompleteMfaSetupFunc != nil {
		return m.CompleteMfaSetupFunc(ctx, setupToken, code, signals, rememberMe)
	}
	return sessionResult(), nil
}

func (m *MockAuthFlows) Refresh(ctx context.Context, rawRefreshToken string) (*models.Session, error) {
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, rawRefreshToken)
	}
	return sessionResult().Session, nil
}

func (m *MockAuthFlows) Logout(ctx context.Context, rawRefreshToken string) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, rawRefreshToken)
	}
	return nil
}

// MockDeviceFlows implements DeviceFlows
type MockDeviceFlows struct {
	ApproveByCodeFunc func(ctx context.Context, deviceID, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error)
	ApproveByLinkFunc func(ctx context.Context, token string, signals services.DeviceSignals) (*models.Device, error)
	DenyFunc          func(ctx context.Context, token string, signals services.DeviceSignals) (*models.Device, error)
	ResendFunc        func(ctx context.Context, deviceID, captchaToken, ip string) (*models.DeviceApproval, error)
}

func trustedDeviceRow() *models.Device {
	return &models.Device{
		ID:          "device-row-1",
		PrincipalID: "principal-1",
		Status:      models.DeviceStatusTrusted,
		Browser:     "Chrome",
		OS:          "Mac OS X",
		DeviceType:  "desktop",
	}
}

func (m *MockDeviceFlows) ApproveDeviceByCode(ctx context.Context, deviceID, code string, signals services.DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	if m.ApproveByCodeFunc != nil {
		return m.ApproveByCodeFunc(ctx, deviceID, code, signals, rememberMe)
	}
	return sessionResult(), nil
}

func (m *MockDeviceFlows) ApproveDeviceByLink(ctx context.Context, token string, signals services.DeviceSignals) (*models.Device, error) {
	if m.ApproveByLinkFunc != nil {
		return m.ApproveByLinkFunc(ctx, token, signals)
	}
	return trustedDeviceRow(), nil
}

func (m *MockDeviceFlows) DenyDevice(ctx context.Context, token string, signals services.DeviceSignals) (*models.Device, error) {
	if m.DenyFunc != nil {
		return m.DenyFunc(ctx, token, signals)
	}
	d := trustedDeviceRow()
	d.Status = models.DeviceStatusRevoked
	return d, nil
}

func (m *MockDeviceFlows) ResendDeviceApproval(ctx context.Context, deviceID, captchaToken, ip string) (*models.DeviceApproval, error) {
	if m.ResendFunc != nil {
		return m.ResendFunc(ctx, deviceID, captchaToken, ip)
	}
	return &models.DeviceApproval{DeviceID: deviceID, ExpiresAt: time.Now().Add(30 * time.Minute)}, nil
}

// MockDeviceDirectory implements DeviceDirectory
type MockDeviceDirectory struct {
	ListDevicesFunc  func(ctx context.Context, principalID string) ([]*models.Device, error)
	RevokeDeviceFunc func(ctx context.Context, principalID, deviceRowID, actorID, ip string) error
}

func (m *MockDeviceDirectory) ListDevices(ctx context.Context, principalID string) ([]*models.Device, error) {
	if m.ListDevicesFunc != nil {
		return m.ListDevicesFunc(ctx, principalID)
	}
	return []*models.Device{trustedDeviceRow()}, nil
}

func (m *MockDeviceDirectory) RevokeDevice(ctx context.Context, principalID, deviceRowID, actorID, ip string) error {
	if m.RevokeDeviceFunc != nil {
		return m.RevokeDeviceFunc(ctx, principalID, deviceRowID, actorID, ip)
	}
	return nil
}

// MockPrincipalAdmin implements PrincipalAdmin
type MockPrincipalAdmin struct {
	CreateFunc            func(ctx context.Context, email, name, password, userType, language string) (*models.Principal, error)
	UpdatePermissionsFunc func(ctx context.Context, id string, permissions []string, actorID, ip string) error
	DeactivateFunc        func(ctx context.Context, id, actorID, ip string) error
	AnonymizeFunc         func(ctx context.Context, id, actorID string) error
}

func (m *MockPrincipalAdmin) Create(ctx context.Context, email, name, password, userType, language string) (*models.Principal, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, email, name, password, userType, language)
	}
	return &models.Principal{ID: "principal-1", Email: email, Name: name, UserType: userType, Active: true}, nil
}

func (m *MockPrincipalAdmin) UpdatePermissions(ctx context.Context, id string, permissions []string, actorID, ip string) error {
	if m.UpdatePermissionsFunc != nil {
		return m.UpdatePermissionsFunc(ctx, id, permissions, actorID, ip)
	}
	return nil
}

func (m *MockPrincipalAdmin) Deactivate(ctx context.Context, id, actorID, ip string) error {
	if m.DeactivateFunc != nil {
		return m.DeactivateFunc(ctx, id, actorID, ip)
	}
	return nil
}

func (m *MockPrincipalAdmin) Anonymize(ctx context.Context, id, actorID string) error {
	if m.AnonymizeFunc != nil {
		return m.AnonymizeFunc(ctx, id, actorID)
	}
	return nil
}
