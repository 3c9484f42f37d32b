package services

import (
	"context"
	"sync"
	"time"

	"github.com/mklatt/bastion/internal/cache"
	"github.com/mklatt/bastion/internal/models"
)

// MockPrincipalRepository implements PrincipalRepository for testing
type MockPrincipalRepository struct {
	GetByIDFunc            func(ctx context.Context, id string) (*models.Principal, error)
	GetByEmailFunc         func(ctx context.Context, email string) (*models.Principal, error)
	CreateFunc             func(ctx context.Context, p *models.Principal) (*models.Principal, error)
	RecordFailedLoginFunc  func(ctx context.Context, id string, attempts int, lockedUntil *time.Time) error
	ResetFailedLoginFunc   func(ctx context.Context, id string) error
	EnableMFAFunc          func(ctx context.Context, id string, encryptedSecret, nonce []byte, backupCodes []models.BackupCodeEntry) error
	MarkBackupCodeUsedFunc func(ctx context.Context, id string, backupCodes []models.BackupCodeEntry) error
	SetActiveFunc          func(ctx context.Context, id string, active bool) error
	GetPermissionsFunc     func(ctx context.Context, id string) ([]string, error)
	ReplacePermissionsFunc func(ctx context.Context, id string, permissions []string) error
	AnonymizeFunc          func(ctx context.Context, id string) error
}

func (m *MockPrincipalRepository) GetByID(ctx context.Context, id string) (*models.Principal, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockPrincipalRepository) GetByEmail(ctx context.Context, email string) (*models.Principal, error) {
	if m.GetByEmailFunc != nil {
		return m.GetByEmailFunc(ctx, email)
	}
	return nil, models.ErrNotFound
}

func (m *MockPrincipalRepository) Create(ctx context.Context, p *models.Principal) (*models.Principal, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, p)
	}
	return p, nil
}

func (m *MockPrincipalRepository) RecordFailedLogin(ctx context.Context, id string, attempts int, lockedUntil *time.Time) error {
	if m.RecordFailedLoginFunc != nil {
		return m.RecordFailedLoginFunc(ctx, id, attempts, lockedUntil)
	}
	return nil
}

func (m *MockPrincipalRepository) ResetFailedLogin(ctx context.Context, id string) error {
	if m.ResetFailedLoginFunc != nil {
		return m.ResetFailedLoginFunc(ctx, id)
	}
	return nil
}

func (m *MockPrincipalRepository) EnableMFA(ctx context.Context, id string, encryptedSecret, nonce []byte, backupCodes []models.BackupCodeEntry) error {
	if m.EnableMFAFunc != nil {
		return m.EnableMFAFunc(ctx, id, encryptedSecret, nonce, backupCodes)
	}
	return nil
}

func (m *MockPrincipalRepository) MarkBackupCodeUsed(ctx context.Context, id string, backupCodes []models.BackupCodeEntry) error {
	if m.MarkBackupCodeUsedFunc != nil {
		return m.MarkBackupCodeUsedFunc(ctx, id, backupCodes)
	}
	return nil
}

func (m *MockPrincipalRepository) SetActive(ctx context.Context, id string, active bool) error {
	if m.SetActiveFunc != nil {
		return m.SetActiveFunc(ctx, id, active)
	}
	return nil
}

func (m *MockPrincipalRepository) GetPermissions(ctx context.Context, id string) ([]string, error) {
	if m.GetPermissionsFunc != nil {
		return m.GetPermissionsFunc(ctx, id)
	}
	return []string{}, nil
}

func (m *MockPrincipalRepository) ReplacePermissions(ctx context.Context, id string, permissions []string) error {
	if m.ReplacePermissionsFunc != nil {
		return m.ReplacePermissionsFunc(ctx, id, permissions)
	}
	return nil
}

func (m *MockPrincipalRepository) Anonymize(ctx context.Context, id string) error {
	if m.AnonymizeFunc != nil {
		return m.AnonymizeFunc(ctx, id)
	}
	return nil
}

// MockDeviceRepository implements DeviceRepository for testing
type MockDeviceRepository struct {
	GetByIDFunc                func(ctx context.Context, id string) (*models.Device, error)
	GetTrustedFunc             func(ctx context.Context, principalID, deviceID, fingerprint string) (*models.Device, error)
	GetPendingFunc             func(ctx context.Context, principalID, deviceID string) (*models.Device, error)
	GetByApprovalTokenHashFunc func(ctx context.Context, tokenHash string) (*models.Device, error)
	ListByPrincipalFunc        func(ctx context.Context, principalID string) ([]*models.Device, error)
	CreateFunc                 func(ctx context.Context, d *models.Device) (*models.Device, error)
	CreateTrustedFunc          func(ctx context.Context, d *models.Device) (*models.Device, error)
	UpdateFunc                 func(ctx context.Context, d *models.Device) error
	PromoteFunc                func(ctx context.Context, d *models.Device) error
	RotateFunc                 func(ctx context.Context, id, tokenHash, codeHash string, expiresAt time.Time, cooldown time.Duration) (*models.Device, error)
	RevokeAllForPrincipalFunc  func(ctx context.Context, principalID string) error
}

func (m *MockDeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceRepository) GetTrusted(ctx context.Context, principalID, deviceID, fingerprint string) (*models.Device, error) {
	if m.GetTrustedFunc != nil {
		return m.GetTrustedFunc(ctx, principalID, deviceID, fingerprint)
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceRepository) GetPending(ctx context.Context, principalID, deviceID string) (*models.Device, error) {
	if m.GetPendingFunc != nil {
		return m.GetPendingFunc(ctx, principalID, deviceID)
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceRepository) GetByApprovalTokenHash(ctx context.Context, tokenHash string) (*models.Device, error) {
	if m.GetByApprovalTokenHashFunc != nil {
		return m.GetByApprovalTokenHashFunc(ctx, tokenHash)
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceRepository) ListByPrincipal(ctx context.Context, principalID string) ([]*models.Device, error) {
	if m.ListByPrincipalFunc != nil {
		return m.ListByPrincipalFunc(ctx, principalID)
	}
	return []*models.Device{}, nil
}

func (m *MockDeviceRepository) Create(ctx context.Context, d *models.Device) (*models.Device, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, d)
	}
	return d, nil
}

func (m *MockDeviceRepository) CreateTrusted(ctx context.Context, d *models.Device) (*models.Device, error) {
	if m.CreateTrustedFunc != nil {
		return m.CreateTrustedFunc(ctx, d)
	}
	return d, nil
}

func (m *MockDeviceRepository) Update(ctx context.Context, d *models.Device) error {
	if m.UpdateFunc != nil {
		return m.UpdateFunc(ctx, d)
	}
	return nil
}

func (m *MockDeviceRepository) Promote(ctx context.Context, d *models.Device) error {
	if m.PromoteFunc != nil {
		return m.PromoteFunc(ctx, d)
	}
	return nil
}

func (m *MockDeviceRepository) RotateApprovalSecretsIfCooldownElapsed(ctx context.Context, id, tokenHash, codeHash string, expiresAt time.Time, cooldown time.Duration) (*models.Device, error) {
	if m.RotateFunc != nil {
		return m.RotateFunc(ctx, id, tokenHash, codeHash, expiresAt, cooldown)
	}
	return nil, models.ErrNotFound
}

func (m *MockDeviceRepository) RevokeAllForPrincipal(ctx context.Context, principalID string) error {
	if m.RevokeAllForPrincipalFunc != nil {
		return m.RevokeAllForPrincipalFunc(ctx, principalID)
	}
	return nil
}

// MockRefreshTokenRepository implements RefreshTokenRepository for testing
type MockRefreshTokenRepository struct {
	CreateFunc                func(ctx context.Context, t *models.RefreshToken) (*models.RefreshToken, error)
	GetByTokenHashFunc        func(ctx context.Context, tokenHash string) (*models.RefreshToken, error)
	RevokeFunc                func(ctx context.Context, id string) error
	RevokeAllForPrincipalFunc func(ctx context.Context, principalID string) error
	RevokeForDeviceFunc       func(ctx context.Context, deviceID string) ([]string, error)
	ListActiveSessionIDsFunc  func(ctx context.Context, principalID string) ([]string, error)
}

func (m *MockRefreshTokenRepository) Create(ctx context.Context, t *models.RefreshToken) (*models.RefreshToken, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, t)
	}
	return t, nil
}

func (m *MockRefreshTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	if m.GetByTokenHashFunc != nil {
		return m.GetByTokenHashFunc(ctx, tokenHash)
	}
	return nil, models.ErrNotFound
}

func (m *MockRefreshTokenRepository) Revoke(ctx context.Context, id string) error {
	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, id)
	}
	return nil
}

func (m *MockRefreshTokenRepository) RevokeAllForPrincipal(ctx context.Context, principalID string) error {
	if m.RevokeAllForPrincipalFunc != nil {
		return m.RevokeAllForPrincipalFunc(ctx, principalID)
	}
	return nil
}

func (m *MockRefreshTokenRepository) RevokeForDevice(ctx context.Context, deviceID string) ([]string, error) {
	if m.RevokeForDeviceFunc != nil {
		return m.RevokeForDeviceFunc(ctx, deviceID)
	}
	return nil, nil
}

func (m *MockRefreshTokenRepository) ListActiveSessionIDs(ctx context.Context, principalID string) ([]string, error) {
	if m.ListActiveSessionIDsFunc != nil {
		return m.ListActiveSessionIDsFunc(ctx, principalID)
	}
	return nil, nil
}

// RecordingAuditor implements Auditor and captures every record for
// assertions.
type RecordingAuditor struct {
	mu      sync.Mutex
	Records []AuditRecord
}

func (a *RecordingAuditor) Record(ctx context.Context, rec AuditRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Records = append(a.Records, rec)
}

// Actions returns the recorded action names in order.
func (a *RecordingAuditor) Actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	actions := make([]string, 0, len(a.Records))
	for _, rec := range a.Records {
		actions = append(actions, rec.Action)
	}
	return actions
}

// MockNotifier implements Notifier and records what was sent.
type MockNotifier struct {
	ApprovalNotices []DeviceApprovalNotice
	MagicLinks      []string
	LockoutNotices  []string

	SendDeviceApprovalNoticeFunc func(ctx context.Context, notice DeviceApprovalNotice) error
	SendMagicLinkFunc            func(ctx context.Context, email, language, token string, expiresAt time.Time) error
	SendLockoutNoticeFunc        func(ctx context.Context, email, language string, lockedUntil time.Time, attempts int) error
}

func (m *MockNotifier) SendDeviceApprovalNotice(ctx context.Context, notice DeviceApprovalNotice) error {
	m.ApprovalNotices = append(m.ApprovalNotices, notice)
	if m.SendDeviceApprovalNoticeFunc != nil {
		return m.SendDeviceApprovalNoticeFunc(ctx, notice)
	}
	return nil
}

func (m *MockNotifier) SendMagicLink(ctx context.Context, email, language, token string, expiresAt time.Time) error {
	m.MagicLinks = append(m.MagicLinks, token)
	if m.SendMagicLinkFunc != nil {
		return m.SendMagicLinkFunc(ctx, email, language, token, expiresAt)
	}
	return nil
}

func (m *MockNotifier) SendLockoutNotice(ctx context.Context, email, language string, lockedUntil time.Time, attempts int) error {
	m.LockoutNotices = append(m.LockoutNotices, email)
	if m.SendLockoutNoticeFunc != nil {
		return m.SendLockoutNoticeFunc(ctx, email, language, lockedUntil, attempts)
	}
	return nil
}

// MockLockoutPolicy implements LockoutPolicy for orchestrator tests
type MockLockoutPolicy struct {
	BlockedFunc       func(ctx context.Context, email string) (*time.Time, error)
	RecordFailureFunc func(ctx context.Context, email string, p *models.Principal, ip, userAgent string) (LockoutState, error)
	ResetFunc         func(ctx context.Context, email, principalID string) error
}

func (m *MockLockoutPolicy) Blocked(ctx context.Context, email string) (*time.Time, error) {
	if m.BlockedFunc != nil {
		return m.BlockedFunc(ctx, email)
	}
	return nil, nil
}

func (m *MockLockoutPolicy) RecordFailure(ctx context.Context, email string, p *models.Principal, ip, userAgent string) (LockoutState, error) {
	if m.RecordFailureFunc != nil {
		return m.RecordFailureFunc(ctx, email, p, ip, userAgent)
	}
	return LockoutState{Attempts: 1}, nil
}

func (m *MockLockoutPolicy) Reset(ctx context.Context, email, principalID string) error {
	if m.ResetFunc != nil {
		return m.ResetFunc(ctx, email, principalID)
	}
	return nil
}

// MockMFAPolicy implements MFAPolicy for orchestrator tests
type MockMFAPolicy struct {
	EvaluateFunc        func(ctx context.Context, p *models.Principal, permissions []string, strongAuth bool) (*models.LoginResult, error)
	VerifyChallengeFunc func(ctx context.Context, challengeToken, code string) (*models.Principal, error)
	CompleteSetupFunc   func(ctx context.Context, setupToken, code string) (*models.Principal, error)
}

func (m *MockMFAPolicy) Evaluate(ctx context.Context, p *models.Principal, permissions []string, strongAuth bool) (*models.LoginResult, error) {
	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx, p, permissions, strongAuth)
	}
	return nil, nil
}

func (m *MockMFAPolicy) VerifyChallenge(ctx context.Context, challengeToken, code string) (*models.Principal, error) {
	if m.VerifyChallengeFunc != nil {
		return m.VerifyChallengeFunc(ctx, challengeToken, code)
	}
	return nil, models.NewMFACodeInvalid()
}

func (m *MockMFAPolicy) CompleteSetup(ctx context.Context, setupToken, code string) (*models.Principal, error) {
	if m.CompleteSetupFunc != nil {
		return m.CompleteSetupFunc(ctx, setupToken, code)
	}
	return nil, models.NewMFACodeInvalid()
}

// MockTrustEvaluator implements TrustEvaluator for orchestrator tests
type MockTrustEvaluator struct {
	EvaluateFunc func(ctx context.Context, p *models.Principal, signals DeviceSignals) (*models.TrustVerdict, error)
}

func (m *MockTrustEvaluator) Evaluate(ctx context.Context, p *models.Principal, signals DeviceSignals) (*models.TrustVerdict, error) {
	if m.EvaluateFunc != nil {
		return m.EvaluateFunc(ctx, p, signals)
	}
	return &models.TrustVerdict{Trusted: true, Device: &models.Device{ID: "device-row-1"}}, nil
}

// MockApprovalWorkflow implements ApprovalWorkflow for orchestrator tests
type MockApprovalWorkflow struct {
	OpenFunc          func(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals) (*models.DeviceApproval, error)
	TrustDirectlyFunc func(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals) (*models.Device, error)
	ApproveByCodeFunc func(ctx context.Context, deviceID, code, ip, userAgent string) (*models.Device, error)
	ApproveByLinkFunc func(ctx context.Context, token, ip, userAgent string) (*models.Device, error)
	DenyFunc          func(ctx context.Context, token, ip, userAgent string) (*models.Device, error)
	ResendFunc        func(ctx context.Context, deviceID, captchaToken, ip string) (*models.DeviceApproval, error)
}

func (m *MockApprovalWorkflow) Open(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals) (*models.DeviceApproval, error) {
	if m.OpenFunc != nil {
		return m.OpenFunc(ctx, p, verdict, signals)
	}
	return &models.DeviceApproval{DeviceID: "device-row-1"}, nil
}

func (m *MockApprovalWorkflow) TrustDirectly(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals) (*models.Device, error) {
	if m.TrustDirectlyFunc != nil {
		return m.TrustDirectlyFunc(ctx, p, verdict, signals)
	}
	return &models.Device{ID: "device-row-1", Status: models.DeviceStatusTrusted}, nil
}

func (m *MockApprovalWorkflow) ApproveByCode(ctx context.Context, deviceID, code, ip, userAgent string) (*models.Device, error) {
	if m.ApproveByCodeFunc != nil {
		return m.ApproveByCodeFunc(ctx, deviceID, code, ip, userAgent)
	}
	return nil, models.NewApprovalInvalid()
}

func (m *MockApprovalWorkflow) ApproveByLink(ctx context.Context, token, ip, userAgent string) (*models.Device, error) {
	if m.ApproveByLinkFunc != nil {
		return m.ApproveByLinkFunc(ctx, token, ip, userAgent)
	}
	return nil, models.NewApprovalInvalid()
}

func (m *MockApprovalWorkflow) Deny(ctx context.Context, token, ip, userAgent string) (*models.Device, error) {
	if m.DenyFunc != nil {
		return m.DenyFunc(ctx, token, ip, userAgent)
	}
	return nil, models.NewApprovalInvalid()
}

func (m *MockApprovalWorkflow) Resend(ctx context.Context, deviceID, captchaToken, ip string) (*models.DeviceApproval, error) {
	if m.ResendFunc != nil {
		return m.ResendFunc(ctx, deviceID, captchaToken, ip)
	}
	return nil, models.NewApprovalInvalid()
}

// MockSessionIssuer implements SessionIssuer for orchestrator tests
type MockSessionIssuer struct {
	IssueFunc   func(ctx context.Context, p *models.Principal, permissions []string, deviceRowID *string, rememberMe bool) (*models.Session, error)
	RefreshFunc func(ctx context.Context, rawRefreshToken string) (*models.Session, error)
	LogoutFunc  func(ctx context.Context, rawRefreshToken string) error
}

func (m *MockSessionIssuer) Issue(ctx context.Context, p *models.Principal, permissions []string, deviceRowID *string, rememberMe bool) (*models.Session, error) {
	if m.IssueFunc != nil {
		return m.IssueFunc(ctx, p, permissions, deviceRowID, rememberMe)
	}
	return &models.Session{
		AccessToken:  "access-token",
		RefreshToken: "refresh-token",
		SessionID:    "session-1",
		Principal:    p,
		Permissions:  permissions,
	}, nil
}

func (m *MockSessionIssuer) Refresh(ctx context.Context, rawRefreshToken string) (*models.Session, error) {
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, rawRefreshToken)
	}
	return nil, models.NewInvalidCredentials()
}

func (m *MockSessionIssuer) Logout(ctx context.Context, rawRefreshToken string) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, rawRefreshToken)
	}
	return nil
}

// MockReauthCoordinator implements ReauthCoordinator for tests
type MockReauthCoordinator struct {
	ForceReauthFunc          func(ctx context.Context, principalID, reason string) error
	OnPermissionsChangedFunc func(ctx context.Context, principalID string) error
	ClearFlagFunc            func(ctx context.Context, principalID string) error
	MarkSessionRevokedFunc   func(ctx context.Context, sessionID string) error
	IsReauthRequiredFunc     func(ctx context.Context, principalID, sessionID string) (bool, error)
	IsSessionRevokedFunc     func(ctx context.Context, sessionID string) (bool, error)
	PermissionsFunc          func(ctx context.Context, principalID string) ([]string, error)
}

func (m *MockReauthCoordinator) ForceReauth(ctx context.Context, principalID, reason string) error {
	if m.ForceReauthFunc != nil {
		return m.ForceReauthFunc(ctx, principalID, reason)
	}
	return nil
}

func (m *MockReauthCoordinator) OnPermissionsChanged(ctx context.Context, principalID string) error {
	if m.OnPermissionsChangedFunc != nil {
		return m.OnPermissionsChangedFunc(ctx, principalID)
	}
	return nil
}

func (m *MockReauthCoordinator) ClearFlag(ctx context.Context, principalID string) error {
	if m.ClearFlagFunc != nil {
		return m.ClearFlagFunc(ctx, principalID)
	}
	return nil
}

func (m *MockReauthCoordinator) MarkSessionRevoked(ctx context.Context, sessionID string) error {
	if m.MarkSessionRevokedFunc != nil {
		return m.MarkSessionRevokedFunc(ctx, sessionID)
	}
	return nil
}

func (m *MockReauthCoordinator) IsReauthRequired(ctx context.Context, principalID, sessionID string) (bool, error) {
	if m.IsReauthRequiredFunc != nil {
		return m.IsReauthRequiredFunc(ctx, principalID, sessionID)
	}
	return false, nil
}

func (m *MockReauthCoordinator) IsSessionRevoked(ctx context.Context, sessionID string) (bool, error) {
	if m.IsSessionRevokedFunc != nil {
		return m.IsSessionRevokedFunc(ctx, sessionID)
	}
	return false, nil
}

func (m *MockReauthCoordinator) Permissions(ctx context.Context, principalID string) ([]string, error) {
	if m.PermissionsFunc != nil {
		return m.PermissionsFunc(ctx, principalID)
	}
	return []string{}, nil
}

// MockCache implements cache.Cache in memory with TTL support driven by a
// controllable clock.
type MockCache struct {
	mu    sync.Mutex
	Clock func() time.Time

	entries map[string]mockCacheEntry
}

type mockCacheEntry struct {
	value     string
	counter   int64
	isCounter bool
	expiresAt time.Time
}

func NewMockCache() *MockCache {
	return &MockCache{
		Clock:   time.Now,
		entries: make(map[string]mockCacheEntry),
	}
}

func (c *MockCache) expired(e mockCacheEntry) bool {
	return !e.expiresAt.IsZero() && c.Clock().After(e.expiresAt)
}

func (c *MockCache) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		e = mockCacheEntry{isCounter: true, expiresAt: c.Clock().Add(ttl)}
	}
	e.counter += amount
	c.entries[key] = e
	return e.counter, nil
}

func (c *MockCache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		return "", cache.ErrCacheMiss
	}
	return e.value, nil
}

func (c *MockCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := mockCacheEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = c.Clock().Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

func (c *MockCache) Remove(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

func (c *MockCache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	return ok && !c.expired(e), nil
}
