package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/captcha"
	"github.com/mklatt/bastion/internal/config"
	"github.com/mklatt/bastion/internal/models"
)

func testApprovalConfig() config.ApprovalConfig {
	return config.ApprovalConfig{
		TokenExpiry:    30 * time.Minute,
		MaxAttempts:    3,
		ResendCooldown: 60 * time.Second,
		BaseURL:        "https://auth.example.com",
	}
}

type approvalFixture struct {
	workflow   *DeviceApprovalWorkflow
	devices    *MockDeviceRepository
	principals *MockPrincipalRepository
	tokens     *MockRefreshTokenRepository
	notifier   *MockNotifier
	auditor    *RecordingAuditor
}

func newApprovalFixture(t *testing.T) *approvalFixture {
	t.Helper()
	f := &approvalFixture{
		devices:    &MockDeviceRepository{},
		principals: &MockPrincipalRepository{},
		tokens:     &MockRefreshTokenRepository{},
		notifier:   &MockNotifier{},
		auditor:    &RecordingAuditor{},
	}
	f.workflow = NewDeviceApprovalWorkflow(
		f.devices, f.principals, f.tokens,
		captcha.NoopVerifier{}, f.notifier, f.auditor,
		testResolver(), testApprovalConfig(), testLogger(),
	)
	return f
}

func pendingDevice(attempts int, expiresAt time.Time) *models.Device {
	tokenHash := auth.HashToken("mailed-token")
	codeHash := auth.HashToken("AAAA-2222")
	return &models.Device{
		ID:                "device-row-1",
		PrincipalID:       "principal-1",
		DeviceID:          "client-dev-1",
		Fingerprint:       "fp-1",
		Status:            models.DeviceStatusPendingApproval,
		RiskScore:         45,
		RiskFactors:       []string{models.RiskFactorNewDevice},
		ApprovalTokenHash: &tokenHash,
		ApprovalCodeHash:  &codeHash,
		ApprovalAttempts:  attempts,
		ApprovalExpiresAt: &expiresAt,
		UpdatedAt:         time.Now().Add(-5 * time.Minute),
	}
}

func TestDeviceApprovalWorkflow_OpenStoresOnlyHashes(t *testing.T) {
	f := newApprovalFixture(t)

	var created *models.Device
	f.devices.CreateFunc = func(ctx context.Context, d *models.Device) (*models.Device, error) {
		created = d
		return d, nil
	}

	p := &models.Principal{ID: "principal-1", Email: "ops@example.com", Language: "en"}
	verdict := &models.TrustVerdict{Risk: models.RiskAssessment{Score: 55, Factors: []string{models.RiskFactorNewDevice}}}

	approval, err := f.workflow.Open(context.Background(), p, verdict, DeviceSignals{
		DeviceID:    "client-dev-1",
		Fingerprint: "fp-1",
		IP:          "82.0.0.1",
		UserAgent:   chromeOnMacUA,
	})
	require.NoError(t, err)

	require.NotNil(t, created)
	assert.Equal(t, models.DeviceStatusPendingApproval, created.Status)
	assert.Equal(t, 55, created.RiskScore)
	require.NotNil(t, created.ApprovalTokenHash)
	require.NotNil(t, created.ApprovalCodeHash)

	// The plaintext secrets appear only in the email, and the stored values
	// are their hashes.
	require.Len(t, f.notifier.ApprovalNotices, 1)
	notice := f.notifier.ApprovalNotices[0]
	assert.Equal(t, *created.ApprovalCodeHash, auth.HashToken(notice.Code))
	assert.NotContains(t, notice.ApproveLink, *created.ApprovalTokenHash)

	// The caller-facing response carries the reference and risk, no secrets.
	assert.Equal(t, created.ID, approval.DeviceID)
	assert.Equal(t, 55, approval.RiskScore)

	assert.Contains(t, f.auditor.Actions(), models.AuditActionDevicePending)
}

func TestDeviceApprovalWorkflow_NotifierFailureDoesNotRollBack(t *testing.T) {
	f := newApprovalFixture(t)
	f.notifier.SendDeviceApprovalNoticeFunc = func(ctx context.Context, n DeviceApprovalNotice) error {
		return errors.New("ses unavailable")
	}

	p := &models.Principal{ID: "principal-1", Email: "ops@example.com"}
	verdict := &models.TrustVerdict{Risk: models.RiskAssessment{Score: 30}}

	approval, err := f.workflow.Open(context.Background(), p, verdict, DeviceSignals{
		DeviceID: "client-dev-1", Fingerprint: "fp-1", IP: "82.0.0.1", UserAgent: chromeOnMacUA,
	})
	require.NoError(t, err, "pending state stands even when the email fails")
	assert.NotEmpty(t, approval.DeviceID)
}

func TestDeviceApprovalWorkflow_ApproveByCode(t *testing.T) {
	f := newApprovalFixture(t)
	d := pendingDevice(0, time.Now().Add(20*time.Minute))

	var promoted *models.Device
	f.devices.GetByIDFunc = func(ctx context.Context, id string) (*models.Device, error) { return d, nil }
	f.devices.PromoteFunc = func(ctx context.Context, dev *models.Device) error {
		promoted = dev
		return nil
	}

	approved, err := f.workflow.ApproveByCode(context.Background(), d.ID, "AAAA-2222", "82.0.0.1", chromeOnMacUA)
	require.NoError(t, err)

	assert.Equal(t, models.DeviceStatusTrusted, approved.Status)
	require.NotNil(t, promoted)
	assert.Nil(t, promoted.ApprovalTokenHash, "credentials cleared on leaving pending state")
	assert.Nil(t, promoted.ApprovalCodeHash)
	assert.Contains(t, f.auditor.Actions(), models.AuditActionDeviceApproved)
}

func TestDeviceApprovalWorkflow_ApproveRetiresOldTrustedRow(t *testing.T) {
	f := newApprovalFixture(t)
	// The client identifier already holds a trusted row under an earlier
	// fingerprint; this pending row is the re-fingerprinted copy. Flipping
	// it to trusted with a plain update would collide with the old row on
	// the one-trusted-row-per-device constraint.
	d := pendingDevice(0, time.Now().Add(20*time.Minute))
	d.Fingerprint = "fp-2"

	var promoted *models.Device
	f.devices.GetByIDFunc = func(ctx context.Context, id string) (*models.Device, error) { return d, nil }
	f.devices.PromoteFunc = func(ctx context.Context, dev *models.Device) error {
		promoted = dev
		return nil
	}
	f.devices.UpdateFunc = func(ctx context.Context, dev *models.Device) error {
		t.Error("approval must go through the superseding promotion, not an in-place update")
		return nil
	}

	approved, err := f.workflow.ApproveByCode(context.Background(), d.ID, "AAAA-2222", "82.0.0.1", chromeOnMacUA)
	require.NoError(t, err)

	assert.Equal(t, models.DeviceStatusTrusted, approved.Status)
	require.NotNil(t, promoted)
	assert.Equal(t, d.DeviceID, promoted.DeviceID)
	assert.Equal(t, "fp-2", promoted.Fingerprint)
}

func TestDeviceApprovalWorkflow_TrustDirectlyPromotesKnownRow(t *testing.T) {
	f := newApprovalFixture(t)
	prior := pendingDevice(0, time.Now().Add(20*time.Minute))

	var promoted *models.Device
	f.devices.PromoteFunc = func(ctx context.Context, dev *models.Device) error {
		promoted = dev
		return nil
	}
	f.devices.UpdateFunc = func(ctx context.Context, dev *models.Device) error {
		t.Error("direct trust of a known row must go through the superseding promotion")
		return nil
	}

	p := &models.Principal{ID: "principal-1", Email: "ops@example.com"}
	verdict := &models.TrustVerdict{Device: prior, Risk: models.RiskAssessment{Score: 10}}

	trusted, err := f.workflow.TrustDirectly(context.Background(), p, verdict, DeviceSignals{
		DeviceID: "client-dev-1", Fingerprint: "fp-1", IP: "82.0.0.1", UserAgent: chromeOnMacUA,
	})
	require.NoError(t, err)

	assert.Equal(t, models.DeviceStatusTrusted, trusted.Status)
	require.NotNil(t, promoted)
	assert.Equal(t, prior.ID, promoted.ID)
}

func TestDeviceApprovalWorkflow_TrustDirectlyInsertsThroughSupersedingCreate(t *testing.T) {
	f := newApprovalFixture(t)

	var inserted *models.Device
	f.devices.CreateTrustedFunc = func(ctx context.Context, dev *models.Device) (*models.Device, error) {
		inserted = dev
		return dev, nil
	}
	f.devices.CreateFunc = func(ctx context.Context, dev *models.Device) (*models.Device, error) {
		t.Error("direct trust of an unknown row must go through the superseding insert")
		return dev, nil
	}

	p := &models.Principal{ID: "principal-1", Email: "ops@example.com"}
	verdict := &models.TrustVerdict{Risk: models.RiskAssessment{Score: 10}}

	trusted, err := f.workflow.TrustDirectly(context.Background(), p, verdict, DeviceSignals{
		DeviceID: "client-dev-1", Fingerprint: "fp-2", IP: "82.0.0.1", UserAgent: chromeOnMacUA,
	})
	require.NoError(t, err)

	assert.Equal(t, models.DeviceStatusTrusted, trusted.Status)
	require.NotNil(t, inserted)
	assert.Equal(t, "fp-2", inserted.Fingerprint)
}

func TestDeviceApprovalWorkflow_WrongCodeBurnsAttempt(t *testing.T) {
	f := newApprovalFixture(t)
	d := pendingDevice(0, time.Now().Add(20*time.Minute))

	var updated *models.Device
	f.devices.GetByIDFunc = func(ctx context.Context, id string) (*models.Device, error) { return d, nil }
	f.devices.UpdateFunc = func(ctx context.Context, dev *models.Device) error {
		updated = dev
		return nil
	}

	_, err := f.workflow.ApproveByCode(context.Background(), d.ID, "ZZZZ-9999", "82.0.0.1", chromeOnMacUA)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeApprovalCodeInvalid, authErr.Code)
	require.NotNil(t, authErr.RemainingAttempts)
	assert.Equal(t, 2, *authErr.RemainingAttempts)
	require.NotNil(t, updated)
	assert.Equal(t, 1, updated.ApprovalAttempts)
}

func TestDeviceApprovalWorkflow_ExhaustedBudgetRejectsCorrectCode(t *testing.T) {
	f := newApprovalFixture(t)
	d := pendingDevice(3, time.Now().Add(20*time.Minute))
	f.devices.GetByIDFunc = func(ctx context.Context, id string) (*models.Device, error) { return d, nil }

	_, err := f.workflow.ApproveByCode(context.Background(), d.ID, "AAAA-2222", "82.0.0.1", chromeOnMacUA)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeApprovalMaxAttempts, authErr.Code)
}

func TestDeviceApprovalWorkflow_ExpiredApprovalRejected(t *testing.T) {
	f := newApprovalFixture(t)
	d := pendingDevice(0, time.Now().Add(-time.Minute))
	f.devices.GetByIDFunc = func(ctx context.Context, id string) (*models.Device, error) { return d, nil }

	_, err := f.workflow.ApproveByCode(context.Background(), d.ID, "AAAA-2222", "82.0.0.1", chromeOnMacUA)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeApprovalExpired, authErr.Code)
}

func TestDeviceApprovalWorkflow_ApproveByLink(t *testing.T) {
	f := newApprovalFixture(t)
	d := pendingDevice(0, time.Now().Add(20*time.Minute))

	f.devices.GetByApprovalTokenHashFunc = func(ctx context.Context, tokenHash string) (*models.Device, error) {
		if tokenHash == auth.HashToken("mailed-token") {
			return d, nil
		}
		return nil, models.ErrNotFound
	}
	f.devices.PromoteFunc = func(ctx context.Context, dev *models.Device) error { return nil }

	approved, err := f.workflow.ApproveByLink(context.Background(), "mailed-token", "82.0.0.1", chromeOnMacUA)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceStatusTrusted, approved.Status)

	_, err = f.workflow.ApproveByLink(context.Background(), "forged-token", "82.0.0.1", chromeOnMacUA)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeApprovalInvalid, authErr.Code)
}

func TestDeviceApprovalWorkflow_DenyRevokesDeviceAndTokens(t *testing.T) {
	f := newApprovalFixture(t)
	d := pendingDevice(0, time.Now().Add(20*time.Minute))

	var revokedDeviceID string
	f.devices.GetByApprovalTokenHashFunc = func(ctx context.Context, tokenHash string) (*models.Device, error) { return d, nil }
	f.devices.UpdateFunc = func(ctx context.Context, dev *models.Device) error { return nil }
	f.tokens.RevokeForDeviceFunc = func(ctx context.Context, deviceID string) ([]string, error) {
		revokedDeviceID = deviceID
		return []string{"session-1"}, nil
	}

	denied, err := f.workflow.Deny(context.Background(), "mailed-token", "82.0.0.1", chromeOnMacUA)
	require.NoError(t, err)

	assert.Equal(t, models.DeviceStatusRevoked, denied.Status)
	assert.Nil(t, denied.ApprovalTokenHash)
	assert.Equal(t, d.ID, revokedDeviceID)
	assert.Contains(t, f.auditor.Actions(), models.AuditActionDeviceDenied)
}

func TestDeviceApprovalWorkflow_ResendDuringCooldown(t *testing.T) {
	f := newApprovalFixture(t)
	d := pendingDevice(2, time.Now().Add(20*time.Minute))
	d.UpdatedAt = time.Now().Add(-10 * time.Second)

	f.devices.GetByIDFunc = func(ctx context.Context, id string) (*models.Device, error) { return d, nil }
	// The conditional update misses its guard while the cooldown runs.
	f.devices.RotateFunc = func(ctx context.Context, id, tokenHash, codeHash string, expiresAt time.Time, cooldown time.Duration) (*models.Device, error) {
		return nil, models.ErrNotFound
	}

	_, err := f.workflow.Resend(context.Background(), d.ID, "", "82.0.0.1")
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeResendCooldownActive, authErr.Code)
	require.NotNil(t, authErr.RetryAfterSeconds)
	assert.Greater(t, *authErr.RetryAfterSeconds, 0)
	assert.LessOrEqual(t, *authErr.RetryAfterSeconds, 60)
	assert.Empty(t, f.notifier.ApprovalNotices, "no email during cooldown")
}

func TestDeviceApprovalWorkflow_ResendRotatesSecrets(t *testing.T) {
	f := newApprovalFixture(t)
	d := pendingDevice(2, time.Now().Add(5*time.Minute))
	d.UpdatedAt = time.Now().Add(-2 * time.Minute)

	f.devices.GetByIDFunc = func(ctx context.Context, id string) (*models.Device, error) { return d, nil }
	f.devices.RotateFunc = func(ctx context.Context, id, tokenHash, codeHash string, expiresAt time.Time, cooldown time.Duration) (*models.Device, error) {
		rotated := *d
		rotated.ApprovalTokenHash = &tokenHash
		rotated.ApprovalCodeHash = &codeHash
		rotated.ApprovalAttempts = 0
		rotated.ApprovalExpiresAt = &expiresAt
		return &rotated, nil
	}
	f.principals.GetByIDFunc = func(ctx context.Context, id string) (*models.Principal, error) {
		return &models.Principal{ID: id, Email: "ops@example.com", Language: "en"}, nil
	}

	approval, err := f.workflow.Resend(context.Background(), d.ID, "", "82.0.0.1")
	require.NoError(t, err)

	// Risk assessment carried over; attempt budget reset by the rotation.
	assert.Equal(t, d.RiskScore, approval.RiskScore)
	require.Len(t, f.notifier.ApprovalNotices, 1)
	assert.NotEqual(t, "AAAA-2222", f.notifier.ApprovalNotices[0].Code, "old code is invalidated")
	assert.Contains(t, f.auditor.Actions(), models.AuditActionDeviceResend)
}

func TestDeviceApprovalWorkflow_ResendRejectsNonPendingDevice(t *testing.T) {
	f := newApprovalFixture(t)
	d := pendingDevice(0, time.Now().Add(5*time.Minute))
	d.Status = models.DeviceStatusTrusted

	f.devices.GetByIDFunc = func(ctx context.Context, id string) (*models.Device, error) { return d, nil }

	_, err := f.workflow.Resend(context.Background(), d.ID, "", "82.0.0.1")
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeApprovalInvalid, authErr.Code)
}
