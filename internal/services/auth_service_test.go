package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/models"
	pkgauth "github.com/mklatt/bastion/pkg/auth"
)

type orchestratorFixture struct {
	orchestrator *AuthOrchestrator
	principals   *MockPrincipalRepository
	lockout      *MockLockoutPolicy
	mfa          *MockMFAPolicy
	trust        *MockTrustEvaluator
	approval     *MockApprovalWorkflow
	issuer       *MockSessionIssuer
	reauth       *MockReauthCoordinator
	notifier     *MockNotifier
	auditor      *RecordingAuditor
	tm           *auth.TokenManager
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		principals: &MockPrincipalRepository{},
		lockout:    &MockLockoutPolicy{},
		mfa:        &MockMFAPolicy{},
		trust:      &MockTrustEvaluator{},
		approval:   &MockApprovalWorkflow{},
		issuer:     &MockSessionIssuer{},
		reauth:     &MockReauthCoordinator{},
		notifier:   &MockNotifier{},
		auditor:    &RecordingAuditor{},
	}
	f.tm = auth.NewTokenManager(auth.TokenManagerConfig{
		Secret:             "test-secret-key-that-is-long-enough",
		AccessTokenExpiry:  15 * time.Minute,
		RefreshTokenExpiry: 24 * time.Hour,
		RememberMeExpiry:   720 * time.Hour,
		MFAChallengeExpiry: 5 * time.Minute,
		MFASetupExpiry:     15 * time.Minute,
		MagicLinkExpiry:    15 * time.Minute,
	})

	f.orchestrator = NewAuthOrchestrator(AuthOrchestratorDeps{
		Principals:      f.principals,
		Lockout:         f.lockout,
		MFA:             f.mfa,
		Trust:           f.trust,
		Approval:        f.approval,
		Issuer:          f.issuer,
		Reauth:          f.reauth,
		Passkeys:        DisabledPasskeyVerifier{},
		TokenManager:    f.tm,
		Notifier:        f.notifier,
		Auditor:         f.auditor,
		Timing:          auth.NewTimingDelay(auth.TimingConfig{BaseDelayMs: 1, RandomDelayMs: 1}),
		MagicLinkExpiry: 15 * time.Minute,
		Logger:          testLogger(),
	})
	return f
}

func activePrincipal(t *testing.T, password string) *models.Principal {
	t.Helper()
	hash, err := pkgauth.HashPassword(password)
	require.NoError(t, err)
	return &models.Principal{
		ID:           "principal-1",
		Email:        "ops@example.com",
		PasswordHash: hash,
		UserType:     models.UserTypeSystem,
		Active:       true,
	}
}

func testSignals() DeviceSignals {
	return DeviceSignals{
		DeviceID:    "client-dev-1",
		Fingerprint: "fp-1",
		IP:          "82.0.0.1",
		UserAgent:   chromeOnMacUA,
	}
}

func TestAuthOrchestrator_PasswordLoginTrustedDevice(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")
	f.principals.GetByEmailFunc = func(ctx context.Context, email string) (*models.Principal, error) {
		assert.Equal(t, "ops@example.com", email)
		return p, nil
	}

	flagCleared := false
	f.reauth.ClearFlagFunc = func(ctx context.Context, principalID string) error {
		flagCleared = true
		return nil
	}

	result, err := f.orchestrator.PasswordLogin(context.Background(), " Ops@Example.com ", "Str0ng!Passw0rd", testSignals(), false)
	require.NoError(t, err)

	assert.Equal(t, models.LoginStatusSession, result.Status)
	require.NotNil(t, result.Session)
	assert.Nil(t, result.MFAChallenge)
	assert.Nil(t, result.DeviceApproval)
	assert.True(t, flagCleared, "standing reauth flag lifted on fresh login")
	assert.Contains(t, f.auditor.Actions(), models.AuditActionLoginSucceeded)
}

func TestAuthOrchestrator_UnknownEmailBurnsAttempt(t *testing.T) {
	f := newOrchestratorFixture(t)

	var recordedEmail string
	var recordedPrincipal *models.Principal
	f.lockout.RecordFailureFunc = func(ctx context.Context, email string, p *models.Principal, ip, ua string) (LockoutState, error) {
		recordedEmail = email
		recordedPrincipal = p
		return LockoutState{Attempts: 1}, nil
	}

	_, err := f.orchestrator.PasswordLogin(context.Background(), "ghost@example.com", "whatever", testSignals(), false)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeInvalidCredentials, authErr.Code)
	assert.Equal(t, "ghost@example.com", recordedEmail)
	assert.Nil(t, recordedPrincipal, "counter applies even without an account")
}

func TestAuthOrchestrator_WrongPasswordLocksAtThreshold(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")
	f.principals.GetByEmailFunc = func(ctx context.Context, email string) (*models.Principal, error) { return p, nil }

	lockedUntil := time.Now().Add(15 * time.Minute)
	f.lockout.RecordFailureFunc = func(ctx context.Context, email string, p *models.Principal, ip, ua string) (LockoutState, error) {
		return LockoutState{Attempts: 5, Locked: true, LockedUntil: lockedUntil, Notify: true}, nil
	}

	_, err := f.orchestrator.PasswordLogin(context.Background(), "ops@example.com", "wrong", testSignals(), false)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeAccountLocked, authErr.Code)
	require.NotNil(t, authErr.LockedUntil)
	assert.WithinDuration(t, lockedUntil, *authErr.LockedUntil, time.Second)

	assert.Equal(t, []string{"ops@example.com"}, f.notifier.LockoutNotices, "owner notified about the lock")
}

func TestAuthOrchestrator_BlockedEmailRejectedBeforeCredentials(t *testing.T) {
	f := newOrchestratorFixture(t)

	until := time.Now().Add(10 * time.Minute)
	f.lockout.BlockedFunc = func(ctx context.Context, email string) (*time.Time, error) { return &until, nil }

	lookupCalled := false
	f.principals.GetByEmailFunc = func(ctx context.Context, email string) (*models.Principal, error) {
		lookupCalled = true
		return nil, models.ErrNotFound
	}

	_, err := f.orchestrator.PasswordLogin(context.Background(), "ops@example.com", "Str0ng!Passw0rd", testSignals(), false)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeAccountLocked, authErr.Code)
	assert.False(t, lookupCalled, "no credential work for a locked-out email")
}

func TestAuthOrchestrator_InactiveAccountRejected(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")
	p.Active = false
	f.principals.GetByEmailFunc = func(ctx context.Context, email string) (*models.Principal, error) { return p, nil }

	_, err := f.orchestrator.PasswordLogin(context.Background(), "ops@example.com", "Str0ng!Passw0rd", testSignals(), false)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeAccountInactive, authErr.Code)
}

func TestAuthOrchestrator_WrongPasswordOnInactiveAccountStaysGeneric(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")
	p.Active = false
	f.principals.GetByEmailFunc = func(ctx context.Context, email string) (*models.Principal, error) { return p, nil }

	attemptBurned := false
	f.lockout.RecordFailureFunc = func(ctx context.Context, email string, p *models.Principal, ip, ua string) (LockoutState, error) {
		attemptBurned = true
		return LockoutState{Attempts: 1}, nil
	}

	// Account state is disclosed only to a caller holding the password.
	// A guessed email plus any password must look like bad credentials,
	// not reveal that the account is disabled.
	_, err := f.orchestrator.PasswordLogin(context.Background(), "ops@example.com", "wrong-password", testSignals(), false)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeInvalidCredentials, authErr.Code)
	assert.True(t, attemptBurned, "failed guess against an inactive account still counts toward lockout")
}

func TestAuthOrchestrator_MFAGateInterruptsLogin(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")
	p.MFAEnabled = true
	f.principals.GetByEmailFunc = func(ctx context.Context, email string) (*models.Principal, error) { return p, nil }

	f.mfa.EvaluateFunc = func(ctx context.Context, p *models.Principal, permissions []string, strongAuth bool) (*models.LoginResult, error) {
		return &models.LoginResult{
			Status:       models.LoginStatusMFARequired,
			MFAChallenge: &models.MFAChallenge{ChallengeToken: "challenge"},
		}, nil
	}

	issued := false
	f.issuer.IssueFunc = func(ctx context.Context, p *models.Principal, permissions []string, deviceRowID *string, rememberMe bool) (*models.Session, error) {
		issued = true
		return nil, models.ErrInternalServer
	}

	result, err := f.orchestrator.PasswordLogin(context.Background(), "ops@example.com", "Str0ng!Passw0rd", testSignals(), false)
	require.NoError(t, err)
	assert.Equal(t, models.LoginStatusMFARequired, result.Status)
	assert.False(t, issued, "no tokens before the challenge resolves")
}

func TestAuthOrchestrator_UntrustedDeviceOpensApproval(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")
	f.principals.GetByEmailFunc = func(ctx context.Context, email string) (*models.Principal, error) { return p, nil }

	f.trust.EvaluateFunc = func(ctx context.Context, p *models.Principal, signals DeviceSignals) (*models.TrustVerdict, error) {
		return &models.TrustVerdict{Risk: models.RiskAssessment{Score: 40, Factors: []string{models.RiskFactorNewDevice}}}, nil
	}
	f.approval.OpenFunc = func(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals) (*models.DeviceApproval, error) {
		return &models.DeviceApproval{DeviceID: "device-row-1", RiskScore: verdict.Risk.Score, RiskFactors: verdict.Risk.Factors}, nil
	}

	issued := false
	f.issuer.IssueFunc = func(ctx context.Context, p *models.Principal, permissions []string, deviceRowID *string, rememberMe bool) (*models.Session, error) {
		issued = true
		return nil, models.ErrInternalServer
	}

	result, err := f.orchestrator.PasswordLogin(context.Background(), "ops@example.com", "Str0ng!Passw0rd", testSignals(), false)
	require.NoError(t, err)

	assert.Equal(t, models.LoginStatusApprovalRequired, result.Status)
	require.NotNil(t, result.DeviceApproval)
	assert.Equal(t, 40, result.DeviceApproval.RiskScore)
	assert.Nil(t, result.Session)
	assert.False(t, issued, "no tokens until the device is approved")
}

func TestAuthOrchestrator_VerifyMfaContinuesPipeline(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")

	f.mfa.VerifyChallengeFunc = func(ctx context.Context, token, code string) (*models.Principal, error) {
		return p, nil
	}

	result, err := f.orchestrator.VerifyMfa(context.Background(), "challenge-token", "123456", testSignals(), false)
	require.NoError(t, err)
	assert.Equal(t, models.LoginStatusSession, result.Status)
	require.NotNil(t, result.Session)
}

func TestAuthOrchestrator_VerifyMfaUntrustedDeviceStillNeedsApproval(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")

	f.mfa.VerifyChallengeFunc = func(ctx context.Context, token, code string) (*models.Principal, error) {
		return p, nil
	}
	f.trust.EvaluateFunc = func(ctx context.Context, p *models.Principal, signals DeviceSignals) (*models.TrustVerdict, error) {
		return &models.TrustVerdict{Risk: models.RiskAssessment{Score: 60}}, nil
	}

	result, err := f.orchestrator.VerifyMfa(context.Background(), "challenge-token", "123456", testSignals(), false)
	require.NoError(t, err)
	assert.Equal(t, models.LoginStatusApprovalRequired, result.Status)
}

func TestAuthOrchestrator_MagicLinkLogin(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")
	f.principals.GetByIDFunc = func(ctx context.Context, id string) (*models.Principal, error) { return p, nil }

	token, err := f.tm.GenerateMagicLinkToken(p.ID, p.Email)
	require.NoError(t, err)

	result, err := f.orchestrator.MagicLinkLogin(context.Background(), token, testSignals(), false)
	require.NoError(t, err)
	assert.Equal(t, models.LoginStatusSession, result.Status)
}

func TestAuthOrchestrator_MagicLinkRejectsWrongTokenType(t *testing.T) {
	f := newOrchestratorFixture(t)

	// A challenge token must not work as a magic link.
	challenge, err := f.tm.GenerateMFAChallengeToken("principal-1")
	require.NoError(t, err)

	_, err = f.orchestrator.MagicLinkLogin(context.Background(), challenge, testSignals(), false)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeInvalidCredentials, authErr.Code)
}

func TestAuthOrchestrator_SendMagicLinkHidesAccountExistence(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")
	f.principals.GetByEmailFunc = func(ctx context.Context, email string) (*models.Principal, error) {
		if email == p.Email {
			return p, nil
		}
		return nil, models.ErrNotFound
	}

	require.NoError(t, f.orchestrator.SendMagicLink(context.Background(), "ops@example.com"))
	require.NoError(t, f.orchestrator.SendMagicLink(context.Background(), "ghost@example.com"))

	assert.Len(t, f.notifier.MagicLinks, 1, "only the real account gets mail; both calls succeed")
}

func TestAuthOrchestrator_PasskeyTrustsDeviceDirectly(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")
	p.MFAEnabled = true
	f.principals.GetByIDFunc = func(ctx context.Context, id string) (*models.Principal, error) { return p, nil }

	verifier := &staticPasskeyVerifier{principalID: p.ID}
	f.orchestrator.passkeys = verifier

	var evaluatedStrong bool
	f.mfa.EvaluateFunc = func(ctx context.Context, p *models.Principal, permissions []string, strongAuth bool) (*models.LoginResult, error) {
		evaluatedStrong = strongAuth
		return nil, nil
	}
	f.trust.EvaluateFunc = func(ctx context.Context, p *models.Principal, signals DeviceSignals) (*models.TrustVerdict, error) {
		return &models.TrustVerdict{Risk: models.RiskAssessment{Score: 30}}, nil
	}

	trustedDirectly := false
	f.approval.TrustDirectlyFunc = func(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals) (*models.Device, error) {
		trustedDirectly = true
		return &models.Device{ID: "device-row-1", Status: models.DeviceStatusTrusted}, nil
	}

	result, err := f.orchestrator.PasskeyLogin(context.Background(), "cred-1", []byte("assertion"), testSignals(), false)
	require.NoError(t, err)

	assert.Equal(t, models.LoginStatusSession, result.Status)
	assert.True(t, evaluatedStrong, "gate sees the hardware assertion")
	assert.True(t, trustedDirectly, "assertion device skips the email exchange")
}

func TestAuthOrchestrator_ApproveDeviceByCodeCompletesLogin(t *testing.T) {
	f := newOrchestratorFixture(t)
	p := activePrincipal(t, "Str0ng!Passw0rd")
	f.principals.GetByIDFunc = func(ctx context.Context, id string) (*models.Principal, error) { return p, nil }

	f.approval.ApproveByCodeFunc = func(ctx context.Context, deviceID, code, ip, ua string) (*models.Device, error) {
		return &models.Device{ID: deviceID, PrincipalID: p.ID, Status: models.DeviceStatusTrusted}, nil
	}

	result, err := f.orchestrator.ApproveDeviceByCode(context.Background(), "device-row-1", "AAAA-2222", testSignals(), false)
	require.NoError(t, err)
	assert.Equal(t, models.LoginStatusSession, result.Status)
	require.NotNil(t, result.Session)
}

func TestAuthOrchestrator_ApprovalErrorPassesThrough(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.approval.ApproveByCodeFunc = func(ctx context.Context, deviceID, code, ip, ua string) (*models.Device, error) {
		return nil, models.NewApprovalCodeInvalid(1)
	}

	_, err := f.orchestrator.ApproveDeviceByCode(context.Background(), "device-row-1", "WRONG-000", testSignals(), false)
	authErr, ok := models.AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, models.CodeApprovalCodeInvalid, authErr.Code)
	require.NotNil(t, authErr.RemainingAttempts)
	assert.Equal(t, 1, *authErr.RemainingAttempts)
}

type staticPasskeyVerifier struct {
	principalID string
}

func (v *staticPasskeyVerifier) VerifyAssertion(ctx context.Context, credentialID string, assertion []byte) (string, error) {
	return v.principalID, nil
}
