package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/models"
	pkgauth "github.com/mklatt/bastion/pkg/auth"
)

// PasskeyVerifier checks a hardware-backed assertion and resolves it to a
// principal id. The WebAuthn ceremony itself lives behind this interface;
// the orchestrator only cares that the assertion is bound to a registered
// credential.
type PasskeyVerifier interface {
	VerifyAssertion(ctx context.Context, credentialID string, assertion []byte) (string, error)
}

// DisabledPasskeyVerifier rejects every assertion. Wired when no passkey
// provider is configured.
type DisabledPasskeyVerifier struct{}

func (DisabledPasskeyVerifier) VerifyAssertion(context.Context, string, []byte) (string, error) {
	return "", models.NewInvalidCredentials()
}

// AuthOrchestrator sequences every login flow through the same pipeline:
// lockout gate, credential check, MFA gate, device trust, approval workflow,
// session issuance. The sequencing is identical regardless of whether the
// entry credential was a password, a magic link, or a passkey, and every
// flow resolves to exactly one LoginResult, never a partial state.
type AuthOrchestrator struct {
	principals PrincipalRepository
	lockout    LockoutPolicy
	mfa        MFAPolicy
	trust      TrustEvaluator
	approval   ApprovalWorkflow
	issuer     SessionIssuer
	reauth     ReauthCoordinator
	passkeys   PasskeyVerifier
	tm         *auth.TokenManager
	notifier   Notifier
	auditor    Auditor
	timing     *auth.TimingDelay
	magicLink  time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// AuthOrchestratorDeps bundles the collaborators; the orchestrator holds no
// concrete implementations.
type AuthOrchestratorDeps struct {
	Principals      PrincipalRepository
	Lockout         LockoutPolicy
	MFA             MFAPolicy
	Trust           TrustEvaluator
	Approval        ApprovalWorkflow
	Issuer          SessionIssuer
	Reauth          ReauthCoordinator
	Passkeys        PasskeyVerifier
	TokenManager    *auth.TokenManager
	Notifier        Notifier
	Auditor         Auditor
	Timing          *auth.TimingDelay
	MagicLinkExpiry time.Duration
	Logger          *slog.Logger
}

// NewAuthOrchestrator creates a new AuthOrchestrator
func NewAuthOrchestrator(deps AuthOrchestratorDeps) *AuthOrchestrator {
	return &AuthOrchestrator{
		principals: deps.Principals,
		lockout:    deps.Lockout,
		mfa:        deps.MFA,
		trust:      deps.Trust,
		approval:   deps.Approval,
		issuer:     deps.Issuer,
		reauth:     deps.Reauth,
		passkeys:   deps.Passkeys,
		tm:         deps.TokenManager,
		notifier:   deps.Notifier,
		auditor:    deps.Auditor,
		timing:     deps.Timing,
		magicLink:  deps.MagicLinkExpiry,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

// PasswordLogin runs the full pipeline for an email/password credential.
func (o *AuthOrchestrator) PasswordLogin(ctx context.Context, email, password string, signals DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	start := o.now()
	email = strings.ToLower(strings.TrimSpace(email))

	if result, err := o.checkLockout(ctx, email); err != nil {
		return result, err
	}

	p, err := o.principals.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Unknown emails still burn an attempt and still pay the same
			// latency as a wrong password, so the response cannot be used
			// as an account oracle.
			if _, recErr := o.lockout.RecordFailure(ctx, email, nil, signals.IP, signals.UserAgent); recErr != nil {
				o.logger.Error("failed to record login failure", slog.Any("error", recErr))
			}
			o.timing.WaitFrom(start, false)
			return nil, models.NewInvalidCredentials()
		}
		o.logger.Error("failed to load principal", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if err := pkgauth.ComparePassword(p.PasswordHash, password); err != nil {
		state, recErr := o.lockout.RecordFailure(ctx, email, p, signals.IP, signals.UserAgent)
		if recErr != nil {
			o.logger.Error("failed to record login failure", slog.Any("error", recErr))
			o.timing.WaitFrom(start, false)
			return nil, models.NewInvalidCredentials()
		}
		if state.Notify {
			o.notifyLockout(ctx, p, state)
		}
		o.timing.WaitFrom(start, false)
		if state.Locked {
			return nil, models.NewAccountLocked(state.LockedUntil)
		}
		return nil, models.NewInvalidCredentials()
	}

	// Account state is only disclosed to a caller who holds the password.
	// Surfacing inactive before the comparison would let any password
	// distinguish disabled accounts from bad credentials.
	if err := o.checkAccountState(ctx, p, signals); err != nil {
		o.timing.WaitFrom(start, false)
		return nil, err
	}

	if err := o.lockout.Reset(ctx, email, p.ID); err != nil {
		o.logger.Error("failed to reset lockout counter", slog.Any("error", err))
	}

	return o.continueLogin(ctx, p, signals, false, rememberMe)
}

// SendMagicLink issues a short-lived signed login link by email. The
// response is identical whether or not the address matches an account.
func (o *AuthOrchestrator) SendMagicLink(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))

	p, err := o.principals.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return models.ErrInternalServer
	}
	if !p.Active || p.IsLocked(o.now()) {
		return nil
	}

	token, err := o.tm.GenerateMagicLinkToken(p.ID, p.Email)
	if err != nil {
		return models.ErrInternalServer
	}

	if err := o.notifier.SendMagicLink(ctx, p.Email, p.Language, token, o.now().Add(o.magicLink)); err != nil {
		o.logger.Error("failed to send magic link", slog.Any("error", err))
		return models.ErrInternalServer
	}
	return nil
}

// MagicLinkLogin consumes a magic-link token. The link proves control of
// the mailbox; everything downstream of the credential check is the same
// pipeline as a password login.
func (o *AuthOrchestrator) MagicLinkLogin(ctx context.Context, token string, signals DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	claims, err := o.tm.ValidateToken(token, models.TokenTypeMagicLink)
	if err != nil {
		return nil, models.NewInvalidCredentials()
	}

	p, err := o.principals.GetByID(ctx, claims.PrincipalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewInvalidCredentials()
		}
		return nil, models.ErrInternalServer
	}

	if result, err := o.checkLockout(ctx, p.Email); err != nil {
		return result, err
	}
	if err := o.checkAccountState(ctx, p, signals); err != nil {
		return nil, err
	}

	if err := o.lockout.Reset(ctx, p.Email, p.ID); err != nil {
		o.logger.Error("failed to reset lockout counter", slog.Any("error", err))
	}

	return o.continueLogin(ctx, p, signals, false, rememberMe)
}

// PasskeyLogin authenticates with a hardware-backed assertion. The
// assertion is phishing-resistant, so an enabled MFA challenge is
// redundant and skipped; the privileged forced-enrollment rule still
// applies, and the device the assertion came from is trusted directly.
func (o *AuthOrchestrator) PasskeyLogin(ctx context.Context, credentialID string, assertion []byte, signals DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	principalID, err := o.passkeys.VerifyAssertion(ctx, credentialID, assertion)
	if err != nil {
		if _, ok := models.AsAuthError(err); ok {
			return nil, err
		}
		return nil, models.NewInvalidCredentials()
	}

	p, err := o.principals.GetByID(ctx, principalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewInvalidCredentials()
		}
		return nil, models.ErrInternalServer
	}

	if result, err := o.checkLockout(ctx, p.Email); err != nil {
		return result, err
	}
	if err := o.checkAccountState(ctx, p, signals); err != nil {
		return nil, err
	}

	if err := o.lockout.Reset(ctx, p.Email, p.ID); err != nil {
		o.logger.Error("failed to reset lockout counter", slog.Any("error", err))
	}

	return o.continueLogin(ctx, p, signals, true, rememberMe)
}

// VerifyMfa resolves a pending MFA challenge and continues the pipeline at
// device trust evaluation.
func (o *AuthOrchestrator) VerifyMfa(ctx context.Context, challengeToken, code string, signals DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	p, err := o.mfa.VerifyChallenge(ctx, challengeToken, code)
	if err != nil {
		return nil, err
	}
	return o.establishSession(ctx, p, signals, false, rememberMe)
}

// CompleteMfaSetup finishes forced enrollment and continues the pipeline.
// The submitted code just proved possession of the new secret, so no
// separate challenge follows.
func (o *AuthOrchestrator) CompleteMfaSetup(ctx context.Context, setupToken, code string, signals DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	p, err := o.mfa.CompleteSetup(ctx, setupToken, code)
	if err != nil {
		return nil, err
	}
	return o.establishSession(ctx, p, signals, false, rememberMe)
}

// ApproveDeviceByCode resolves a pending approval with the emailed short
// code and, on success, completes the login the approval interrupted.
func (o *AuthOrchestrator) ApproveDeviceByCode(ctx context.Context, deviceID, code string, signals DeviceSignals, rememberMe bool) (*models.LoginResult, error) {
	d, err := o.approval.ApproveByCode(ctx, deviceID, code, signals.IP, signals.UserAgent)
	if err != nil {
		return nil, err
	}
	return o.sessionForDevice(ctx, d, rememberMe)
}

// ApproveDeviceByLink resolves a pending approval from the emailed URL. No
// session is issued: the click may come from any mailbox-reading device,
// not the one waiting to log in.
func (o *AuthOrchestrator) ApproveDeviceByLink(ctx context.Context, token string, signals DeviceSignals) (*models.Device, error) {
	return o.approval.ApproveByLink(ctx, token, signals.IP, signals.UserAgent)
}

// DenyDevice rejects a pending approval from the emailed URL.
func (o *AuthOrchestrator) DenyDevice(ctx context.Context, token string, signals DeviceSignals) (*models.Device, error) {
	return o.approval.Deny(ctx, token, signals.IP, signals.UserAgent)
}

// ResendDeviceApproval rotates the approval secrets and emails them again.
func (o *AuthOrchestrator) ResendDeviceApproval(ctx context.Context, deviceID, captchaToken, ip string) (*models.DeviceApproval, error) {
	return o.approval.Resend(ctx, deviceID, captchaToken, ip)
}

// Refresh exchanges a refresh token for a new session.
func (o *AuthOrchestrator) Refresh(ctx context.Context, rawRefreshToken string) (*models.Session, error) {
	return o.issuer.Refresh(ctx, rawRefreshToken)
}

// Logout revokes the refresh token and its session.
func (o *AuthOrchestrator) Logout(ctx context.Context, rawRefreshToken string) error {
	return o.issuer.Logout(ctx, rawRefreshToken)
}

// checkLockout rejects flows for locked-out emails before any credential
// work happens.
func (o *AuthOrchestrator) checkLockout(ctx context.Context, email string) (*models.LoginResult, error) {
	until, err := o.lockout.Blocked(ctx, email)
	if err != nil {
		o.logger.Error("lockout check failed", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if until != nil {
		return nil, models.NewAccountLocked(*until)
	}
	return nil, nil
}

// checkAccountState rejects inactive, anonymized, and persistently locked
// accounts.
func (o *AuthOrchestrator) checkAccountState(ctx context.Context, p *models.Principal, signals DeviceSignals) error {
	if p.IsLocked(o.now()) {
		return models.NewAccountLocked(*p.LockedUntil)
	}
	if !p.Active || p.AnonymizedAt != nil {
		o.auditor.Record(ctx, AuditRecord{
			Action:     models.AuditActionLoginFailed,
			TargetID:   &p.ID,
			EntityType: models.AuditEntityPrincipal,
			EntityID:   &p.ID,
			Success:    false,
			IPAddress:  signals.IP,
			UserAgent:  signals.UserAgent,
			Details:    models.AuditDetails{"reason": "account_inactive"},
		})
		return models.NewAccountInactive()
	}
	return nil
}

// continueLogin runs the MFA gate, then hands over to session
// establishment. strongAuth marks passkey-backed entry.
func (o *AuthOrchestrator) continueLogin(ctx context.Context, p *models.Principal, signals DeviceSignals, strongAuth, rememberMe bool) (*models.LoginResult, error) {
	permissions, err := o.reauth.Permissions(ctx, p.ID)
	if err != nil {
		o.logger.Error("failed to resolve permissions", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if gate, err := o.mfa.Evaluate(ctx, p, permissions, strongAuth); err != nil {
		return nil, err
	} else if gate != nil {
		return gate, nil
	}

	return o.establishSession(ctx, p, signals, strongAuth, rememberMe)
}

// establishSession evaluates device trust and either issues the session or
// opens the approval workflow. Runs after all credential and MFA gates.
func (o *AuthOrchestrator) establishSession(ctx context.Context, p *models.Principal, signals DeviceSignals, strongAuth, rememberMe bool) (*models.LoginResult, error) {
	verdict, err := o.trust.Evaluate(ctx, p, signals)
	if err != nil {
		return nil, err
	}

	if !verdict.Trusted {
		if strongAuth {
			// Hardware assertion: the device that produced it is trusted
			// without the email exchange.
			d, err := o.approval.TrustDirectly(ctx, p, verdict, signals)
			if err != nil {
				return nil, err
			}
			return o.issueFor(ctx, p, &d.ID, rememberMe, signals)
		}

		approval, err := o.approval.Open(ctx, p, verdict, signals)
		if err != nil {
			return nil, err
		}
		return &models.LoginResult{
			Status:         models.LoginStatusApprovalRequired,
			DeviceApproval: approval,
		}, nil
	}

	return o.issueFor(ctx, p, &verdict.Device.ID, rememberMe, signals)
}

// sessionForDevice completes the login a code approval interrupted.
func (o *AuthOrchestrator) sessionForDevice(ctx context.Context, d *models.Device, rememberMe bool) (*models.LoginResult, error) {
	p, err := o.principals.GetByID(ctx, d.PrincipalID)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	if !p.Active || p.IsLocked(o.now()) {
		return nil, models.NewAccountInactive()
	}
	return o.issueFor(ctx, p, &d.ID, rememberMe, DeviceSignals{IP: d.LastIP})
}

// issueFor mints the session, clears any standing force-reauth flag for the
// principal, and audits the success.
func (o *AuthOrchestrator) issueFor(ctx context.Context, p *models.Principal, deviceRowID *string, rememberMe bool, signals DeviceSignals) (*models.LoginResult, error) {
	permissions, err := o.reauth.Permissions(ctx, p.ID)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	session, err := o.issuer.Issue(ctx, p, permissions, deviceRowID, rememberMe)
	if err != nil {
		return nil, err
	}

	if err := o.reauth.ClearFlag(ctx, p.ID); err != nil {
		o.logger.Error("failed to clear reauth flag",
			slog.String("principal_id", p.ID),
			slog.Any("error", err))
	}

	o.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionLoginSucceeded,
		ActorID:    &p.ID,
		TargetID:   &p.ID,
		EntityType: models.AuditEntityPrincipal,
		EntityID:   &p.ID,
		Success:    true,
		IPAddress:  signals.IP,
		UserAgent:  signals.UserAgent,
		Details:    models.AuditDetails{"session_id": session.SessionID},
	})

	return &models.LoginResult{
		Status:  models.LoginStatusSession,
		Session: session,
	}, nil
}

// notifyLockout emails the owner that the account was locked. Best-effort.
func (o *AuthOrchestrator) notifyLockout(ctx context.Context, p *models.Principal, state LockoutState) {
	if err := o.notifier.SendLockoutNotice(ctx, p.Email, p.Language, state.LockedUntil, int(state.Attempts)); err != nil {
		o.logger.Warn("failed to send lockout notice",
			slog.String("principal_id", p.ID),
			slog.Any("error", err))
	}
}
