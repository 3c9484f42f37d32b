package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/captcha"
	"github.com/mklatt/bastion/internal/config"
	"github.com/mklatt/bastion/internal/device"
	"github.com/mklatt/bastion/internal/geo"
	"github.com/mklatt/bastion/internal/models"
)

// ApprovalWorkflow drives the lifecycle of an untrusted device: open a
// pending approval, resolve it by emailed code or link, deny it, or resend
// the secrets.
type ApprovalWorkflow interface {
	Open(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals) (*models.DeviceApproval, error)
	TrustDirectly(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals) (*models.Device, error)
	ApproveByCode(ctx context.Context, deviceID, code, ip, userAgent string) (*models.Device, error)
	ApproveByLink(ctx context.Context, token, ip, userAgent string) (*models.Device, error)
	Deny(ctx context.Context, token, ip, userAgent string) (*models.Device, error)
	Resend(ctx context.Context, deviceID, captchaToken, ip string) (*models.DeviceApproval, error)
}

// DeviceApprovalWorkflow implements the approval state machine. Only hashes
// of the approval token and code are ever persisted; the plaintext values
// travel exclusively in the approval email.
type DeviceApprovalWorkflow struct {
	devices       DeviceRepository
	principals    approvalPrincipalLookup
	refreshTokens RefreshTokenRepository
	captcha       captcha.Verifier
	notifier      Notifier
	auditor       Auditor
	resolver      geo.Resolver
	cfg           config.ApprovalConfig
	logger        *slog.Logger
	now           func() time.Time
}

// approvalPrincipalLookup is the only principal access the workflow needs:
// addressing the resend email.
type approvalPrincipalLookup interface {
	GetByID(ctx context.Context, id string) (*models.Principal, error)
}

// NewDeviceApprovalWorkflow creates a new DeviceApprovalWorkflow
func NewDeviceApprovalWorkflow(devices DeviceRepository, principals approvalPrincipalLookup, refreshTokens RefreshTokenRepository, verifier captcha.Verifier, notifier Notifier, auditor Auditor, resolver geo.Resolver, cfg config.ApprovalConfig, logger *slog.Logger) *DeviceApprovalWorkflow {
	return &DeviceApprovalWorkflow{
		devices:       devices,
		principals:    principals,
		refreshTokens: refreshTokens,
		captcha:       verifier,
		notifier:      notifier,
		auditor:       auditor,
		resolver:      resolver,
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

// Open creates or refreshes the pending row for an untrusted device, then
// emails the owner an approval link and short code. A notifier failure is
// logged but never rolls the pending state back; the user can ask for a
// resend.
func (w *DeviceApprovalWorkflow) Open(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals) (*models.DeviceApproval, error) {
	token, code, tokenHash, codeHash, err := newApprovalSecrets()
	if err != nil {
		return nil, models.ErrInternalServer
	}
	expiresAt := w.now().Add(w.cfg.TokenExpiry)

	d, err := w.persistPending(ctx, p, verdict, signals, tokenHash, codeHash, expiresAt)
	if err != nil {
		return nil, err
	}

	w.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionDevicePending,
		TargetID:   &p.ID,
		EntityType: models.AuditEntityDevice,
		EntityID:   &d.ID,
		Success:    true,
		IPAddress:  signals.IP,
		UserAgent:  signals.UserAgent,
		Details: models.AuditDetails{
			"risk_score":   d.RiskScore,
			"risk_factors": d.RiskFactors,
		},
	})

	w.sendApprovalEmail(ctx, p, d, token, code, expiresAt)

	return &models.DeviceApproval{
		DeviceID:    d.ID,
		RiskScore:   d.RiskScore,
		RiskFactors: d.RiskFactors,
		ExpiresAt:   expiresAt,
	}, nil
}

// TrustDirectly records a device as trusted without the approval exchange.
// Used when the login itself was phishing-resistant (hardware assertion) or
// when an admin pre-trusts a device.
func (w *DeviceApprovalWorkflow) TrustDirectly(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals) (*models.Device, error) {
	info := device.ParseUserAgent(signals.UserAgent)
	loc := w.resolver.Resolve(signals.IP)

	base := w.baseDevice(p, verdict, signals, info, loc)
	trusted := models.WithTrusted(base)

	// Promotion paths retire any trusted row the same device identifier
	// held under an earlier fingerprint, so the single-trusted-row
	// constraint holds across re-fingerprints.
	if verdict.Device != nil {
		if err := w.devices.Promote(ctx, &trusted); err != nil {
			return nil, models.ErrInternalServer
		}
		return &trusted, nil
	}

	created, err := w.devices.CreateTrusted(ctx, &trusted)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	return created, nil
}

// ApproveByCode resolves a pending approval with the emailed short code. The
// attempt budget is enforced before the comparison: once exhausted, even a
// correct code is rejected until a resend rotates the secrets.
func (w *DeviceApprovalWorkflow) ApproveByCode(ctx context.Context, deviceID, code, ip, userAgent string) (*models.Device, error) {
	d, err := w.devices.GetByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewApprovalInvalid()
		}
		return nil, models.ErrInternalServer
	}

	if err := w.validatePending(d); err != nil {
		return nil, err
	}
	if d.ApprovalAttempts >= w.cfg.MaxAttempts {
		return nil, models.NewApprovalMaxAttempts()
	}

	if d.ApprovalCodeHash == nil || subtle.ConstantTimeCompare([]byte(*d.ApprovalCodeHash), []byte(auth.HashToken(code))) != 1 {
		failed := models.WithFailedApprovalAttempt(*d)
		if err := w.devices.Update(ctx, &failed); err != nil {
			return nil, models.ErrInternalServer
		}

		remaining := w.cfg.MaxAttempts - failed.ApprovalAttempts
		if remaining <= 0 {
			return nil, models.NewApprovalMaxAttempts()
		}
		return nil, models.NewApprovalCodeInvalid(remaining)
	}

	return w.approve(ctx, d, "code", ip, userAgent)
}

// ApproveByLink resolves a pending approval with the emailed URL token.
func (w *DeviceApprovalWorkflow) ApproveByLink(ctx context.Context, token, ip, userAgent string) (*models.Device, error) {
	d, err := w.lookupByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := w.validatePending(d); err != nil {
		return nil, err
	}
	return w.approve(ctx, d, "link", ip, userAgent)
}

// Deny revokes the pending device and invalidates any refresh token it
// holds. Denial is terminal; a later login from the same device opens a
// fresh approval.
func (w *DeviceApprovalWorkflow) Deny(ctx context.Context, token, ip, userAgent string) (*models.Device, error) {
	d, err := w.lookupByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if d.Status != models.DeviceStatusPendingApproval {
		return nil, models.NewApprovalInvalid()
	}

	revoked := models.WithRevoked(*d)
	if err := w.devices.Update(ctx, &revoked); err != nil {
		return nil, models.ErrInternalServer
	}
	if _, err := w.refreshTokens.RevokeForDevice(ctx, d.ID); err != nil {
		w.logger.Error("failed to revoke refresh tokens for denied device",
			slog.String("device_id", d.ID),
			slog.Any("error", err))
	}

	w.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionDeviceDenied,
		TargetID:   &d.PrincipalID,
		EntityType: models.AuditEntityDevice,
		EntityID:   &d.ID,
		Success:    true,
		IPAddress:  ip,
		UserAgent:  userAgent,
	})

	return &revoked, nil
}

// Resend rotates the approval secrets and emails them again. The CAPTCHA is
// validated first, then the cooldown: rotation happens in a single
// conditional update so two concurrent resends cannot both pass the
// cooldown check.
func (w *DeviceApprovalWorkflow) Resend(ctx context.Context, deviceID, captchaToken, ip string) (*models.DeviceApproval, error) {
	if err := w.captcha.ValidateRequired(ctx, captchaToken, "resend_device_approval", ip); err != nil {
		return nil, err
	}

	d, err := w.devices.GetByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewApprovalInvalid()
		}
		return nil, models.ErrInternalServer
	}
	if d.Status != models.DeviceStatusPendingApproval {
		return nil, models.NewApprovalInvalid()
	}

	token, code, tokenHash, codeHash, err := newApprovalSecrets()
	if err != nil {
		return nil, models.ErrInternalServer
	}
	expiresAt := w.now().Add(w.cfg.TokenExpiry)

	rotated, err := w.devices.RotateApprovalSecretsIfCooldownElapsed(ctx, d.ID, tokenHash, codeHash, expiresAt, w.cfg.ResendCooldown)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			retryAfter := int(w.cfg.ResendCooldown.Seconds() - w.now().Sub(d.UpdatedAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			return nil, models.NewResendCooldownActive(retryAfter)
		}
		return nil, models.ErrInternalServer
	}

	p, err := w.principalFor(ctx, rotated)
	if err == nil {
		w.sendApprovalEmail(ctx, p, rotated, token, code, expiresAt)
	}

	w.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionDeviceResend,
		TargetID:   &rotated.PrincipalID,
		EntityType: models.AuditEntityDevice,
		EntityID:   &rotated.ID,
		Success:    true,
		IPAddress:  ip,
	})

	return &models.DeviceApproval{
		DeviceID:    rotated.ID,
		RiskScore:   rotated.RiskScore,
		RiskFactors: rotated.RiskFactors,
		ExpiresAt:   expiresAt,
	}, nil
}

func (w *DeviceApprovalWorkflow) principalFor(ctx context.Context, d *models.Device) (*models.Principal, error) {
	return w.principals.GetByID(ctx, d.PrincipalID)
}

func (w *DeviceApprovalWorkflow) approve(ctx context.Context, d *models.Device, method, ip, userAgent string) (*models.Device, error) {
	trusted := models.WithTrusted(*d)
	if err := w.devices.Promote(ctx, &trusted); err != nil {
		return nil, models.ErrInternalServer
	}

	w.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionDeviceApproved,
		TargetID:   &d.PrincipalID,
		EntityType: models.AuditEntityDevice,
		EntityID:   &d.ID,
		Success:    true,
		IPAddress:  ip,
		UserAgent:  userAgent,
		Details:    models.AuditDetails{"method": method},
	})

	return &trusted, nil
}

func (w *DeviceApprovalWorkflow) lookupByToken(ctx context.Context, token string) (*models.Device, error) {
	d, err := w.devices.GetByApprovalTokenHash(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewApprovalInvalid()
		}
		return nil, models.ErrInternalServer
	}
	return d, nil
}

// validatePending rejects devices outside the pending state and enforces
// lazy expiry: there is no background sweep, expiry is checked here.
func (w *DeviceApprovalWorkflow) validatePending(d *models.Device) error {
	switch d.Status {
	case models.DeviceStatusPendingApproval:
		if d.IsApprovalExpired(w.now()) {
			return models.NewApprovalExpired()
		}
		return nil
	case models.DeviceStatusRevoked:
		return models.NewApprovalDenied()
	default:
		return models.NewApprovalInvalid()
	}
}

// persistPending reuses the verdict's pending row when one exists, otherwise
// creates the device on first contact. Risk from the fresh assessment wins
// on reuse.
func (w *DeviceApprovalWorkflow) persistPending(ctx context.Context, p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals, tokenHash, codeHash string, expiresAt time.Time) (*models.Device, error) {
	info := device.ParseUserAgent(signals.UserAgent)
	loc := w.resolver.Resolve(signals.IP)

	base := w.baseDevice(p, verdict, signals, info, loc)
	pending := models.WithPendingApproval(base, tokenHash, codeHash, expiresAt, verdict.Risk)

	if verdict.Device != nil {
		if err := w.devices.Update(ctx, &pending); err != nil {
			return nil, models.ErrInternalServer
		}
		return &pending, nil
	}

	created, err := w.devices.Create(ctx, &pending)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	return created, nil
}

// baseDevice merges the verdict's existing row (when present) with the
// request's current signals.
func (w *DeviceApprovalWorkflow) baseDevice(p *models.Principal, verdict *models.TrustVerdict, signals DeviceSignals, info device.Info, loc geo.Location) models.Device {
	if verdict.Device != nil {
		d := *verdict.Device
		d.Fingerprint = signals.Fingerprint
		d.LastIP = signals.IP
		d.LastCountry = loc.Country
		d.LastCity = loc.City
		d.Browser = info.Browser
		d.OS = info.OS
		d.DeviceType = info.DeviceType
		return d
	}

	return models.Device{
		ID:          uuid.NewString(),
		PrincipalID: p.ID,
		DeviceID:    signals.DeviceID,
		Fingerprint: signals.Fingerprint,
		LastIP:      signals.IP,
		LastCountry: loc.Country,
		LastCity:    loc.City,
		Browser:     info.Browser,
		OS:          info.OS,
		DeviceType:  info.DeviceType,
	}
}

func (w *DeviceApprovalWorkflow) sendApprovalEmail(ctx context.Context, p *models.Principal, d *models.Device, token, code string, expiresAt time.Time) {
	approveLink := fmt.Sprintf("%s/devices/approve?token=%s", w.cfg.BaseURL, token)
	denyLink := fmt.Sprintf("%s/devices/deny?token=%s", w.cfg.BaseURL, token)

	err := w.notifier.SendDeviceApprovalNotice(ctx, DeviceApprovalNotice{
		Email:       p.Email,
		Language:    p.Language,
		ApproveLink: approveLink,
		DenyLink:    denyLink,
		Code:        code,
		Browser:     d.Browser,
		OS:          d.OS,
		Location:    d.LastCity + ", " + d.LastCountry,
		RiskFactors: d.RiskFactors,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		w.logger.Error("failed to send device approval email",
			slog.String("device_id", d.ID),
			slog.Any("error", err))
	}
}

// newApprovalSecrets generates the URL token and short code plus their
// hashes. Only the hashes are handed to persistence.
func newApprovalSecrets() (token, code, tokenHash, codeHash string, err error) {
	token, err = auth.GenerateApprovalToken()
	if err != nil {
		return "", "", "", "", err
	}
	code, err = auth.GenerateApprovalCode()
	if err != nil {
		return "", "", "", "", err
	}
	return token, code, auth.HashToken(token), auth.HashToken(code), nil
}
