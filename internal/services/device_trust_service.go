package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mklatt/bastion/internal/device"
	"github.com/mklatt/bastion/internal/geo"
	"github.com/mklatt/bastion/internal/models"
)

// DeviceRepository defines the persistence operations for device trust rows
type DeviceRepository interface {
	GetByID(ctx context.Context, id string) (*models.Device, error)
	GetTrusted(ctx context.Context, principalID, deviceID, fingerprint string) (*models.Device, error)
	GetPending(ctx context.Context, principalID, deviceID string) (*models.Device, error)
	GetByApprovalTokenHash(ctx context.Context, tokenHash string) (*models.Device, error)
	ListByPrincipal(ctx context.Context, principalID string) ([]*models.Device, error)
	Create(ctx context.Context, d *models.Device) (*models.Device, error)
	CreateTrusted(ctx context.Context, d *models.Device) (*models.Device, error)
	Update(ctx context.Context, d *models.Device) error
	Promote(ctx context.Context, d *models.Device) error
	RotateApprovalSecretsIfCooldownElapsed(ctx context.Context, id, tokenHash, codeHash string, expiresAt time.Time, cooldown time.Duration) (*models.Device, error)
	RevokeAllForPrincipal(ctx context.Context, principalID string) error
}

// DeviceSignals are the raw per-request inputs to trust evaluation.
type DeviceSignals struct {
	DeviceID    string // client-supplied identifier
	Fingerprint string
	IP          string
	UserAgent   string
}

// TrustEvaluator answers whether a login's device is trusted, and when it is
// not, supplies the risk data the approval workflow needs.
type TrustEvaluator interface {
	Evaluate(ctx context.Context, p *models.Principal, signals DeviceSignals) (*models.TrustVerdict, error)
}

// Risk factor weights. The score is informational: a brand-new device always
// requires approval no matter how low it scores, and a high score never
// bypasses anything on its own.
const (
	riskWeightNewDevice          = 30
	riskWeightNewFingerprint     = 10
	riskWeightFingerprintChanged = 25
	riskWeightNewCountry         = 25
	riskWeightImpossibleTravel   = 30
	riskWeightNewDeviceType      = 10
	riskWeightUnusualHour        = 5
	riskWeightLocationChanged    = 15

	unusualHourStart = 23
	unusualHourEnd   = 6
)

// DeviceTrustEvaluator matches the request against the principal's trusted
// devices. No match means a new device: score it and demand approval. A
// match still has to pass a spoofing check against the device's last-seen
// signals before a session is allowed.
type DeviceTrustEvaluator struct {
	devices  DeviceRepository
	resolver geo.Resolver
	logger   *slog.Logger
	now      func() time.Time
}

// NewDeviceTrustEvaluator creates a new DeviceTrustEvaluator
func NewDeviceTrustEvaluator(devices DeviceRepository, resolver geo.Resolver, logger *slog.Logger) *DeviceTrustEvaluator {
	return &DeviceTrustEvaluator{
		devices:  devices,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Evaluate returns the trust verdict for one login. It never issues tokens
// and never opens the approval workflow itself.
func (e *DeviceTrustEvaluator) Evaluate(ctx context.Context, p *models.Principal, signals DeviceSignals) (*models.TrustVerdict, error) {
	info := device.ParseUserAgent(signals.UserAgent)
	loc := e.resolver.Resolve(signals.IP)

	d, err := e.devices.GetTrusted(ctx, p.ID, signals.DeviceID, signals.Fingerprint)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrInternalServer
		}
		return e.evaluateNewDevice(ctx, p, signals, info, loc)
	}

	if risk, suspicious := e.spoofingCheck(d, loc); suspicious {
		e.logger.Warn("trusted device failed spoofing check",
			slog.String("principal_id", p.ID),
			slog.String("device_id", d.ID),
			slog.Int("risk_score", risk.Score))
		return &models.TrustVerdict{Suspicious: true, Device: d, Risk: risk}, nil
	}

	seen := models.WithLastSeen(*d, signals.IP, loc.Country, loc.City)
	if err := e.devices.Update(ctx, &seen); err != nil {
		e.logger.Error("failed to refresh device last-seen",
			slog.String("device_id", d.ID),
			slog.Any("error", err))
	}

	return &models.TrustVerdict{Trusted: true, Device: &seen}, nil
}

// evaluateNewDevice scores a device the principal has never been trusted on.
// Approval is always required here; the score and factors feed the audit
// trail and the approval email.
func (e *DeviceTrustEvaluator) evaluateNewDevice(ctx context.Context, p *models.Principal, signals DeviceSignals, info device.Info, loc geo.Location) (*models.TrustVerdict, error) {
	known, err := e.devices.ListByPrincipal(ctx, p.ID)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	risk := e.scoreNewDevice(known, signals, info, loc)

	verdict := &models.TrustVerdict{Risk: risk}
	// A pending row for this (principal, deviceID) pair is reused by the
	// approval workflow rather than duplicated.
	if pending, err := e.devices.GetPending(ctx, p.ID, signals.DeviceID); err == nil {
		verdict.Device = pending
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, models.ErrInternalServer
	}

	return verdict, nil
}

func (e *DeviceTrustEvaluator) scoreNewDevice(known []*models.Device, signals DeviceSignals, info device.Info, loc geo.Location) models.RiskAssessment {
	risk := models.RiskAssessment{}
	add := func(factor string, weight int) {
		risk.Factors = append(risk.Factors, factor)
		risk.Score += weight
	}

	add(models.RiskFactorNewDevice, riskWeightNewDevice)

	// Same client identifier previously trusted with a different
	// fingerprint is a stronger signal than a fingerprint nobody has seen.
	fingerprintChanged := false
	for _, k := range known {
		if k.DeviceID == signals.DeviceID && k.Fingerprint != signals.Fingerprint && k.Status == models.DeviceStatusTrusted {
			fingerprintChanged = true
			break
		}
	}
	if fingerprintChanged {
		add(models.RiskFactorFingerprintChanged, riskWeightFingerprintChanged)
	} else {
		add(models.RiskFactorNewFingerprint, riskWeightNewFingerprint)
	}

	if loc.Known {
		countrySeen := false
		for _, k := range known {
			if k.LastCountry == loc.Country {
				countrySeen = true
				break
			}
		}
		if !countrySeen {
			add(models.RiskFactorNewCountry, riskWeightNewCountry)
		}

		// Velocity against the most recently active device.
		if last := mostRecentlySeen(known); last != nil && last.LastCountry != "" && last.LastCountry != loc.Country {
			from := e.resolver.Resolve(last.LastIP)
			if from.Known && !geo.TravelPlausible(from, loc, e.now().Sub(last.UpdatedAt)) {
				add(models.RiskFactorImpossibleTravel, riskWeightImpossibleTravel)
			}
		}
	}

	if info.DeviceType != "" {
		typeSeen := false
		for _, k := range known {
			if k.DeviceType == info.DeviceType {
				typeSeen = true
				break
			}
		}
		if !typeSeen && len(known) > 0 {
			add(models.RiskFactorNewDeviceType, riskWeightNewDeviceType)
		}
	}

	hour := e.now().UTC().Hour()
	if hour >= unusualHourStart || hour < unusualHourEnd {
		add(models.RiskFactorUnusualHour, riskWeightUnusualHour)
	}

	if risk.Score > 100 {
		risk.Score = 100
	}
	return risk
}

// spoofingCheck compares the request's location against the trusted device's
// last-seen values. Fingerprint equality is already part of the trusted
// lookup key, so the remaining signal is geographic consistency: a country
// change is tolerated only when the elapsed time makes the travel plausible.
func (e *DeviceTrustEvaluator) spoofingCheck(d *models.Device, loc geo.Location) (models.RiskAssessment, bool) {
	if !loc.Known || d.LastCountry == "" || d.LastCountry == loc.Country {
		return models.RiskAssessment{}, false
	}

	risk := models.RiskAssessment{
		Score:   riskWeightLocationChanged,
		Factors: []string{models.RiskFactorLocationChanged},
	}

	// An origin the resolver cannot place proves nothing about velocity.
	// Missing location data adds risk elsewhere but never demotes a
	// trusted device on its own.
	from := e.resolver.Resolve(d.LastIP)
	if !from.Known || geo.TravelPlausible(from, loc, e.now().Sub(d.UpdatedAt)) {
		return models.RiskAssessment{}, false
	}

	risk.Factors = append(risk.Factors, models.RiskFactorImpossibleTravel)
	risk.Score += riskWeightImpossibleTravel
	return risk, true
}

func mostRecentlySeen(devices []*models.Device) *models.Device {
	var last *models.Device
	for _, d := range devices {
		if d.LastCountry == "" {
			continue
		}
		if last == nil || d.UpdatedAt.After(last.UpdatedAt) {
			last = d
		}
	}
	return last
}
