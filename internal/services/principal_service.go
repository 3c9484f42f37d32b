package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mklatt/bastion/internal/models"
	pkgauth "github.com/mklatt/bastion/pkg/auth"
)

// PrincipalRepository defines the persistence operations for principals
type PrincipalRepository interface {
	GetByID(ctx context.Context, id string) (*models.Principal, error)
	GetByEmail(ctx context.Context, email string) (*models.Principal, error)
	Create(ctx context.Context, p *models.Principal) (*models.Principal, error)
	RecordFailedLogin(ctx context.Context, id string, attempts int, lockedUntil *time.Time) error
	ResetFailedLogin(ctx context.Context, id string) error
	EnableMFA(ctx context.Context, id string, encryptedSecret, nonce []byte, backupCodes []models.BackupCodeEntry) error
	MarkBackupCodeUsed(ctx context.Context, id string, backupCodes []models.BackupCodeEntry) error
	SetActive(ctx context.Context, id string, active bool) error
	GetPermissions(ctx context.Context, id string) ([]string, error)
	ReplacePermissions(ctx context.Context, id string, permissions []string) error
	Anonymize(ctx context.Context, id string) error
}

// PrincipalService covers the administrative mutations on principals. Every
// mutation that widens or narrows what existing sessions may do flows
// through the reauth coordinator, so the change takes effect immediately on
// all devices.
type PrincipalService struct {
	principals    PrincipalRepository
	devices       DeviceRepository
	refreshTokens RefreshTokenRepository
	reauth        ReauthCoordinator
	auditor       Auditor
	logger        *slog.Logger
}

// NewPrincipalService creates a new PrincipalService
func NewPrincipalService(principals PrincipalRepository, devices DeviceRepository, refreshTokens RefreshTokenRepository, reauth ReauthCoordinator, auditor Auditor, logger *slog.Logger) *PrincipalService {
	return &PrincipalService{
		principals:    principals,
		devices:       devices,
		refreshTokens: refreshTokens,
		reauth:        reauth,
		auditor:       auditor,
		logger:        logger,
	}
}

// Create provisions a new principal with a validated password.
func (s *PrincipalService) Create(ctx context.Context, email, name, password, userType, language string) (*models.Principal, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, models.ErrBadRequest
	}
	if err := pkgauth.ValidatePassword(password); err != nil {
		return nil, err
	}

	hash, err := pkgauth.HashPassword(password)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	if language == "" {
		language = "en"
	}

	p, err := s.principals.Create(ctx, &models.Principal{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Name:         name,
		UserType:     userType,
		Language:     language,
		Active:       true,
	})
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to create principal", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	return p, nil
}

// UpdatePermissions replaces the principal's permission set and forces
// re-authentication on every device. Tokens minted before this call carry
// the old set and must not survive it.
func (s *PrincipalService) UpdatePermissions(ctx context.Context, id string, permissions []string, actorID, ip string) error {
	if _, err := s.principals.GetByID(ctx, id); err != nil {
		return err
	}

	if err := s.principals.ReplacePermissions(ctx, id, permissions); err != nil {
		s.logger.Error("failed to replace permissions",
			slog.String("principal_id", id),
			slog.Any("error", err))
		return models.ErrInternalServer
	}

	if err := s.reauth.OnPermissionsChanged(ctx, id); err != nil {
		s.logger.Error("failed to force reauth after permission change",
			slog.String("principal_id", id),
			slog.Any("error", err))
		return models.ErrInternalServer
	}

	s.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionPermissionsSet,
		ActorID:    &actorID,
		TargetID:   &id,
		EntityType: models.AuditEntityPrincipal,
		EntityID:   &id,
		Success:    true,
		IPAddress:  ip,
		Details:    models.AuditDetails{"permissions": permissions},
	})

	return nil
}

// Deactivate disables the account, revokes every device, and kills all
// sessions.
func (s *PrincipalService) Deactivate(ctx context.Context, id, actorID, ip string) error {
	if err := s.principals.SetActive(ctx, id, false); err != nil {
		return err
	}
	if err := s.devices.RevokeAllForPrincipal(ctx, id); err != nil {
		s.logger.Error("failed to revoke devices on deactivation",
			slog.String("principal_id", id),
			slog.Any("error", err))
	}
	if err := s.reauth.ForceReauth(ctx, id, "account_disabled"); err != nil {
		return models.ErrInternalServer
	}

	s.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionAccountDisabled,
		ActorID:    &actorID,
		TargetID:   &id,
		EntityType: models.AuditEntityPrincipal,
		EntityID:   &id,
		Success:    true,
		IPAddress:  ip,
	})

	return nil
}

// Anonymize scrubs personal data in place. Principals are never deleted.
func (s *PrincipalService) Anonymize(ctx context.Context, id, actorID string) error {
	if err := s.Deactivate(ctx, id, actorID, ""); err != nil {
		return err
	}
	return s.principals.Anonymize(ctx, id)
}

// ListDevices returns the principal's non-revoked devices.
func (s *PrincipalService) ListDevices(ctx context.Context, principalID string) ([]*models.Device, error) {
	return s.devices.ListByPrincipal(ctx, principalID)
}

// RevokeDevice revokes one of the principal's own devices and the session
// riding on it.
func (s *PrincipalService) RevokeDevice(ctx context.Context, principalID, deviceRowID, actorID, ip string) error {
	d, err := s.devices.GetByID(ctx, deviceRowID)
	if err != nil {
		return err
	}
	if d.PrincipalID != principalID {
		return models.ErrNotFound
	}
	if d.Status == models.DeviceStatusRevoked {
		return nil
	}

	revoked := models.WithRevoked(*d)
	if err := s.devices.Update(ctx, &revoked); err != nil {
		return models.ErrInternalServer
	}

	sessionIDs, err := s.refreshTokens.RevokeForDevice(ctx, d.ID)
	if err != nil {
		return models.ErrInternalServer
	}
	for _, sid := range sessionIDs {
		if err := s.reauth.MarkSessionRevoked(ctx, sid); err != nil {
			s.logger.Error("failed to mark session revoked",
				slog.String("session_id", sid),
				slog.Any("error", err))
		}
	}

	s.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionSessionRevoked,
		ActorID:    &actorID,
		TargetID:   &principalID,
		EntityType: models.AuditEntityDevice,
		EntityID:   &d.ID,
		Success:    true,
		IPAddress:  ip,
	})

	return nil
}
