package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/cache"
	"github.com/mklatt/bastion/internal/models"
)

// MFAPolicy decides whether a credential-checked login may proceed, must
// answer a TOTP challenge first, or must enroll before completing.
type MFAPolicy interface {
	Evaluate(ctx context.Context, p *models.Principal, permissions []string, strongAuth bool) (*models.LoginResult, error)
	VerifyChallenge(ctx context.Context, challengeToken, code string) (*models.Principal, error)
	CompleteSetup(ctx context.Context, setupToken, code string) (*models.Principal, error)
}

// MfaGate implements the MFA decision table:
//
//   - MFA enabled               -> challenge (unless the login already used a
//     phishing-resistant assertion)
//   - MFA disabled + privileged -> forced enrollment; a system:* account is
//     never allowed to stay MFA-less
//   - otherwise                 -> proceed
type MfaGate struct {
	principals      PrincipalRepository
	totp            *auth.TOTPManager
	tm              *auth.TokenManager
	cache           cache.Cache
	auditor         Auditor
	backupCodeCount int
	logger          *slog.Logger
	now             func() time.Time
}

// NewMfaGate creates a new MfaGate
func NewMfaGate(principals PrincipalRepository, totp *auth.TOTPManager, tm *auth.TokenManager, c cache.Cache, auditor Auditor, backupCodeCount int, logger *slog.Logger) *MfaGate {
	return &MfaGate{
		principals:      principals,
		totp:            totp,
		tm:              tm,
		cache:           c,
		auditor:         auditor,
		backupCodeCount: backupCodeCount,
		logger:          logger,
		now:             time.Now,
	}
}

// pendingSetup is the enrollment state stashed between Evaluate and
// CompleteSetup. Only ciphertext and hashes are stored.
type pendingSetup struct {
	SecretEncrypted []byte                   `json:"secret_encrypted"`
	SecretNonce     []byte                   `json:"secret_nonce"`
	BackupCodes     []models.BackupCodeEntry `json:"backup_codes"`
}

func setupKey(principalID string) string { return "mfa:setup:" + principalID }

// Evaluate runs the decision table for a principal whose entry credential has
// already been verified. A nil result means the flow proceeds to device trust
// evaluation. strongAuth marks logins backed by a hardware assertion: those
// skip the challenge but are still forced to enroll when privileged.
func (g *MfaGate) Evaluate(ctx context.Context, p *models.Principal, permissions []string, strongAuth bool) (*models.LoginResult, error) {
	if p.MFAEnabled && !strongAuth {
		token, err := g.tm.GenerateMFAChallengeToken(p.ID)
		if err != nil {
			g.logger.Error("failed to mint mfa challenge token", slog.Any("error", err))
			return nil, models.ErrInternalServer
		}

		g.auditor.Record(ctx, AuditRecord{
			Action:     models.AuditActionMFAChallenged,
			TargetID:   &p.ID,
			EntityType: models.AuditEntityPrincipal,
			EntityID:   &p.ID,
			Success:    true,
		})

		return &models.LoginResult{
			Status: models.LoginStatusMFARequired,
			MFAChallenge: &models.MFAChallenge{
				ChallengeToken: token,
				ExpiresAt:      g.now().Add(g.tm.MFAChallengeExpiry()),
			},
		}, nil
	}

	if !p.MFAEnabled && models.HasPrivilegedPermission(permissions) {
		return g.beginForcedSetup(ctx, p)
	}

	return nil, nil
}

// beginForcedSetup generates a fresh TOTP secret plus backup codes, stashes
// the ciphertext under a TTL matching the setup token, and returns the
// provisioning material. Nothing touches the principal row until the code is
// confirmed.
func (g *MfaGate) beginForcedSetup(ctx context.Context, p *models.Principal) (*models.LoginResult, error) {
	encrypted, nonce, plainSecret, qr, err := g.totp.GenerateSecretWithQR(p.Email)
	if err != nil {
		g.logger.Error("failed to generate totp secret", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	plainCodes, err := g.totp.GenerateBackupCodes(g.backupCodeCount)
	if err != nil {
		g.logger.Error("failed to generate backup codes", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	entries := make([]models.BackupCodeEntry, 0, len(plainCodes))
	createdAt := g.now()
	for _, code := range plainCodes {
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, models.ErrInternalServer
		}
		entries = append(entries, models.BackupCodeEntry{CodeHash: string(hash), CreatedAt: createdAt})
	}

	stash, err := json.Marshal(pendingSetup{
		SecretEncrypted: encrypted,
		SecretNonce:     nonce,
		BackupCodes:     entries,
	})
	if err != nil {
		return nil, models.ErrInternalServer
	}
	if err := g.cache.Set(ctx, setupKey(p.ID), string(stash), g.tm.MFASetupExpiry()); err != nil {
		g.logger.Error("failed to stash mfa setup state", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	token, err := g.tm.GenerateMFASetupToken(p.ID)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	return &models.LoginResult{
		Status: models.LoginStatusMFASetupRequired,
		MFASetup: &models.MFASetup{
			SetupToken:  token,
			Secret:      plainSecret,
			QRCode:      qr,
			BackupCodes: plainCodes,
			ExpiresAt:   g.now().Add(g.tm.MFASetupExpiry()),
		},
	}, nil
}

// CompleteSetup confirms forced enrollment: the submitted code must validate
// against the stashed secret, after which the secret and backup-code hashes
// are persisted and MFA is switched on.
func (g *MfaGate) CompleteSetup(ctx context.Context, setupToken, code string) (*models.Principal, error) {
	claims, err := g.tm.ValidateToken(setupToken, models.TokenTypeMFASetup)
	if err != nil {
		return nil, models.NewMFACodeInvalid()
	}

	stashed, err := g.cache.Get(ctx, setupKey(claims.PrincipalID))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, models.NewMFACodeInvalid()
	}
	if err != nil {
		return nil, fmt.Errorf("mfa setup lookup: %w", err)
	}

	var pending pendingSetup
	if err := json.Unmarshal([]byte(stashed), &pending); err != nil {
		g.logger.Error("corrupt mfa setup stash", slog.String("principal_id", claims.PrincipalID))
		return nil, models.ErrInternalServer
	}

	secret, err := g.totp.DecryptSecret(pending.SecretEncrypted, pending.SecretNonce)
	if err != nil {
		return nil, models.ErrInternalServer
	}

	valid, err := g.totp.ValidateTOTP(string(secret), code)
	if err != nil || !valid {
		return nil, models.NewMFACodeInvalid()
	}

	if err := g.principals.EnableMFA(ctx, claims.PrincipalID, pending.SecretEncrypted, pending.SecretNonce, pending.BackupCodes); err != nil {
		g.logger.Error("failed to enable mfa", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}
	if err := g.cache.Remove(ctx, setupKey(claims.PrincipalID)); err != nil {
		g.logger.Warn("failed to clear mfa setup stash", slog.Any("error", err))
	}

	g.auditor.Record(ctx, AuditRecord{
		Action:     models.AuditActionMFAEnrolled,
		ActorID:    &claims.PrincipalID,
		TargetID:   &claims.PrincipalID,
		EntityType: models.AuditEntityPrincipal,
		EntityID:   &claims.PrincipalID,
		Success:    true,
	})

	p, err := g.principals.GetByID(ctx, claims.PrincipalID)
	if err != nil {
		return nil, models.ErrInternalServer
	}
	return p, nil
}

// VerifyChallenge resolves an MFAChallenge: the code may be a TOTP value or
// an unused backup code. Backup codes are single-use.
func (g *MfaGate) VerifyChallenge(ctx context.Context, challengeToken, code string) (*models.Principal, error) {
	claims, err := g.tm.ValidateToken(challengeToken, models.TokenTypeMFAChallenge)
	if err != nil {
		return nil, models.NewMFACodeInvalid()
	}

	p, err := g.principals.GetByID(ctx, claims.PrincipalID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewMFACodeInvalid()
		}
		return nil, models.ErrInternalServer
	}
	if !p.MFAEnabled || len(p.MFASecretEncrypted) == 0 {
		return nil, models.NewMFACodeInvalid()
	}

	secret, err := g.totp.DecryptSecret(p.MFASecretEncrypted, p.MFASecretNonce)
	if err != nil {
		g.logger.Error("failed to decrypt mfa secret", slog.String("principal_id", p.ID))
		return nil, models.ErrInternalServer
	}

	valid, err := g.totp.ValidateTOTP(string(secret), code)
	if err == nil && valid {
		return p, nil
	}

	if g.consumeBackupCode(ctx, p, code) {
		return p, nil
	}

	return nil, models.NewMFACodeInvalid()
}

// consumeBackupCode checks the submitted code against unused backup-code
// hashes and marks the matching one used.
func (g *MfaGate) consumeBackupCode(ctx context.Context, p *models.Principal, code string) bool {
	for i := range p.BackupCodes {
		entry := &p.BackupCodes[i]
		if entry.UsedAt != nil {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(entry.CodeHash), []byte(code)) != nil {
			continue
		}

		usedAt := g.now()
		entry.UsedAt = &usedAt
		if err := g.principals.MarkBackupCodeUsed(ctx, p.ID, p.BackupCodes); err != nil {
			g.logger.Error("failed to mark backup code used",
				slog.String("principal_id", p.ID),
				slog.Any("error", err))
			return false
		}
		g.logger.Info("backup code consumed", slog.String("principal_id", p.ID))
		return true
	}
	return false
}
