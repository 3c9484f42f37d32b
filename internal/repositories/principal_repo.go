package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mklatt/bastion/internal/database"
	"github.com/mklatt/bastion/internal/models"
)

type PrincipalRepository struct {
	pool *pgxpool.Pool
}

func NewPrincipalRepository(db *database.DB) *PrincipalRepository {
	return &PrincipalRepository{pool: db.Pool}
}

const principalColumns = `
	id, email, password_hash, name, user_type, language, active, mfa_enabled,
	mfa_secret_encrypted, mfa_secret_nonce, backup_codes,
	failed_login_attempts, locked_until, anonymized_at, created_at, updated_at
`

// rowScanner interface for scanning principal rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrincipalRow(scanner rowScanner) (*models.Principal, error) {
	var p models.Principal
	var backupCodes []byte

	err := scanner.Scan(
		&p.ID, &p.Email, &p.PasswordHash, &p.Name, &p.UserType, &p.Language,
		&p.Active, &p.MFAEnabled, &p.MFASecretEncrypted, &p.MFASecretNonce,
		&backupCodes, &p.FailedLoginAttempts, &p.LockedUntil, &p.AnonymizedAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if len(backupCodes) > 0 {
		if err := json.Unmarshal(backupCodes, &p.BackupCodes); err != nil {
			return nil, fmt.Errorf("failed to decode backup codes: %w", err)
		}
	}

	return &p, nil
}

func (r *PrincipalRepository) GetByID(ctx context.Context, id string) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`
	return scanPrincipalRow(r.pool.QueryRow(ctx, query, id))
}

func (r *PrincipalRepository) GetByEmail(ctx context.Context, email string) (*models.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE email = $1`
	return scanPrincipalRow(r.pool.QueryRow(ctx, query, email))
}

func (r *PrincipalRepository) Create(ctx context.Context, p *models.Principal) (*models.Principal, error) {
	query := `
		INSERT INTO principals (id, email, password_hash, name, user_type, language, active, mfa_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + principalColumns

	id := uuid.New().String()
	return scanPrincipalRow(r.pool.QueryRow(ctx, query,
		id, p.Email, p.PasswordHash, p.Name, p.UserType, p.Language, p.Active, p.MFAEnabled,
	))
}

// RecordFailedLogin persists the failed-attempt counter and, when the guard
// decided to lock, the lock expiry. Written even when the cache also tracks
// the counter so DB-level checks stay consistent if the cache entry expires.
func (r *PrincipalRepository) RecordFailedLogin(ctx context.Context, id string, attempts int, lockedUntil *time.Time) error {
	query := `
		UPDATE principals
		SET failed_login_attempts = $2, locked_until = $3, updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query, id, attempts, lockedUntil)
	return database.MapPostgresError(err)
}

// ResetFailedLogin clears both the persisted counter and the persisted lock.
func (r *PrincipalRepository) ResetFailedLogin(ctx context.Context, id string) error {
	query := `
		UPDATE principals
		SET failed_login_attempts = 0, locked_until = NULL, updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query, id)
	return database.MapPostgresError(err)
}

// EnableMFA stores the encrypted TOTP secret and hashed backup codes and
// flips the MFA flag in one statement.
func (r *PrincipalRepository) EnableMFA(ctx context.Context, id string, encryptedSecret, nonce []byte, backupCodes []models.BackupCodeEntry) error {
	codes, err := json.Marshal(backupCodes)
	if err != nil {
		return fmt.Errorf("failed to encode backup codes: %w", err)
	}

	query := `
		UPDATE principals
		SET mfa_enabled = TRUE, mfa_secret_encrypted = $2, mfa_secret_nonce = $3,
		    backup_codes = $4, updated_at = NOW()
		WHERE id = $1
	`

	_, err = r.pool.Exec(ctx, query, id, encryptedSecret, nonce, codes)
	return database.MapPostgresError(err)
}

// MarkBackupCodeUsed replaces the stored backup-code list (one entry now
// carries a used_at timestamp).
func (r *PrincipalRepository) MarkBackupCodeUsed(ctx context.Context, id string, backupCodes []models.BackupCodeEntry) error {
	codes, err := json.Marshal(backupCodes)
	if err != nil {
		return fmt.Errorf("failed to encode backup codes: %w", err)
	}

	query := `UPDATE principals SET backup_codes = $2, updated_at = NOW() WHERE id = $1`

	_, err = r.pool.Exec(ctx, query, id, codes)
	return database.MapPostgresError(err)
}

// SetActive toggles the account's active flag.
func (r *PrincipalRepository) SetActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE principals SET active = $2, updated_at = NOW() WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id, active)
	return database.MapPostgresError(err)
}

// GetPermissions returns the persisted permission set for a principal. The
// services layer caches the result; this is the source of truth.
func (r *PrincipalRepository) GetPermissions(ctx context.Context, id string) ([]string, error) {
	query := `SELECT permission FROM principal_permissions WHERE principal_id = $1 ORDER BY permission`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	permissions := make([]string, 0)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		permissions = append(permissions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating permissions: %w", err)
	}

	return permissions, nil
}

// ReplacePermissions swaps the principal's permission set transactionally.
func (r *PrincipalRepository) ReplacePermissions(ctx context.Context, id string, permissions []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return database.MapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM principal_permissions WHERE principal_id = $1`, id); err != nil {
		return database.MapPostgresError(err)
	}

	for _, p := range permissions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO principal_permissions (principal_id, permission) VALUES ($1, $2)`, id, p); err != nil {
			return database.MapPostgresError(err)
		}
	}

	return tx.Commit(ctx)
}

// Anonymize scrubs personal data in place. Principals are never deleted.
func (r *PrincipalRepository) Anonymize(ctx context.Context, id string) error {
	query := `
		UPDATE principals
		SET email = 'anonymized-' || id::text || '@invalid', name = 'Anonymized', password_hash = '',
		    active = FALSE, anonymized_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query, id)
	return database.MapPostgresError(err)
}
