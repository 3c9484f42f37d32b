package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mklatt/bastion/internal/database"
	"github.com/mklatt/bastion/internal/models"
)

type DeviceRepository struct {
	pool *pgxpool.Pool
}

func NewDeviceRepository(db *database.DB) *DeviceRepository {
	return &DeviceRepository{pool: db.Pool}
}

const deviceColumns = `
	id, principal_id, device_id, fingerprint, status,
	risk_score, risk_factors, approval_token_hash, approval_code_hash,
	approval_attempts, approval_expires_at,
	last_ip, last_country, last_city, browser, os, device_type,
	created_at, updated_at
`

func scanDeviceRow(scanner rowScanner) (*models.Device, error) {
	var d models.Device

	err := scanner.Scan(
		&d.ID, &d.PrincipalID, &d.DeviceID, &d.Fingerprint, &d.Status,
		&d.RiskScore, &d.RiskFactors, &d.ApprovalTokenHash, &d.ApprovalCodeHash,
		&d.ApprovalAttempts, &d.ApprovalExpiresAt,
		&d.LastIP, &d.LastCountry, &d.LastCity, &d.Browser, &d.OS, &d.DeviceType,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &d, nil
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	return scanDeviceRow(r.pool.QueryRow(ctx, query, id))
}

// GetTrusted finds the trusted row for an exact (principal, deviceID,
// fingerprint) tuple. At most one trusted row exists per physical device
// identifier, enforced by a partial unique index.
func (r *DeviceRepository) GetTrusted(ctx context.Context, principalID, deviceID, fingerprint string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE principal_id = $1 AND device_id = $2 AND fingerprint = $3 AND status = $4`
	return scanDeviceRow(r.pool.QueryRow(ctx, query, principalID, deviceID, fingerprint, models.DeviceStatusTrusted))
}

// GetByApprovalTokenHash finds the device a mailed approval link refers to.
func (r *DeviceRepository) GetByApprovalTokenHash(ctx context.Context, tokenHash string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE approval_token_hash = $1`
	return scanDeviceRow(r.pool.QueryRow(ctx, query, tokenHash))
}

// GetPending finds the pending-approval row for a (principal, deviceID) pair.
func (r *DeviceRepository) GetPending(ctx context.Context, principalID, deviceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE principal_id = $1 AND device_id = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1`
	return scanDeviceRow(r.pool.QueryRow(ctx, query, principalID, deviceID, models.DeviceStatusPendingApproval))
}

// ListByPrincipal returns every non-revoked device a principal owns.
func (r *DeviceRepository) ListByPrincipal(ctx context.Context, principalID string) ([]*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices
		WHERE principal_id = $1 AND status != $2 ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, principalID, models.DeviceStatusRevoked)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	devices := make([]*models.Device, 0)
	for rows.Next() {
		d, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

// Create inserts a device row. Token/code hashes and their expiry are written
// in the same insert, so a cancelled request never leaves a pending device
// with partially issued credentials.
func (r *DeviceRepository) Create(ctx context.Context, d *models.Device) (*models.Device, error) {
	query := `
		INSERT INTO devices (
			id, principal_id, device_id, fingerprint, status,
			risk_score, risk_factors, approval_token_hash, approval_code_hash,
			approval_attempts, approval_expires_at,
			last_ip, last_country, last_city, browser, os, device_type
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + deviceColumns

	id := uuid.New().String()
	return scanDeviceRow(r.pool.QueryRow(ctx, query,
		id, d.PrincipalID, d.DeviceID, d.Fingerprint, d.Status,
		d.RiskScore, d.RiskFactors, d.ApprovalTokenHash, d.ApprovalCodeHash,
		d.ApprovalAttempts, d.ApprovalExpiresAt,
		d.LastIP, d.LastCountry, d.LastCity, d.Browser, d.OS, d.DeviceType,
	))
}

// Update persists a full device state produced by a transition function.
func (r *DeviceRepository) Update(ctx context.Context, d *models.Device) error {
	query := `
		UPDATE devices SET
			status = $2, risk_score = $3, risk_factors = $4,
			approval_token_hash = $5, approval_code_hash = $6,
			approval_attempts = $7, approval_expires_at = $8,
			last_ip = $9, last_country = $10, last_city = $11,
			browser = $12, os = $13, device_type = $14,
			updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.pool.Exec(ctx, query,
		d.ID, d.Status, d.RiskScore, d.RiskFactors,
		d.ApprovalTokenHash, d.ApprovalCodeHash,
		d.ApprovalAttempts, d.ApprovalExpiresAt,
		d.LastIP, d.LastCountry, d.LastCity,
		d.Browser, d.OS, d.DeviceType,
	)
	return database.MapPostgresError(err)
}

// supersedeTrusted revokes any other trusted row for the same physical device
// identifier. A device that re-fingerprints opens a fresh row while its old
// trusted row still exists; promoting the new one must retire the old one in
// the same transaction or the partial unique index on (principal_id,
// device_id) WHERE status = 'trusted' rejects the promotion.
func supersedeTrusted(ctx context.Context, tx pgx.Tx, principalID, deviceID, keepID string) error {
	query := `
		UPDATE devices SET
			status = $4, approval_token_hash = NULL, approval_code_hash = NULL,
			approval_expires_at = NULL, updated_at = NOW()
		WHERE principal_id = $1 AND device_id = $2 AND id != $3 AND status = $5
	`

	_, err := tx.Exec(ctx, query, principalID, deviceID, keepID,
		models.DeviceStatusRevoked, models.DeviceStatusTrusted)
	return err
}

// Promote persists a device transitioning into the trusted state, retiring
// any trusted row the same device identifier held under a previous
// fingerprint.
func (r *DeviceRepository) Promote(ctx context.Context, d *models.Device) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return database.MapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := supersedeTrusted(ctx, tx, d.PrincipalID, d.DeviceID, d.ID); err != nil {
		return database.MapPostgresError(err)
	}

	query := `
		UPDATE devices SET
			status = $2, risk_score = $3, risk_factors = $4,
			approval_token_hash = $5, approval_code_hash = $6,
			approval_attempts = $7, approval_expires_at = $8,
			last_ip = $9, last_country = $10, last_city = $11,
			browser = $12, os = $13, device_type = $14,
			updated_at = NOW()
		WHERE id = $1
	`

	if _, err := tx.Exec(ctx, query,
		d.ID, d.Status, d.RiskScore, d.RiskFactors,
		d.ApprovalTokenHash, d.ApprovalCodeHash,
		d.ApprovalAttempts, d.ApprovalExpiresAt,
		d.LastIP, d.LastCountry, d.LastCity,
		d.Browser, d.OS, d.DeviceType,
	); err != nil {
		return database.MapPostgresError(err)
	}

	return database.MapPostgresError(tx.Commit(ctx))
}

// CreateTrusted inserts a device row already in the trusted state, retiring
// any trusted row the same device identifier already holds.
func (r *DeviceRepository) CreateTrusted(ctx context.Context, d *models.Device) (*models.Device, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := uuid.New().String()
	if err := supersedeTrusted(ctx, tx, d.PrincipalID, d.DeviceID, id); err != nil {
		return nil, database.MapPostgresError(err)
	}

	query := `
		INSERT INTO devices (
			id, principal_id, device_id, fingerprint, status,
			risk_score, risk_factors, approval_token_hash, approval_code_hash,
			approval_attempts, approval_expires_at,
			last_ip, last_country, last_city, browser, os, device_type
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + deviceColumns

	created, err := scanDeviceRow(tx.QueryRow(ctx, query,
		id, d.PrincipalID, d.DeviceID, d.Fingerprint, d.Status,
		d.RiskScore, d.RiskFactors, d.ApprovalTokenHash, d.ApprovalCodeHash,
		d.ApprovalAttempts, d.ApprovalExpiresAt,
		d.LastIP, d.LastCountry, d.LastCity, d.Browser, d.OS, d.DeviceType,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, database.MapPostgresError(err)
	}

	return created, nil
}

// RotateApprovalSecretsIfCooldownElapsed replaces the approval credentials
// only when the row is still pending and the cooldown has elapsed, in a
// single conditional update. Returns ErrNotFound when the guard did not
// match, which closes the read-then-write race between concurrent resends.
func (r *DeviceRepository) RotateApprovalSecretsIfCooldownElapsed(
	ctx context.Context, id, tokenHash, codeHash string, expiresAt time.Time, cooldown time.Duration,
) (*models.Device, error) {
	query := `
		UPDATE devices SET
			approval_token_hash = $2, approval_code_hash = $3,
			approval_attempts = 0, approval_expires_at = $4,
			updated_at = NOW()
		WHERE id = $1 AND status = $5 AND updated_at <= NOW() - $6::interval
		RETURNING ` + deviceColumns

	interval := fmt.Sprintf("%d seconds", int(cooldown.Seconds()))
	return scanDeviceRow(r.pool.QueryRow(ctx, query,
		id, tokenHash, codeHash, expiresAt, models.DeviceStatusPendingApproval, interval,
	))
}

// RevokeAllForPrincipal marks every device a principal owns as revoked.
func (r *DeviceRepository) RevokeAllForPrincipal(ctx context.Context, principalID string) error {
	query := `
		UPDATE devices SET
			status = $2, approval_token_hash = NULL, approval_code_hash = NULL,
			approval_expires_at = NULL, updated_at = NOW()
		WHERE principal_id = $1 AND status != $2
	`

	_, err := r.pool.Exec(ctx, query, principalID, models.DeviceStatusRevoked)
	return database.MapPostgresError(err)
}
