package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mklatt/bastion/internal/database"
	"github.com/mklatt/bastion/internal/models"
)

type RefreshTokenRepository struct {
	pool *pgxpool.Pool
}

func NewRefreshTokenRepository(db *database.DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{pool: db.Pool}
}

const refreshTokenColumns = `
	id, principal_id, token_hash, device_id, session_id, remember_me, revoked, expires_at, created_at
`

func scanRefreshTokenRow(scanner rowScanner) (*models.RefreshToken, error) {
	var t models.RefreshToken

	err := scanner.Scan(
		&t.ID, &t.PrincipalID, &t.TokenHash, &t.DeviceID, &t.SessionID,
		&t.RememberMe, &t.Revoked, &t.ExpiresAt, &t.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &t, nil
}

// Create inserts a refresh token and, when the token is linked to a device,
// first revokes any token previously linked to it. A device owns at most one
// live refresh token.
func (r *RefreshTokenRepository) Create(ctx context.Context, t *models.RefreshToken) (*models.RefreshToken, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if t.DeviceID != nil {
		revokePrev := `UPDATE refresh_tokens SET revoked = TRUE WHERE device_id = $1 AND NOT revoked`
		if _, err := tx.Exec(ctx, revokePrev, *t.DeviceID); err != nil {
			return nil, database.MapPostgresError(err)
		}
	}

	query := `
		INSERT INTO refresh_tokens (id, principal_id, token_hash, device_id, session_id, remember_me, revoked, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		RETURNING ` + refreshTokenColumns

	id := uuid.New().String()
	created, err := scanRefreshTokenRow(tx.QueryRow(ctx, query,
		id, t.PrincipalID, t.TokenHash, t.DeviceID, t.SessionID, t.RememberMe, t.ExpiresAt,
	))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, database.MapPostgresError(err)
	}

	return created, nil
}

func (r *RefreshTokenRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1`
	return scanRefreshTokenRow(r.pool.QueryRow(ctx, query, tokenHash))
}

func (r *RefreshTokenRepository) Revoke(ctx context.Context, id string) error {
	query := `UPDATE refresh_tokens SET revoked = TRUE WHERE id = $1`

	_, err := r.pool.Exec(ctx, query, id)
	return database.MapPostgresError(err)
}

// RevokeAllForPrincipal invalidates every outstanding refresh token a
// principal owns. Part of the permission-change fan-out.
func (r *RefreshTokenRepository) RevokeAllForPrincipal(ctx context.Context, principalID string) error {
	query := `UPDATE refresh_tokens SET revoked = TRUE WHERE principal_id = $1 AND NOT revoked`

	_, err := r.pool.Exec(ctx, query, principalID)
	return database.MapPostgresError(err)
}

// RevokeForDevice invalidates the token exclusively linked to a device and
// returns the session ids it carried, so callers can mark those sessions
// revoked in the cache as well.
func (r *RefreshTokenRepository) RevokeForDevice(ctx context.Context, deviceID string) ([]string, error) {
	query := `UPDATE refresh_tokens SET revoked = TRUE
		WHERE device_id = $1 AND NOT revoked
		RETURNING session_id`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	var sessionIDs []string
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, database.MapPostgresError(err)
		}
		sessionIDs = append(sessionIDs, sid)
	}

	return sessionIDs, database.MapPostgresError(rows.Err())
}

// ListActiveSessionIDs enumerates the session ids of every live refresh
// token a principal owns; used to write one revocation marker per session.
func (r *RefreshTokenRepository) ListActiveSessionIDs(ctx context.Context, principalID string) ([]string, error) {
	query := `
		SELECT session_id FROM refresh_tokens
		WHERE principal_id = $1 AND NOT revoked AND expires_at > NOW()
	`

	rows, err := r.pool.Query(ctx, query, principalID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	sessions := make([]string, 0)
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// CleanupExpired deletes tokens past expiry (call periodically).
func (r *RefreshTokenRepository) CleanupExpired(ctx context.Context) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at < $1`

	result, err := r.pool.Exec(ctx, query, time.Now())
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return result.RowsAffected(), nil
}
