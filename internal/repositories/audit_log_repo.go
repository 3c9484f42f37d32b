package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mklatt/bastion/internal/database"
	"github.com/mklatt/bastion/internal/models"
)

type AuditLogRepository struct {
	pool *pgxpool.Pool
}

func NewAuditLogRepository(db *database.DB) *AuditLogRepository {
	return &AuditLogRepository{pool: db.Pool}
}

func (r *AuditLogRepository) Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error) {
	query := `
		INSERT INTO audit_logs (id, action, actor_id, target_id, entity_type, entity_id, success, ip_address, user_agent, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`

	log.ID = uuid.New()
	err := r.pool.QueryRow(ctx, query,
		log.ID, log.Action, log.ActorID, log.TargetID, log.EntityType, log.EntityID,
		log.Success, log.IPAddress, log.UserAgent, log.Details,
	).Scan(&log.ID, &log.CreatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return log, nil
}

// ListByTarget returns recent audit entries for an entity, newest first.
func (r *AuditLogRepository) ListByTarget(ctx context.Context, targetID string, limit int) ([]*models.AuditLog, error) {
	query := `
		SELECT id, action, actor_id, target_id, entity_type, entity_id, success, ip_address, user_agent, details, created_at
		FROM audit_logs WHERE target_id = $1
		ORDER BY created_at DESC LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, targetID, limit)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	logs := make([]*models.AuditLog, 0)
	for rows.Next() {
		var log models.AuditLog
		if err := rows.Scan(
			&log.ID, &log.Action, &log.ActorID, &log.TargetID, &log.EntityType, &log.EntityID,
			&log.Success, &log.IPAddress, &log.UserAgent, &log.Details, &log.CreatedAt,
		); err != nil {
			return nil, database.MapPostgresError(err)
		}
		logs = append(logs, &log)
	}

	return logs, rows.Err()
}

// CleanupOlderThan removes audit entries past the retention window.
func (r *AuditLogRepository) CleanupOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM audit_logs WHERE created_at < $1`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return result.RowsAffected(), nil
}
