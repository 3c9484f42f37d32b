package services

import (
	"context"
	"log/slog"

	"github.com/mklatt/bastion/internal/models"
	pkglogger "github.com/mklatt/bastion/pkg/logger"
)

// AuditLogRepository defines the persistence half of the audit trail
type AuditLogRepository interface {
	Create(ctx context.Context, log *models.AuditLog) (*models.AuditLog, error)
}

// AuditRecord is one auditable security event.
type AuditRecord struct {
	Action     string
	ActorID    *string // nil for unauthenticated attempts
	TargetID   *string
	EntityType string
	EntityID   *string
	Success    bool
	IPAddress  string
	UserAgent  string
	Details    models.AuditDetails
}

// Auditor is the narrow contract the auth services depend on. Recording is
// fire-and-forget: a failed audit write never propagates into the flow that
// triggered it, so it can never mask the original outcome.
type Auditor interface {
	Record(ctx context.Context, rec AuditRecord)
}

// AuditService dual-writes audit events: a durable row for the compliance
// trail and a structured log line for live monitoring.
type AuditService struct {
	repo        AuditLogRepository
	auditLogger *pkglogger.AuditLogger
	logger      *slog.Logger
}

// NewAuditService creates a new AuditService
func NewAuditService(repo AuditLogRepository, auditLogger *pkglogger.AuditLogger, logger *slog.Logger) *AuditService {
	return &AuditService{
		repo:        repo,
		auditLogger: auditLogger,
		logger:      logger,
	}
}

// Record writes the event to both sinks. Failures are logged and swallowed.
func (s *AuditService) Record(ctx context.Context, rec AuditRecord) {
	entry := &models.AuditLog{
		Action:     rec.Action,
		ActorID:    rec.ActorID,
		TargetID:   rec.TargetID,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Success:    rec.Success,
		Details:    rec.Details,
	}
	if rec.IPAddress != "" {
		entry.IPAddress = &rec.IPAddress
	}
	if rec.UserAgent != "" {
		entry.UserAgent = &rec.UserAgent
	}

	if _, err := s.repo.Create(ctx, entry); err != nil {
		s.logger.Warn("audit write failed",
			slog.String("action", rec.Action),
			slog.Any("error", err))
	}

	event := pkglogger.AuditEvent{
		EventType: rec.Action,
		IPAddress: rec.IPAddress,
		UserAgent: rec.UserAgent,
		Success:   rec.Success,
	}
	if rec.ActorID != nil {
		event.UserID = *rec.ActorID
	} else if rec.TargetID != nil {
		event.UserID = *rec.TargetID
	}
	if !rec.Success {
		if reason, ok := rec.Details["reason"].(string); ok {
			event.FailureReason = reason
		}
	}
	s.auditLogger.LogAuthAttempt(event)
}
