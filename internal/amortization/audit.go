package amortization

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-amortization/internal/shared"
)

// auditEntity names amortizations in the audit trail.
const auditEntity = "amortization"

// Audit actions.
const (
	AuditCreated     = "created"
	AuditUpdated     = "updated"
	AuditDeleted     = "deleted"
	AuditDeactivated = "deactivated"
	AuditRegenerated = "installments_regenerated"
	AuditPayment     = "payment_recorded"
	AuditSynced      = "synced"
)

// ErrAuditDisabled is returned when no audit trail is configured.
var ErrAuditDisabled = fmt.Errorf("%w: audit trail not configured", shared.ErrNotFound)

// Auditor stores and reads the change history of amortizations.
type Auditor interface {
	Record(ctx context.Context, log shared.AuditLog) error
	List(ctx context.Context, entity, entityID string, limit int) ([]shared.AuditLog, error)
}

// EventObserver is told about every committed change, whether or not an
// audit trail is configured.
type EventObserver interface {
	LedgerEvent(action string)
}

// SetObserver registers the change observer.
func (s *Service) SetObserver(observer EventObserver) {
	s.observer = observer
}

// SetAuditor enables the audit trail.
func (s *Service) SetAuditor(auditor Auditor) {
	s.auditor = auditor
}

// audit records a change. A failed write is logged and never fails the change
// itself.
func (s *Service) audit(ctx context.Context, action string, a Amortization, meta map[string]any) {
	if s.observer != nil {
		s.observer.LedgerEvent(action)
	}
	if s.auditor == nil {
		return
	}
	entry := shared.AuditLog{
		Actor:     shared.ActorFromContext(ctx),
		Action:    action,
		Entity:    auditEntity,
		EntityID:  a.ID.String(),
		CompanyID: a.CompanyID,
		Meta:      meta,
		At:        s.now(),
	}
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.logger.Warn("audit record failed",
			slog.String("action", action),
			slog.String("amortization_id", a.ID.String()),
			slog.Any("error", err))
	}
}

// AuditTrail returns the recorded changes of one amortization, newest first.
func (s *Service) AuditTrail(ctx context.Context, id uuid.UUID, limit int) ([]shared.AuditLog, error) {
	const op = "amortization.audit_trail"
	if s.auditor == nil {
		return nil, shared.WrapOp(op, id.String(), ErrAuditDisabled)
	}
	if _, err := s.get(ctx, id); err != nil {
		return nil, shared.WrapOp(op, id.String(), err)
	}
	logs, err := s.auditor.List(ctx, auditEntity, id.String(), limit)
	if err != nil {
		return nil, shared.WrapOp(op, id.String(), err)
	}
	if logs == nil {
		logs = []shared.AuditLog{}
	}
	return logs, nil
}
