package service

import (
	"context"

	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/store"
	"course-service/internal/util"

	"go.uber.org/zap"
)

// checkTransition validates moving a payment from one status to another.
// It returns false with a nil error when the move is a no-op.
//
//	PENDING -> PROCESSING -> SUCCEEDED | FAILED | EXPIRED
//	PENDING -> SUCCEEDED | FAILED | EXPIRED
func checkTransition(from, to models.PaymentStatus) (bool, error) {
	switch {
	case to == models.PaymentStatusPending:
		return false, apperr.Newf(apperr.ErrInvalidTransition, "payment transition", "%s -> %s", from, to)
	case from == to:
		return false, nil
	case from.Terminal():
		return false, apperr.Newf(apperr.ErrInvalidTransition, "payment transition", "%s -> %s", from, to)
	}
	return true, nil
}

// StateMachine applies payment status transitions inside a caller's transaction.
type StateMachine struct {
	activator *EnrollmentActivator
	publisher EventPublisher
	notifier  Notifier
	logger    *zap.Logger
}

// NewStateMachine creates a new payment state machine
func NewStateMachine(activator *EnrollmentActivator, publisher EventPublisher, notifier Notifier) *StateMachine {
	return &StateMachine{
		activator: activator,
		publisher: publisher,
		notifier:  notifier,
		logger:    util.GetLogger(),
	}
}

// Apply moves p to target and persists it through tx. Entering SUCCEEDED
// activates the enrollment in the same transaction. On error p is left
// unchanged and nothing is written.
func (m *StateMachine) Apply(ctx context.Context, tx store.Tx, p *models.PaymentTransaction, target models.PaymentStatus, reason string, effects *afterCommit) (bool, error) {
	applied, err := checkTransition(p.Status, target)
	if err != nil {
		return false, err
	}
	if !applied {
		m.logger.Debug("Payment transition is a no-op",
			zap.String("payment_id", p.ID.String()),
			zap.String("status", string(p.Status)))
		return false, nil
	}

	from := p.Status
	prevReason := p.FailureReason
	p.Status = target
	if reason != "" {
		p.FailureReason = &reason
	}
	if err := tx.UpdatePayment(ctx, p); err != nil {
		p.Status, p.FailureReason = from, prevReason
		return false, err
	}

	if target == models.PaymentStatusSucceeded {
		if err := m.activator.Activate(ctx, tx, p, effects); err != nil {
			p.Status, p.FailureReason = from, prevReason
			return false, err
		}
	}

	settled := *p
	effects.add(func(ctx context.Context) {
		util.PaymentTransitionsTotal.WithLabelValues(string(from), string(target)).Inc()
		m.logger.Info("Payment transitioned",
			zap.String("payment_id", settled.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(target)))

		if !target.Terminal() {
			return
		}
		m.publishSettled(ctx, &settled)
		if target == models.PaymentStatusFailed {
			m.notifier.Notify(settled.UserID, models.TemplatePaymentFailed, map[string]string{
				"payment_id": settled.ID.String(),
				"amount":     settled.Amount.StringFixed(2),
				"currency":   settled.Currency,
				"reason":     deref(settled.FailureReason),
			})
		}
	})
	return true, nil
}

func (m *StateMachine) publishSettled(ctx context.Context, p *models.PaymentTransaction) {
	eventType := models.EventTypePaymentSucceeded
	switch p.Status {
	case models.PaymentStatusFailed:
		eventType = models.EventTypePaymentFailed
	case models.PaymentStatusExpired:
		eventType = models.EventTypePaymentExpired
	}

	event := &models.PaymentSettledEvent{
		BaseEvent:  models.NewBaseEvent(eventType),
		PaymentID:  p.ID,
		UserID:     p.UserID,
		CourseID:   p.CourseID,
		Status:     p.Status,
		GatewayRef: deref(p.GatewayRef),
		Reason:     deref(p.FailureReason),
	}
	if err := m.publisher.PublishPaymentSettled(ctx, event); err != nil {
		m.logger.Error("Failed to publish payment settled event",
			zap.String("payment_id", p.ID.String()), zap.Error(err))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
