package service

import (
	"context"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/store"
	"course-service/internal/util"

	"go.uber.org/zap"
)

// EnrollmentActivator grants or extends course access for succeeded payments.
type EnrollmentActivator struct {
	repo      Repository
	access    time.Duration
	publisher EventPublisher
	notifier  Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewEnrollmentActivator creates a new activator. An access window of zero grants lifetime access.
func NewEnrollmentActivator(repo Repository, access time.Duration, publisher EventPublisher, notifier Notifier) *EnrollmentActivator {
	return &EnrollmentActivator{
		repo:      repo,
		access:    access,
		publisher: publisher,
		notifier:  notifier,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Activate upserts the (user, course) enrollment for p inside tx:
// no row creates an ACTIVE one, an ACTIVE row gets its window extended and an
// EXPIRED or REVOKED row is reactivated. Calling it twice for the same
// payment changes nothing the second time.
func (a *EnrollmentActivator) Activate(ctx context.Context, tx store.Tx, p *models.PaymentTransaction, effects *afterCommit) error {
	if p.Status != models.PaymentStatusSucceeded {
		return apperr.Newf(apperr.ErrInvalidTransition, "activate enrollment", "payment %s is %s", p.ID, p.Status)
	}

	existing, err := tx.FindEnrollmentForUpdate(ctx, p.UserID, p.CourseID)
	if err != nil {
		return err
	}
	if existing != nil && existing.PaymentID == p.ID && existing.Status == models.EnrollmentStatusActive {
		return nil
	}

	now := a.now().UTC()
	kind := "created"
	e := &models.Enrollment{
		UserID:      p.UserID,
		CourseID:    p.CourseID,
		PaymentID:   p.ID,
		Status:      models.EnrollmentStatusActive,
		ActivatedAt: now,
		ExpiresAt:   extendAccess(now, nil, a.access),
	}
	if existing != nil {
		if existing.Status == models.EnrollmentStatusActive {
			kind = "extended"
			e.ActivatedAt = existing.ActivatedAt
			e.ExpiresAt = extendAccess(now, existing.ExpiresAt, a.access)
			if existing.ExpiresAt == nil {
				e.ExpiresAt = nil
			}
		} else {
			kind = "reactivated"
		}
	}

	if err := tx.UpsertEnrollment(ctx, e); err != nil {
		return err
	}

	course, err := tx.GetCourse(ctx, p.CourseID)
	if err != nil {
		return err
	}

	effects.add(func(ctx context.Context) {
		util.EnrollmentsActivatedTotal.WithLabelValues(kind).Inc()
		a.logger.Info("Enrollment activated",
			zap.String("kind", kind),
			zap.String("user_id", e.UserID.String()),
			zap.String("course_id", e.CourseID.String()),
			zap.String("payment_id", p.ID.String()))

		event := &models.EnrollmentActivatedEvent{
			BaseEvent:    models.NewBaseEvent(models.EventTypeEnrollmentActivated),
			EnrollmentID: e.ID,
			UserID:       e.UserID,
			CourseID:     e.CourseID,
			PaymentID:    e.PaymentID,
			ExpiresAt:    e.ExpiresAt,
		}
		if err := a.publisher.PublishEnrollmentActivated(ctx, event); err != nil {
			a.logger.Error("Failed to publish EnrollmentActivated event", zap.Error(err))
		}

		data := map[string]string{
			"course_id":    course.ID.String(),
			"course_title": course.Title,
		}
		if e.ExpiresAt != nil {
			data["expires_at"] = e.ExpiresAt.Format(time.RFC3339)
		}
		a.notifier.Notify(e.UserID, models.TemplateWelcome, data)
	})
	return nil
}

// ExpireEnrollments ends access for enrollments whose window has passed.
func (a *EnrollmentActivator) ExpireEnrollments(ctx context.Context) (int64, error) {
	ctx, span := util.StartSpan(ctx, "EnrollmentActivator.ExpireEnrollments")
	defer span.End()

	n, err := a.repo.ExpireEnrollments(ctx, a.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		util.EnrollmentsExpiredTotal.Add(float64(n))
		a.logger.Info("Expired enrollments", zap.Int64("count", n))
	}
	return n, nil
}

// extendAccess returns the new end of an access window. Time is added to
// whatever access remains, never to a point in the past. A zero window means
// lifetime access.
func extendAccess(now time.Time, current *time.Time, window time.Duration) *time.Time {
	if window <= 0 {
		return nil
	}
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	end := base.Add(window)
	return &end
}
