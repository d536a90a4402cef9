package service

import (
	"context"
	"time"

	"course-service/internal/models"
	"course-service/internal/redisclient"
	"course-service/internal/store"

	"github.com/google/uuid"
)

// Repository is the persistence the services need. *store.Store satisfies it.
type Repository interface {
	store.Tx
	WithTx(ctx context.Context, fn func(tx store.Tx) error) error
}

// EventPublisher publishes domain events. *broker.EventPublisher satisfies it.
type EventPublisher interface {
	PublishPaymentSettled(ctx context.Context, event *models.PaymentSettledEvent) error
	PublishEnrollmentActivated(ctx context.Context, event *models.EnrollmentActivatedEvent) error
	PublishCourseCompleted(ctx context.Context, event *models.CourseCompletedEvent) error
	PublishCertificateIssued(ctx context.Context, event *models.CertificateIssuedEvent) error
}

// Notifier schedules a templated message to a user. Implementations must not block.
type Notifier interface {
	Notify(userID uuid.UUID, template string, data map[string]string)
}

// ReplayCache remembers settled gateway references. *redisclient.Client satisfies it.
type ReplayCache interface {
	LookupReplay(ctx context.Context, ref string) (*redisclient.ReplayEntry, error)
	RememberReplay(ctx context.Context, ref string, entry redisclient.ReplayEntry, ttl time.Duration) error
}

// afterCommit collects side effects of a transaction. They run only once the
// transaction has committed, so a rollback never leaks an event or a message.
type afterCommit []func(ctx context.Context)

func (a *afterCommit) add(fn func(ctx context.Context)) {
	*a = append(*a, fn)
}

// run executes the collected effects detached from the caller's cancellation.
func (a afterCommit) run(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, fn := range a {
		fn(ctx)
	}
}
