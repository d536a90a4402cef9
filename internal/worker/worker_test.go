package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/util"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	util.SetLogger(zap.NewNop())
	os.Exit(m.Run())
}

type fakeRenderer struct {
	rendered []uuid.UUID
	err      error
}

func (r *fakeRenderer) Render(_ context.Context, id uuid.UUID) error {
	r.rendered = append(r.rendered, id)
	return r.err
}

type fakeContacts map[uuid.UUID]*models.UserContact

func (c fakeContacts) GetUserContact(_ context.Context, id uuid.UUID) (*models.UserContact, error) {
	u, ok := c[id]
	if !ok {
		return nil, apperr.Newf(apperr.ErrNotFound, "get user contact", "user %s", id)
	}
	return u, nil
}

type sentEmail struct {
	to       string
	template string
}

type fakeSender struct {
	sent []sentEmail
	err  error
}

func (s *fakeSender) Send(_ context.Context, to *models.UserContact, template string, _ map[string]string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentEmail{to: to.Email, template: template})
	return nil
}

func message(t *testing.T, event any) kafka.Message {
	t.Helper()
	b, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestRenderWorkerRendersIssuedCertificates(t *testing.T) {
	r := &fakeRenderer{}
	w := NewRenderWorker(nil, r)
	certID := uuid.New()

	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), message(t, &models.CertificateIssuedEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeCertificateIssued),
		CertificateID: certID,
	})))
	// other event types on the topic are ignored
	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), message(t, &models.CourseCompletedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeCourseCompleted),
	})))

	assert.Equal(t, []uuid.UUID{certID}, r.rendered)
}

func TestRenderWorkerErrors(t *testing.T) {
	event := &models.CertificateIssuedEvent{BaseEvent: models.NewBaseEvent(models.EventTypeCertificateIssued), CertificateID: uuid.New()}

	w := NewRenderWorker(nil, &fakeRenderer{err: apperr.New(apperr.ErrNotFound, "get certificate", "gone")})
	assert.NoError(t, w.handle(context.Background(), event))

	boom := errors.New("disk full")
	w = NewRenderWorker(nil, &fakeRenderer{err: boom})
	assert.ErrorIs(t, w.handle(context.Background(), event), boom)
}

func TestNotificationWorkerSendsEmail(t *testing.T) {
	user := &models.UserContact{ID: uuid.New(), Email: "ada@example.com", FullName: "Ada"}
	sender := &fakeSender{}
	w := NewNotificationWorker(nil, fakeContacts{user.ID: user}, sender)

	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), message(t, &models.NotificationRequestedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeNotificationRequested),
		UserID:    user.ID,
		Template:  models.TemplateWelcome,
		Data:      map[string]string{"course_title": "Go"},
	})))
	assert.Equal(t, []sentEmail{{to: "ada@example.com", template: models.TemplateWelcome}}, sender.sent)
}

func TestNotificationWorkerDropsUndeliverable(t *testing.T) {
	user := &models.UserContact{ID: uuid.New(), Email: "ada@example.com"}

	w := NewNotificationWorker(nil, fakeContacts{}, &fakeSender{})
	assert.NoError(t, w.handle(context.Background(), &models.NotificationRequestedEvent{UserID: user.ID, Template: models.TemplateWelcome}))

	w = NewNotificationWorker(nil, fakeContacts{user.ID: user}, &fakeSender{err: apperr.New(apperr.ErrValidation, "render email", "unknown template")})
	assert.NoError(t, w.handle(context.Background(), &models.NotificationRequestedEvent{UserID: user.ID, Template: "nope"}))

	smtpDown := apperr.Wrap(apperr.ErrExternalService, "send email", errors.New("connection refused"))
	w = NewNotificationWorker(nil, fakeContacts{user.ID: user}, &fakeSender{err: smtpDown})
	assert.ErrorIs(t, w.handle(context.Background(), &models.NotificationRequestedEvent{UserID: user.ID, Template: models.TemplateWelcome}), apperr.ErrExternalService)
}

type fakeLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
	err      error
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return "", l.err
	}
	if l.held[key] {
		return "", nil
	}
	l.held[key] = true
	return "token-" + key, nil
}

func (l *fakeLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token == "token-"+key {
		delete(l.held, key)
		l.released = append(l.released, key)
	}
	return nil
}

func runs(job, result string) float64 {
	return testutil.ToFloat64(util.ScheduledJobRunsTotal.WithLabelValues(job, result))
}

func TestSchedulerRunsJobUnderLock(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{}}
	s := NewScheduler(locker, time.Second)

	calls := 0
	job := Job{Name: "test-run-under-lock", Spec: "@every 1h", Run: func(ctx context.Context) (int, error) {
		calls++
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return 3, nil
	}}

	s.runJob(context.Background(), job)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"job:test-run-under-lock"}, locker.released)
	assert.Equal(t, 1.0, runs(job.Name, "ok"))
}

func TestSchedulerSkipsJobHeldElsewhere(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{"job:test-held": true}}
	s := NewScheduler(locker, time.Second)

	job := Job{Name: "test-held", Spec: "@every 1h", Run: func(context.Context) (int, error) {
		t.Fatal("job must not run while another replica holds the lock")
		return 0, nil
	}}
	s.runJob(context.Background(), job)
	assert.Equal(t, 1.0, runs(job.Name, "skipped"))
	assert.Empty(t, locker.released)

	locker.err = errors.New("redis down")
	s.runJob(context.Background(), job)
	assert.Equal(t, 1.0, runs(job.Name, "lock_error"))
}

func TestSchedulerRecordsFailures(t *testing.T) {
	locker := &fakeLocker{held: map[string]bool{}}
	s := NewScheduler(locker, time.Second)

	job := Job{Name: "test-failing", Spec: "@every 1h", Run: func(context.Context) (int, error) {
		return 0, errors.New("db unavailable")
	}}
	s.runJob(context.Background(), job)
	assert.Equal(t, 1.0, runs(job.Name, "error"))
	assert.Equal(t, []string{"job:test-failing"}, locker.released)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(&fakeLocker{held: map[string]bool{}}, time.Second)
	assert.Error(t, s.Register(Job{Name: "bad", Spec: "every now and then", Run: func(context.Context) (int, error) { return 0, nil }}))
	assert.NoError(t, s.Register(Job{Name: "good", Spec: "@every 1m", Run: func(context.Context) (int, error) { return 0, nil }}))
	s.Start()
	s.Stop()
}
