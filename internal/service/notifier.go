package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"course-service/internal/models"
	"course-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NotificationPublisher hands notification requests to the delivery pipeline.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, event *models.NotificationRequestedEvent) error
}

// RetryQueue parks notifications that could not be published.
type RetryQueue interface {
	PushNotificationRetry(ctx context.Context, payload []byte) error
	PopNotificationRetries(ctx context.Context, max int) ([][]byte, error)
}

// NotificationDispatcher is the Notifier used in production. Notify only
// enqueues; a single goroutine started by Run publishes with a timeout and
// parks failures in the retry queue.
type NotificationDispatcher struct {
	queue     chan *models.NotificationRequestedEvent
	publisher NotificationPublisher
	retry     RetryQueue
	timeout   time.Duration
	logger    *zap.Logger

	// mu guards closed and every parking.Add, so none can race the shutdown Wait.
	mu      sync.Mutex
	closed  bool
	parking sync.WaitGroup
}

// NewNotificationDispatcher creates a dispatcher with a queue of the given depth.
func NewNotificationDispatcher(publisher NotificationPublisher, retry RetryQueue, depth int, timeout time.Duration) *NotificationDispatcher {
	return &NotificationDispatcher{
		queue:     make(chan *models.NotificationRequestedEvent, depth),
		publisher: publisher,
		retry:     retry,
		timeout:   timeout,
		logger:    util.GetLogger(),
	}
}

// Notify enqueues a notification without blocking. When the queue is full,
// or Run has already stopped, the message is parked for the retry job instead.
func (d *NotificationDispatcher) Notify(userID uuid.UUID, template string, data map[string]string) {
	event := &models.NotificationRequestedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeNotificationRequested),
		UserID:    userID,
		Template:  template,
		Data:      data,
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.park(event)
		return
	}
	select {
	case d.queue <- event:
		util.NotificationsTotal.WithLabelValues("enqueue", "ok").Inc()
	default:
		util.NotificationsTotal.WithLabelValues("enqueue", "overflow").Inc()
		d.parking.Add(1)
		go func() {
			defer d.parking.Done()
			d.park(event)
		}()
	}
	d.mu.Unlock()
}

// Run publishes queued notifications until ctx is cancelled, then parks
// whatever is still queued.
func (d *NotificationDispatcher) Run(ctx context.Context) {
	for {
		select {
		case event := <-d.queue:
			d.dispatch(ctx, event)
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			d.mu.Unlock()
			for {
				select {
				case event := <-d.queue:
					d.park(event)
				default:
					d.parking.Wait()
					return
				}
			}
		}
	}
}

func (d *NotificationDispatcher) dispatch(ctx context.Context, event *models.NotificationRequestedEvent) {
	pctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := d.publisher.PublishNotification(pctx, event); err != nil {
		util.NotificationsTotal.WithLabelValues("publish", "error").Inc()
		d.logger.Warn("Failed to publish notification, parking for retry",
			zap.String("template", event.Template),
			zap.String("user_id", event.UserID.String()),
			zap.Error(err))
		d.park(event)
		return
	}
	util.NotificationsTotal.WithLabelValues("publish", "ok").Inc()
}

func (d *NotificationDispatcher) park(event *models.NotificationRequestedEvent) {
	b, err := json.Marshal(event)
	if err != nil {
		d.logger.Error("Dropping unencodable notification", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.retry.PushNotificationRetry(ctx, b); err != nil {
		util.NotificationsTotal.WithLabelValues("park", "error").Inc()
		d.logger.Error("Dropping notification, retry queue unavailable",
			zap.String("template", event.Template),
			zap.String("user_id", event.UserID.String()),
			zap.Error(err))
		return
	}
	util.NotificationsTotal.WithLabelValues("park", "ok").Inc()
}

// RetryParked republishes up to max parked notifications. It stops at the
// first failure, putting that message back, and returns how many went out.
func (d *NotificationDispatcher) RetryParked(ctx context.Context, max int) (int, error) {
	parked, err := d.retry.PopNotificationRetries(ctx, max)
	if err != nil && len(parked) == 0 {
		return 0, err
	}

	sent := 0
	for idx, b := range parked {
		var event models.NotificationRequestedEvent
		if err := json.Unmarshal(b, &event); err != nil {
			d.logger.Error("Dropping corrupt parked notification", zap.Error(err))
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, d.timeout)
		err := d.publisher.PublishNotification(pctx, &event)
		cancel()
		if err != nil {
			for _, rest := range parked[idx:] {
				if perr := d.retry.PushNotificationRetry(context.WithoutCancel(ctx), rest); perr != nil {
					d.logger.Error("Lost parked notification", zap.Error(perr))
				}
			}
			return sent, err
		}
		sent++
	}
	if sent > 0 {
		util.NotificationsTotal.WithLabelValues("retry", "ok").Add(float64(sent))
	}
	return sent, nil
}
