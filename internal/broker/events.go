package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"course-service/internal/models"
	"course-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events and notification requests
type EventPublisher struct {
	events        *Producer
	notifications *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(events, notifications *Producer) *EventPublisher {
	return &EventPublisher{events: events, notifications: notifications}
}

// PublishPaymentSettled publishes PaymentSucceeded/Failed/Expired events
func (ep *EventPublisher) PublishPaymentSettled(ctx context.Context, event *models.PaymentSettledEvent) error {
	return ep.events.PublishEvent(ctx, "payment-"+event.PaymentID.String(), event)
}

// PublishEnrollmentActivated publishes EnrollmentActivated event
func (ep *EventPublisher) PublishEnrollmentActivated(ctx context.Context, event *models.EnrollmentActivatedEvent) error {
	return ep.events.PublishEvent(ctx, enrollmentKey(event.UserID.String(), event.CourseID.String()), event)
}

// PublishCourseCompleted publishes CourseCompleted event
func (ep *EventPublisher) PublishCourseCompleted(ctx context.Context, event *models.CourseCompletedEvent) error {
	return ep.events.PublishEvent(ctx, enrollmentKey(event.UserID.String(), event.CourseID.String()), event)
}

// PublishCertificateIssued publishes CertificateIssued event
func (ep *EventPublisher) PublishCertificateIssued(ctx context.Context, event *models.CertificateIssuedEvent) error {
	return ep.events.PublishEvent(ctx, "certificate-"+event.CertificateID.String(), event)
}

// PublishNotification publishes a NotificationRequested event on the notifications topic
func (ep *EventPublisher) PublishNotification(ctx context.Context, event *models.NotificationRequestedEvent) error {
	return ep.notifications.PublishEvent(ctx, "user-"+event.UserID.String(), event)
}

func enrollmentKey(userID, courseID string) string {
	return fmt.Sprintf("enrollment-%s-%s", userID, courseID)
}

// EventHandler handles incoming events
type EventHandler struct {
	onCertificateIssued     func(context.Context, *models.CertificateIssuedEvent) error
	onNotificationRequested func(context.Context, *models.NotificationRequestedEvent) error
	logger                  *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnCertificateIssued registers a handler for CertificateIssued events
func (eh *EventHandler) OnCertificateIssued(handler func(context.Context, *models.CertificateIssuedEvent) error) {
	eh.onCertificateIssued = handler
}

// OnNotificationRequested registers a handler for NotificationRequested events
func (eh *EventHandler) OnNotificationRequested(handler func(context.Context, *models.NotificationRequestedEvent) error) {
	eh.onNotificationRequested = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// Poison message: retrying cannot fix it.
		eh.logger.Error("Dropping undecodable event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeCertificateIssued:
		if eh.onCertificateIssued != nil {
			var event models.CertificateIssuedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal CertificateIssued event: %w", err)
			}
			return eh.onCertificateIssued(ctx, &event)
		}

	case models.EventTypeNotificationRequested:
		if eh.onNotificationRequested != nil {
			var event models.NotificationRequestedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal NotificationRequested event: %w", err)
			}
			return eh.onNotificationRequested(ctx, &event)
		}
	}

	return nil
}
