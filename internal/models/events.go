package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypePaymentSucceeded      = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed         = "PAYMENT_FAILED"
	EventTypePaymentExpired        = "PAYMENT_EXPIRED"
	EventTypeEnrollmentActivated   = "ENROLLMENT_ACTIVATED"
	EventTypeCourseCompleted       = "COURSE_COMPLETED"
	EventTypeCertificateIssued     = "CERTIFICATE_ISSUED"
	EventTypeNotificationRequested = "NOTIFICATION_REQUESTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PaymentSettledEvent published when a payment reaches a terminal status
type PaymentSettledEvent struct {
	BaseEvent
	PaymentID  uuid.UUID     `json:"payment_id"`
	UserID     uuid.UUID     `json:"user_id"`
	CourseID   uuid.UUID     `json:"course_id"`
	Status     PaymentStatus `json:"status"`
	GatewayRef string        `json:"gateway_ref,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// EnrollmentActivatedEvent published after a succeeded payment commits
type EnrollmentActivatedEvent struct {
	BaseEvent
	EnrollmentID uuid.UUID  `json:"enrollment_id"`
	UserID       uuid.UUID  `json:"user_id"`
	CourseID     uuid.UUID  `json:"course_id"`
	PaymentID    uuid.UUID  `json:"payment_id"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// CourseCompletedEvent published when completion crosses the threshold
type CourseCompletedEvent struct {
	BaseEvent
	UserID     uuid.UUID `json:"user_id"`
	CourseID   uuid.UUID `json:"course_id"`
	Percentage float64   `json:"percentage"`
}

// CertificateIssuedEvent published after the certificate row commits; the
// render worker consumes it
type CertificateIssuedEvent struct {
	BaseEvent
	CertificateID    uuid.UUID `json:"certificate_id"`
	UserID           uuid.UUID `json:"user_id"`
	CourseID         uuid.UUID `json:"course_id"`
	VerificationCode string    `json:"verification_code"`
}

// Notification templates
const (
	TemplateWelcome          = "welcome"
	TemplateCourseCompletion = "course_completion"
	TemplatePaymentFailed    = "payment_failed"
)

// NotificationRequestedEvent asks the notification worker to send a templated message
type NotificationRequestedEvent struct {
	BaseEvent
	UserID   uuid.UUID         `json:"user_id"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data,omitempty"`
}
