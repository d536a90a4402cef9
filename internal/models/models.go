package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle state of a PaymentTransaction.
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusExpired    PaymentStatus = "EXPIRED"
)

// Terminal reports whether no further transition may change the status.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusSucceeded, PaymentStatusFailed, PaymentStatusExpired:
		return true
	}
	return false
}

// PaymentTransaction is one attempt to pay for course access.
type PaymentTransaction struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	UserID         uuid.UUID       `db:"user_id" json:"user_id"`
	CourseID       uuid.UUID       `db:"course_id" json:"course_id"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	Currency       string          `db:"currency" json:"currency"`
	GatewayRef     *string         `db:"gateway_ref" json:"gateway_ref,omitempty"`
	Status         PaymentStatus   `db:"status" json:"status"`
	FailureReason  *string         `db:"failure_reason" json:"failure_reason,omitempty"`
	GatewayPayload json.RawMessage `db:"gateway_payload" json:"-"`
	ExpiresAt      time.Time       `db:"expires_at" json:"expires_at"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// IdempotencyRecord marks a gateway transaction reference as acted upon.
type IdempotencyRecord struct {
	GatewayRef  string    `db:"gateway_ref" json:"gateway_ref"`
	PaymentID   uuid.UUID `db:"payment_id" json:"payment_id"`
	Outcome     Outcome   `db:"outcome" json:"outcome"`
	Fingerprint string    `db:"fingerprint" json:"fingerprint"`
	FirstSeenAt time.Time `db:"first_seen_at" json:"first_seen_at"`
}

// EnrollmentStatus is the access state of an Enrollment.
type EnrollmentStatus string

// Enrollment statuses
const (
	EnrollmentStatusActive  EnrollmentStatus = "ACTIVE"
	EnrollmentStatusExpired EnrollmentStatus = "EXPIRED"
	EnrollmentStatusRevoked EnrollmentStatus = "REVOKED"
)

// Enrollment grants a user access to a course. ExpiresAt nil means lifetime access.
type Enrollment struct {
	ID          uuid.UUID        `db:"id" json:"id"`
	UserID      uuid.UUID        `db:"user_id" json:"user_id"`
	CourseID    uuid.UUID        `db:"course_id" json:"course_id"`
	PaymentID   uuid.UUID        `db:"payment_id" json:"payment_id"`
	Status      EnrollmentStatus `db:"status" json:"status"`
	ActivatedAt time.Time        `db:"activated_at" json:"activated_at"`
	ExpiresAt   *time.Time       `db:"expires_at" json:"expires_at,omitempty"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at"`
}

// ActiveAt reports whether the enrollment grants access at t.
func (e *Enrollment) ActiveAt(t time.Time) bool {
	if e == nil || e.Status != EnrollmentStatusActive {
		return false
	}
	return e.ExpiresAt == nil || t.Before(*e.ExpiresAt)
}

// ProgressRecord is the completion state of one (user, content item) pair.
type ProgressRecord struct {
	UserID           uuid.UUID  `db:"user_id" json:"user_id"`
	ContentID        uuid.UUID  `db:"content_id" json:"content_id"`
	ModuleID         uuid.UUID  `db:"module_id" json:"module_id"`
	CourseID         uuid.UUID  `db:"course_id" json:"course_id"`
	Completed        bool       `db:"completed" json:"completed"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	TimeSpentSeconds int64      `db:"time_spent_seconds" json:"time_spent_seconds"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// CourseCompletion is the stored aggregate for a (user, course) pair.
// Version guards the read-recompute-write cycle.
type CourseCompletion struct {
	UserID         uuid.UUID          `db:"user_id" json:"user_id"`
	CourseID       uuid.UUID          `db:"course_id" json:"course_id"`
	CompletedItems int                `db:"completed_items" json:"completed_items"`
	TotalItems     int                `db:"total_items" json:"total_items"`
	Percentage     float64            `db:"percentage" json:"percentage"`
	IsComplete     bool               `db:"is_complete" json:"is_complete"`
	Version        int64              `db:"version" json:"-"`
	CompletedAt    *time.Time         `db:"completed_at" json:"completed_at,omitempty"`
	UpdatedAt      time.Time          `db:"updated_at" json:"updated_at"`
	Modules        []ModuleCompletion `db:"-" json:"modules,omitempty"`
}

// ModuleCompletion is the derived per-module share of a CourseCompletion.
type ModuleCompletion struct {
	ModuleID       uuid.UUID `json:"module_id"`
	Title          string    `json:"title"`
	CompletedItems int       `json:"completed_items"`
	TotalItems     int       `json:"total_items"`
	Percentage     float64   `json:"percentage"`
	IsComplete     bool      `json:"is_complete"`
}

// Certificate is immutable proof of course completion.
type Certificate struct {
	ID               uuid.UUID `db:"id" json:"id"`
	UserID           uuid.UUID `db:"user_id" json:"user_id"`
	CourseID         uuid.UUID `db:"course_id" json:"course_id"`
	VerificationCode string    `db:"verification_code" json:"verification_code"`
	StudentName      string    `db:"student_name" json:"student_name"`
	CourseTitle      string    `db:"course_title" json:"course_title"`
	IssuedAt         time.Time `db:"issued_at" json:"issued_at"`
	ArtifactRef      *string   `db:"artifact_ref" json:"artifact_ref,omitempty"`
}

// Course is the read-only catalog entry a payment or certificate refers to.
type Course struct {
	ID    uuid.UUID `db:"id" json:"id"`
	Title string    `db:"title" json:"title"`
}

// ContentPlacement locates a content item in the catalog.
type ContentPlacement struct {
	ContentID uuid.UUID `db:"content_id"`
	ModuleID  uuid.UUID `db:"module_id"`
	CourseID  uuid.UUID `db:"course_id"`
}

// CourseStructure is the set of published content items of a course, grouped by module.
type CourseStructure struct {
	CourseID uuid.UUID
	Modules  []ModuleStructure
}

// ModuleStructure lists the published content items of one module in order.
type ModuleStructure struct {
	ModuleID   uuid.UUID
	Title      string
	ContentIDs []uuid.UUID
}

// UserContact is what notifications need to reach a learner.
type UserContact struct {
	ID       uuid.UUID `db:"id"`
	Email    string    `db:"email"`
	FullName string    `db:"full_name"`
}
