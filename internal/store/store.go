package store

import (
	"context"
	"fmt"
	"time"

	"course-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Tx is the set of queries the pipeline runs, either inside a transaction
// (WithTx) or directly against the pool (*Store).
//
// Lookups named Find* return (nil, nil) when the row does not exist; Get*
// lookups return an apperr.ErrNotFound error instead.
type Tx interface {
	CreatePayment(ctx context.Context, p *models.PaymentTransaction) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error)
	FindPaymentByGatewayRefForUpdate(ctx context.Context, ref string) (*models.PaymentTransaction, error)
	UpdatePayment(ctx context.Context, p *models.PaymentTransaction) error
	LockStalePayments(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error)
	ListPaymentsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PaymentTransaction, error)

	InsertIdempotencyRecord(ctx context.Context, r *models.IdempotencyRecord) (bool, error)
	FindIdempotencyRecord(ctx context.Context, ref string) (*models.IdempotencyRecord, error)

	FindEnrollment(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error)
	FindEnrollmentForUpdate(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error)
	UpsertEnrollment(ctx context.Context, e *models.Enrollment) error
	ExpireEnrollments(ctx context.Context, now time.Time) (int64, error)

	FindProgress(ctx context.Context, userID, contentID uuid.UUID) (*models.ProgressRecord, error)
	UpsertProgress(ctx context.Context, r *models.ProgressRecord) error
	CompletedContentIDs(ctx context.Context, userID, courseID uuid.UUID) ([]uuid.UUID, error)
	FindCourseCompletion(ctx context.Context, userID, courseID uuid.UUID) (*models.CourseCompletion, error)
	SaveCourseCompletion(ctx context.Context, c *models.CourseCompletion) error

	InsertCertificate(ctx context.Context, c *models.Certificate) (bool, error)
	FindCertificate(ctx context.Context, userID, courseID uuid.UUID) (*models.Certificate, error)
	GetCertificateByID(ctx context.Context, id uuid.UUID) (*models.Certificate, error)
	GetCertificateByCode(ctx context.Context, code string) (*models.Certificate, error)
	GetCertificateByShortCode(ctx context.Context, shortCode string) (*models.Certificate, error)
	SetCertificateArtifact(ctx context.Context, id uuid.UUID, ref string) (bool, error)
	ListUnrenderedCertificates(ctx context.Context, issuedBefore time.Time, limit int) ([]models.Certificate, error)

	GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error)
	GetContentPlacement(ctx context.Context, contentID uuid.UUID) (*models.ContentPlacement, error)
	GetCourseStructure(ctx context.Context, courseID uuid.UUID) (*models.CourseStructure, error)
	GetUserContact(ctx context.Context, id uuid.UUID) (*models.UserContact, error)
}

// queries implements Tx over either the pool or a transaction.
type queries struct {
	db sqlx.ExtContext
}

type Store struct {
	queries
	db *sqlx.DB
}

var _ Tx = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{queries: queries{db: db}, db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a single transaction. The transaction commits only
// if fn returns nil; any error or panic rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&queries{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
