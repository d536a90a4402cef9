package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const paymentColumns = `id, user_id, course_id, amount, currency, gateway_ref, status,
	failure_reason, gateway_payload, expires_at, created_at, updated_at`

// CreatePayment inserts a new PENDING payment and fills in its generated fields
func (q *queries) CreatePayment(ctx context.Context, p *models.PaymentTransaction) error {
	query := `
		INSERT INTO payment_transactions (user_id, course_id, amount, currency, status, gateway_payload, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := sqlx.GetContext(ctx, q.db, p, query,
		p.UserID, p.CourseID, p.Amount, p.Currency, p.Status, payloadOrEmpty(p.GatewayPayload), p.ExpiresAt)
	return apperr.FromDB("create payment", err)
}

// GetPayment retrieves a payment by ID
func (q *queries) GetPayment(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	return q.getPayment(ctx, "get payment", `SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1`, id)
}

// GetPaymentForUpdate retrieves a payment by ID and locks the row until the transaction ends
func (q *queries) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	return q.getPayment(ctx, "lock payment", `SELECT `+paymentColumns+` FROM payment_transactions WHERE id = $1 FOR UPDATE`, id)
}

// FindPaymentByGatewayRefForUpdate locks the payment a gateway reference is attached to
func (q *queries) FindPaymentByGatewayRefForUpdate(ctx context.Context, ref string) (*models.PaymentTransaction, error) {
	var p models.PaymentTransaction
	err := sqlx.GetContext(ctx, q.db, &p,
		`SELECT `+paymentColumns+` FROM payment_transactions WHERE gateway_ref = $1 FOR UPDATE`, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.FromDB("lock payment by gateway ref", err)
	}
	return &p, nil
}

func (q *queries) getPayment(ctx context.Context, op, query string, id uuid.UUID) (*models.PaymentTransaction, error) {
	var p models.PaymentTransaction
	err := sqlx.GetContext(ctx, q.db, &p, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.ErrNotFound, op, "payment %s", id)
	}
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return &p, nil
}

// UpdatePayment writes the mutable fields of a payment
func (q *queries) UpdatePayment(ctx context.Context, p *models.PaymentTransaction) error {
	query := `
		UPDATE payment_transactions
		SET status = $1, gateway_ref = $2, failure_reason = $3, gateway_payload = $4, updated_at = NOW()
		WHERE id = $5
		RETURNING updated_at`

	err := sqlx.GetContext(ctx, q.db, &p.UpdatedAt, query,
		p.Status, p.GatewayRef, p.FailureReason, payloadOrEmpty(p.GatewayPayload), p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Newf(apperr.ErrNotFound, "update payment", "payment %s", p.ID)
	}
	return apperr.FromDB("update payment", err)
}

// LockStalePayments locks PENDING payments that expired before the given time.
// Rows already locked by a concurrent webhook are skipped and picked up next sweep.
func (q *queries) LockStalePayments(ctx context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	var payments []models.PaymentTransaction
	err := sqlx.SelectContext(ctx, q.db, &payments,
		`SELECT `+paymentColumns+` FROM payment_transactions
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		models.PaymentStatusPending, before, limit)
	return payments, apperr.FromDB("lock stale payments", err)
}

// ListPaymentsByUser returns the newest payments of a user first
func (q *queries) ListPaymentsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.PaymentTransaction, error) {
	payments := []models.PaymentTransaction{}
	err := sqlx.SelectContext(ctx, q.db, &payments,
		`SELECT `+paymentColumns+` FROM payment_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		userID, limit)
	return payments, apperr.FromDB("list payments", err)
}

// payloadOrEmpty converts raw JSON into a value lib/pq can bind to a jsonb column.
func payloadOrEmpty(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
