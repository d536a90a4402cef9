package store

import (
	"context"
	"database/sql"
	"errors"

	"course-service/internal/apperr"
	"course-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// InsertIdempotencyRecord claims a gateway reference. It returns false when the
// reference was already recorded, in which case nothing is written.
func (q *queries) InsertIdempotencyRecord(ctx context.Context, r *models.IdempotencyRecord) (bool, error) {
	query := `
		INSERT INTO idempotency_records (gateway_ref, payment_id, outcome, fingerprint)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (gateway_ref) DO NOTHING
		RETURNING first_seen_at`

	err := sqlx.GetContext(ctx, q.db, &r.FirstSeenAt, query, r.GatewayRef, r.PaymentID, r.Outcome, r.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.FromDB("insert idempotency record", err)
	}
	return true, nil
}

// FindIdempotencyRecord retrieves the ledger entry for a gateway reference
func (q *queries) FindIdempotencyRecord(ctx context.Context, ref string) (*models.IdempotencyRecord, error) {
	var r models.IdempotencyRecord
	err := sqlx.GetContext(ctx, q.db, &r,
		"SELECT gateway_ref, payment_id, outcome, fingerprint, first_seen_at FROM idempotency_records WHERE gateway_ref = $1", ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.FromDB("find idempotency record", err)
	}
	return &r, nil
}
