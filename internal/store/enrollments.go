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

const enrollmentColumns = `id, user_id, course_id, payment_id, status, activated_at, expires_at, updated_at`

// FindEnrollment retrieves the enrollment for a user and course
func (q *queries) FindEnrollment(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	return q.findEnrollment(ctx, "find enrollment",
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE user_id = $1 AND course_id = $2`, userID, courseID)
}

// FindEnrollmentForUpdate retrieves and locks the enrollment for a user and course
func (q *queries) FindEnrollmentForUpdate(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	return q.findEnrollment(ctx, "lock enrollment",
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE user_id = $1 AND course_id = $2 FOR UPDATE`, userID, courseID)
}

func (q *queries) findEnrollment(ctx context.Context, op, query string, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	var e models.Enrollment
	err := sqlx.GetContext(ctx, q.db, &e, query, userID, courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return &e, nil
}

// UpsertEnrollment creates the (user, course) enrollment or overwrites its
// access fields. The unique pair guarantees a single row per learner and course.
func (q *queries) UpsertEnrollment(ctx context.Context, e *models.Enrollment) error {
	query := `
		INSERT INTO enrollments (user_id, course_id, payment_id, status, activated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, course_id) DO UPDATE
		SET payment_id = EXCLUDED.payment_id,
			status = EXCLUDED.status,
			activated_at = EXCLUDED.activated_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = NOW()
		RETURNING id, updated_at`

	row := struct {
		ID        uuid.UUID `db:"id"`
		UpdatedAt time.Time `db:"updated_at"`
	}{}
	err := sqlx.GetContext(ctx, q.db, &row, query,
		e.UserID, e.CourseID, e.PaymentID, e.Status, e.ActivatedAt, e.ExpiresAt)
	if err != nil {
		return apperr.FromDB("upsert enrollment", err)
	}
	e.ID = row.ID
	e.UpdatedAt = row.UpdatedAt
	return nil
}

// ExpireEnrollments marks ACTIVE enrollments whose access window ended as EXPIRED
func (q *queries) ExpireEnrollments(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE enrollments SET status = $1, updated_at = NOW()
		WHERE status = $2 AND expires_at IS NOT NULL AND expires_at <= $3`,
		models.EnrollmentStatusExpired, models.EnrollmentStatusActive, now)
	if err != nil {
		return 0, apperr.FromDB("expire enrollments", err)
	}
	return res.RowsAffected()
}
