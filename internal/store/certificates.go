package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const certificateColumns = `id, user_id, course_id, verification_code, student_name, course_title, issued_at, artifact_ref`

// InsertCertificate issues a certificate unless one already exists for the
// user and course. It returns false, leaving c untouched, when one exists.
// A verification code collision surfaces as apperr.ErrConflict.
func (q *queries) InsertCertificate(ctx context.Context, c *models.Certificate) (bool, error) {
	query := `
		INSERT INTO certificates (user_id, course_id, verification_code, student_name, course_title, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, course_id) DO NOTHING
		RETURNING id`

	err := sqlx.GetContext(ctx, q.db, &c.ID, query,
		c.UserID, c.CourseID, c.VerificationCode, c.StudentName, c.CourseTitle, c.IssuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.FromDB("insert certificate", err)
	}
	return true, nil
}

// FindCertificate retrieves the certificate of a user for a course
func (q *queries) FindCertificate(ctx context.Context, userID, courseID uuid.UUID) (*models.Certificate, error) {
	var c models.Certificate
	err := sqlx.GetContext(ctx, q.db, &c,
		`SELECT `+certificateColumns+` FROM certificates WHERE user_id = $1 AND course_id = $2`, userID, courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.FromDB("find certificate", err)
	}
	return &c, nil
}

// GetCertificateByID retrieves a certificate by ID
func (q *queries) GetCertificateByID(ctx context.Context, id uuid.UUID) (*models.Certificate, error) {
	return q.getCertificate(ctx, "get certificate", `SELECT `+certificateColumns+` FROM certificates WHERE id = $1`, id)
}

// GetCertificateByCode retrieves a certificate by its full verification code
func (q *queries) GetCertificateByCode(ctx context.Context, code string) (*models.Certificate, error) {
	return q.getCertificate(ctx, "get certificate by code",
		`SELECT `+certificateColumns+` FROM certificates WHERE verification_code = $1`, code)
}

// GetCertificateByShortCode resolves the short form printed on certificates:
// the leading characters of the random part of the code. Ambiguous short
// codes resolve to nothing.
func (q *queries) GetCertificateByShortCode(ctx context.Context, shortCode string) (*models.Certificate, error) {
	var certs []models.Certificate
	err := sqlx.SelectContext(ctx, q.db, &certs,
		`SELECT `+certificateColumns+` FROM certificates
		WHERE split_part(verification_code, '-', 3) LIKE $1 || '%'
		LIMIT 2`, strings.ToUpper(shortCode))
	if err != nil {
		return nil, apperr.FromDB("get certificate by short code", err)
	}
	if len(certs) != 1 {
		return nil, apperr.Newf(apperr.ErrNotFound, "get certificate by short code", "code %s", shortCode)
	}
	return &certs[0], nil
}

func (q *queries) getCertificate(ctx context.Context, op, query string, arg any) (*models.Certificate, error) {
	var c models.Certificate
	err := sqlx.GetContext(ctx, q.db, &c, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.ErrNotFound, op, "certificate %v", arg)
	}
	if err != nil {
		return nil, apperr.FromDB(op, err)
	}
	return &c, nil
}

// SetCertificateArtifact records where the rendered certificate lives. The
// reference is set once; a second call returns false and changes nothing.
func (q *queries) SetCertificateArtifact(ctx context.Context, id uuid.UUID, ref string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE certificates SET artifact_ref = $1 WHERE id = $2 AND artifact_ref IS NULL", ref, id)
	if err != nil {
		return false, apperr.FromDB("set certificate artifact", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListUnrenderedCertificates returns certificates issued before the cutoff that still have no artifact
func (q *queries) ListUnrenderedCertificates(ctx context.Context, issuedBefore time.Time, limit int) ([]models.Certificate, error) {
	var certs []models.Certificate
	err := sqlx.SelectContext(ctx, q.db, &certs,
		`SELECT `+certificateColumns+` FROM certificates
		WHERE artifact_ref IS NULL AND issued_at < $1
		ORDER BY issued_at
		LIMIT $2`, issuedBefore, limit)
	return certs, apperr.FromDB("list unrendered certificates", err)
}
