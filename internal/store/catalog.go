package store

import (
	"context"
	"database/sql"
	"errors"

	"course-service/internal/apperr"
	"course-service/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// The catalog and user tables are owned by other services; these queries only read them.

// GetCourse retrieves a published course
func (q *queries) GetCourse(ctx context.Context, id uuid.UUID) (*models.Course, error) {
	var c models.Course
	err := sqlx.GetContext(ctx, q.db, &c, "SELECT id, title FROM courses WHERE id = $1 AND is_published", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.ErrNotFound, "get course", "course %s", id)
	}
	if err != nil {
		return nil, apperr.FromDB("get course", err)
	}
	return &c, nil
}

// GetContentPlacement finds the module and course a published content item belongs to
func (q *queries) GetContentPlacement(ctx context.Context, contentID uuid.UUID) (*models.ContentPlacement, error) {
	var p models.ContentPlacement
	err := sqlx.GetContext(ctx, q.db, &p,
		`SELECT c.id AS content_id, m.id AS module_id, m.course_id
		FROM contents c JOIN modules m ON m.id = c.module_id
		WHERE c.id = $1 AND c.is_published AND m.is_published`, contentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.ErrNotFound, "get content placement", "content %s", contentID)
	}
	if err != nil {
		return nil, apperr.FromDB("get content placement", err)
	}
	return &p, nil
}

// GetCourseStructure loads the published modules and content items of a course in display order
func (q *queries) GetCourseStructure(ctx context.Context, courseID uuid.UUID) (*models.CourseStructure, error) {
	var rows []struct {
		ModuleID  uuid.UUID     `db:"module_id"`
		Title     string        `db:"title"`
		ContentID uuid.NullUUID `db:"content_id"`
	}
	err := sqlx.SelectContext(ctx, q.db, &rows,
		`SELECT m.id AS module_id, m.title, c.id AS content_id
		FROM modules m
		LEFT JOIN contents c ON c.module_id = m.id AND c.is_published
		WHERE m.course_id = $1 AND m.is_published
		ORDER BY m.position, m.id, c.position, c.id`, courseID)
	if err != nil {
		return nil, apperr.FromDB("get course structure", err)
	}

	cs := &models.CourseStructure{CourseID: courseID}
	for _, r := range rows {
		n := len(cs.Modules)
		if n == 0 || cs.Modules[n-1].ModuleID != r.ModuleID {
			cs.Modules = append(cs.Modules, models.ModuleStructure{ModuleID: r.ModuleID, Title: r.Title})
			n++
		}
		if r.ContentID.Valid {
			cs.Modules[n-1].ContentIDs = append(cs.Modules[n-1].ContentIDs, r.ContentID.UUID)
		}
	}
	return cs, nil
}

// GetUserContact retrieves the name and email of a user
func (q *queries) GetUserContact(ctx context.Context, id uuid.UUID) (*models.UserContact, error) {
	var u models.UserContact
	err := sqlx.GetContext(ctx, q.db, &u, "SELECT id, email, full_name FROM users WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.ErrNotFound, "get user contact", "user %s", id)
	}
	if err != nil {
		return nil, apperr.FromDB("get user contact", err)
	}
	return &u, nil
}
