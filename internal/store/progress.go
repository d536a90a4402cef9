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

// FindProgress retrieves the progress of a user on one content item
func (q *queries) FindProgress(ctx context.Context, userID, contentID uuid.UUID) (*models.ProgressRecord, error) {
	var r models.ProgressRecord
	err := sqlx.GetContext(ctx, q.db, &r,
		`SELECT user_id, content_id, module_id, course_id, completed, completed_at, time_spent_seconds, updated_at
		FROM progress_records WHERE user_id = $1 AND content_id = $2`, userID, contentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.FromDB("find progress", err)
	}
	return &r, nil
}

// UpsertProgress writes a merged progress record. The merge itself happens in
// the caller; the statement only keeps completion and time from moving backwards.
func (q *queries) UpsertProgress(ctx context.Context, r *models.ProgressRecord) error {
	query := `
		INSERT INTO progress_records (user_id, content_id, module_id, course_id, completed, completed_at, time_spent_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, content_id) DO UPDATE
		SET completed = progress_records.completed OR EXCLUDED.completed,
			completed_at = COALESCE(progress_records.completed_at, EXCLUDED.completed_at),
			time_spent_seconds = GREATEST(progress_records.time_spent_seconds, EXCLUDED.time_spent_seconds),
			updated_at = NOW()
		RETURNING updated_at`

	err := sqlx.GetContext(ctx, q.db, &r.UpdatedAt, query,
		r.UserID, r.ContentID, r.ModuleID, r.CourseID, r.Completed, r.CompletedAt, r.TimeSpentSeconds)
	return apperr.FromDB("upsert progress", err)
}

// CompletedContentIDs lists the content items of a course the user has completed
func (q *queries) CompletedContentIDs(ctx context.Context, userID, courseID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := sqlx.SelectContext(ctx, q.db, &ids,
		"SELECT content_id FROM progress_records WHERE user_id = $1 AND course_id = $2 AND completed",
		userID, courseID)
	return ids, apperr.FromDB("completed content ids", err)
}

// FindCourseCompletion retrieves the stored completion aggregate
func (q *queries) FindCourseCompletion(ctx context.Context, userID, courseID uuid.UUID) (*models.CourseCompletion, error) {
	var c models.CourseCompletion
	err := sqlx.GetContext(ctx, q.db, &c,
		`SELECT user_id, course_id, completed_items, total_items, percentage, is_complete, version, completed_at, updated_at
		FROM course_completions WHERE user_id = $1 AND course_id = $2`, userID, courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.FromDB("find course completion", err)
	}
	return &c, nil
}

// SaveCourseCompletion writes the aggregate if nobody else has since c was
// read. c.Version is the version that was read (0 for a row that did not
// exist); on success it is bumped to the stored version. A lost race
// returns apperr.ErrConflict.
func (q *queries) SaveCourseCompletion(ctx context.Context, c *models.CourseCompletion) error {
	var (
		query string
		args  []any
	)
	if c.Version == 0 {
		query = `
			INSERT INTO course_completions (user_id, course_id, completed_items, total_items, percentage, is_complete, completed_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			ON CONFLICT (user_id, course_id) DO NOTHING
			RETURNING updated_at`
		args = []any{c.UserID, c.CourseID, c.CompletedItems, c.TotalItems, c.Percentage, c.IsComplete, c.CompletedAt}
	} else {
		query = `
			UPDATE course_completions
			SET completed_items = $1, total_items = $2, percentage = $3, is_complete = $4, completed_at = $5,
				version = version + 1, updated_at = NOW()
			WHERE user_id = $6 AND course_id = $7 AND version = $8
			RETURNING updated_at`
		args = []any{c.CompletedItems, c.TotalItems, c.Percentage, c.IsComplete, c.CompletedAt, c.UserID, c.CourseID, c.Version}
	}

	err := sqlx.GetContext(ctx, q.db, &c.UpdatedAt, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Newf(apperr.ErrConflict, "save course completion", "version %d is stale", c.Version)
	}
	if err != nil {
		return apperr.FromDB("save course completion", err)
	}
	c.Version++
	return nil
}
