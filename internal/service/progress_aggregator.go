package service

import (
	"context"
	"errors"
	"math"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/store"
	"course-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxCompletionAttempts = 3

// ProgressAggregator records learner activity and keeps course completion up to date.
type ProgressAggregator struct {
	repo      Repository
	issuer    *CertificateIssuer
	publisher EventPublisher
	threshold float64
	logger    *zap.Logger
	now       func() time.Time
}

// NewProgressAggregator creates a new aggregator. threshold is the percentage
// of content items, in (0, 100], a learner must complete.
func NewProgressAggregator(repo Repository, issuer *CertificateIssuer, publisher EventPublisher, threshold float64) *ProgressAggregator {
	return &ProgressAggregator{
		repo:      repo,
		issuer:    issuer,
		publisher: publisher,
		threshold: threshold,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// ProgressUpdate is one progress event for a content item.
type ProgressUpdate struct {
	ContentID      uuid.UUID `json:"content_id" binding:"required"`
	Completed      bool      `json:"completed"`
	TimeSpentDelta int64     `json:"time_spent_delta"`
}

// ProgressResult is the state after a progress event was recorded.
type ProgressResult struct {
	Progress      *models.ProgressRecord   `json:"progress"`
	Completion    *models.CourseCompletion `json:"completion"`
	JustCompleted bool                     `json:"just_completed"`
	Certificate   *models.Certificate      `json:"certificate,omitempty"`
}

// Record merges an update into the user's progress and recomputes the course
// completion. Lost races on the completion row are retried from scratch.
func (a *ProgressAggregator) Record(ctx context.Context, userID uuid.UUID, u ProgressUpdate) (res *ProgressResult, err error) {
	ctx, span := util.StartSpan(ctx, "ProgressAggregator.Record")
	defer func() { util.EndSpan(span, err) }()

	if u.TimeSpentDelta < 0 {
		return nil, apperr.New(apperr.ErrValidation, "record progress", "time_spent_delta must not be negative")
	}

	for attempt := 1; ; attempt++ {
		var effects afterCommit
		res, err = a.record(ctx, userID, u, &effects)
		if err == nil {
			effects.run(ctx)
			util.ProgressEventsTotal.Inc()
			return res, nil
		}
		if !errors.Is(err, apperr.ErrConflict) || attempt >= maxCompletionAttempts {
			return nil, err
		}
		util.ProgressConflictsTotal.Inc()
		a.logger.Debug("Retrying progress after conflict",
			zap.String("user_id", userID.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

func (a *ProgressAggregator) record(ctx context.Context, userID uuid.UUID, u ProgressUpdate, effects *afterCommit) (*ProgressResult, error) {
	res := &ProgressResult{}
	err := a.repo.WithTx(ctx, func(tx store.Tx) error {
		now := a.now().UTC()

		placement, err := tx.GetContentPlacement(ctx, u.ContentID)
		if err != nil {
			return err
		}
		enrollment, err := tx.FindEnrollment(ctx, userID, placement.CourseID)
		if err != nil {
			return err
		}
		if !enrollment.ActiveAt(now) {
			return apperr.Newf(apperr.ErrNotEnrolled, "record progress", "user %s in course %s", userID, placement.CourseID)
		}

		existing, err := tx.FindProgress(ctx, userID, u.ContentID)
		if err != nil {
			return err
		}
		progress := mergeProgress(existing, userID, placement, u, now)
		if err := tx.UpsertProgress(ctx, progress); err != nil {
			return err
		}
		res.Progress = progress

		structure, err := tx.GetCourseStructure(ctx, placement.CourseID)
		if err != nil {
			return err
		}
		completed, err := tx.CompletedContentIDs(ctx, userID, placement.CourseID)
		if err != nil {
			return err
		}
		stored, err := tx.FindCourseCompletion(ctx, userID, placement.CourseID)
		if err != nil {
			return err
		}

		completion := computeCompletion(structure, completed, a.threshold)
		completion.UserID = userID
		crossed := completion.IsComplete && (stored == nil || !stored.IsComplete)
		switch {
		case stored != nil && stored.CompletedAt != nil:
			completion.CompletedAt = stored.CompletedAt
		case crossed:
			completion.CompletedAt = &now
		}
		if stored != nil {
			completion.Version = stored.Version
		}
		if err := tx.SaveCourseCompletion(ctx, completion); err != nil {
			return err
		}
		res.Completion = completion

		if !crossed {
			return nil
		}
		res.JustCompleted = true
		cert, _, err := a.issuer.Issue(ctx, tx, userID, placement.CourseID, effects)
		if err != nil {
			return err
		}
		res.Certificate = cert

		effects.add(func(ctx context.Context) {
			util.CourseCompletionsTotal.Inc()
			a.logger.Info("Course completed",
				zap.String("user_id", userID.String()),
				zap.String("course_id", placement.CourseID.String()),
				zap.Float64("percentage", completion.Percentage))
			event := &models.CourseCompletedEvent{
				BaseEvent:  models.NewBaseEvent(models.EventTypeCourseCompleted),
				UserID:     userID,
				CourseID:   placement.CourseID,
				Percentage: completion.Percentage,
			}
			if err := a.publisher.PublishCourseCompleted(ctx, event); err != nil {
				a.logger.Error("Failed to publish CourseCompleted event", zap.Error(err))
			}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Completion recomputes the completion of a course for a user from current
// progress and catalog. It writes nothing.
func (a *ProgressAggregator) Completion(ctx context.Context, userID, courseID uuid.UUID) (*models.CourseCompletion, error) {
	ctx, span := util.StartSpan(ctx, "ProgressAggregator.Completion")
	defer span.End()

	enrollment, err := a.repo.FindEnrollment(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if enrollment == nil {
		return nil, apperr.Newf(apperr.ErrNotEnrolled, "course completion", "user %s in course %s", userID, courseID)
	}

	structure, err := a.repo.GetCourseStructure(ctx, courseID)
	if err != nil {
		return nil, err
	}
	completed, err := a.repo.CompletedContentIDs(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	completion := computeCompletion(structure, completed, a.threshold)
	completion.UserID = userID

	stored, err := a.repo.FindCourseCompletion(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		completion.CompletedAt = stored.CompletedAt
		completion.UpdatedAt = stored.UpdatedAt
	}
	return completion, nil
}

// mergeProgress folds an update into the stored record. Completion never
// reverts and time only accumulates.
func mergeProgress(existing *models.ProgressRecord, userID uuid.UUID, placement *models.ContentPlacement, u ProgressUpdate, now time.Time) *models.ProgressRecord {
	r := &models.ProgressRecord{
		UserID:    userID,
		ContentID: placement.ContentID,
		ModuleID:  placement.ModuleID,
		CourseID:  placement.CourseID,
	}
	if existing != nil {
		r.Completed = existing.Completed
		r.CompletedAt = existing.CompletedAt
		r.TimeSpentSeconds = existing.TimeSpentSeconds
	}
	r.TimeSpentSeconds += u.TimeSpentDelta
	if u.Completed && !r.Completed {
		r.Completed = true
		r.CompletedAt = &now
	}
	return r
}

// computeCompletion derives the course and module aggregates. Only completed
// items that are still part of the published catalog count.
func computeCompletion(structure *models.CourseStructure, completedIDs []uuid.UUID, threshold float64) *models.CourseCompletion {
	done := make(map[uuid.UUID]struct{}, len(completedIDs))
	for _, id := range completedIDs {
		done[id] = struct{}{}
	}

	c := &models.CourseCompletion{CourseID: structure.CourseID}
	for _, m := range structure.Modules {
		mc := models.ModuleCompletion{ModuleID: m.ModuleID, Title: m.Title, TotalItems: len(m.ContentIDs)}
		for _, id := range m.ContentIDs {
			if _, ok := done[id]; ok {
				mc.CompletedItems++
			}
		}
		mc.Percentage = percentage(mc.CompletedItems, mc.TotalItems)
		mc.IsComplete = meetsThreshold(mc.CompletedItems, mc.TotalItems, threshold)

		c.CompletedItems += mc.CompletedItems
		c.TotalItems += mc.TotalItems
		c.Modules = append(c.Modules, mc)
	}
	c.Percentage = percentage(c.CompletedItems, c.TotalItems)
	c.IsComplete = meetsThreshold(c.CompletedItems, c.TotalItems, threshold)
	return c
}

func percentage(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(completed)*100/float64(total)*100) / 100
}

// meetsThreshold compares unrounded counts so 99.995% never rounds up to 100%.
func meetsThreshold(completed, total int, threshold float64) bool {
	return total > 0 && float64(completed)*100 >= threshold*float64(total)
}
