package service

import (
	"context"
	"testing"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTransition(t *testing.T) {
	const (
		pending    = models.PaymentStatusPending
		processing = models.PaymentStatusProcessing
		succeeded  = models.PaymentStatusSucceeded
		failed     = models.PaymentStatusFailed
		expired    = models.PaymentStatusExpired
	)

	tests := []struct {
		from, to models.PaymentStatus
		applied  bool
		invalid  bool
	}{
		{pending, processing, true, false},
		{pending, succeeded, true, false},
		{pending, failed, true, false},
		{pending, expired, true, false},
		{processing, succeeded, true, false},
		{processing, failed, true, false},
		{processing, processing, false, false},
		{succeeded, succeeded, false, false},
		{failed, failed, false, false},
		{expired, expired, false, false},
		{succeeded, failed, false, true},
		{failed, succeeded, false, true},
		{expired, succeeded, false, true},
		{succeeded, processing, false, true},
		{pending, pending, false, true},
		{processing, pending, false, true},
		{succeeded, pending, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			applied, err := checkTransition(tt.from, tt.to)
			assert.Equal(t, tt.applied, applied)
			if tt.invalid {
				assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestApplyLeavesPaymentUntouchedOnInvalidTransition(t *testing.T) {
	p := newPipeline(t)
	user := p.repo.addUser("ada")
	course, _ := p.repo.addCourse("Go", 1)
	payment := p.repo.addPayment(user, course, "10", models.PaymentStatusFailed, p.clock.Now())

	var effects afterCommit
	err := p.repo.WithTx(context.Background(), func(tx store.Tx) error {
		_, err := p.machine.Apply(context.Background(), tx, payment, models.PaymentStatusSucceeded, "", &effects)
		return err
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, models.PaymentStatusFailed, payment.Status)
	assert.Empty(t, effects)
}

func TestSuccessfulTransitionPublishesAfterCommitOnly(t *testing.T) {
	p := newPipeline(t)
	user := p.repo.addUser("ada")
	course, _ := p.repo.addCourse("Go", 1)
	payment := p.repo.addPayment(user, course, "10", models.PaymentStatusPending, p.clock.Now().Add(time.Hour))

	var effects afterCommit
	err := p.repo.WithTx(context.Background(), func(tx store.Tx) error {
		if _, err := p.machine.Apply(context.Background(), tx, payment, models.PaymentStatusSucceeded, "", &effects); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	settled, activated, _, _ := p.publisher.counts()
	assert.Zero(t, settled)
	assert.Zero(t, activated)
	assert.Equal(t, models.PaymentStatusPending, p.repo.payment(payment.ID).Status)
	assert.Empty(t, p.repo.enrollmentsFor(user, course))
}
