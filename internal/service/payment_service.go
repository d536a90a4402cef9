package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/store"
	"course-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	expiryBatchSize    = 100
	paymentHistorySize = 50
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// PaymentService handles payment initiation, lookup and expiry
type PaymentService struct {
	repo     Repository
	machine  *StateMachine
	checkout *CheckoutLinker
	expiry   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(repo Repository, machine *StateMachine, checkout *CheckoutLinker, expiry time.Duration) *PaymentService {
	return &PaymentService{
		repo:     repo,
		machine:  machine,
		checkout: checkout,
		expiry:   expiry,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// InitiatePaymentRequest represents a request to pay for a course
type InitiatePaymentRequest struct {
	CourseID uuid.UUID       `json:"course_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	Currency string          `json:"currency" binding:"required,len=3"`
}

// InitiatePaymentResponse represents the response after initiating a payment
type InitiatePaymentResponse struct {
	PaymentID   uuid.UUID            `json:"payment_id"`
	Status      models.PaymentStatus `json:"status"`
	ExpiresAt   time.Time            `json:"expires_at"`
	RedirectURL string               `json:"redirect_url"`
}

// Initiate creates a PENDING payment for userID and returns the checkout link.
func (s *PaymentService) Initiate(ctx context.Context, userID uuid.UUID, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Initiate")
	defer span.End()

	if !req.Amount.IsPositive() {
		return nil, apperr.New(apperr.ErrValidation, "initiate payment", "amount must be positive")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return nil, apperr.New(apperr.ErrValidation, "initiate payment", "amount must have at most two decimal places")
	}
	if !currencyPattern.MatchString(req.Currency) {
		return nil, apperr.Newf(apperr.ErrValidation, "initiate payment", "invalid currency %q", req.Currency)
	}

	if _, err := s.repo.GetCourse(ctx, req.CourseID); err != nil {
		return nil, err
	}
	user, err := s.repo.GetUserContact(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := &models.PaymentTransaction{
		UserID:    userID,
		CourseID:  req.CourseID,
		Amount:    req.Amount,
		Currency:  req.Currency,
		Status:    models.PaymentStatusPending,
		ExpiresAt: s.now().UTC().Add(s.expiry),
	}
	if err := s.repo.CreatePayment(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	util.PaymentsInitiatedTotal.Inc()
	s.logger.Info("Payment initiated",
		zap.String("payment_id", p.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("course_id", req.CourseID.String()))

	return &InitiatePaymentResponse{
		PaymentID:   p.ID,
		Status:      p.Status,
		ExpiresAt:   p.ExpiresAt,
		RedirectURL: s.checkout.URL(p, user.Email),
	}, nil
}

// GetPayment returns a payment owned by userID. Payments of other users are
// reported as not found.
func (s *PaymentService) GetPayment(ctx context.Context, userID, paymentID uuid.UUID) (*models.PaymentTransaction, error) {
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, apperr.Newf(apperr.ErrNotFound, "get payment", "payment %s", paymentID)
	}
	return p, nil
}

// ListPayments returns the payment history of userID, newest first.
func (s *PaymentService) ListPayments(ctx context.Context, userID uuid.UUID) ([]models.PaymentTransaction, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ListPayments")
	defer span.End()

	return s.repo.ListPaymentsByUser(ctx, userID, paymentHistorySize)
}

// ExpireStale moves PENDING payments past their expiry to EXPIRED, one batch per call.
func (s *PaymentService) ExpireStale(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ExpireStale")
	defer span.End()

	var effects afterCommit
	expired := 0
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		effects, expired = nil, 0

		stale, err := tx.LockStalePayments(ctx, s.now().UTC(), expiryBatchSize)
		if err != nil {
			return err
		}
		for i := range stale {
			applied, err := s.machine.Apply(ctx, tx, &stale[i], models.PaymentStatusExpired, "expired", &effects)
			if err != nil {
				return err
			}
			if applied {
				expired++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	effects.run(ctx)
	if expired > 0 {
		util.PaymentsExpiredTotal.Add(float64(expired))
		s.logger.Info("Expired stale payments", zap.Int("count", expired))
	}
	return expired, nil
}
