package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/redisclient"
	"course-service/internal/store"
	"course-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw callback body.
const SignatureHeader = "X-Gateway-Signature"

const maxReferenceLength = 128

var (
	referencePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)
	amountTolerance  = decimal.RequireFromString("0.01")
	errStaleAck      = errors.New("stale processing acknowledgement")
)

// Webhook dispositions
const (
	WebhookProcessed = "processed"
	WebhookReplayed  = "replayed"
	WebhookIgnored   = "ignored"
)

// WebhookPayload is the callback body the gateway posts.
type WebhookPayload struct {
	Reference string           `json:"reference"`
	PaymentID string           `json:"payment_id"`
	Status    string           `json:"status"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Currency  string           `json:"currency,omitempty"`
	Channel   string           `json:"channel,omitempty"`
}

// WebhookResult is what the gateway is told about its callback.
type WebhookResult struct {
	Result    string               `json:"result"`
	PaymentID uuid.UUID            `json:"payment_id"`
	Outcome   models.Outcome       `json:"outcome"`
	Status    models.PaymentStatus `json:"status"`
}

// WebhookGateway authenticates gateway callbacks and applies each settled
// gateway reference exactly once.
type WebhookGateway struct {
	repo     Repository
	machine  *StateMachine
	cache    ReplayCache
	secret   []byte
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewWebhookGateway creates a new webhook gateway. An empty secret rejects every callback.
func NewWebhookGateway(repo Repository, machine *StateMachine, cache ReplayCache, secret string, cacheTTL time.Duration) *WebhookGateway {
	return &WebhookGateway{
		repo:     repo,
		machine:  machine,
		cache:    cache,
		secret:   []byte(secret),
		cacheTTL: cacheTTL,
		logger:   util.GetLogger(),
	}
}

// Handle processes one callback. body must be the raw request body the signature was computed over.
func (g *WebhookGateway) Handle(ctx context.Context, body []byte, signature string) (result *WebhookResult, err error) {
	ctx, span := util.StartSpan(ctx, "WebhookGateway.Handle")
	start := time.Now()
	defer func() {
		util.WebhookProcessingLatency.Observe(time.Since(start).Seconds())
		label := apperr.Code(err)
		if err == nil {
			label = result.Result
		}
		util.WebhooksReceivedTotal.WithLabelValues(label).Inc()
		util.EndSpan(span, err)
	}()

	if !g.verifySignature(body, signature) {
		g.logger.Warn("Rejected webhook with invalid signature")
		return nil, apperr.New(apperr.ErrAuthentication, "webhook", "invalid signature")
	}

	payload, outcome, err := parsePayload(body)
	if err != nil {
		return nil, err
	}

	if outcome == models.OutcomeProcessing {
		return g.acknowledge(ctx, payload, body)
	}
	return g.settle(ctx, payload, outcome, body)
}

func (g *WebhookGateway) verifySignature(body []byte, signature string) bool {
	if len(g.secret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func parsePayload(body []byte) (*WebhookPayload, models.Outcome, error) {
	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, "", apperr.Wrap(apperr.ErrMalformedPayload, "parse webhook", err)
	}
	p.Reference = strings.TrimSpace(p.Reference)
	if p.Reference == "" || len(p.Reference) > maxReferenceLength || !referencePattern.MatchString(p.Reference) {
		return nil, "", apperr.Newf(apperr.ErrMalformedPayload, "parse webhook", "invalid reference %q", p.Reference)
	}
	outcome, err := models.ParseOutcome(p.Status)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.ErrMalformedPayload, "parse webhook", err)
	}
	if p.PaymentID != "" {
		if _, err := uuid.Parse(p.PaymentID); err != nil {
			return nil, "", apperr.Newf(apperr.ErrMalformedPayload, "parse webhook", "invalid payment_id %q", p.PaymentID)
		}
	}
	return &p, outcome, nil
}

// fingerprint identifies the content of a callback independent of JSON formatting.
func fingerprint(p *WebhookPayload, outcome models.Outcome) string {
	amount := ""
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		p.Reference, p.PaymentID, string(outcome), amount, strings.ToUpper(p.Currency), p.Channel,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// locatePayment finds and locks the payment a callback refers to and checks
// the reference against the one already attached.
func locatePayment(ctx context.Context, tx store.Tx, p *WebhookPayload) (*models.PaymentTransaction, error) {
	var (
		payment *models.PaymentTransaction
		err     error
	)
	if p.PaymentID != "" {
		payment, err = tx.GetPaymentForUpdate(ctx, uuid.MustParse(p.PaymentID))
	} else {
		payment, err = tx.FindPaymentByGatewayRefForUpdate(ctx, p.Reference)
		if err == nil && payment == nil {
			err = apperr.Newf(apperr.ErrNotFound, "locate payment", "no payment for reference %s", p.Reference)
		}
	}
	if err != nil {
		return nil, err
	}

	if payment.GatewayRef != nil && *payment.GatewayRef != p.Reference {
		return nil, apperr.Newf(apperr.ErrMalformedPayload, "locate payment",
			"reference %s does not match payment %s", p.Reference, payment.ID)
	}
	return payment, nil
}

// acknowledge handles non-terminal callbacks. They move PENDING to
// PROCESSING and need no ledger entry: applying one twice is a no-op.
func (g *WebhookGateway) acknowledge(ctx context.Context, payload *WebhookPayload, body []byte) (*WebhookResult, error) {
	var (
		effects afterCommit
		result  *WebhookResult
	)
	err := g.repo.WithTx(ctx, func(tx store.Tx) error {
		effects = nil
		payment, err := locatePayment(ctx, tx, payload)
		if err != nil {
			return err
		}
		result = &WebhookResult{Result: WebhookProcessed, PaymentID: payment.ID, Outcome: models.OutcomeProcessing, Status: payment.Status}

		if payment.Status.Terminal() {
			return errStaleAck
		}
		payment.GatewayRef = &payload.Reference
		payment.GatewayPayload = body
		if _, err := g.machine.Apply(ctx, tx, payment, models.PaymentStatusProcessing, "", &effects); err != nil {
			return err
		}
		result.Status = payment.Status
		return nil
	})
	if errors.Is(err, errStaleAck) {
		g.logger.Info("Ignoring processing acknowledgement for settled payment",
			zap.String("reference", payload.Reference),
			zap.String("payment_id", result.PaymentID.String()),
			zap.String("status", string(result.Status)))
		result.Result = WebhookIgnored
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	effects.run(ctx)
	return result, nil
}

// settle handles terminal callbacks. The ledger insert and the transition
// commit together; a reference already in the ledger is a replay.
func (g *WebhookGateway) settle(ctx context.Context, payload *WebhookPayload, outcome models.Outcome, body []byte) (*WebhookResult, error) {
	if entry := g.lookupReplay(ctx, payload.Reference); entry != nil {
		// a callback naming another payment goes to the ledger, which rejects it
		if id, err := uuid.Parse(entry.PaymentID); err == nil && (payload.PaymentID == "" || payload.PaymentID == id.String()) {
			return &WebhookResult{
				Result:    WebhookReplayed,
				PaymentID: id,
				Outcome:   models.Outcome(entry.Outcome),
				Status:    models.PaymentStatus(entry.Status),
			}, nil
		}
	}

	fp := fingerprint(payload, outcome)
	var (
		effects afterCommit
		result  *WebhookResult
	)
	err := g.repo.WithTx(ctx, func(tx store.Tx) error {
		effects = nil
		payment, err := locatePayment(ctx, tx, payload)
		if err != nil {
			return err
		}

		inserted, err := tx.InsertIdempotencyRecord(ctx, &models.IdempotencyRecord{
			GatewayRef:  payload.Reference,
			PaymentID:   payment.ID,
			Outcome:     outcome,
			Fingerprint: fp,
		})
		if err != nil {
			return err
		}
		if !inserted {
			rec, err := tx.FindIdempotencyRecord(ctx, payload.Reference)
			if err != nil {
				return err
			}
			if rec == nil {
				return apperr.Newf(apperr.ErrConflict, "settle webhook", "ledger entry for %s vanished", payload.Reference)
			}
			if rec.PaymentID != payment.ID {
				return apperr.Newf(apperr.ErrMalformedPayload, "settle webhook",
					"reference %s belongs to payment %s, not %s", payload.Reference, rec.PaymentID, payment.ID)
			}
			if rec.Fingerprint != fp {
				g.logger.Warn("Replayed reference with different content",
					zap.String("reference", payload.Reference),
					zap.String("stored_outcome", string(rec.Outcome)),
					zap.String("received_outcome", string(outcome)))
			}
			result = &WebhookResult{Result: WebhookReplayed, PaymentID: rec.PaymentID, Outcome: rec.Outcome, Status: payment.Status}
			return apperr.New(apperr.ErrDuplicateEvent, "settle webhook", payload.Reference)
		}

		target, reason := outcome.TargetStatus(), outcome.FailureReason()
		if outcome == models.OutcomeSucceeded {
			if mismatch := verifyAmount(payment, payload); mismatch != "" {
				g.logger.Error("Payment amount verification failed",
					zap.String("payment_id", payment.ID.String()),
					zap.String("reference", payload.Reference),
					zap.String("reason", mismatch))
				target, reason = models.PaymentStatusFailed, mismatch
			}
		}

		result = &WebhookResult{Result: WebhookProcessed, PaymentID: payment.ID, Outcome: outcome}
		if !payment.Status.Terminal() {
			payment.GatewayRef = &payload.Reference
			payment.GatewayPayload = body
		}
		_, err = g.machine.Apply(ctx, tx, payment, target, reason, &effects)
		if errors.Is(err, apperr.ErrInvalidTransition) {
			g.logger.Error("Inconsistent gateway outcome for settled payment",
				zap.String("reference", payload.Reference),
				zap.String("payment_id", payment.ID.String()),
				zap.String("status", string(payment.Status)),
				zap.String("outcome", string(outcome)))
			result.Result = WebhookIgnored
			err = nil
		}
		if err != nil {
			return err
		}
		result.Status = payment.Status
		return nil
	})
	if errors.Is(err, apperr.ErrDuplicateEvent) {
		g.rememberReplay(ctx, payload.Reference, result)
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	effects.run(ctx)
	g.rememberReplay(ctx, payload.Reference, result)
	return result, nil
}

// verifyAmount compares what the gateway charged with what the payment asked
// for. Fields the callback omits are not checked.
func verifyAmount(p *models.PaymentTransaction, payload *WebhookPayload) string {
	if payload.Amount != nil && payload.Amount.Sub(p.Amount).Abs().GreaterThan(amountTolerance) {
		return "amount_mismatch"
	}
	if payload.Currency != "" && !strings.EqualFold(payload.Currency, p.Currency) {
		return "currency_mismatch"
	}
	return ""
}

func (g *WebhookGateway) lookupReplay(ctx context.Context, ref string) *redisclient.ReplayEntry {
	if g.cache == nil {
		return nil
	}
	entry, err := g.cache.LookupReplay(ctx, ref)
	if err != nil {
		g.logger.Warn("Replay cache lookup failed", zap.String("reference", ref), zap.Error(err))
		return nil
	}
	return entry
}

func (g *WebhookGateway) rememberReplay(ctx context.Context, ref string, r *WebhookResult) {
	if g.cache == nil || r == nil {
		return
	}
	entry := redisclient.ReplayEntry{PaymentID: r.PaymentID.String(), Outcome: string(r.Outcome), Status: string(r.Status)}
	if err := g.cache.RememberReplay(context.WithoutCancel(ctx), ref, entry, g.cacheTTL); err != nil {
		g.logger.Warn("Replay cache write failed", zap.String("reference", ref), zap.Error(err))
	}
}
