package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/service"
	"course-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// PaymentService starts and reads payments
type PaymentService interface {
	Initiate(ctx context.Context, userID uuid.UUID, req *service.InitiatePaymentRequest) (*service.InitiatePaymentResponse, error)
	GetPayment(ctx context.Context, userID, paymentID uuid.UUID) (*models.PaymentTransaction, error)
	ListPayments(ctx context.Context, userID uuid.UUID) ([]models.PaymentTransaction, error)
}

// WebhookReceiver processes signed gateway callbacks
type WebhookReceiver interface {
	Handle(ctx context.Context, body []byte, signature string) (*service.WebhookResult, error)
}

// ProgressTracker records progress and reports completion
type ProgressTracker interface {
	Record(ctx context.Context, userID uuid.UUID, u service.ProgressUpdate) (*service.ProgressResult, error)
	Completion(ctx context.Context, userID, courseID uuid.UUID) (*models.CourseCompletion, error)
}

// CertificateService looks certificates up by verification code or by owner
type CertificateService interface {
	Verify(ctx context.Context, code string) (*models.Certificate, error)
	ForUser(ctx context.Context, userID, courseID uuid.UUID) (*models.Certificate, error)
}

// RateLimiter is a shared request counter. *redisclient.Client satisfies it.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Config carries the HTTP-facing settings
type Config struct {
	JWTSecret        string
	RequestTimeout   time.Duration
	VerifyRateLimit  int
	VerifyRateWindow time.Duration
	CertificateDir   string
}

// Handler contains HTTP handlers
type Handler struct {
	payments     PaymentService
	webhooks     WebhookReceiver
	progress     ProgressTracker
	certificates CertificateService
	limiter      RateLimiter
	cfg          Config
	checks       map[string]func(context.Context) error
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler. checks are run by the readiness probe.
func NewHandler(
	payments PaymentService,
	webhooks WebhookReceiver,
	progress ProgressTracker,
	certificates CertificateService,
	limiter RateLimiter,
	cfg Config,
	checks map[string]func(context.Context) error,
) *Handler {
	return &Handler{
		payments:     payments,
		webhooks:     webhooks,
		progress:     progress,
		certificates: certificates,
		limiter:      limiter,
		cfg:          cfg,
		checks:       checks,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())
	router.Use(requestTimeout(h.cfg.RequestTimeout))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if h.cfg.CertificateDir != "" {
		router.Static("/certificates", h.cfg.CertificateDir)
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/webhooks/payments", h.receiveWebhook)
		v1.GET("/certificates/verify/:code",
			rateLimit(h.limiter, "verify", h.cfg.VerifyRateLimit, h.cfg.VerifyRateWindow),
			h.verifyCertificate)

		authed := v1.Group("", requireUser([]byte(h.cfg.JWTSecret)))
		authed.POST("/payments", h.initiatePayment)
		authed.GET("/payments", h.listPayments)
		authed.GET("/payments/:id", h.getPayment)
		authed.POST("/progress", h.recordProgress)
		authed.GET("/courses/:id/completion", h.getCompletion)
		authed.GET("/courses/:id/certificate", h.getCertificate)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready only when every dependency answers
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": results,
		"time":   time.Now().Unix(),
	})
}

// receiveWebhook handles payment gateway callbacks. Processed, replayed and
// ignored callbacks all answer 200 so the gateway stops redelivering.
func (h *Handler) receiveWebhook(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		h.writeError(c, apperr.Wrap(apperr.ErrMalformedPayload, "read webhook", err))
		return
	}

	result, err := h.webhooks.Handle(c.Request.Context(), body, c.GetHeader(service.SignatureHeader))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// initiatePayment handles payment creation for the caller
func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Wrap(apperr.ErrValidation, "initiate payment", err))
		return
	}

	resp, err := h.payments.Initiate(c.Request.Context(), currentUser(c), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// getPayment handles get payment by ID
func (h *Handler) getPayment(c *gin.Context) {
	paymentID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	payment, err := h.payments.GetPayment(c.Request.Context(), currentUser(c), paymentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

// listPayments returns the caller's payment history
func (h *Handler) listPayments(c *gin.Context) {
	payments, err := h.payments.ListPayments(c.Request.Context(), currentUser(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if payments == nil {
		payments = []models.PaymentTransaction{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

// recordProgress handles a progress event for the caller
func (h *Handler) recordProgress(c *gin.Context) {
	var req service.ProgressUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Wrap(apperr.ErrValidation, "record progress", err))
		return
	}

	res, err := h.progress.Record(c.Request.Context(), currentUser(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// getCompletion handles the caller's completion of a course
func (h *Handler) getCompletion(c *gin.Context) {
	courseID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	completion, err := h.progress.Completion(c.Request.Context(), currentUser(c), courseID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, completion)
}

// getCertificate returns the caller's certificate for a course
func (h *Handler) getCertificate(c *gin.Context) {
	courseID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}

	cert, err := h.certificates.ForUser(c.Request.Context(), currentUser(c), courseID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

type certificateView struct {
	VerificationCode string    `json:"verification_code"`
	StudentName      string    `json:"student_name"`
	CourseTitle      string    `json:"course_title"`
	IssuedAt         time.Time `json:"issued_at"`
	CertificateURL   string    `json:"certificate_url,omitempty"`
}

// verifyCertificate is the public verification lookup
func (h *Handler) verifyCertificate(c *gin.Context) {
	cert, err := h.certificates.Verify(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	view := certificateView{
		VerificationCode: cert.VerificationCode,
		StudentName:      cert.StudentName,
		CourseTitle:      cert.CourseTitle,
		IssuedAt:         cert.IssuedAt,
	}
	if cert.ArtifactRef != nil {
		view.CertificateURL = *cert.ArtifactRef
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "certificate": view})
}

func (h *Handler) uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		h.writeError(c, apperr.Newf(apperr.ErrValidation, "parse "+name, "invalid id %q", c.Param(name)))
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps err onto a status code. Details of server-side failures
// stay in the log.
func (h *Handler) writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err))
		message = http.StatusText(status)
	}
	c.JSON(status, gin.H{
		"error":   apperr.Code(err),
		"message": message,
	})
}
