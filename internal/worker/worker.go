package worker

import (
	"context"
	"errors"

	"course-service/internal/apperr"
	"course-service/internal/broker"
	"course-service/internal/models"
	"course-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CertificateRenderer renders an issued certificate. *service.CertificateIssuer satisfies it.
type CertificateRenderer interface {
	Render(ctx context.Context, certID uuid.UUID) error
}

// ContactLookup resolves where a user's email goes. *store.Store satisfies it.
type ContactLookup interface {
	GetUserContact(ctx context.Context, id uuid.UUID) (*models.UserContact, error)
}

// EmailSender delivers a templated email. *mailer.Mailer satisfies it.
type EmailSender interface {
	Send(ctx context.Context, to *models.UserContact, template string, data map[string]string) error
}

// RenderWorker renders certificates as their CertificateIssued events arrive
type RenderWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	renderer     CertificateRenderer
	logger       *zap.Logger
}

// NewRenderWorker creates a new render worker
func NewRenderWorker(consumer *broker.Consumer, renderer CertificateRenderer) *RenderWorker {
	w := &RenderWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		renderer:     renderer,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnCertificateIssued(w.handle)
	return w
}

func (w *RenderWorker) handle(ctx context.Context, event *models.CertificateIssuedEvent) error {
	err := w.renderer.Render(ctx, event.CertificateID)
	if errors.Is(err, apperr.ErrNotFound) {
		w.logger.Warn("Certificate from event does not exist, skipping",
			zap.String("certificate_id", event.CertificateID.String()))
		return nil
	}
	return err
}

// Start starts the worker
func (w *RenderWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting certificate render worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *RenderWorker) Stop() error {
	w.logger.Info("Stopping certificate render worker")
	return w.consumer.Close()
}

// NotificationWorker turns NotificationRequested events into emails
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	contacts     ContactLookup
	sender       EmailSender
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, contacts ContactLookup, sender EmailSender) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		contacts:     contacts,
		sender:       sender,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnNotificationRequested(w.handle)
	return w
}

func (w *NotificationWorker) handle(ctx context.Context, event *models.NotificationRequestedEvent) error {
	to, err := w.contacts.GetUserContact(ctx, event.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		w.logger.Warn("Dropping notification for unknown user",
			zap.String("user_id", event.UserID.String()),
			zap.String("template", event.Template))
		return nil
	}
	if err != nil {
		return err
	}

	err = w.sender.Send(ctx, to, event.Template, event.Data)
	if errors.Is(err, apperr.ErrValidation) {
		w.logger.Error("Dropping notification with unknown template",
			zap.String("template", event.Template), zap.Error(err))
		return nil
	}
	return err
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}
