package mailer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"course-service/config"
	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/util"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Sender delivers composed messages. *gomail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// Mailer renders notification templates and sends them over SMTP.
type Mailer struct {
	sender   Sender
	from     string
	timeout  time.Duration
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// New creates a Mailer that dials the configured SMTP server.
func New(cfg config.EmailConfig) *Mailer {
	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword)
	return NewWithSender(d, cfg.FromEmail, cfg.SendTimeout, cfg.MaxAttempts)
}

// NewWithSender creates a Mailer on top of any Sender.
func NewWithSender(sender Sender, from string, timeout time.Duration, attempts int) *Mailer {
	if attempts < 1 {
		attempts = 1
	}
	return &Mailer{
		sender:   sender,
		from:     from,
		timeout:  timeout,
		attempts: attempts,
		backoff:  500 * time.Millisecond,
		logger:   util.GetLogger(),
	}
}

// Render produces the subject and HTML body of a template.
func Render(name string, to *models.UserContact, data map[string]string) (string, string, error) {
	tmpl, ok := templates[name]
	if !ok {
		return "", "", apperr.Newf(apperr.ErrValidation, "render email", "unknown template %q", name)
	}

	vars := make(map[string]string, len(data)+1)
	for k, v := range data {
		vars[k] = v
	}
	vars["name"] = to.FullName
	if vars["name"] == "" {
		vars["name"] = "there"
	}

	var subject, body bytes.Buffer
	if err := tmpl.subject.Execute(&subject, vars); err != nil {
		return "", "", fmt.Errorf("failed to render subject: %w", err)
	}
	if err := tmpl.body.Execute(&body, vars); err != nil {
		return "", "", fmt.Errorf("failed to render body: %w", err)
	}
	return subject.String(), body.String(), nil
}

// Send renders a template and delivers it to the user, retrying transient
// SMTP failures with a growing pause.
func (m *Mailer) Send(ctx context.Context, to *models.UserContact, name string, data map[string]string) error {
	ctx, span := util.StartSpan(ctx, "Mailer.Send")
	defer span.End()

	subject, body, err := Render(name, to, data)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetAddressHeader("To", to.Email, to.FullName)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/html", body)

	for attempt := 1; ; attempt++ {
		err = m.deliver(ctx, msg)
		if err == nil {
			util.NotificationsTotal.WithLabelValues("email", "ok").Inc()
			m.logger.Info("Email sent",
				zap.String("template", name),
				zap.String("user_id", to.ID.String()))
			return nil
		}
		if attempt >= m.attempts || ctx.Err() != nil {
			break
		}
		m.logger.Warn("Email delivery failed, retrying",
			zap.String("template", name),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-time.After(m.backoff * time.Duration(attempt)):
		case <-ctx.Done():
		}
	}

	util.NotificationsTotal.WithLabelValues("email", "error").Inc()
	return apperr.Wrap(apperr.ErrExternalService, "send email", err)
}

// deliver bounds a single SMTP exchange by the configured timeout.
func (m *Mailer) deliver(ctx context.Context, msg *gomail.Message) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- m.sender.DialAndSend(msg) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
