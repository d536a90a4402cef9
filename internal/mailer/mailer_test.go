package mailer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

var ada = &models.UserContact{ID: uuid.New(), Email: "ada@example.com", FullName: "Ada"}

type fakeSender struct {
	mu       sync.Mutex
	failures int
	sent     []*gomail.Message
	calls    int
}

func (s *fakeSender) DialAndSend(m ...*gomail.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("421 service not available")
	}
	s.sent = append(s.sent, m...)
	return nil
}

func TestRenderWelcome(t *testing.T) {
	subject, body, err := Render(models.TemplateWelcome, ada, map[string]string{
		"course_title": "Go & You",
		"expires_at":   "2026-04-01T12:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "You're enrolled in Go & You", subject)
	assert.Contains(t, body, "Hi Ada,")
	assert.Contains(t, body, "<strong>Go &amp; You</strong>")
	assert.Contains(t, body, "until 2026-04-01T12:00:00Z")

	_, body, err = Render(models.TemplateWelcome, &models.UserContact{Email: "x@example.com"}, map[string]string{"course_title": "Go"})
	require.NoError(t, err)
	assert.Contains(t, body, "Hi there,")
	assert.Contains(t, body, "never expires")
}

func TestRenderEscapesData(t *testing.T) {
	_, body, err := Render(models.TemplatePaymentFailed, ada, map[string]string{
		"amount":   "10.00",
		"currency": "USD",
		"reason":   "<script>alert(1)</script>",
	})
	require.NoError(t, err)
	assert.NotContains(t, body, "<script>")
	assert.Contains(t, body, "10.00 USD")
}

func TestRenderCompletion(t *testing.T) {
	subject, body, err := Render(models.TemplateCourseCompletion, ada, map[string]string{
		"course_title":    "Go",
		"short_code":      "ABCDEF",
		"verify_url":      "https://learn.example.com/verify/CERT-1-ABCDEF012345",
		"certificate_url": "https://learn.example.com/certificates/CERT-1-ABCDEF012345.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "Congratulations on completing Go", subject)
	assert.Contains(t, body, `href="https://learn.example.com/certificates/CERT-1-ABCDEF012345.png"`)
	assert.Contains(t, body, "ABCDEF")
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, _, err := Render("newsletter", ada, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSendRetriesTransientFailures(t *testing.T) {
	sender := &fakeSender{failures: 2}
	m := NewWithSender(sender, "Courses <no-reply@example.com>", time.Second, 3)
	m.backoff = time.Millisecond

	require.NoError(t, m.Send(context.Background(), ada, models.TemplateWelcome, map[string]string{"course_title": "Go"}))
	assert.Equal(t, 3, sender.calls)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, []string{"You're enrolled in Go"}, sender.sent[0].GetHeader("Subject"))
	assert.Contains(t, sender.sent[0].GetHeader("To")[0], "ada@example.com")
}

func TestSendGivesUp(t *testing.T) {
	sender := &fakeSender{failures: 5}
	m := NewWithSender(sender, "no-reply@example.com", time.Second, 2)
	m.backoff = time.Millisecond

	err := m.Send(context.Background(), ada, models.TemplateWelcome, nil)
	assert.ErrorIs(t, err, apperr.ErrExternalService)
	assert.Equal(t, 2, sender.calls)
	assert.Empty(t, sender.sent)
}
