package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/store"
	"course-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ShortCodeLength is the number of random characters the short verification code keeps.
const ShortCodeLength = 6

var (
	fullCodePattern  = regexp.MustCompile(`^CERT-\d+-[0-9A-F]{12}$`)
	shortCodePattern = regexp.MustCompile(`^[0-9A-F]{6}$`)
)

// ArtifactRenderer draws a certificate document.
type ArtifactRenderer interface {
	Render(cert *models.Certificate) ([]byte, error)
}

// ArtifactStore persists rendered certificates and returns a reference to them.
type ArtifactStore interface {
	Save(ctx context.Context, name string, data []byte) (string, error)
}

// CertificateIssuer issues one certificate per learner and course, renders it
// and answers public verification lookups.
type CertificateIssuer struct {
	repo      Repository
	publisher EventPublisher
	notifier  Notifier
	renderer  ArtifactRenderer
	artifacts ArtifactStore
	verifyURL string
	logger    *zap.Logger
	now       func() time.Time
	newCode   func(time.Time) (string, error)
}

// NewCertificateIssuer creates a new issuer. verifyURL is the public page
// prefix the verification code is appended to in emails.
func NewCertificateIssuer(repo Repository, publisher EventPublisher, notifier Notifier, renderer ArtifactRenderer, artifacts ArtifactStore, verifyURL string) *CertificateIssuer {
	return &CertificateIssuer{
		repo:      repo,
		publisher: publisher,
		notifier:  notifier,
		renderer:  renderer,
		artifacts: artifacts,
		verifyURL: verifyURL,
		logger:    util.GetLogger(),
		now:       time.Now,
		newCode:   NewVerificationCode,
	}
}

// NewVerificationCode returns CERT-{unix seconds}-{12 uppercase hex} with the
// hex part drawn from crypto/rand.
func NewVerificationCode(t time.Time) (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}
	return fmt.Sprintf("CERT-%d-%s", t.Unix(), strings.ToUpper(hex.EncodeToString(b))), nil
}

// ShortCode returns the short form of a verification code.
func ShortCode(code string) string {
	parts := strings.Split(code, "-")
	if len(parts) != 3 || len(parts[2]) < ShortCodeLength {
		return ""
	}
	return parts[2][:ShortCodeLength]
}

// Issue creates the certificate for (userID, courseID) inside tx unless one
// already exists, in which case the existing one is returned with false. A
// verification code collision surfaces as apperr.ErrConflict so the caller
// retries with a fresh code.
func (i *CertificateIssuer) Issue(ctx context.Context, tx store.Tx, userID, courseID uuid.UUID, effects *afterCommit) (*models.Certificate, bool, error) {
	existing, err := tx.FindCertificate(ctx, userID, courseID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	user, err := tx.GetUserContact(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	course, err := tx.GetCourse(ctx, courseID)
	if err != nil {
		return nil, false, err
	}

	now := i.now().UTC()
	code, err := i.newCode(now)
	if err != nil {
		return nil, false, err
	}
	cert := &models.Certificate{
		UserID:           userID,
		CourseID:         courseID,
		VerificationCode: code,
		StudentName:      user.FullName,
		CourseTitle:      course.Title,
		IssuedAt:         now,
	}

	created, err := tx.InsertCertificate(ctx, cert)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// a concurrent transaction issued it after our first read
		existing, err := tx.FindCertificate(ctx, userID, courseID)
		if err != nil {
			return nil, false, err
		}
		if existing == nil {
			return nil, false, apperr.Newf(apperr.ErrConflict, "issue certificate", "certificate for user %s in course %s not visible yet", userID, courseID)
		}
		return existing, false, nil
	}

	effects.add(func(ctx context.Context) {
		util.CertificatesIssuedTotal.Inc()
		i.logger.Info("Certificate issued",
			zap.String("certificate_id", cert.ID.String()),
			zap.String("user_id", userID.String()),
			zap.String("course_id", courseID.String()))
		event := &models.CertificateIssuedEvent{
			BaseEvent:        models.NewBaseEvent(models.EventTypeCertificateIssued),
			CertificateID:    cert.ID,
			UserID:           cert.UserID,
			CourseID:         cert.CourseID,
			VerificationCode: cert.VerificationCode,
		}
		if err := i.publisher.PublishCertificateIssued(ctx, event); err != nil {
			i.logger.Error("Failed to publish CertificateIssued event; render retry job will pick it up",
				zap.String("certificate_id", cert.ID.String()), zap.Error(err))
		}
	})
	return cert, true, nil
}

// ForUser returns the certificate userID earned in courseID.
func (i *CertificateIssuer) ForUser(ctx context.Context, userID, courseID uuid.UUID) (*models.Certificate, error) {
	cert, err := i.repo.FindCertificate(ctx, userID, courseID)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, apperr.Newf(apperr.ErrNotFound, "get certificate", "no certificate for course %s", courseID)
	}
	return cert, nil
}

// Verify looks a certificate up by its full or short verification code.
func (i *CertificateIssuer) Verify(ctx context.Context, code string) (*models.Certificate, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	switch {
	case fullCodePattern.MatchString(code):
		return i.repo.GetCertificateByCode(ctx, code)
	case shortCodePattern.MatchString(code):
		return i.repo.GetCertificateByShortCode(ctx, code)
	}
	return nil, apperr.Newf(apperr.ErrValidation, "verify certificate", "malformed code %q", code)
}

// Render draws the certificate, stores the artifact and records its
// reference. The completion email goes out only for the render that set
// the reference, so redelivered events send nothing twice.
func (i *CertificateIssuer) Render(ctx context.Context, certID uuid.UUID) (err error) {
	ctx, span := util.StartSpan(ctx, "CertificateIssuer.Render")
	defer func() { util.EndSpan(span, err) }()

	cert, err := i.repo.GetCertificateByID(ctx, certID)
	if err != nil {
		return err
	}
	if cert.ArtifactRef != nil {
		return nil
	}

	png, err := i.renderer.Render(cert)
	if err != nil {
		util.CertificateRenderFailuresTotal.Inc()
		return fmt.Errorf("failed to render certificate %s: %w", certID, err)
	}
	ref, err := i.artifacts.Save(ctx, cert.VerificationCode+".png", png)
	if err != nil {
		util.CertificateRenderFailuresTotal.Inc()
		return apperr.Wrap(apperr.ErrExternalService, "store certificate artifact", err)
	}

	set, err := i.repo.SetCertificateArtifact(ctx, certID, ref)
	if err != nil {
		return err
	}
	if !set {
		return nil
	}

	i.logger.Info("Certificate rendered",
		zap.String("certificate_id", certID.String()),
		zap.String("artifact_ref", ref))
	i.notifier.Notify(cert.UserID, models.TemplateCourseCompletion, map[string]string{
		"course_title":      cert.CourseTitle,
		"student_name":      cert.StudentName,
		"verification_code": cert.VerificationCode,
		"short_code":        ShortCode(cert.VerificationCode),
		"verify_url":        i.verifyURL + cert.VerificationCode,
		"certificate_url":   ref,
	})
	return nil
}

// RenderPending renders certificates issued more than a minute ago that still
// have no artifact. It returns how many were rendered.
func (i *CertificateIssuer) RenderPending(ctx context.Context, limit int) (int, error) {
	certs, err := i.repo.ListUnrenderedCertificates(ctx, i.now().UTC().Add(-time.Minute), limit)
	if err != nil {
		return 0, err
	}
	rendered := 0
	for _, c := range certs {
		if err := i.Render(ctx, c.ID); err != nil {
			i.logger.Error("Certificate render retry failed",
				zap.String("certificate_id", c.ID.String()), zap.Error(err))
			continue
		}
		rendered++
	}
	return rendered, nil
}
