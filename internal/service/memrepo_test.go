package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"course-service/internal/apperr"
	"course-service/internal/models"
	"course-service/internal/redisclient"
	"course-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type pair [2]uuid.UUID

type memState struct {
	payments    map[uuid.UUID]models.PaymentTransaction
	ledger      map[string]models.IdempotencyRecord
	enrollments map[pair]models.Enrollment
	progress    map[pair]models.ProgressRecord
	completions map[pair]models.CourseCompletion
	certs       map[uuid.UUID]models.Certificate
	courses     map[uuid.UUID]models.Course
	structures  map[uuid.UUID]models.CourseStructure
	users       map[uuid.UUID]models.UserContact
}

func newMemState() *memState {
	return &memState{
		payments:    map[uuid.UUID]models.PaymentTransaction{},
		ledger:      map[string]models.IdempotencyRecord{},
		enrollments: map[pair]models.Enrollment{},
		progress:    map[pair]models.ProgressRecord{},
		completions: map[pair]models.CourseCompletion{},
		certs:       map[uuid.UUID]models.Certificate{},
		courses:     map[uuid.UUID]models.Course{},
		structures:  map[uuid.UUID]models.CourseStructure{},
		users:       map[uuid.UUID]models.UserContact{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *memState) clone() *memState {
	return &memState{
		payments:    cloneMap(s.payments),
		ledger:      cloneMap(s.ledger),
		enrollments: cloneMap(s.enrollments),
		progress:    cloneMap(s.progress),
		completions: cloneMap(s.completions),
		certs:       cloneMap(s.certs),
		courses:     cloneMap(s.courses),
		structures:  cloneMap(s.structures),
		users:       cloneMap(s.users),
	}
}

// memRepo is an in-memory Repository. Transactions run one at a time on a
// snapshot that replaces the committed state only when fn succeeds, which
// stands in for row locks and rollback. Unique constraints the pipeline relies
// on are enforced the way Postgres reports them.
type memRepo struct {
	*memTx
	txMu sync.Mutex

	hookMu        sync.Mutex
	saveConflicts int
	commits       int
}

type memTx struct {
	repo   *memRepo
	s      *memState
	direct bool
}

var _ Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	r := &memRepo{}
	r.memTx = &memTx{repo: r, s: newMemState(), direct: true}
	return r
}

func (r *memRepo) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()

	tx := &memTx{repo: r, s: r.memTx.s.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.memTx.s = tx.s
	r.commits++
	return nil
}

// failNextSaves makes the next n completion saves lose their version check.
func (r *memRepo) failNextSaves(n int) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.saveConflicts = n
}

func (r *memRepo) takeSaveConflict() bool {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	if r.saveConflicts > 0 {
		r.saveConflicts--
		return true
	}
	return false
}

// lock serializes direct calls with transactions.
func (t *memTx) lock() func() {
	if !t.direct {
		return func() {}
	}
	t.repo.txMu.Lock()
	return t.repo.txMu.Unlock
}

// seeding helpers, used outside transactions

func (r *memRepo) addUser(name string) uuid.UUID {
	id := uuid.New()
	r.s.users[id] = models.UserContact{ID: id, Email: name + "@example.com", FullName: name}
	return id
}

// addCourse creates a published course with the given number of items per module.
func (r *memRepo) addCourse(title string, itemsPerModule ...int) (uuid.UUID, [][]uuid.UUID) {
	courseID := uuid.New()
	r.s.courses[courseID] = models.Course{ID: courseID, Title: title}
	cs := models.CourseStructure{CourseID: courseID}
	var items [][]uuid.UUID
	for i, n := range itemsPerModule {
		m := models.ModuleStructure{ModuleID: uuid.New(), Title: title + " module " + string(rune('A'+i))}
		for j := 0; j < n; j++ {
			m.ContentIDs = append(m.ContentIDs, uuid.New())
		}
		cs.Modules = append(cs.Modules, m)
		items = append(items, m.ContentIDs)
	}
	r.s.structures[courseID] = cs
	return courseID, items
}

func (r *memRepo) addPayment(userID, courseID uuid.UUID, amount string, status models.PaymentStatus, expiresAt time.Time) *models.PaymentTransaction {
	p := models.PaymentTransaction{
		ID:        uuid.New(),
		UserID:    userID,
		CourseID:  courseID,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "USD",
		Status:    status,
		ExpiresAt: expiresAt,
		CreatedAt: expiresAt.Add(-30 * time.Minute),
	}
	r.s.payments[p.ID] = p
	return &p
}

func (r *memRepo) addEnrollment(userID, courseID uuid.UUID, status models.EnrollmentStatus, expiresAt *time.Time) {
	r.s.enrollments[pair{userID, courseID}] = models.Enrollment{
		ID: uuid.New(), UserID: userID, CourseID: courseID, PaymentID: uuid.New(),
		Status: status, ActivatedAt: time.Now().Add(-time.Hour), ExpiresAt: expiresAt,
	}
}

func (r *memRepo) payment(id uuid.UUID) models.PaymentTransaction {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return r.s.payments[id]
}

func (r *memRepo) enrollmentsFor(userID, courseID uuid.UUID) []models.Enrollment {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	var out []models.Enrollment
	for k, e := range r.s.enrollments {
		if k == (pair{userID, courseID}) {
			out = append(out, e)
		}
	}
	return out
}

func (r *memRepo) certificatesFor(userID, courseID uuid.UUID) []models.Certificate {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	var out []models.Certificate
	for _, c := range r.s.certs {
		if c.UserID == userID && c.CourseID == courseID {
			out = append(out, c)
		}
	}
	return out
}

func (r *memRepo) ledgerSize() int {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return len(r.s.ledger)
}

// store.Tx

func (t *memTx) CreatePayment(_ context.Context, p *models.PaymentTransaction) error {
	defer t.lock()()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	t.s.payments[p.ID] = *p
	return nil
}

func (t *memTx) GetPayment(_ context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	defer t.lock()()
	p, ok := t.s.payments[id]
	if !ok {
		return nil, apperr.Newf(apperr.ErrNotFound, "get payment", "payment %s", id)
	}
	return &p, nil
}

func (t *memTx) GetPaymentForUpdate(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	return t.GetPayment(ctx, id)
}

func (t *memTx) FindPaymentByGatewayRefForUpdate(_ context.Context, ref string) (*models.PaymentTransaction, error) {
	defer t.lock()()
	for _, p := range t.s.payments {
		if p.GatewayRef != nil && *p.GatewayRef == ref {
			return &p, nil
		}
	}
	return nil, nil
}

func (t *memTx) UpdatePayment(_ context.Context, p *models.PaymentTransaction) error {
	defer t.lock()()
	if _, ok := t.s.payments[p.ID]; !ok {
		return apperr.Newf(apperr.ErrNotFound, "update payment", "payment %s", p.ID)
	}
	if p.GatewayRef != nil {
		for id, other := range t.s.payments {
			if id != p.ID && other.GatewayRef != nil && *other.GatewayRef == *p.GatewayRef {
				return apperr.New(apperr.ErrConflict, "update payment", "gateway_ref taken")
			}
		}
	}
	p.UpdatedAt = time.Now()
	t.s.payments[p.ID] = *p
	return nil
}

func (t *memTx) LockStalePayments(_ context.Context, before time.Time, limit int) ([]models.PaymentTransaction, error) {
	defer t.lock()()
	var out []models.PaymentTransaction
	for _, p := range t.s.payments {
		if p.Status == models.PaymentStatusPending && p.ExpiresAt.Before(before) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) ListPaymentsByUser(_ context.Context, userID uuid.UUID, limit int) ([]models.PaymentTransaction, error) {
	defer t.lock()()
	out := []models.PaymentTransaction{}
	for _, p := range t.s.payments {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) InsertIdempotencyRecord(_ context.Context, r *models.IdempotencyRecord) (bool, error) {
	defer t.lock()()
	if _, ok := t.s.ledger[r.GatewayRef]; ok {
		return false, nil
	}
	r.FirstSeenAt = time.Now()
	t.s.ledger[r.GatewayRef] = *r
	return true, nil
}

func (t *memTx) FindIdempotencyRecord(_ context.Context, ref string) (*models.IdempotencyRecord, error) {
	defer t.lock()()
	r, ok := t.s.ledger[ref]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *memTx) FindEnrollment(_ context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	defer t.lock()()
	e, ok := t.s.enrollments[pair{userID, courseID}]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (t *memTx) FindEnrollmentForUpdate(ctx context.Context, userID, courseID uuid.UUID) (*models.Enrollment, error) {
	return t.FindEnrollment(ctx, userID, courseID)
}

func (t *memTx) UpsertEnrollment(_ context.Context, e *models.Enrollment) error {
	defer t.lock()()
	k := pair{e.UserID, e.CourseID}
	if existing, ok := t.s.enrollments[k]; ok {
		e.ID = existing.ID
	} else {
		e.ID = uuid.New()
	}
	e.UpdatedAt = time.Now()
	t.s.enrollments[k] = *e
	return nil
}

func (t *memTx) ExpireEnrollments(_ context.Context, now time.Time) (int64, error) {
	defer t.lock()()
	var n int64
	for k, e := range t.s.enrollments {
		if e.Status == models.EnrollmentStatusActive && e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
			e.Status = models.EnrollmentStatusExpired
			t.s.enrollments[k] = e
			n++
		}
	}
	return n, nil
}

func (t *memTx) FindProgress(_ context.Context, userID, contentID uuid.UUID) (*models.ProgressRecord, error) {
	defer t.lock()()
	r, ok := t.s.progress[pair{userID, contentID}]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (t *memTx) UpsertProgress(_ context.Context, r *models.ProgressRecord) error {
	defer t.lock()()
	r.UpdatedAt = time.Now()
	t.s.progress[pair{r.UserID, r.ContentID}] = *r
	return nil
}

func (t *memTx) CompletedContentIDs(_ context.Context, userID, courseID uuid.UUID) ([]uuid.UUID, error) {
	defer t.lock()()
	var ids []uuid.UUID
	for _, r := range t.s.progress {
		if r.UserID == userID && r.CourseID == courseID && r.Completed {
			ids = append(ids, r.ContentID)
		}
	}
	return ids, nil
}

func (t *memTx) FindCourseCompletion(_ context.Context, userID, courseID uuid.UUID) (*models.CourseCompletion, error) {
	defer t.lock()()
	c, ok := t.s.completions[pair{userID, courseID}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (t *memTx) SaveCourseCompletion(_ context.Context, c *models.CourseCompletion) error {
	defer t.lock()()
	k := pair{c.UserID, c.CourseID}
	stored, ok := t.s.completions[k]
	current := int64(0)
	if ok {
		current = stored.Version
	}
	if current != c.Version || t.repo.takeSaveConflict() {
		return apperr.Newf(apperr.ErrConflict, "save course completion", "version %d is stale", c.Version)
	}
	c.Version++
	c.UpdatedAt = time.Now()
	t.s.completions[k] = *c
	return nil
}

func (t *memTx) InsertCertificate(_ context.Context, c *models.Certificate) (bool, error) {
	defer t.lock()()
	for _, other := range t.s.certs {
		if other.UserID == c.UserID && other.CourseID == c.CourseID {
			return false, nil
		}
	}
	for _, other := range t.s.certs {
		if other.VerificationCode == c.VerificationCode {
			return false, apperr.New(apperr.ErrConflict, "insert certificate", "verification code taken")
		}
	}
	c.ID = uuid.New()
	t.s.certs[c.ID] = *c
	return true, nil
}

func (t *memTx) FindCertificate(_ context.Context, userID, courseID uuid.UUID) (*models.Certificate, error) {
	defer t.lock()()
	for _, c := range t.s.certs {
		if c.UserID == userID && c.CourseID == courseID {
			return &c, nil
		}
	}
	return nil, nil
}

func (t *memTx) GetCertificateByID(_ context.Context, id uuid.UUID) (*models.Certificate, error) {
	defer t.lock()()
	c, ok := t.s.certs[id]
	if !ok {
		return nil, apperr.Newf(apperr.ErrNotFound, "get certificate", "certificate %s", id)
	}
	return &c, nil
}

func (t *memTx) GetCertificateByCode(_ context.Context, code string) (*models.Certificate, error) {
	defer t.lock()()
	for _, c := range t.s.certs {
		if c.VerificationCode == code {
			return &c, nil
		}
	}
	return nil, apperr.Newf(apperr.ErrNotFound, "get certificate by code", "certificate %s", code)
}

func (t *memTx) GetCertificateByShortCode(_ context.Context, shortCode string) (*models.Certificate, error) {
	defer t.lock()()
	var found []models.Certificate
	for _, c := range t.s.certs {
		if ShortCode(c.VerificationCode) == shortCode {
			found = append(found, c)
		}
	}
	if len(found) != 1 {
		return nil, apperr.Newf(apperr.ErrNotFound, "get certificate by short code", "code %s", shortCode)
	}
	return &found[0], nil
}

func (t *memTx) SetCertificateArtifact(_ context.Context, id uuid.UUID, ref string) (bool, error) {
	defer t.lock()()
	c, ok := t.s.certs[id]
	if !ok || c.ArtifactRef != nil {
		return false, nil
	}
	c.ArtifactRef = &ref
	t.s.certs[id] = c
	return true, nil
}

func (t *memTx) ListUnrenderedCertificates(_ context.Context, issuedBefore time.Time, limit int) ([]models.Certificate, error) {
	defer t.lock()()
	var out []models.Certificate
	for _, c := range t.s.certs {
		if c.ArtifactRef == nil && c.IssuedAt.Before(issuedBefore) {
			out = append(out, c)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) GetCourse(_ context.Context, id uuid.UUID) (*models.Course, error) {
	defer t.lock()()
	c, ok := t.s.courses[id]
	if !ok {
		return nil, apperr.Newf(apperr.ErrNotFound, "get course", "course %s", id)
	}
	return &c, nil
}

func (t *memTx) GetContentPlacement(_ context.Context, contentID uuid.UUID) (*models.ContentPlacement, error) {
	defer t.lock()()
	for _, cs := range t.s.structures {
		for _, m := range cs.Modules {
			for _, id := range m.ContentIDs {
				if id == contentID {
					return &models.ContentPlacement{ContentID: id, ModuleID: m.ModuleID, CourseID: cs.CourseID}, nil
				}
			}
		}
	}
	return nil, apperr.Newf(apperr.ErrNotFound, "get content placement", "content %s", contentID)
}

func (t *memTx) GetCourseStructure(_ context.Context, courseID uuid.UUID) (*models.CourseStructure, error) {
	defer t.lock()()
	cs, ok := t.s.structures[courseID]
	if !ok {
		return &models.CourseStructure{CourseID: courseID}, nil
	}
	return &cs, nil
}

func (t *memTx) GetUserContact(_ context.Context, id uuid.UUID) (*models.UserContact, error) {
	defer t.lock()()
	u, ok := t.s.users[id]
	if !ok {
		return nil, apperr.Newf(apperr.ErrNotFound, "get user contact", "user %s", id)
	}
	return &u, nil
}

// fakes for the outward collaborators

type recordingPublisher struct {
	mu        sync.Mutex
	settled   []*models.PaymentSettledEvent
	activated []*models.EnrollmentActivatedEvent
	completed []*models.CourseCompletedEvent
	issued    []*models.CertificateIssuedEvent
	err       error
}

func (p *recordingPublisher) PublishPaymentSettled(_ context.Context, e *models.PaymentSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settled = append(p.settled, e)
	return p.err
}

func (p *recordingPublisher) PublishEnrollmentActivated(_ context.Context, e *models.EnrollmentActivatedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activated = append(p.activated, e)
	return p.err
}

func (p *recordingPublisher) PublishCourseCompleted(_ context.Context, e *models.CourseCompletedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.completed = append(p.completed, e)
	return p.err
}

func (p *recordingPublisher) PublishCertificateIssued(_ context.Context, e *models.CertificateIssuedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued = append(p.issued, e)
	return p.err
}

func (p *recordingPublisher) counts() (settled, activated, completed, issued int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.settled), len(p.activated), len(p.completed), len(p.issued)
}

type sentNotification struct {
	UserID   uuid.UUID
	Template string
	Data     map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Notify(userID uuid.UUID, template string, data map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{UserID: userID, Template: template, Data: data})
}

func (n *recordingNotifier) templates() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		out = append(out, s.Template)
	}
	return out
}

type memReplayCache struct {
	mu      sync.Mutex
	entries map[string]redisclient.ReplayEntry
}

func newMemReplayCache() *memReplayCache {
	return &memReplayCache{entries: map[string]redisclient.ReplayEntry{}}
}

func (c *memReplayCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[string]redisclient.ReplayEntry{}
}

func (c *memReplayCache) LookupReplay(_ context.Context, ref string) (*redisclient.ReplayEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ref]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *memReplayCache) RememberReplay(_ context.Context, ref string, entry redisclient.ReplayEntry, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ref] = entry
	return nil
}
