package dispatcher

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obligohq/notifier/internal/email"
	"github.com/obligohq/notifier/internal/model"
	"github.com/obligohq/notifier/internal/preference"
	"github.com/obligohq/notifier/internal/ratelimit"
	"github.com/obligohq/notifier/internal/repository"
	"github.com/obligohq/notifier/internal/template"
	apperrors "github.com/obligohq/notifier/pkg/errors"
	"github.com/obligohq/notifier/pkg/logger"
)

type fakeNotificationRepo struct {
	mu            sync.Mutex
	rows          map[uuid.UUID]*model.Notification
	claimRejected bool
}

func newFakeNotificationRepo() *fakeNotificationRepo {
	return &fakeNotificationRepo{rows: make(map[uuid.UUID]*model.Notification)}
}

func (f *fakeNotificationRepo) Create(_ context.Context, n *model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	cp := *n
	f.rows[n.ID] = &cp
	return nil
}

func (f *fakeNotificationRepo) Get(_ context.Context, id uuid.UUID) (*model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (f *fakeNotificationRepo) ListDue(_ context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*model.Notification
	for _, n := range f.rows {
		if n.Status.IsProcessable() && !n.ScheduledFor.After(now) && len(due) < limit {
			cp := *n
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (f *fakeNotificationRepo) ClaimForSending(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimRejected {
		return repository.ErrNotFound
	}
	n, ok := f.rows[id]
	if !ok || !n.Status.IsProcessable() {
		return repository.ErrNotFound
	}
	n.Status = model.NotificationStatusSending
	return nil
}

func (f *fakeNotificationRepo) Update(_ context.Context, n *model.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[n.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *n
	f.rows[n.ID] = &cp
	return nil
}

func (f *fakeNotificationRepo) Reschedule(_ context.Context, id uuid.UUID, status model.NotificationStatus, at time.Time, meta model.NotificationMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	n.Status = status
	n.ScheduledFor = at
	n.Metadata = meta
	return nil
}

func (f *fakeNotificationRepo) get(id uuid.UUID) *model.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.rows[id]
	return &cp
}

type fakeDeadLetterRepo struct {
	mu            sync.Mutex
	entries       []*model.DeadLetterEntry
	notifications *fakeNotificationRepo
}

func (f *fakeDeadLetterRepo) Create(_ context.Context, entry *model.DeadLetterEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	cp := *entry
	f.entries = append(f.entries, &cp)
	return nil
}

func (f *fakeDeadLetterRepo) CreateAndFail(ctx context.Context, entry *model.DeadLetterEntry, n *model.Notification) error {
	if err := f.Create(ctx, entry); err != nil {
		return err
	}
	n.Metadata.DeadLetterID = &entry.ID
	n.Status = model.NotificationStatusFailed
	return f.notifications.Update(ctx, n)
}

func (f *fakeDeadLetterRepo) List(_ context.Context, limit int) ([]*model.DeadLetterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) < limit {
		limit = len(f.entries)
	}
	return f.entries[:limit], nil
}

func (f *fakeDeadLetterRepo) GetByNotification(_ context.Context, notificationID uuid.UUID) (*model.DeadLetterEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries {
		if e.NotificationID == notificationID {
			return e, nil
		}
	}
	return nil, repository.ErrNotFound
}

type fakeCompanyRepo struct {
	names map[uuid.UUID]string
}

func (f *fakeCompanyRepo) GetName(_ context.Context, id uuid.UUID) (string, error) {
	if name, ok := f.names[id]; ok {
		return name, nil
	}
	return "", repository.ErrNotFound
}

type fakeEmailSender struct {
	mu    sync.Mutex
	sent  []*email.Message
	fails []error
}

func (f *fakeEmailSender) Send(_ context.Context, msg *email.Message) (*email.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fails) > 0 {
		err := f.fails[0]
		f.fails = f.fails[1:]
		if err != nil {
			return nil, err
		}
	}
	f.sent = append(f.sent, msg)
	return &email.Result{MessageID: uuid.New().String()}, nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
	recorded int
}

func (f *fakeLimiter) Check(_ context.Context, _ ratelimit.Scope) (*ratelimit.Decision, error) {
	d := f.decision
	return &d, nil
}

func (f *fakeLimiter) RecordUsage(_ context.Context, _ ratelimit.Scope) error {
	f.recorded++
	return nil
}

type fakePrefs struct {
	suppressed bool
	frequency  preference.Frequency
	digested   []uuid.UUID
}

func (f *fakePrefs) ShouldSend(_ context.Context, _ uuid.UUID, _, _ string) (bool, error) {
	return !f.suppressed, nil
}

func (f *fakePrefs) GetPreferences(_ context.Context, _ uuid.UUID) (*preference.Preferences, error) {
	freq := f.frequency
	if freq == "" {
		freq = preference.FrequencyImmediate
	}
	return &preference.Preferences{Enabled: true, Frequency: freq}, nil
}

func (f *fakePrefs) QueueForDigest(_ context.Context, notificationID, _ uuid.UUID, _ preference.Frequency) error {
	f.digested = append(f.digested, notificationID)
	return nil
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type dispatcherFixture struct {
	svc        *Service
	repo       *fakeNotificationRepo
	deadLetter *fakeDeadLetterRepo
	emailSvc   *fakeEmailSender
	limiter    *fakeLimiter
	prefs      *fakePrefs
	now        time.Time
}

func newFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	templates, err := template.NewRegistry()
	require.NoError(t, err)

	f := &dispatcherFixture{
		repo:     newFakeNotificationRepo(),
		emailSvc: &fakeEmailSender{},
		limiter:  &fakeLimiter{decision: ratelimit.Decision{Allowed: true}},
		prefs:    &fakePrefs{},
		now:      time.Date(2026, 8, 28, 9, 0, 0, 0, time.UTC),
	}
	f.deadLetter = &fakeDeadLetterRepo{notifications: f.repo}
	log := logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
	f.svc = NewService(
		f.repo, f.deadLetter, &fakeCompanyRepo{}, f.emailSvc,
		f.limiter, f.prefs, templates, log, nil,
	).WithClock(fixedClock{now: f.now})
	return f
}

func (f *dispatcherFixture) addNotification(t *testing.T, mutate func(*model.Notification)) *model.Notification {
	t.Helper()
	n := &model.Notification{
		UserID:       uuid.New(),
		CompanyID:    uuid.New(),
		Recipient:    "user@example.com",
		Type:         "obligation_due",
		Channel:      model.ChannelEmail,
		Status:       model.NotificationStatusPending,
		Priority:     model.PriorityNormal,
		ScheduledFor: f.now.Add(-time.Minute),
		Metadata:     model.NotificationMetadata{CompanyName: "Acme Corp"},
	}
	if mutate != nil {
		mutate(n)
	}
	require.NoError(t, f.repo.Create(context.Background(), n))
	return n
}

func TestRunBatchSendsDueNotification(t *testing.T) {
	f := newFixture(t)
	n := f.addNotification(t, nil)

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Picked)
	assert.Equal(t, 1, result.Sent)

	stored := f.repo.get(n.ID)
	assert.Equal(t, model.NotificationStatusSent, stored.Status)
	require.NotNil(t, stored.SentAt)
	assert.Equal(t, f.now, *stored.SentAt)

	require.Len(t, f.emailSvc.sent, 1)
	assert.Equal(t, "user@example.com", f.emailSvc.sent[0].To)
	assert.Contains(t, f.emailSvc.sent[0].Text, "Acme Corp")
	assert.Equal(t, 1, f.limiter.recorded)
}

func TestRunBatchSkipsFutureRows(t *testing.T) {
	f := newFixture(t)
	f.addNotification(t, func(n *model.Notification) {
		n.ScheduledFor = f.now.Add(time.Hour)
	})

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, result.Picked)
	assert.Empty(t, f.emailSvc.sent)
}

func TestSuppressedPreferenceCancels(t *testing.T) {
	f := newFixture(t)
	f.prefs.suppressed = true
	n := f.addNotification(t, nil)

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Cancelled)

	assert.Equal(t, model.NotificationStatusCancelled, f.repo.get(n.ID).Status)
	assert.Empty(t, f.emailSvc.sent)
	assert.Zero(t, f.limiter.recorded)
}

func TestDigestPreferenceHandsOff(t *testing.T) {
	f := newFixture(t)
	f.prefs.frequency = preference.FrequencyDaily
	n := f.addNotification(t, nil)

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Digested)
	assert.Equal(t, []uuid.UUID{n.ID}, f.prefs.digested)
	assert.Empty(t, f.emailSvc.sent)
}

func TestRateLimitedDeferral(t *testing.T) {
	f := newFixture(t)
	retryAt := f.now.Add(20 * time.Minute)
	f.limiter.decision = ratelimit.Decision{Allowed: false, RetryAfter: retryAt}
	n := f.addNotification(t, nil)

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)

	stored := f.repo.get(n.ID)
	assert.Equal(t, model.NotificationStatusQueued, stored.Status)
	assert.Equal(t, retryAt, stored.ScheduledFor)
	assert.Empty(t, f.emailSvc.sent)
	assert.Zero(t, f.limiter.recorded, "deferred work is never charged against the quota")
}

func TestClaimRaceLosesQuietly(t *testing.T) {
	f := newFixture(t)
	f.repo.claimRejected = true
	f.addNotification(t, nil)

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)
	assert.Empty(t, f.emailSvc.sent)
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.emailSvc.fails = []error{apperrors.Transient(errors.New("connection refused"))}
	n := f.addNotification(t, nil)

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)

	stored := f.repo.get(n.ID)
	assert.Equal(t, model.NotificationStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.Metadata.RetryCount)
	assert.Equal(t, f.now.Add(5*time.Minute), stored.ScheduledFor)
	assert.Contains(t, stored.Metadata.LastError, "connection refused")
	assert.Zero(t, f.limiter.recorded)
}

func TestRetryBackoffEscalates(t *testing.T) {
	f := newFixture(t)
	f.emailSvc.fails = []error{apperrors.Transient(errors.New("450 mailbox busy"))}
	n := f.addNotification(t, func(n *model.Notification) {
		n.Status = model.NotificationStatusRetrying
		n.Metadata.RetryCount = 1
	})

	_, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)

	stored := f.repo.get(n.ID)
	assert.Equal(t, 2, stored.Metadata.RetryCount)
	assert.Equal(t, f.now.Add(30*time.Minute), stored.ScheduledFor)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	f := newFixture(t)
	f.emailSvc.fails = []error{apperrors.Transient(errors.New("still down"))}
	n := f.addNotification(t, func(n *model.Notification) {
		n.Status = model.NotificationStatusRetrying
		n.Metadata.RetryCount = 3
	})

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	stored := f.repo.get(n.ID)
	assert.Equal(t, model.NotificationStatusFailed, stored.Status)
	require.NotNil(t, stored.Metadata.DeadLetterID)

	require.Len(t, f.deadLetter.entries, 1)
	entry := f.deadLetter.entries[0]
	assert.Equal(t, n.ID, entry.NotificationID)
	assert.Equal(t, 4, entry.AttemptCount)
	assert.Contains(t, entry.Reason, "still down")
	assert.Equal(t, *stored.Metadata.DeadLetterID, entry.ID)
}

func TestTerminalFailureSkipsDeadLetter(t *testing.T) {
	f := newFixture(t)
	f.emailSvc.fails = []error{apperrors.Terminal(errors.New("550 no such mailbox"))}
	n := f.addNotification(t, nil)

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	stored := f.repo.get(n.ID)
	assert.Equal(t, model.NotificationStatusFailed, stored.Status)
	assert.Nil(t, stored.Metadata.DeadLetterID)
	assert.Empty(t, f.deadLetter.entries)
}

func TestUnknownTemplateFailsTerminally(t *testing.T) {
	f := newFixture(t)
	n := f.addNotification(t, func(n *model.Notification) {
		n.Type = "no_such_template"
	})

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, model.NotificationStatusFailed, f.repo.get(n.ID).Status)
	assert.Empty(t, f.deadLetter.entries)
}

func TestRunOneErrors(t *testing.T) {
	f := newFixture(t)

	err := f.svc.RunOne(context.Background(), uuid.New())
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrNotFound, appErr.Code)

	sent := f.addNotification(t, func(n *model.Notification) {
		n.Status = model.NotificationStatusSent
	})
	err = f.svc.RunOne(context.Background(), sent.ID)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrConflict, appErr.Code)
}

func TestRunOneSends(t *testing.T) {
	f := newFixture(t)
	n := f.addNotification(t, func(n *model.Notification) {
		n.Status = model.NotificationStatusQueued
	})

	require.NoError(t, f.svc.RunOne(context.Background(), n.ID))
	assert.Equal(t, model.NotificationStatusSent, f.repo.get(n.ID).Status)
	assert.Len(t, f.emailSvc.sent, 1)
}

func TestCompanyNameFallback(t *testing.T) {
	f := newFixture(t)
	f.addNotification(t, func(n *model.Notification) {
		n.Metadata.CompanyName = ""
	})

	result, err := f.svc.RunBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	require.Len(t, f.emailSvc.sent, 1)
	assert.Contains(t, f.emailSvc.sent[0].Text, "Obligo")
}
