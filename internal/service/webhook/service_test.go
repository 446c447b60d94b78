package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obligohq/notifier/internal/model"
	"github.com/obligohq/notifier/internal/repository"
	"github.com/obligohq/notifier/internal/signer"
	"github.com/obligohq/notifier/pkg/logger"
)

type fakeWebhookRepo struct {
	mu       sync.Mutex
	subs     map[uuid.UUID]*model.WebhookSubscription
	attempts map[uuid.UUID]*model.WebhookDeliveryAttempt
	results  []model.DeliveryStatus
}

func newFakeWebhookRepo() *fakeWebhookRepo {
	return &fakeWebhookRepo{
		subs:     make(map[uuid.UUID]*model.WebhookSubscription),
		attempts: make(map[uuid.UUID]*model.WebhookDeliveryAttempt),
	}
}

func (f *fakeWebhookRepo) Create(_ context.Context, sub *model.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub.ID = uuid.New()
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = time.Now()
	cp := *sub
	f.subs[sub.ID] = &cp
	return nil
}

func (f *fakeWebhookRepo) Get(_ context.Context, id uuid.UUID) (*model.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeWebhookRepo) ListByCompany(_ context.Context, companyID uuid.UUID) ([]*model.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.WebhookSubscription
	for _, sub := range f.subs {
		if sub.CompanyID == companyID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeWebhookRepo) ListActiveForEvent(_ context.Context, companyID uuid.UUID, eventType model.EventType) ([]*model.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.WebhookSubscription
	for _, sub := range f.subs {
		if sub.CompanyID == companyID && sub.Active && sub.SubscribesTo(eventType) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeWebhookRepo) Update(_ context.Context, sub *model.WebhookSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[sub.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *sub
	f.subs[sub.ID] = &cp
	return nil
}

func (f *fakeWebhookRepo) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(f.subs, id)
	return nil
}

func (f *fakeWebhookRepo) RecordDeliveryResult(_ context.Context, id uuid.UUID, status model.DeliveryStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, status)
	if sub, ok := f.subs[id]; ok {
		sub.LastDeliveryStatus = status
		sub.LastDeliveryAt = &at
		if status == model.DeliveryStatusSuccess {
			sub.FailureCount = 0
		} else {
			sub.FailureCount++
		}
	}
	return nil
}

func (f *fakeWebhookRepo) CreateAttempt(_ context.Context, attempt *model.WebhookDeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt.ID = uuid.New()
	attempt.CreatedAt = time.Now()
	cp := *attempt
	f.attempts[attempt.ID] = &cp
	return nil
}

func (f *fakeWebhookRepo) UpdateAttempt(_ context.Context, attempt *model.WebhookDeliveryAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *attempt
	f.attempts[attempt.ID] = &cp
	return nil
}

func (f *fakeWebhookRepo) ListAttempts(_ context.Context, subscriptionID uuid.UUID, limit int) ([]*model.WebhookDeliveryAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.WebhookDeliveryAttempt
	for _, a := range f.attempts {
		if a.SubscriptionID == subscriptionID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeWebhookRepo) attemptFor(subscriptionID uuid.UUID) *model.WebhookDeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.SubscriptionID == subscriptionID {
			cp := *a
			return &cp
		}
	}
	return nil
}

type recordedSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleep) sleep(_ context.Context, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Output: io.Discard})
}

func newTestService(repo repository.WebhookRepository) (*Service, *recordedSleep) {
	sleeps := &recordedSleep{}
	svc := NewService(repo, testLogger(), nil).WithSleeper(sleeps.sleep)
	return svc, sleeps
}

func registerSub(t *testing.T, repo *fakeWebhookRepo, companyID uuid.UUID, url string, events ...string) *model.WebhookSubscription {
	t.Helper()
	sub := &model.WebhookSubscription{
		CompanyID:  companyID,
		URL:        url,
		Secret:     "whsec_0123456789abcdef0123456789abcdef0123456789abcdef",
		Events:     model.StringList(events),
		Active:     true,
		MaxRetries: 3,
		TimeoutMs:  5000,
	}
	require.NoError(t, repo.Create(context.Background(), sub))
	return sub
}

func TestRegisterGeneratesSecret(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, _ := newTestService(repo)
	companyID := uuid.New()

	sub, err := svc.Register(context.Background(), companyID, "https://example.com/hook",
		[]string{"obligation.created"}, "", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.Secret, signer.SecretPrefix))
	assert.True(t, sub.Active)
	assert.Equal(t, model.DefaultMaxRetries, sub.MaxRetries)
	assert.Equal(t, model.DefaultTimeoutMs, sub.TimeoutMs)
}

func TestRegisterValidation(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, _ := newTestService(repo)
	companyID := uuid.New()
	ctx := context.Background()

	_, err := svc.Register(ctx, companyID, "", []string{"obligation.created"}, "", nil)
	assert.Error(t, err)

	_, err = svc.Register(ctx, companyID, "https://example.com", nil, "", nil)
	assert.Error(t, err)

	_, err = svc.Register(ctx, companyID, "https://example.com", []string{"not.an.event"}, "", nil)
	assert.Error(t, err)
}

func TestGetScopedToCompany(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, _ := newTestService(repo)
	sub := registerSub(t, repo, uuid.New(), "https://example.com/hook", "obligation.created")

	_, err := svc.Get(context.Background(), sub.ID, uuid.New())
	assert.ErrorIs(t, err, repository.ErrNotFound)

	got, err := svc.Get(context.Background(), sub.ID, sub.CompanyID)
	require.NoError(t, err)
	assert.Equal(t, sub.URL, got.URL)
}

func TestTriggerNoSubscribers(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, sleeps := newTestService(repo)

	result, err := svc.Trigger(context.Background(), model.EventObligationCreated, uuid.New(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(result.EventID, "evt_"))
	assert.Zero(t, result.Delivered)
	assert.Zero(t, result.Failed)
	assert.Empty(t, sleeps.delays)
}

func TestTriggerUnknownEventType(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, _ := newTestService(repo)

	_, err := svc.Trigger(context.Background(), model.EventType("bogus"), uuid.New(), nil)
	assert.Error(t, err)
}

func TestTriggerSignsPayload(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, _ := newTestService(repo)
	companyID := uuid.New()

	var received struct {
		mu        sync.Mutex
		body      string
		signature string
		timestamp string
		eventType string
		eventID   string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received.mu.Lock()
		received.body = string(body)
		received.signature = r.Header.Get("X-Webhook-Signature")
		received.timestamp = r.Header.Get("X-Webhook-Timestamp")
		received.eventType = r.Header.Get("X-Webhook-Event")
		received.eventID = r.Header.Get("X-Webhook-ID")
		received.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := registerSub(t, repo, companyID, srv.URL, "obligation.completed")

	result, err := svc.Trigger(context.Background(), model.EventObligationCompleted, companyID, json.RawMessage(`{"obligation_id":"ob_1"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	received.mu.Lock()
	defer received.mu.Unlock()
	assert.Equal(t, "obligation.completed", received.eventType)
	assert.Equal(t, result.EventID, received.eventID)
	assert.True(t, signer.Verify(sub.Secret, received.timestamp, received.body, received.signature),
		"signature must verify against the exact received bytes")

	var envelope model.Event
	require.NoError(t, json.Unmarshal([]byte(received.body), &envelope))
	assert.Equal(t, result.EventID, envelope.ID)
	assert.Equal(t, companyID.String(), envelope.CompanyID)
}

func TestTriggerFanOutIsolatesFailures(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, _ := newTestService(repo)
	companyID := uuid.New()

	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	failSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failSrv.Close()

	registerSub(t, repo, companyID, okSrv.URL, "evidence.uploaded")
	registerSub(t, repo, companyID, okSrv.URL, "evidence.uploaded")
	failing := registerSub(t, repo, companyID, failSrv.URL, "evidence.uploaded")

	result, err := svc.Trigger(context.Background(), model.EventEvidenceUploaded, companyID, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Delivered)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, result.Outcomes, 3)

	for _, o := range result.Outcomes {
		if o.SubscriptionID == failing.ID {
			assert.False(t, o.Delivered)
			assert.Equal(t, 3, o.Attempts)
			assert.Contains(t, o.Error, "500")
		} else {
			assert.True(t, o.Delivered)
			assert.Equal(t, 1, o.Attempts)
		}
	}
}

func TestDeliverRetriesUntilSuccess(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, sleeps := newTestService(repo)
	companyID := uuid.New()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := registerSub(t, repo, companyID, srv.URL, "escalation.triggered")

	result, err := svc.Trigger(context.Background(), model.EventEscalationTriggered, companyID, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 3, result.Outcomes[0].Attempts)

	// exponential gaps between the three attempts
	assert.Equal(t, []time.Duration{1 * time.Second, 5 * time.Second}, sleeps.delays)

	attempt := repo.attemptFor(sub.ID)
	require.NotNil(t, attempt)
	assert.Equal(t, 2, attempt.RetryCount)
	assert.NotNil(t, attempt.DeliveredAt)
	assert.Nil(t, attempt.FailedAt)
	require.NotNil(t, attempt.ResponseStatus)
	assert.Equal(t, http.StatusOK, *attempt.ResponseStatus)
}

func TestDeliverExhaustsRetries(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, sleeps := newTestService(repo)
	companyID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sub := registerSub(t, repo, companyID, srv.URL, "report.generated")

	result, err := svc.Trigger(context.Background(), model.EventReportGenerated, companyID, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Len(t, sleeps.delays, 2)

	attempt := repo.attemptFor(sub.ID)
	require.NotNil(t, attempt)
	assert.Equal(t, 2, attempt.RetryCount)
	assert.NotNil(t, attempt.FailedAt)
	assert.Nil(t, attempt.DeliveredAt)
	require.NotNil(t, attempt.ErrorMessage)
	assert.Contains(t, *attempt.ErrorMessage, "503")

	stored, err := repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusFailed, stored.LastDeliveryStatus)
	assert.Equal(t, 1, stored.FailureCount)
}

func TestSendTestUsesDeliveryPath(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, _ := newTestService(repo)
	companyID := uuid.New()

	var eventType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		eventType = r.Header.Get("X-Webhook-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sub := registerSub(t, repo, companyID, srv.URL, "obligation.created")

	outcome, err := svc.SendTest(context.Background(), sub.ID, companyID)
	require.NoError(t, err)
	assert.True(t, outcome.Delivered)
	assert.Equal(t, string(model.EventWebhookTest), eventType)

	stored, err := repo.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusSuccess, stored.LastDeliveryStatus)
}

func TestStoredResponseBodyTruncated(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, _ := newTestService(repo)
	companyID := uuid.New()

	oversized := strings.Repeat("x", model.MaxStoredResponseBody+4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(oversized))
	}))
	defer srv.Close()

	sub := registerSub(t, repo, companyID, srv.URL, "obligation.created")

	result, err := svc.Trigger(context.Background(), model.EventObligationCreated, companyID, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	attempt := repo.attemptFor(sub.ID)
	require.NotNil(t, attempt)
	require.NotNil(t, attempt.ResponseBody)
	assert.Len(t, *attempt.ResponseBody, model.MaxStoredResponseBody)
}

func TestUpdateAppliesPartialChanges(t *testing.T) {
	repo := newFakeWebhookRepo()
	svc, _ := newTestService(repo)
	sub := registerSub(t, repo, uuid.New(), "https://example.com/hook", "obligation.created")

	active := false
	newURL := "https://example.com/v2/hook"
	updated, err := svc.Update(context.Background(), sub.ID, sub.CompanyID, &model.WebhookSubscriptionUpdate{
		URL:    &newURL,
		Active: &active,
		Events: []string{"obligation.updated", "obligation.completed"},
	})
	require.NoError(t, err)
	assert.Equal(t, newURL, updated.URL)
	assert.False(t, updated.Active)
	assert.Equal(t, model.StringList{"obligation.updated", "obligation.completed"}, updated.Events)
	assert.Equal(t, sub.MaxRetries, updated.MaxRetries)

	_, err = svc.Update(context.Background(), sub.ID, sub.CompanyID, &model.WebhookSubscriptionUpdate{
		Events: []string{"bogus.event"},
	})
	assert.Error(t, err)
}
