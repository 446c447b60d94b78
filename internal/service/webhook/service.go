// Package webhook implements the outbound webhook delivery engine: registry
// CRUD over subscriptions and the concurrent signed fan-out of domain events
// to every subscribed endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/obligohq/notifier/internal/model"
	"github.com/obligohq/notifier/internal/repository"
	"github.com/obligohq/notifier/internal/signer"
	"github.com/obligohq/notifier/pkg/backoff"
	apperrors "github.com/obligohq/notifier/pkg/errors"
	"github.com/obligohq/notifier/pkg/logger"
	"github.com/obligohq/notifier/pkg/metrics"
)

// Sleeper suspends the calling goroutine between retry attempts. Injected so
// tests run without real backoff sleeps.
type Sleeper func(ctx context.Context, d time.Duration)

func defaultSleeper(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Outcome is the logged result of one subscription's delivery call.
type Outcome struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Delivered      bool      `json:"delivered"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
}

// TriggerResult aggregates the outcomes of one fan-out. Individual endpoint
// failures are reported here, never raised to the caller.
type TriggerResult struct {
	EventID   string    `json:"event_id"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	Outcomes  []Outcome `json:"outcomes"`
}

type Servicer interface {
	Register(ctx context.Context, companyID uuid.UUID, url string, events []string, secret string, headers map[string]string) (*model.WebhookSubscription, error)
	Get(ctx context.Context, id, companyID uuid.UUID) (*model.WebhookSubscription, error)
	List(ctx context.Context, companyID uuid.UUID) ([]*model.WebhookSubscription, error)
	Update(ctx context.Context, id, companyID uuid.UUID, update *model.WebhookSubscriptionUpdate) (*model.WebhookSubscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Trigger(ctx context.Context, eventType model.EventType, companyID uuid.UUID, data json.RawMessage) (*TriggerResult, error)
	SendTest(ctx context.Context, id, companyID uuid.UUID) (*Outcome, error)
	ListAttempts(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*model.WebhookDeliveryAttempt, error)
}

type Service struct {
	repo    repository.WebhookRepository
	client  *http.Client
	sleep   Sleeper
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// NewService constructs the delivery engine. The http.Client's own timeout is
// left unset; each delivery call is bounded by the subscription's configured
// timeout through a request context.
func NewService(repo repository.WebhookRepository, log *logger.Logger, m *metrics.Metrics) *Service {
	return &Service{
		repo:    repo,
		client:  &http.Client{},
		sleep:   defaultSleeper,
		logger:  log,
		metrics: m,
	}
}

// WithSleeper replaces the inter-attempt sleep, for tests.
func (s *Service) WithSleeper(sleep Sleeper) *Service {
	s.sleep = sleep
	return s
}

// WithHTTPClient replaces the HTTP client, for tests.
func (s *Service) WithHTTPClient(client *http.Client) *Service {
	s.client = client
	return s
}

func (s *Service) Register(ctx context.Context, companyID uuid.UUID, url string, events []string, secret string, headers map[string]string) (*model.WebhookSubscription, error) {
	if url == "" {
		return nil, apperrors.BadRequest("url is required", nil)
	}
	if len(events) == 0 {
		return nil, apperrors.BadRequest("at least one event type is required", nil)
	}
	for _, e := range events {
		if !model.IsValidEventType(e) {
			return nil, apperrors.BadRequest(fmt.Sprintf("unknown event type %q", e), nil)
		}
	}

	if secret == "" {
		generated, err := signer.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("failed to generate webhook secret: %w", err)
		}
		secret = generated
	}

	sub := &model.WebhookSubscription{
		CompanyID:  companyID,
		URL:        url,
		Secret:     secret,
		Events:     model.StringList(events),
		Headers:    model.HeaderMap(headers),
		Active:     true,
		MaxRetries: model.DefaultMaxRetries,
		TimeoutMs:  model.DefaultTimeoutMs,
	}

	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to register webhook: %w", err)
	}

	s.logger.Info("webhook registered",
		"subscription_id", sub.ID.String(),
		"company_id", companyID.String(),
		"url", url)

	// the caller projects the secret exactly once from this return value
	return sub, nil
}

func (s *Service) Get(ctx context.Context, id, companyID uuid.UUID) (*model.WebhookSubscription, error) {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.CompanyID != companyID {
		return nil, repository.ErrNotFound
	}
	return sub, nil
}

func (s *Service) List(ctx context.Context, companyID uuid.UUID) ([]*model.WebhookSubscription, error) {
	return s.repo.ListByCompany(ctx, companyID)
}

func (s *Service) Update(ctx context.Context, id, companyID uuid.UUID, update *model.WebhookSubscriptionUpdate) (*model.WebhookSubscription, error) {
	sub, err := s.Get(ctx, id, companyID)
	if err != nil {
		return nil, err
	}

	if update.URL != nil {
		sub.URL = *update.URL
	}
	if update.Events != nil {
		for _, e := range update.Events {
			if !model.IsValidEventType(e) {
				return nil, apperrors.BadRequest(fmt.Sprintf("unknown event type %q", e), nil)
			}
		}
		sub.Events = model.StringList(update.Events)
	}
	if update.Headers != nil {
		sub.Headers = model.HeaderMap(update.Headers)
	}
	if update.Active != nil {
		sub.Active = *update.Active
	}
	if update.MaxRetries != nil && *update.MaxRetries > 0 {
		sub.MaxRetries = *update.MaxRetries
	}
	if update.TimeoutMs != nil && *update.TimeoutMs > 0 {
		sub.TimeoutMs = *update.TimeoutMs
	}

	if err := s.repo.Update(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update webhook: %w", err)
	}
	return sub, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

// Trigger fans one event out to every active subscription of the company
// that subscribes to it. All subscriptions are delivered concurrently, each
// with its own bounded retry loop; Trigger returns once every outcome is
// known. A missing subscriber set is a no-op, not an error.
func (s *Service) Trigger(ctx context.Context, eventType model.EventType, companyID uuid.UUID, data json.RawMessage) (*TriggerResult, error) {
	if !model.IsValidEventType(string(eventType)) {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown event type %q", eventType), nil)
	}

	subs, err := s.repo.ListActiveForEvent(ctx, companyID, eventType)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscriptions: %w", err)
	}

	event := model.NewEvent(eventType, companyID.String(), data)
	if len(subs) == 0 {
		return &TriggerResult{EventID: event.ID}, nil
	}

	// one serialization shared by every recipient; the signature covers
	// these exact bytes
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}

	outcomes := make([]Outcome, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(i int, sub *model.WebhookSubscription) {
			defer wg.Done()
			outcomes[i] = s.deliver(ctx, sub, event, payload)
		}(i, sub)
	}
	wg.Wait()

	result := &TriggerResult{EventID: event.ID, Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Delivered {
			result.Delivered++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// SendTest pushes a synthetic event through the exact delivery path used for
// real events, so a passing test is a true end-to-end guarantee.
func (s *Service) SendTest(ctx context.Context, id, companyID uuid.UUID) (*Outcome, error) {
	sub, err := s.Get(ctx, id, companyID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(map[string]string{
		"message": "This is a test delivery from Obligo.",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize test payload: %w", err)
	}

	event := model.NewEvent(model.EventWebhookTest, companyID.String(), data)
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize test event: %w", err)
	}

	outcome := s.deliver(ctx, sub, event, payload)
	return &outcome, nil
}

func (s *Service) ListAttempts(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*model.WebhookDeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListAttempts(ctx, subscriptionID, limit)
}

// deliver runs one subscription's bounded retry loop to completion. Attempts
// are strictly sequential; the attempt row created up front is updated in
// place with the final outcome.
func (s *Service) deliver(ctx context.Context, sub *model.WebhookSubscription, event *model.Event, payload []byte) Outcome {
	start := time.Now()

	maxRetries := sub.MaxRetries
	if maxRetries <= 0 {
		maxRetries = model.DefaultMaxRetries
	}
	timeout := time.Duration(sub.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = model.DefaultTimeoutMs * time.Millisecond
	}

	attempt := &model.WebhookDeliveryAttempt{
		SubscriptionID: sub.ID,
		EventType:      string(event.Type),
		EventID:        event.ID,
		Payload:        payload,
	}
	if err := s.repo.CreateAttempt(ctx, attempt); err != nil {
		// delivery still proceeds; losing the log row must not lose the event
		s.logger.Error(err, "failed to create delivery attempt row",
			"subscription_id", sub.ID.String(),
			"event_id", event.ID)
	}

	var lastStatus *int
	var lastBody *string
	var lastErr error

	for n := 1; n <= maxRetries; n++ {
		status, body, err := s.post(ctx, sub, event, payload, timeout)
		if err == nil && status >= 200 && status < 300 {
			now := time.Now()
			attempt.RetryCount = n - 1
			attempt.ResponseStatus = &status
			attempt.ResponseBody = &body
			attempt.DeliveredAt = &now
			s.updateAttempt(ctx, attempt)
			s.recordResult(ctx, sub, model.DeliveryStatusSuccess, now)

			if s.metrics != nil {
				s.metrics.WebhookDeliveries.WithLabelValues(string(event.Type), "success").Inc()
				s.metrics.WebhookDeliveryLatency.WithLabelValues(string(event.Type)).Observe(time.Since(start).Seconds())
			}
			return Outcome{SubscriptionID: sub.ID, Delivered: true, Attempts: n}
		}

		if err != nil {
			lastErr = err
			lastStatus = nil
			lastBody = nil
		} else {
			st, b := status, body
			lastStatus = &st
			lastBody = &b
			lastErr = fmt.Errorf("endpoint returned status %d", status)
		}

		s.logger.Warn("webhook delivery attempt failed",
			"subscription_id", sub.ID.String(),
			"event_id", event.ID,
			"attempt", n,
			"error", lastErr.Error())

		if n < maxRetries {
			if s.metrics != nil {
				s.metrics.WebhookRetries.WithLabelValues(string(event.Type)).Inc()
			}
			s.sleep(ctx, backoff.WebhookDelay(n))
		}
	}

	now := time.Now()
	errMsg := lastErr.Error()
	attempt.RetryCount = maxRetries - 1
	attempt.ResponseStatus = lastStatus
	attempt.ResponseBody = lastBody
	attempt.ErrorMessage = &errMsg
	attempt.FailedAt = &now
	s.updateAttempt(ctx, attempt)
	s.recordResult(ctx, sub, model.DeliveryStatusFailed, now)

	if s.metrics != nil {
		s.metrics.WebhookDeliveries.WithLabelValues(string(event.Type), "failed").Inc()
		s.metrics.WebhookDeliveryLatency.WithLabelValues(string(event.Type)).Observe(time.Since(start).Seconds())
	}

	s.logger.Error(lastErr, "webhook delivery exhausted retries",
		"subscription_id", sub.ID.String(),
		"event_id", event.ID,
		"attempts", maxRetries)

	return Outcome{SubscriptionID: sub.ID, Attempts: maxRetries, Error: errMsg}
}

// post performs a single signed HTTP attempt, bounded by the subscription's
// timeout. The timestamp and signature are recomputed per attempt.
func (s *Service) post(ctx context.Context, sub *model.WebhookSubscription, event *model.Event, payload []byte, timeout time.Duration) (int, string, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to build request: %w", err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	signature := signer.Sign(sub.Secret, timestamp, string(payload))

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Timestamp", timestamp)
	req.Header.Set("X-Webhook-Event", string(event.Type))
	req.Header.Set("X-Webhook-ID", event.ID)
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, model.MaxStoredResponseBody))
	if err != nil {
		return resp.StatusCode, "", nil
	}
	return resp.StatusCode, string(body), nil
}

func (s *Service) updateAttempt(ctx context.Context, attempt *model.WebhookDeliveryAttempt) {
	if attempt.ID == uuid.Nil {
		return
	}
	if err := s.repo.UpdateAttempt(ctx, attempt); err != nil {
		s.logger.Error(err, "failed to update delivery attempt row",
			"attempt_id", attempt.ID.String())
	}
}

func (s *Service) recordResult(ctx context.Context, sub *model.WebhookSubscription, status model.DeliveryStatus, at time.Time) {
	if err := s.repo.RecordDeliveryResult(ctx, sub.ID, status, at); err != nil {
		s.logger.Error(err, "failed to record delivery result",
			"subscription_id", sub.ID.String())
	}
}
