// Package dispatcher drives notification rows through their delivery state
// machine: preference gating, rate limiting, rendering, sending, retry
// scheduling and dead-lettering.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/obligohq/notifier/internal/email"
	"github.com/obligohq/notifier/internal/model"
	"github.com/obligohq/notifier/internal/preference"
	"github.com/obligohq/notifier/internal/ratelimit"
	"github.com/obligohq/notifier/internal/repository"
	"github.com/obligohq/notifier/internal/template"
	"github.com/obligohq/notifier/pkg/backoff"
	apperrors "github.com/obligohq/notifier/pkg/errors"
	"github.com/obligohq/notifier/pkg/logger"
	"github.com/obligohq/notifier/pkg/metrics"
)

const (
	// DefaultBatchSize caps one batch scan.
	DefaultBatchSize = 50
	// DefaultMaxRetries bounds cross-cycle redelivery of one notification.
	DefaultMaxRetries = 3
	// defaultCompanyName is the rendering fallback when no company name can
	// be resolved; the lookup must never fail a send.
	defaultCompanyName = "Obligo"

	companyNameTTL = 15 * time.Minute
)

// Clock abstracts time.Now so tests control scheduling decisions.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// RateLimiter is the consumed rate-limit capability.
type RateLimiter interface {
	Check(ctx context.Context, scope ratelimit.Scope) (*ratelimit.Decision, error)
	RecordUsage(ctx context.Context, scope ratelimit.Scope) error
}

// PreferenceResolver is the consumed preference capability.
type PreferenceResolver interface {
	ShouldSend(ctx context.Context, userID uuid.UUID, notificationType, channel string) (bool, error)
	GetPreferences(ctx context.Context, userID uuid.UUID) (*preference.Preferences, error)
	QueueForDigest(ctx context.Context, notificationID, userID uuid.UUID, cadence preference.Frequency) error
}

// TemplateSource renders channel content for a notification type.
type TemplateSource interface {
	Render(notificationType string, ctx template.Context) (*template.Rendered, error)
}

type Servicer interface {
	RunBatch(ctx context.Context, batchSize int) (*BatchResult, error)
	RunOne(ctx context.Context, id uuid.UUID) error
	ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetterEntry, error)
}

// BatchResult summarizes one batch scan.
type BatchResult struct {
	Picked    int `json:"picked"`
	Sent      int `json:"sent"`
	Deferred  int `json:"deferred"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Digested  int `json:"digested"`
}

type Service struct {
	repo       repository.NotificationRepository
	deadLetter repository.DeadLetterRepository
	companies  repository.CompanyRepository
	emailSvc   email.Sender
	limiter    RateLimiter
	prefs      PreferenceResolver
	templates  TemplateSource
	nameCache  *gocache.Cache
	clock      Clock
	maxRetries int
	logger     *logger.Logger
	metrics    *metrics.Metrics
}

func NewService(
	repo repository.NotificationRepository,
	deadLetter repository.DeadLetterRepository,
	companies repository.CompanyRepository,
	emailSvc email.Sender,
	limiter RateLimiter,
	prefs PreferenceResolver,
	templates TemplateSource,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		repo:       repo,
		deadLetter: deadLetter,
		companies:  companies,
		emailSvc:   emailSvc,
		limiter:    limiter,
		prefs:      prefs,
		templates:  templates,
		nameCache:  gocache.New(companyNameTTL, 2*companyNameTTL),
		clock:      systemClock{},
		maxRetries: DefaultMaxRetries,
		logger:     log,
		metrics:    m,
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Service) WithClock(clock Clock) *Service {
	s.clock = clock
	return s
}

// RunBatch drains due notification rows. A failure in one row never aborts
// the batch; only the initial due-rows query can error out of here.
func (s *Service) RunBatch(ctx context.Context, batchSize int) (*BatchResult, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var timer *prometheus.Timer
	if s.metrics != nil {
		timer = prometheus.NewTimer(s.metrics.DispatchLatency)
		defer timer.ObserveDuration()
	}

	due, err := s.repo.ListDue(ctx, s.clock.Now(), batchSize)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DatabaseOperations.WithLabelValues("list_due", "error").Inc()
		}
		return nil, fmt.Errorf("failed to list due notifications: %w", err)
	}
	if s.metrics != nil {
		s.metrics.DatabaseOperations.WithLabelValues("list_due", "success").Inc()
		s.metrics.BatchSize.Observe(float64(len(due)))
	}

	result := &BatchResult{Picked: len(due)}
	for _, n := range due {
		outcome, err := s.processOne(ctx, n)
		if err != nil {
			s.logger.Error(err, "notification processing failed",
				"notification_id", n.ID.String())
			s.markFailed(ctx, n, err)
			result.Failed++
			continue
		}
		switch outcome {
		case outcomeSent:
			result.Sent++
		case outcomeDeferred:
			result.Deferred++
		case outcomeCancelled:
			result.Cancelled++
		case outcomeDigested:
			result.Digested++
		case outcomeFailed:
			result.Failed++
		}
	}

	return result, nil
}

// RunOne is forced redelivery of a single row, an explicit operator action.
// Unlike the batch sweep it fails loudly on missing or non-processable rows.
func (s *Service) RunOne(ctx context.Context, id uuid.UUID) error {
	n, err := s.repo.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.NotFound("notification", err)
	}
	if err != nil {
		return err
	}
	if !n.Status.IsProcessable() {
		return apperrors.Conflict(
			fmt.Sprintf("notification is %s and cannot be redelivered", n.Status), nil)
	}

	outcome, err := s.processOne(ctx, n)
	if err != nil {
		s.markFailed(ctx, n, err)
		return err
	}
	if outcome == outcomeFailed {
		return apperrors.Internal(fmt.Errorf("delivery failed: %s", n.Metadata.LastError))
	}
	return nil
}

func (s *Service) ListDeadLetters(ctx context.Context, limit int) ([]*model.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.deadLetter.List(ctx, limit)
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeDeferred
	outcomeCancelled
	outcomeDigested
	outcomeFailed
)

// processOne drives one row through the state machine. Returned errors are
// unexpected infrastructure failures; delivery failures are absorbed into
// the row's own state.
func (s *Service) processOne(ctx context.Context, n *model.Notification) (outcome, error) {
	allowed, err := s.prefs.ShouldSend(ctx, n.UserID, n.Type, string(n.Channel))
	if err != nil {
		return outcomeFailed, fmt.Errorf("preference check failed: %w", err)
	}
	if !allowed {
		n.Status = model.NotificationStatusCancelled
		if err := s.repo.Update(ctx, n); err != nil {
			return outcomeFailed, err
		}
		return outcomeCancelled, nil
	}

	prefs, err := s.prefs.GetPreferences(ctx, n.UserID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("preference lookup failed: %w", err)
	}
	if prefs.Frequency != preference.FrequencyImmediate {
		// hand off to the digest component; it owns the row from here
		if err := s.prefs.QueueForDigest(ctx, n.ID, n.UserID, prefs.Frequency); err != nil {
			return outcomeFailed, fmt.Errorf("digest handoff failed: %w", err)
		}
		return outcomeDigested, nil
	}

	scope := ratelimit.Scope{Kind: "user", ID: n.UserID.String(), Channel: string(n.Channel)}
	decision, err := s.limiter.Check(ctx, scope)
	if err != nil {
		return outcomeFailed, fmt.Errorf("rate limit check failed: %w", err)
	}
	if !decision.Allowed {
		retryAt := decision.RetryAfter
		if retryAt.IsZero() {
			retryAt = s.clock.Now().Add(5 * time.Minute)
		}
		if err := s.repo.Reschedule(ctx, n.ID, model.NotificationStatusQueued, retryAt, n.Metadata); err != nil {
			return outcomeFailed, err
		}
		if s.metrics != nil {
			s.metrics.NotificationsRateLimit.Inc()
		}
		return outcomeDeferred, nil
	}

	// the status flip is the exclusion mechanism between overlapping
	// dispatcher runs; it happens before any network call so a crash
	// mid-send is visible on the next scan
	err = s.repo.ClaimForSending(ctx, n.ID)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Debug("notification claimed by another worker",
			"notification_id", n.ID.String())
		return outcomeDeferred, nil
	}
	if err != nil {
		return outcomeFailed, err
	}
	n.Status = model.NotificationStatusSending

	rendered, err := s.templates.Render(n.Type, template.Context{
		CompanyName:    s.resolveCompanyName(ctx, n),
		RecipientEmail: n.Recipient,
		Extra:          n.Metadata.Extra,
	})
	if err != nil {
		// a malformed or missing template cannot succeed on retry
		return s.handleSendFailure(ctx, n, apperrors.Terminal(err))
	}

	_, sendErr := s.emailSvc.Send(ctx, &email.Message{
		To:      n.Recipient,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	})
	if sendErr != nil {
		return s.handleSendFailure(ctx, n, sendErr)
	}

	now := s.clock.Now()
	n.Status = model.NotificationStatusSent
	n.SentAt = &now
	if err := s.repo.Update(ctx, n); err != nil {
		return outcomeFailed, err
	}

	// usage counts only successful sends; failures and deferrals are never
	// charged against the scope
	if err := s.limiter.RecordUsage(ctx, scope); err != nil {
		s.logger.Error(err, "failed to record rate limit usage",
			"notification_id", n.ID.String())
	}
	if s.metrics != nil {
		s.metrics.NotificationsSent.Inc()
	}

	s.logger.Info("notification sent",
		"notification_id", n.ID.String(),
		"type", n.Type,
		"recipient", n.Recipient)
	return outcomeSent, nil
}

// handleSendFailure applies the retry/backoff state machine to a failed
// send: transient failures with budget left go back to RETRYING; terminal
// failures and exhausted budgets end in FAILED, the latter with a dead
// letter entry.
func (s *Service) handleSendFailure(ctx context.Context, n *model.Notification, sendErr error) (outcome, error) {
	retryable := apperrors.IsRetryable(sendErr)
	retryCount := n.Metadata.RetryCount

	if retryable && retryCount < s.maxRetries {
		meta := n.Metadata
		meta.RetryCount = retryCount + 1
		meta.LastError = sendErr.Error()
		retryAt := s.clock.Now().Add(backoff.NotificationDelay(retryCount))
		if err := s.repo.Reschedule(ctx, n.ID, model.NotificationStatusRetrying, retryAt, meta); err != nil {
			return outcomeFailed, err
		}
		s.logger.Warn("notification send failed, retry scheduled",
			"notification_id", n.ID.String(),
			"retry_count", meta.RetryCount,
			"retry_at", retryAt.Format(time.RFC3339),
			"error", sendErr.Error())
		return outcomeDeferred, nil
	}

	n.Metadata.LastError = sendErr.Error()

	if retryable {
		// retryable but out of budget: the dead letter and the flip to
		// FAILED commit in one transaction
		payload, err := json.Marshal(n)
		if err != nil {
			payload = nil
		}
		entry := &model.DeadLetterEntry{
			NotificationID: n.ID,
			Payload:        payload,
			Reason:         sendErr.Error(),
			AttemptCount:   retryCount + 1,
		}
		if err := s.deadLetter.CreateAndFail(ctx, entry, n); err != nil {
			return outcomeFailed, fmt.Errorf("failed to dead-letter notification: %w", err)
		}
		if s.metrics != nil {
			s.metrics.NotificationsDeadLetter.Inc()
		}
	} else {
		n.Status = model.NotificationStatusFailed
		if err := s.repo.Update(ctx, n); err != nil {
			return outcomeFailed, err
		}
	}
	if s.metrics != nil {
		s.metrics.NotificationsFailed.Inc()
	}

	s.logger.Error(sendErr, "notification delivery failed permanently",
		"notification_id", n.ID.String(),
		"retryable", retryable,
		"attempts", retryCount+1)
	return outcomeFailed, nil
}

// markFailed records an unexpected processing error on the row so the batch
// can move on.
func (s *Service) markFailed(ctx context.Context, n *model.Notification, cause error) {
	n.Status = model.NotificationStatusFailed
	n.Metadata.LastError = cause.Error()
	if err := s.repo.Update(ctx, n); err != nil {
		s.logger.Error(err, "failed to mark notification as failed",
			"notification_id", n.ID.String())
	}
	if s.metrics != nil {
		s.metrics.NotificationsFailed.Inc()
	}
}

// resolveCompanyName finds a display name for template rendering: the
// denormalized metadata value, then a cached lookup, then the product
// default. This lookup never fails the send.
func (s *Service) resolveCompanyName(ctx context.Context, n *model.Notification) string {
	if n.Metadata.CompanyName != "" {
		return n.Metadata.CompanyName
	}
	if n.CompanyID == uuid.Nil {
		return defaultCompanyName
	}

	key := n.CompanyID.String()
	if cached, ok := s.nameCache.Get(key); ok {
		return cached.(string)
	}

	name, err := s.companies.GetName(ctx, n.CompanyID)
	if err != nil || name == "" {
		return defaultCompanyName
	}
	s.nameCache.Set(key, name, gocache.DefaultExpiration)
	return name
}
