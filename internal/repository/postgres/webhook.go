package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/obligohq/notifier/internal/model"
	"github.com/obligohq/notifier/internal/repository"
)

type webhookRepository struct {
	BaseRepository
}

func NewWebhookRepository(base BaseRepository) repository.WebhookRepository {
	return &webhookRepository{base}
}

func (r *webhookRepository) Create(ctx context.Context, sub *model.WebhookSubscription) error {
	query := `
		INSERT INTO webhook_subscriptions (
			id, company_id, url, secret, events, headers, active,
			max_retries, timeout_ms, failure_count, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`
	sub.ID = uuid.New()
	sub.CreatedAt = time.Now()
	sub.UpdatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, query,
		sub.ID,
		sub.CompanyID,
		sub.URL,
		sub.Secret,
		sub.Events,
		sub.Headers,
		sub.Active,
		sub.MaxRetries,
		sub.TimeoutMs,
		sub.FailureCount,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook subscription: %w", err)
	}
	return nil
}

func (r *webhookRepository) Get(ctx context.Context, id uuid.UUID) (*model.WebhookSubscription, error) {
	query := `
		SELECT id, company_id, url, secret, events, headers, active,
			max_retries, timeout_ms, failure_count,
			last_delivery_at, last_delivery_status, created_at, updated_at
		FROM webhook_subscriptions
		WHERE id = $1
	`
	var sub model.WebhookSubscription
	err := r.db.GetContext(ctx, &sub, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook subscription: %w", err)
	}
	return &sub, nil
}

func (r *webhookRepository) ListByCompany(ctx context.Context, companyID uuid.UUID) ([]*model.WebhookSubscription, error) {
	query := `
		SELECT id, company_id, url, secret, events, headers, active,
			max_retries, timeout_ms, failure_count,
			last_delivery_at, last_delivery_status, created_at, updated_at
		FROM webhook_subscriptions
		WHERE company_id = $1
		ORDER BY created_at ASC
	`
	var subs []*model.WebhookSubscription
	if err := r.db.SelectContext(ctx, &subs, query, companyID); err != nil {
		return nil, fmt.Errorf("failed to list webhook subscriptions: %w", err)
	}
	return subs, nil
}

func (r *webhookRepository) ListActiveForEvent(ctx context.Context, companyID uuid.UUID, eventType model.EventType) ([]*model.WebhookSubscription, error) {
	query := `
		SELECT id, company_id, url, secret, events, headers, active,
			max_retries, timeout_ms, failure_count,
			last_delivery_at, last_delivery_status, created_at, updated_at
		FROM webhook_subscriptions
		WHERE company_id = $1
		AND active = true
		AND events @> $2
		ORDER BY created_at ASC
	`
	events := model.StringList{string(eventType)}
	var subs []*model.WebhookSubscription
	if err := r.db.SelectContext(ctx, &subs, query, companyID, events); err != nil {
		return nil, fmt.Errorf("failed to list active webhook subscriptions: %w", err)
	}
	return subs, nil
}

func (r *webhookRepository) Update(ctx context.Context, sub *model.WebhookSubscription) error {
	query := `
		UPDATE webhook_subscriptions
		SET url = $1, events = $2, headers = $3, active = $4,
			max_retries = $5, timeout_ms = $6, updated_at = $7
		WHERE id = $8
	`
	sub.UpdatedAt = time.Now()

	result, err := r.db.ExecContext(ctx, query,
		sub.URL,
		sub.Events,
		sub.Headers,
		sub.Active,
		sub.MaxRetries,
		sub.TimeoutMs,
		sub.UpdatedAt,
		sub.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *webhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `
		DELETE FROM webhook_subscriptions
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook subscription: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *webhookRepository) RecordDeliveryResult(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, at time.Time) error {
	// success resets the rolling failure count, failure increments it
	query := `
		UPDATE webhook_subscriptions
		SET last_delivery_status = $1,
			last_delivery_at = $2,
			failure_count = CASE WHEN $1 = 'SUCCESS' THEN 0 ELSE failure_count + 1 END,
			updated_at = NOW()
		WHERE id = $3
	`
	_, err := r.db.ExecContext(ctx, query, status, at, id)
	if err != nil {
		return fmt.Errorf("failed to record delivery result: %w", err)
	}
	return nil
}

func (r *webhookRepository) CreateAttempt(ctx context.Context, attempt *model.WebhookDeliveryAttempt) error {
	query := `
		INSERT INTO webhook_delivery_attempts (
			id, subscription_id, event_type, event_id, payload,
			retry_count, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`
	attempt.ID = uuid.New()
	attempt.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, query,
		attempt.ID,
		attempt.SubscriptionID,
		attempt.EventType,
		attempt.EventID,
		string(attempt.Payload),
		attempt.RetryCount,
		attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery attempt: %w", err)
	}
	return nil
}

func (r *webhookRepository) UpdateAttempt(ctx context.Context, attempt *model.WebhookDeliveryAttempt) error {
	query := `
		UPDATE webhook_delivery_attempts
		SET retry_count = $1, response_status = $2, response_body = $3,
			error_message = $4, delivered_at = $5, failed_at = $6
		WHERE id = $7
	`
	_, err := r.db.ExecContext(ctx, query,
		attempt.RetryCount,
		attempt.ResponseStatus,
		attempt.ResponseBody,
		attempt.ErrorMessage,
		attempt.DeliveredAt,
		attempt.FailedAt,
		attempt.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery attempt: %w", err)
	}
	return nil
}

func (r *webhookRepository) ListAttempts(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*model.WebhookDeliveryAttempt, error) {
	query := `
		SELECT id, subscription_id, event_type, event_id, payload,
			retry_count, response_status, response_body, error_message,
			delivered_at, failed_at, created_at
		FROM webhook_delivery_attempts
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	var attempts []*model.WebhookDeliveryAttempt
	if err := r.db.SelectContext(ctx, &attempts, query, subscriptionID, limit); err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}
	return attempts, nil
}
