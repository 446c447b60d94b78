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

type notificationRepository struct {
	BaseRepository
}

func NewNotificationRepository(base BaseRepository) repository.NotificationRepository {
	return &notificationRepository{base}
}

const notificationColumns = `
	id, user_id, company_id, recipient, notification_type, channel,
	status, priority, scheduled_for, metadata, sent_at, created_at, updated_at
`

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, company_id, recipient, notification_type, channel,
			status, priority, scheduled_for, metadata, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	n.CreatedAt = time.Now()
	n.UpdatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, query,
		n.ID,
		n.UserID,
		n.CompanyID,
		n.Recipient,
		n.Type,
		n.Channel,
		n.Status,
		n.Priority,
		n.ScheduledFor,
		n.Metadata,
		n.CreatedAt,
		n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

func (r *notificationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE id = $1
	`
	var n model.Notification
	err := r.db.GetContext(ctx, &n, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}
	return &n, nil
}

func (r *notificationRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status IN ('PENDING', 'QUEUED', 'RETRYING')
		AND scheduled_for <= $1
		ORDER BY
			CASE priority
				WHEN 'CRITICAL' THEN 0
				WHEN 'HIGH' THEN 1
				ELSE 2
			END,
			scheduled_for ASC
		LIMIT $2
	`
	var due []*model.Notification
	if err := r.db.SelectContext(ctx, &due, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list due notifications: %w", err)
	}
	return due, nil
}

// ClaimForSending is the exclusion mechanism between overlapping dispatcher
// runs: a conditional write, not a read-then-write pair. Exactly one worker
// wins the flip to SENDING.
func (r *notificationRepository) ClaimForSending(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET status = 'SENDING', updated_at = NOW()
		WHERE id = $1
		AND status IN ('PENDING', 'QUEUED', 'RETRYING')
	`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to claim notification: %w", err)
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

func (r *notificationRepository) Update(ctx context.Context, n *model.Notification) error {
	query := `
		UPDATE notifications
		SET status = $1, scheduled_for = $2, metadata = $3,
			sent_at = $4, updated_at = $5
		WHERE id = $6
	`
	n.UpdatedAt = time.Now()

	result, err := r.db.ExecContext(ctx, query,
		n.Status,
		n.ScheduledFor,
		n.Metadata,
		n.SentAt,
		n.UpdatedAt,
		n.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
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

func (r *notificationRepository) Reschedule(ctx context.Context, id uuid.UUID, status model.NotificationStatus, at time.Time, meta model.NotificationMetadata) error {
	query := `
		UPDATE notifications
		SET status = $1, scheduled_for = $2, metadata = $3, updated_at = NOW()
		WHERE id = $4
	`
	result, err := r.db.ExecContext(ctx, query, status, at, meta, id)
	if err != nil {
		return fmt.Errorf("failed to reschedule notification: %w", err)
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
