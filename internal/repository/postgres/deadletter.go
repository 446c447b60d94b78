package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/obligohq/notifier/internal/model"
	"github.com/obligohq/notifier/internal/repository"
)

type deadLetterRepository struct {
	BaseRepository
}

func NewDeadLetterRepository(base BaseRepository) repository.DeadLetterRepository {
	return &deadLetterRepository{base}
}

func (r *deadLetterRepository) Create(ctx context.Context, entry *model.DeadLetterEntry) error {
	query := `
		INSERT INTO notification_dead_letters (
			id, notification_id, payload, reason, attempt_count, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
	`
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.NotificationID,
		string(entry.Payload),
		entry.Reason,
		entry.AttemptCount,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create dead letter entry: %w", err)
	}
	return nil
}

// CreateAndFail dead-letters a notification atomically: the entry insert and
// the flip to FAILED commit together, so a crash between them can never leave
// a FAILED row without its dead letter or an orphaned entry.
func (r *deadLetterRepository) CreateAndFail(ctx context.Context, entry *model.DeadLetterEntry, n *model.Notification) error {
	insertQuery := `
		INSERT INTO notification_dead_letters (
			id, notification_id, payload, reason, attempt_count, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
	`
	updateQuery := `
		UPDATE notifications
		SET status = $1, metadata = $2, updated_at = $3
		WHERE id = $4
	`

	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		entry.ID = uuid.New()
		entry.CreatedAt = time.Now()

		_, err := tx.ExecContext(ctx, insertQuery,
			entry.ID,
			entry.NotificationID,
			string(entry.Payload),
			entry.Reason,
			entry.AttemptCount,
			entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create dead letter entry: %w", err)
		}

		n.Metadata.DeadLetterID = &entry.ID
		n.Status = model.NotificationStatusFailed
		n.UpdatedAt = time.Now()

		result, err := tx.ExecContext(ctx, updateQuery, n.Status, n.Metadata, n.UpdatedAt, n.ID)
		if err != nil {
			return fmt.Errorf("failed to mark notification failed: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return repository.ErrNotFound
		}
		return nil
	})
}

func (r *deadLetterRepository) List(ctx context.Context, limit int) ([]*model.DeadLetterEntry, error) {
	query := `
		SELECT id, notification_id, payload, reason, attempt_count, created_at
		FROM notification_dead_letters
		ORDER BY created_at DESC
		LIMIT $1
	`
	var entries []*model.DeadLetterEntry
	if err := r.db.SelectContext(ctx, &entries, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list dead letter entries: %w", err)
	}
	return entries, nil
}

func (r *deadLetterRepository) GetByNotification(ctx context.Context, notificationID uuid.UUID) (*model.DeadLetterEntry, error) {
	query := `
		SELECT id, notification_id, payload, reason, attempt_count, created_at
		FROM notification_dead_letters
		WHERE notification_id = $1
	`
	var entry model.DeadLetterEntry
	err := r.db.GetContext(ctx, &entry, query, notificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter entry: %w", err)
	}
	return &entry, nil
}
