package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/obligohq/notifier/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// All repository interfaces in one file
type (
	// WebhookRepository handles subscription and delivery attempt rows
	WebhookRepository interface {
		Create(ctx context.Context, sub *model.WebhookSubscription) error
		Get(ctx context.Context, id uuid.UUID) (*model.WebhookSubscription, error)
		ListByCompany(ctx context.Context, companyID uuid.UUID) ([]*model.WebhookSubscription, error)
		ListActiveForEvent(ctx context.Context, companyID uuid.UUID, eventType model.EventType) ([]*model.WebhookSubscription, error)
		Update(ctx context.Context, sub *model.WebhookSubscription) error
		Delete(ctx context.Context, id uuid.UUID) error
		RecordDeliveryResult(ctx context.Context, id uuid.UUID, status model.DeliveryStatus, at time.Time) error

		CreateAttempt(ctx context.Context, attempt *model.WebhookDeliveryAttempt) error
		UpdateAttempt(ctx context.Context, attempt *model.WebhookDeliveryAttempt) error
		ListAttempts(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]*model.WebhookDeliveryAttempt, error)
	}

	// NotificationRepository handles outbound notification rows
	NotificationRepository interface {
		Create(ctx context.Context, n *model.Notification) error
		Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
		ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error)
		// ClaimForSending atomically flips a processable row to SENDING.
		// It returns ErrNotFound when another worker already claimed the
		// row or the row left a processable status.
		ClaimForSending(ctx context.Context, id uuid.UUID) error
		Update(ctx context.Context, n *model.Notification) error
		Reschedule(ctx context.Context, id uuid.UUID, status model.NotificationStatus, at time.Time, meta model.NotificationMetadata) error
	}

	// DeadLetterRepository stores permanently failed notifications
	DeadLetterRepository interface {
		Create(ctx context.Context, entry *model.DeadLetterEntry) error
		// CreateAndFail inserts the entry and flips the notification to
		// FAILED with the entry's id in its metadata, in one transaction.
		// Either both rows change or neither does.
		CreateAndFail(ctx context.Context, entry *model.DeadLetterEntry, n *model.Notification) error
		List(ctx context.Context, limit int) ([]*model.DeadLetterEntry, error)
		GetByNotification(ctx context.Context, notificationID uuid.UUID) (*model.DeadLetterEntry, error)
	}

	// CompanyRepository resolves company display names for templates
	CompanyRepository interface {
		GetName(ctx context.Context, id uuid.UUID) (string, error)
	}
)
