package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NotificationStatus string

const (
	NotificationStatusPending   NotificationStatus = "PENDING"
	NotificationStatusQueued    NotificationStatus = "QUEUED"
	NotificationStatusSending   NotificationStatus = "SENDING"
	NotificationStatusRetrying  NotificationStatus = "RETRYING"
	NotificationStatusSent      NotificationStatus = "SENT"
	NotificationStatusFailed    NotificationStatus = "FAILED"
	NotificationStatusCancelled NotificationStatus = "CANCELLED"
)

// IsProcessable reports whether the batch scan may pick up a row in this
// status. SENT, FAILED and CANCELLED are terminal; SENDING belongs to a
// worker that already claimed the row.
func (s NotificationStatus) IsProcessable() bool {
	switch s {
	case NotificationStatusPending, NotificationStatusQueued, NotificationStatusRetrying:
		return true
	}
	return false
}

type NotificationPriority string

const (
	PriorityNormal   NotificationPriority = "NORMAL"
	PriorityHigh     NotificationPriority = "HIGH"
	PriorityCritical NotificationPriority = "CRITICAL"
)

type NotificationChannel string

const (
	ChannelEmail NotificationChannel = "EMAIL"
)

// NotificationMetadata replaces the source system's untyped JSON bag with
// explicit optional fields and defaults.
type NotificationMetadata struct {
	CompanyName  string            `json:"company_name,omitempty"`
	RetryCount   int               `json:"retry_count,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	DeadLetterID *uuid.UUID        `json:"dead_letter_id,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

func (m NotificationMetadata) Value() (driver.Value, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *NotificationMetadata) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// Notification is a single outbound message to a human recipient. Rows are
// created by producers with status PENDING and mutated only by the
// dispatcher.
type Notification struct {
	ID           uuid.UUID            `db:"id" json:"id"`
	UserID       uuid.UUID            `db:"user_id" json:"user_id"`
	CompanyID    uuid.UUID            `db:"company_id" json:"company_id"`
	Recipient    string               `db:"recipient" json:"recipient"`
	Type         string               `db:"notification_type" json:"notification_type"`
	Channel      NotificationChannel  `db:"channel" json:"channel"`
	Status       NotificationStatus   `db:"status" json:"status"`
	Priority     NotificationPriority `db:"priority" json:"priority"`
	ScheduledFor time.Time            `db:"scheduled_for" json:"scheduled_for"`
	Metadata     NotificationMetadata `db:"metadata" json:"metadata"`
	SentAt       *time.Time           `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt    time.Time            `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time            `db:"updated_at" json:"updated_at"`
}

// DeadLetterEntry preserves a permanently failed notification for operator
// inspection and replay.
type DeadLetterEntry struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	NotificationID uuid.UUID       `db:"notification_id" json:"notification_id"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	Reason         string          `db:"reason" json:"reason"`
	AttemptCount   int             `db:"attempt_count" json:"attempt_count"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}
