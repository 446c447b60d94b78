package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryStatusSuccess DeliveryStatus = "SUCCESS"
	DeliveryStatusFailed  DeliveryStatus = "FAILED"
)

// Scan maps a NULL column, the state before any delivery has happened, onto
// the zero value.
func (s *DeliveryStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = ""
	case []byte:
		*s = DeliveryStatus(v)
	case string:
		*s = DeliveryStatus(v)
	default:
		return fmt.Errorf("unsupported scan type %T", src)
	}
	return nil
}

func (s DeliveryStatus) Value() (driver.Value, error) {
	return string(s), nil
}

const (
	// DefaultMaxRetries bounds the per-delivery retry loop.
	DefaultMaxRetries = 3
	// DefaultTimeoutMs bounds a single delivery HTTP call.
	DefaultTimeoutMs = 30000
	// MaxStoredResponseBody caps the response body kept on an attempt row.
	MaxStoredResponseBody = 10 * 1024
)

// WebhookSubscription is a registered machine recipient. The secret is
// returned exactly once at registration and omitted from every projection
// after that; the engine still reads it internally to sign payloads.
type WebhookSubscription struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	CompanyID          uuid.UUID      `db:"company_id" json:"company_id"`
	URL                string         `db:"url" json:"url"`
	Secret             string         `db:"secret" json:"-"`
	Events             StringList     `db:"events" json:"events"`
	Headers            HeaderMap      `db:"headers" json:"headers,omitempty"`
	Active             bool           `db:"active" json:"active"`
	MaxRetries         int            `db:"max_retries" json:"max_retries"`
	TimeoutMs          int            `db:"timeout_ms" json:"timeout_ms"`
	FailureCount       int            `db:"failure_count" json:"failure_count"`
	LastDeliveryAt     *time.Time     `db:"last_delivery_at" json:"last_delivery_at,omitempty"`
	LastDeliveryStatus DeliveryStatus `db:"last_delivery_status" json:"last_delivery_status,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// SubscribesTo reports whether the subscription's event set contains eventType.
func (s *WebhookSubscription) SubscribesTo(eventType EventType) bool {
	for _, e := range s.Events {
		if e == string(eventType) {
			return true
		}
	}
	return false
}

// WebhookSubscriptionUpdate carries the owner-updatable fields. Nil means
// leave unchanged.
type WebhookSubscriptionUpdate struct {
	URL        *string
	Events     []string
	Headers    map[string]string
	Active     *bool
	MaxRetries *int
	TimeoutMs  *int
}

// WebhookDeliveryAttempt is one row per logical delivery call. Retries
// update this row's RetryCount and outcome in place; they never append rows.
type WebhookDeliveryAttempt struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	SubscriptionID uuid.UUID       `db:"subscription_id" json:"subscription_id"`
	EventType      string          `db:"event_type" json:"event_type"`
	EventID        string          `db:"event_id" json:"event_id"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	ResponseStatus *int            `db:"response_status" json:"response_status,omitempty"`
	ResponseBody   *string         `db:"response_body" json:"response_body,omitempty"`
	ErrorMessage   *string         `db:"error_message" json:"error_message,omitempty"`
	DeliveredAt    *time.Time      `db:"delivered_at" json:"delivered_at,omitempty"`
	FailedAt       *time.Time      `db:"failed_at" json:"failed_at,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// StringList stores an ordered list of strings as a jsonb column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	// string, not []byte: lib/pq would send []byte as bytea
	return string(b), nil
}

func (l *StringList) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// HeaderMap stores subscriber-configured custom headers as a jsonb column.
type HeaderMap map[string]string

func (m HeaderMap) Value() (driver.Value, error) {
	if m == nil {
		m = HeaderMap{}
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *HeaderMap) Scan(src interface{}) error {
	return scanJSON(src, m)
}

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported scan type %T", src)
	}
}
