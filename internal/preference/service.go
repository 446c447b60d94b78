// Package preference resolves per-user delivery preferences: whether a
// notification goes out now, is queued into a digest, or is suppressed.
package preference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Frequency is the user-selected delivery cadence.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

// Preferences is the per-user resolution result.
type Preferences struct {
	Enabled   bool
	Frequency Frequency
}

// Service answers preference questions from the user_notification_preferences
// table and enqueues digest work. Users without a stored row get immediate
// delivery.
type Service struct {
	db *sqlx.DB
}

func NewService(db *sqlx.DB) *Service {
	return &Service{db: db}
}

// ShouldSend reports whether the user accepts this notification type on this
// channel at all.
func (s *Service) ShouldSend(ctx context.Context, userID uuid.UUID, notificationType, channel string) (bool, error) {
	query := `
		SELECT enabled
		FROM user_notification_preferences
		WHERE user_id = $1
		AND notification_type = $2
		AND channel = $3
	`
	var enabled bool
	err := s.db.GetContext(ctx, &enabled, query, userID, notificationType, channel)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to resolve notification preference: %w", err)
	}
	return enabled, nil
}

// GetPreferences returns the user's cadence selection.
func (s *Service) GetPreferences(ctx context.Context, userID uuid.UUID) (*Preferences, error) {
	query := `
		SELECT frequency_preference
		FROM user_delivery_settings
		WHERE user_id = $1
	`
	var freq string
	err := s.db.GetContext(ctx, &freq, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &Preferences{Enabled: true, Frequency: FrequencyImmediate}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery settings: %w", err)
	}

	f := Frequency(freq)
	switch f {
	case FrequencyDaily, FrequencyWeekly:
	default:
		f = FrequencyImmediate
	}
	return &Preferences{Enabled: true, Frequency: f}, nil
}

// QueueForDigest hands a notification over to the digest component. The
// dispatcher takes no further action on the row after this; the digest
// builder owns it from here.
func (s *Service) QueueForDigest(ctx context.Context, notificationID, userID uuid.UUID, cadence Frequency) error {
	query := `
		INSERT INTO digest_queue (id, notification_id, user_id, cadence, queued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (notification_id) DO NOTHING
	`
	_, err := s.db.ExecContext(ctx, query, uuid.New(), notificationID, userID, cadence, time.Now())
	if err != nil {
		return fmt.Errorf("failed to queue notification for digest: %w", err)
	}
	return nil
}
