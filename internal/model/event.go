package model

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EventType identifies a domain event that can be fanned out to webhooks.
type EventType string

const (
	EventObligationCreated   EventType = "obligation.created"
	EventObligationUpdated   EventType = "obligation.updated"
	EventObligationCompleted EventType = "obligation.completed"
	EventObligationDueSoon   EventType = "obligation.deadline_approaching"
	EventObligationOverdue   EventType = "obligation.deadline_breached"
	EventEvidenceUploaded    EventType = "evidence.uploaded"
	EventEvidenceApproved    EventType = "evidence.approved"
	EventEvidenceRejected    EventType = "evidence.rejected"
	EventEscalationTriggered EventType = "escalation.triggered"
	EventEscalationResolved  EventType = "escalation.resolved"
	EventReportGenerated     EventType = "report.generated"
	EventAuditPeriodStarted  EventType = "audit.period_started"
	EventAuditPeriodClosed   EventType = "audit.period_closed"
	EventWebhookTest         EventType = "webhook.test"
)

// EventTypes lists every event a subscription may register for.
var EventTypes = []EventType{
	EventObligationCreated,
	EventObligationUpdated,
	EventObligationCompleted,
	EventObligationDueSoon,
	EventObligationOverdue,
	EventEvidenceUploaded,
	EventEvidenceApproved,
	EventEvidenceRejected,
	EventEscalationTriggered,
	EventEscalationResolved,
	EventReportGenerated,
	EventAuditPeriodStarted,
	EventAuditPeriodClosed,
	EventWebhookTest,
}

// IsValidEventType reports whether s names a known event type.
func IsValidEventType(s string) bool {
	for _, et := range EventTypes {
		if string(et) == s {
			return true
		}
	}
	return false
}

// Event is the envelope wrapping a webhook payload on the wire. The field
// order here defines the transmitted JSON; the signature is computed over
// the exact serialized bytes.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	CreatedAt string          `json:"created_at"`
	CompanyID string          `json:"company_id"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent builds an envelope with a fresh evt_ id and an ISO-8601 timestamp.
func NewEvent(eventType EventType, companyID string, data json.RawMessage) *Event {
	return &Event{
		ID:        "evt_" + randomHex(16),
		Type:      eventType,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		CompanyID: companyID,
		Data:      data,
	}
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(b)
}
