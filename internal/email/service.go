// Package email defines the outbound email capability consumed by the
// notification dispatcher and its SMTP implementation.
package email

import "context"

// Message is one rendered outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Result reports a provider-assigned message id on success.
type Result struct {
	MessageID string
}

// Sender is the transport capability. Implementations classify failures as
// transient or terminal via pkg/errors.DeliveryError so that the dispatcher
// never has to sniff error message strings.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Result, error)
}
