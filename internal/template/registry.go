// Package template renders channel-specific message content keyed by
// notification type.
package template

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

// Context carries the values available to every template.
type Context struct {
	CompanyName    string
	RecipientEmail string
	Extra          map[string]string
}

// Rendered is the channel-ready output for one notification.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

type entry struct {
	subject string
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// Registry maps notification types to their email templates.
type Registry struct {
	entries map[string]entry
}

type def struct {
	subject string
	html    string
	text    string
}

var defaults = map[string]def{
	"obligation_due": {
		subject: "Obligation due soon — action required",
		html:    `<p>Hi,</p><p>A compliance obligation for <strong>{{.CompanyName}}</strong> is approaching its deadline. Please review it and upload the required evidence.</p>`,
		text:    "A compliance obligation for {{.CompanyName}} is approaching its deadline. Please review it and upload the required evidence.",
	},
	"obligation_overdue": {
		subject: "Obligation deadline breached",
		html:    `<p>Hi,</p><p>A compliance obligation for <strong>{{.CompanyName}}</strong> has passed its deadline without completion. Immediate action is required.</p>`,
		text:    "A compliance obligation for {{.CompanyName}} has passed its deadline without completion. Immediate action is required.",
	},
	"evidence_approved": {
		subject: "Evidence approved",
		html:    `<p>Hi,</p><p>Your submitted evidence for {{.CompanyName}} has been approved.</p>`,
		text:    "Your submitted evidence for {{.CompanyName}} has been approved.",
	},
	"evidence_rejected": {
		subject: "Evidence rejected — resubmission needed",
		html:    `<p>Hi,</p><p>Your submitted evidence for {{.CompanyName}} was rejected. Please review the feedback and resubmit.</p>`,
		text:    "Your submitted evidence for {{.CompanyName}} was rejected. Please review the feedback and resubmit.",
	},
	"escalation_triggered": {
		subject: "Compliance escalation triggered",
		html:    `<p>Hi,</p><p>An overdue obligation at <strong>{{.CompanyName}}</strong> has been escalated to you.</p>`,
		text:    "An overdue obligation at {{.CompanyName}} has been escalated to you.",
	},
	"report_ready": {
		subject: "Your compliance report is ready",
		html:    `<p>Hi,</p><p>A compliance report for {{.CompanyName}} has finished generating and is available in your dashboard.</p>`,
		text:    "A compliance report for {{.CompanyName}} has finished generating and is available in your dashboard.",
	},
}

// NewRegistry builds the default template registry.
func NewRegistry() (*Registry, error) {
	r := &Registry{entries: make(map[string]entry, len(defaults))}
	for name, d := range defaults {
		ht, err := htmltemplate.New(name + ".html").Parse(d.html)
		if err != nil {
			return nil, fmt.Errorf("failed to parse html template %q: %w", name, err)
		}
		tt, err := texttemplate.New(name + ".txt").Parse(d.text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse text template %q: %w", name, err)
		}
		r.entries[name] = entry{subject: d.subject, html: ht, text: tt}
	}
	return r, nil
}

// Render produces the email content for a notification type. Unknown types
// are an error so that a typo in a producer surfaces instead of sending an
// empty message.
func (r *Registry) Render(notificationType string, ctx Context) (*Rendered, error) {
	e, ok := r.entries[notificationType]
	if !ok {
		return nil, fmt.Errorf("no template registered for notification type %q", notificationType)
	}

	var html bytes.Buffer
	if err := e.html.Execute(&html, ctx); err != nil {
		return nil, fmt.Errorf("failed to render html template %q: %w", notificationType, err)
	}

	var text bytes.Buffer
	if err := e.text.Execute(&text, ctx); err != nil {
		return nil, fmt.Errorf("failed to render text template %q: %w", notificationType, err)
	}

	return &Rendered{
		Subject: e.subject,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}
