package email

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	apperrors "github.com/obligohq/notifier/pkg/errors"
)

// SMTPConfig holds the SMTP provider settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type smtpSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender creates a Sender backed by gomail over SMTP.
func NewSMTPSender(cfg SMTPConfig) Sender {
	return &smtpSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (s *smtpSender) Send(ctx context.Context, msg *Message) (*Result, error) {
	if msg.To == "" || !strings.Contains(msg.To, "@") {
		return nil, apperrors.Terminal(fmt.Errorf("invalid recipient address %q", msg.To))
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}

	if err := ctx.Err(); err != nil {
		return nil, apperrors.Transient(err)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return nil, classify(err)
	}

	return &Result{MessageID: uuid.New().String()}, nil
}

// classify maps an SMTP failure onto the delivery error taxonomy. Network
// problems and 4xx SMTP codes are transient; 5xx SMTP codes mean the server
// rejected the message outright.
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperrors.Transient(err)
	}

	// gomail surfaces SMTP status codes as the error message prefix
	msg := err.Error()
	if len(msg) >= 3 {
		switch msg[0] {
		case '4':
			return apperrors.Transient(err)
		case '5':
			return apperrors.Terminal(err)
		}
	}
	return apperrors.Transient(err)
}
