// Package email sends plain-text mail via SMTP.
package email

import (
	"fmt"
	"net/smtp"
	"strings"
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
	}
}

// IsConfigured reports whether outgoing mail is set up at all; when it is
// not, callers skip notification work entirely.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Send delivers a plain-text message. fromLine overrides the display part
// of the From header when non-empty; replyTo sets a Reply-To header so
// user-to-user reply notifications can be answered directly.
func (s *Service) Send(to, subject, body, fromLine, replyTo string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	if fromLine != "" {
		from = fmt.Sprintf("%s <%s>", fromLine, s.config.From)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	if replyTo != "" {
		fmt.Fprintf(&msg, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n%s", body)

	return smtp.SendMail(s.server, s.auth, s.config.From, []string{to}, []byte(msg.String()))
}
