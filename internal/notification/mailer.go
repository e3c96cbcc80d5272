package notification

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/driftline/notify-api/internal/config"
)

// SMTPMailer delivers notifications over email, used as the last
// fallback stage when neither realtime nor native push reached the
// user.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// NewSMTPMailer constructs a mailer from config.
func NewSMTPMailer(cfg config.EmailConfig) (*SMTPMailer, error) {
	if strings.TrimSpace(cfg.SMTPHost) == "" {
		return nil, fmt.Errorf("smtp_host is required")
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, fmt.Errorf("email from address is required")
	}

	return &SMTPMailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.Username,
		password: cfg.Password,
		from:     cfg.From,
	}, nil
}

// SendNotification dispatches one notification as a plain-text email.
func (m *SMTPMailer) SendNotification(recipientEmail, title, body string) error {
	if strings.TrimSpace(recipientEmail) == "" {
		return fmt.Errorf("recipient email is required")
	}

	subject := strings.TrimSpace(title)
	if subject == "" {
		subject = "Notification"
	}

	headers := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n",
		m.from, recipientEmail, subject)

	text := strings.Builder{}
	text.WriteString(strings.TrimSpace(body))
	text.WriteString("\n\n")
	text.WriteString("You are receiving this because the notification could not reach any of your devices.\n")

	message := []byte(headers + text.String())
	addr := fmt.Sprintf("%s:%d", m.host, m.port)

	var auth smtp.Auth
	if strings.TrimSpace(m.username) != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	return smtp.SendMail(addr, auth, m.from, []string{recipientEmail}, message)
}
