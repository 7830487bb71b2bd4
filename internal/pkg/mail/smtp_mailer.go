package mail

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/gofiber/fiber/v2/log"

	"github.com/cmehub/billing/internal/pkg/env"
)

// Mailer delivers a rendered HTML message to one recipient.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig holds the SMTP relay settings
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Sender   string
}

// SMTPConfigFromEnv reads SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD
// and SMTP_SENDER.
func SMTPConfigFromEnv() SMTPConfig {
	return SMTPConfig{
		Host:     env.GetEnv("SMTP_HOST", ""),
		Port:     env.GetEnv("SMTP_PORT", "25"),
		Username: env.GetEnv("SMTP_USERNAME", ""),
		Password: env.GetEnv("SMTP_PASSWORD", ""),
		Sender:   env.GetEnv("SMTP_SENDER", ""),
	}
}

// SMTPMailer sends emails via SMTP
type SMTPMailer struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer for cfg. An empty sender falls back to
// no-reply@localhost.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Sender == "" {
		cfg.Sender = "no-reply@localhost"
		log.Warnf("[Mail] SMTP_SENDER not set, using default sender: %s", cfg.Sender)
	}
	return &SMTPMailer{cfg: cfg, send: smtp.SendMail}
}

// Enabled reports whether a relay host is configured.
func (m *SMTPMailer) Enabled() bool {
	return m.cfg.Host != ""
}

// Send delivers one message. net/smtp has no context support, so ctx is
// only checked before dialing.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if m.cfg.Username != "" && m.cfg.Password != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	addr := fmt.Sprintf("%s:%s", m.cfg.Host, m.cfg.Port)
	msg := buildMessage(m.cfg.Sender, to, subject, body)

	if err := m.send(addr, auth, m.cfg.Sender, []string{to}, msg); err != nil {
		log.Errorf("[Mail] SMTP send to %s failed: %v", to, err)
		return err
	}
	log.Infof("[Mail] Email sent to %s via %s", to, addr)
	return nil
}

func buildMessage(from, to, subject, body string) []byte {
	return []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", from, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body,
	)
}
