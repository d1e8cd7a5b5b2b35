package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"traffic-eye/internal/config"
)

var ErrNotConfigured = errors.New("smtp not configured")

const dialTimeout = 30 * time.Second

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type Message struct {
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer delivers messages over SMTP with optional STARTTLS and PLAIN auth.
type SMTPMailer struct {
	cfg config.SMTPConfig
	now func() time.Time
	log zerolog.Logger
}

func NewSMTPMailer(cfg config.SMTPConfig, log zerolog.Logger) (*SMTPMailer, error) {
	if cfg.Host == "" || cfg.Sender == "" || len(cfg.Recipients) == 0 {
		return nil, fmt.Errorf("%w: SMTP_HOST, SMTP_SENDER and SMTP_RECIPIENTS are required", ErrNotConfigured)
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("%w: SMTP_PASSWORD is required", ErrNotConfigured)
	}
	return &SMTPMailer{cfg: cfg, now: time.Now, log: log.With().Str("component", "smtp").Logger()}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	raw, err := BuildMIME(m.cfg.Sender, m.cfg.Recipients, msg, m.now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	deadline := time.Now().Add(dialTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("smtp set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if m.cfg.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if ok, _ := client.Extension("AUTH"); ok {
		if err := client.Auth(smtp.PlainAuth("", m.cfg.Sender, m.cfg.Password, m.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(m.cfg.Sender); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range m.cfg.Recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	// The server has accepted the message; a failed QUIT must not trigger a resend.
	if err := client.Quit(); err != nil {
		m.log.Warn().Err(err).Str("host", m.cfg.Host).Msg("smtp quit failed after message was accepted")
	}
	return nil
}
