package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// Notifier delivers one message to one contact address.
// Params: context, recipient address, subject, and plain-text body.
// Returns: delivery error; delivery failure is an expected, recorded outcome.
type Notifier interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig holds SMTP transport settings.
// Params: host/port endpoint, credentials, sender identity, and dial timeout.
// Returns: settings consumed by the SMTP mailer.
type SMTPConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	From           string
	TimeoutSeconds int
}

// SMTPMailer sends mail over SMTP with STARTTLS and plain auth.
// Params: transport config and init error captured at construction.
// Returns: Notifier implementation for admin notifications.
type SMTPMailer struct {
	cfg     SMTPConfig
	initErr error
}

// NewSMTPMailer creates the SMTP notifier.
// Params: SMTP config.
// Returns: mailer; configuration gaps surface as send errors, matching the sender init pattern.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	mailer := &SMTPMailer{cfg: cfg}
	if strings.TrimSpace(cfg.Host) == "" {
		mailer.initErr = errors.New("smtp host is required")
		return mailer
	}
	if cfg.Port <= 0 {
		mailer.initErr = errors.New("smtp port must be positive")
		return mailer
	}
	if strings.TrimSpace(cfg.From) == "" {
		mailer.initErr = errors.New("smtp from address is required")
	}
	return mailer
}

// Send delivers one message through EHLO/STARTTLS/AUTH/DATA.
// Params: context bound to the dial timeout, recipient, subject, and body.
// Returns: transport or protocol error.
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.initErr != nil {
		return m.initErr
	}

	timeout := time.Duration(m.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	address := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", address, err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if m.cfg.Username != "" {
		auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := writer.Write(BuildMessage(m.cfg.From, to, subject, body)); err != nil {
		_ = writer.Close()
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("smtp close body: %w", err)
	}
	return client.Quit()
}

// BuildMessage renders one RFC 5322 plain-text message.
// Params: sender, recipient, subject, and body.
// Returns: wire payload with CRLF line endings.
func BuildMessage(from, to, subject, body string) []byte {
	var builder strings.Builder
	builder.Grow(len(body) + 128)
	builder.WriteString("From: " + from + "\r\n")
	builder.WriteString("To: " + to + "\r\n")
	builder.WriteString("Subject: " + subject + "\r\n")
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	builder.WriteString("\r\n")
	return []byte(builder.String())
}

// Recorder captures sent messages for tests instead of delivering them.
// Params: optional per-recipient failure injection.
// Returns: in-memory Notifier fake.
type Recorder struct {
	mu       sync.Mutex
	messages []RecordedMessage
	failFor  map[string]error
}

// RecordedMessage is one captured notification.
// Params: recipient, subject, and body.
// Returns: message snapshot for assertions.
type RecordedMessage struct {
	To      string
	Subject string
	Body    string
}

// NewRecorder creates an empty mail recorder.
// Params: none.
// Returns: initialized recorder.
func NewRecorder() *Recorder {
	return &Recorder{failFor: make(map[string]error)}
}

// FailFor injects a delivery error for one recipient.
// Params: recipient address and error to return.
// Returns: none.
func (r *Recorder) FailFor(to string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFor[to] = err
}

// Send records the message or returns the injected failure.
// Params: context (ignored), recipient, subject, and body.
// Returns: injected error when configured.
func (r *Recorder) Send(_ context.Context, to, subject, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failFor[to]; ok {
		return err
	}
	r.messages = append(r.messages, RecordedMessage{To: to, Subject: subject, Body: body})
	return nil
}

// Messages returns captured messages in send order.
// Params: none.
// Returns: detached message slice.
func (r *Recorder) Messages() []RecordedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecordedMessage(nil), r.messages...)
}
