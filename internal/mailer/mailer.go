// Package mailer renders and sends the account-linking and support emails.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout bounds one SMTP round-trip.
const DefaultTimeout = 15 * time.Second

// ErrNotConfigured is returned by an SMTP mailer without a host.
var ErrNotConfigured = errors.New("mailer: SMTP not configured")

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Message is one rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Mailer sends rendered emails.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LinkChallenge is the data of the "confirm this WhatsApp number" email.
type LinkChallenge struct {
	DisplayName  string
	Phone        string
	DeepLink     string
	Token        string
	ExpiresAt    time.Time
	Ambiguous    bool
	SupportEmail string
}

// PreviousOwnerNotice tells the evicted holder that their number moved.
type PreviousOwnerNotice struct {
	DisplayName  string
	Phone        string
	SupportEmail string
}

// SupportEscalation is sent to the support inbox.
type SupportEscalation struct {
	AccountID string
	Email     string
	Phone     string
	Reason    string
}

// RenderLinkChallenge renders the email carrying the LINK:<token> deep link.
func RenderLinkChallenge(to string, d LinkChallenge) (Message, error) {
	return render(to, "Confirme ton numéro WhatsApp", "link_challenge.html", d)
}

// RenderPreviousOwnerNotice renders the security notice to a previous phone holder.
func RenderPreviousOwnerNotice(to string, d PreviousOwnerNotice) (Message, error) {
	return render(to, "Ton numéro WhatsApp a été associé à un autre compte", "previous_owner.html", d)
}

// RenderSupportEscalation renders the message sent to the support address.
func RenderSupportEscalation(to string, d SupportEscalation) (Message, error) {
	return render(to, "[CoachPipe] Escalade support: "+d.Reason, "support_escalation.html", d)
}

func render(to, subject, name string, data any) (Message, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", name, err)
	}
	return Message{To: to, Subject: subject, HTML: buf.String()}, nil
}

// SMTPMailer sends mail through an SMTP relay with STARTTLS when offered.
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
	timeout  time.Duration
}

var _ Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer returns a mailer for host:port. Auth is used when username is set.
func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	if port == 0 {
		port = 587
	}
	return &SMTPMailer{host: host, port: port, username: username, password: password, from: from, timeout: DefaultTimeout}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if m.host == "" {
		return ErrNotConfigured
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if m.username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.username, m.password, m.host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(m.from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(buildMIME(m.from, msg)); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	if err := c.Quit(); err != nil {
		slog.Debug("SMTPMailer.Send: quit failed", "error", err)
	}
	slog.Info("SMTPMailer.Send: email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

func buildMIME(from string, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + msg.To + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	b.WriteString("Message-ID: <" + uuid.NewString() + "@coachpipe>\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.HTML, "\n", "\r\n"))
	return []byte(b.String())
}

// LogMailer logs emails instead of sending them. It is the development mailer.
type LogMailer struct {
	mu   sync.Mutex
	sent []Message
}

var _ Mailer = (*LogMailer)(nil)

func NewLogMailer() *LogMailer {
	return &LogMailer{}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	slog.Info("LogMailer.Send", "to", msg.To, "subject", msg.Subject)
	return nil
}

// Sent returns a copy of the captured emails.
func (m *LogMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
