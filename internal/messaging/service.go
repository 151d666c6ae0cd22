// Package messaging defines the single outbound send primitive and the
// transport-neutral pieces shared by the WhatsApp transports.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrRecipientNotAllowed marks a send refused because of a sandbox or
	// allow-list limitation. It is logged and audited, never fatal to a turn.
	ErrRecipientNotAllowed = errors.New("messaging: recipient not allowed")
	// ErrInvalidRecipient is returned for numbers that cannot be canonicalized.
	ErrInvalidRecipient = errors.New("messaging: invalid recipient")
)

// Sender is the outbound send primitive.
type Sender interface {
	// Send delivers body to the E.164 number and returns the provider message id.
	Send(ctx context.Context, to string, body string) (string, error)
}

// InboundHandler receives normalized inbound events from transports that push
// them (whatsmeow) rather than receive them through the HTTP API.
type InboundHandler func(ctx context.Context, events []models.InboundEvent, statuses []models.DeliveryStatus)

var nonDigitRegex = regexp.MustCompile(`\D`)

// CanonicalizePhone returns the E.164 form ("+33612345678") of a phone number
// or WhatsApp address. "whatsapp:" prefixes and JID suffixes are stripped.
func CanonicalizePhone(recipient string) (string, error) {
	r := strings.TrimSpace(recipient)
	r = strings.TrimPrefix(r, "whatsapp:")
	if i := strings.IndexByte(r, '@'); i >= 0 {
		r = r[:i]
	}
	if i := strings.IndexByte(r, ':'); i >= 0 {
		// device suffix of a JID user part, "33612345678:12"
		r = r[:i]
	}
	digits := nonDigitRegex.ReplaceAllString(r, "")
	if strings.HasPrefix(digits, "00") {
		digits = digits[2:]
	}
	if digits == "" {
		return "", fmt.Errorf("%w: no digits found in %q", ErrInvalidRecipient, recipient)
	}
	if len(digits) < 6 || len(digits) > 15 {
		return "", fmt.Errorf("%w: %q has %d digits", ErrInvalidRecipient, recipient, len(digits))
	}
	return "+" + digits, nil
}

// LogSender logs messages instead of sending them. It is the development transport.
type LogSender struct {
	mu   sync.Mutex
	sent []SentMessage
}

// SentMessage is a message captured by LogSender.
type SentMessage struct {
	ID   string
	To   string
	Body string
}

var _ Sender = (*LogSender)(nil)

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) Send(ctx context.Context, to string, body string) (string, error) {
	canonical, err := CanonicalizePhone(to)
	if err != nil {
		return "", err
	}
	id := "log-" + uuid.NewString()
	s.mu.Lock()
	s.sent = append(s.sent, SentMessage{ID: id, To: canonical, Body: body})
	s.mu.Unlock()
	slog.Info("LogSender.Send", "to", canonical, "id", id, "body", body)
	return id, nil
}

// Sent returns a copy of the captured messages.
func (s *LogSender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}
