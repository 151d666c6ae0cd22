// Package twiliowhatsapp wraps the Twilio API for WhatsApp integration in CoachPipe.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Twilio error codes that mean the recipient cannot be messaged from this sender
// (sandbox not joined, unreachable or unsubscribed WhatsApp user).
var notAllowedCodes = map[int]bool{
	21608: true,
	21610: true,
	63015: true,
	63016: true,
	63024: true,
}

// messageCreator is the subset of the Twilio API used for sending.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts are the Twilio credentials and the sending WhatsApp number.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token, also used to validate webhooks.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender number; a missing "whatsapp:" prefix is added.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client sends WhatsApp messages through the Twilio Messages API.
type Client struct {
	api  messageCreator
	from string // "whatsapp:+33..."
}

var _ messaging.Sender = (*Client)(nil)

// NewClient validates the credentials; values come from config, never from
// the environment directly.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	var missing []string
	if cfg.AccountSID == "" {
		missing = append(missing, "account SID")
	}
	if cfg.AuthToken == "" {
		missing = append(missing, "auth token")
	}
	if cfg.FromWhats == "" {
		missing = append(missing, "sender number")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("twilio: missing %s", strings.Join(missing, ", "))
	}

	from := cfg.FromWhats
	if !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	slog.Debug("Twilio client ready", "from", from)
	return &Client{api: rest.Api, from: from}, nil
}

// Send sends a WhatsApp message using Twilio API and returns the message SID.
func (c *Client) Send(ctx context.Context, to string, body string) (string, error) {
	canonical, err := messaging.CanonicalizePhone(to)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + canonical)
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		var restErr *twilioclient.TwilioRestError
		if errors.As(err, &restErr) && notAllowedCodes[restErr.Code] {
			slog.Warn("Twilio Send: recipient not allowed", "to", canonical, "code", restErr.Code)
			return "", fmt.Errorf("%w: twilio code %d", messaging.ErrRecipientNotAllowed, restErr.Code)
		}
		slog.Error("Twilio Send failed", "to", canonical, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", canonical, err)
	}

	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", canonical, "sid", sid)
	return sid, nil
}

// WebhookValidator checks the X-Twilio-Signature header of inbound webhooks.
type WebhookValidator struct {
	validator twilioclient.RequestValidator
	publicURL string
}

// NewWebhookValidator validates against publicURL, the URL Twilio is configured
// to call. An empty publicURL rebuilds it from the request.
func NewWebhookValidator(authToken, publicURL string) *WebhookValidator {
	return &WebhookValidator{validator: twilioclient.NewRequestValidator(authToken), publicURL: publicURL}
}

// Validate reports whether r carries a valid signature. r's form must be parsed.
func (v *WebhookValidator) Validate(r *http.Request) bool {
	target := v.publicURL
	if target == "" {
		scheme := "https"
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "" {
			scheme = "http"
		} else if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
			scheme = p
		}
		target = scheme + "://" + r.Host + r.URL.RequestURI()
	}
	params := make(map[string]string, len(r.PostForm))
	for k, vals := range r.PostForm {
		if len(vals) > 0 {
			params[k] = vals[0]
		}
	}
	return v.validator.Validate(target, params, r.Header.Get("X-Twilio-Signature"))
}

// ParseWebhook normalizes a Twilio WhatsApp webhook form into inbound events
// and delivery statuses. Status callbacks carry MessageStatus and no Body.
func ParseWebhook(form url.Values, receivedAt time.Time) ([]models.InboundEvent, []models.DeliveryStatus) {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsSid")
	}

	if status := form.Get("MessageStatus"); status != "" && form.Get("Body") == "" && form.Get("ButtonPayload") == "" {
		to, _ := messaging.CanonicalizePhone(form.Get("To"))
		return nil, []models.DeliveryStatus{{
			ProviderMessageID: sid,
			Status:            strings.ToLower(status),
			Recipient:         to,
			Timestamp:         receivedAt,
		}}
	}

	from, err := messaging.CanonicalizePhone(form.Get("From"))
	if err != nil || sid == "" {
		slog.Warn("Twilio webhook missing sender or sid", "from", form.Get("From"), "sid", sid)
		return nil, nil
	}
	ev := models.InboundEvent{
		MessageID: sid,
		Phone:     from,
		Type:      models.EventTypeText,
		Body:      form.Get("Body"),
		Timestamp: receivedAt,
	}
	if payload := form.Get("ButtonPayload"); payload != "" {
		ev.Type = models.EventTypeButton
		ev.InteractiveID = payload
		ev.InteractiveTitle = form.Get("ButtonText")
		if ev.Body == ev.InteractiveTitle {
			ev.Body = ""
		}
	}
	return []models.InboundEvent{ev}, nil
}
