// Package cloudapi implements the WhatsApp Cloud API transport: webhook
// envelope parsing, signature and challenge verification, and the Graph API
// text send.
package cloudapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

const (
	// DefaultGraphVersion is the Graph API version used when none is configured.
	DefaultGraphVersion = "v21.0"
	// DefaultBaseURL is the Graph API host.
	DefaultBaseURL = "https://graph.facebook.com"
	// DefaultTimeout bounds one send round-trip.
	DefaultTimeout = 10 * time.Second

	// codeRecipientNotAllowed is returned for numbers outside the test allow-list.
	codeRecipientNotAllowed = 131030

	signaturePrefix = "sha256="
)

var (
	// ErrInvalidSignature is returned when X-Hub-Signature-256 does not match.
	ErrInvalidSignature = errors.New("cloudapi: invalid webhook signature")
	// ErrVerificationFailed is returned for a bad subscription challenge.
	ErrVerificationFailed = errors.New("cloudapi: webhook verification failed")
)

// Envelope is the webhook body posted by the Cloud API.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Message is one inbound message event.
type Message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button,omitempty"`
	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *Reply `json:"button_reply,omitempty"`
		ListReply   *Reply `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
}

// Reply is an interactive button or list selection.
type Reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Status is one delivery-status event.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}

// ParseEnvelope decodes a webhook body and flattens every entry into inbound
// events and delivery statuses. Unsupported message types are skipped.
func ParseEnvelope(body []byte, receivedAt time.Time) ([]models.InboundEvent, []models.DeliveryStatus, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("decode webhook envelope: %w", err)
	}

	var events []models.InboundEvent
	var statuses []models.DeliveryStatus
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				ev, ok := normalizeMessage(msg, receivedAt)
				if !ok {
					slog.Debug("cloudapi.ParseEnvelope: skipping message", "id", msg.ID, "type", msg.Type)
					continue
				}
				events = append(events, ev)
			}
			for _, st := range change.Value.Statuses {
				recipient, _ := messaging.CanonicalizePhone(st.RecipientID)
				statuses = append(statuses, models.DeliveryStatus{
					ProviderMessageID: st.ID,
					Status:            strings.ToLower(st.Status),
					Recipient:         recipient,
					Timestamp:         unixOr(st.Timestamp, receivedAt),
				})
			}
		}
	}
	return events, statuses, nil
}

func normalizeMessage(msg Message, receivedAt time.Time) (models.InboundEvent, bool) {
	from, err := messaging.CanonicalizePhone(msg.From)
	if err != nil || msg.ID == "" {
		return models.InboundEvent{}, false
	}
	ev := models.InboundEvent{
		MessageID: msg.ID,
		Phone:     from,
		Timestamp: unixOr(msg.Timestamp, receivedAt),
	}
	switch msg.Type {
	case "text":
		if msg.Text == nil {
			return ev, false
		}
		ev.Type = models.EventTypeText
		ev.Body = msg.Text.Body
	case "button":
		if msg.Button == nil {
			return ev, false
		}
		ev.Type = models.EventTypeButton
		ev.InteractiveID = msg.Button.Payload
		ev.InteractiveTitle = msg.Button.Text
	case "interactive":
		if msg.Interactive == nil {
			return ev, false
		}
		reply := msg.Interactive.ButtonReply
		if reply == nil {
			reply = msg.Interactive.ListReply
		}
		if reply == nil {
			return ev, false
		}
		ev.Type = models.EventTypeInteractive
		ev.InteractiveID = reply.ID
		ev.InteractiveTitle = reply.Title
	default:
		return ev, false
	}
	return ev, true
}

func unixOr(ts string, fallback time.Time) time.Time {
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || sec <= 0 {
		return fallback
	}
	return time.Unix(sec, 0).UTC()
}

// VerifySignature checks the X-Hub-Signature-256 header against body. An empty
// appSecret disables the check.
func VerifySignature(appSecret string, body []byte, header string) error {
	if appSecret == "" {
		return nil
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the X-Hub-Signature-256 value for body.
func Sign(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallenge answers the subscription handshake: it returns the challenge
// when mode is "subscribe" and the token matches.
func VerifyChallenge(verifyToken, mode, token, challenge string) (string, error) {
	if verifyToken == "" || mode != "subscribe" || !hmac.Equal([]byte(token), []byte(verifyToken)) {
		return "", ErrVerificationFailed
	}
	return challenge, nil
}

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	Token         string
	PhoneNumberID string
	GraphVersion  string
	BaseURL       string
	HTTPClient    *http.Client
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithToken sets the system-user access token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = token }
}

// WithPhoneNumberID sets the sending phone number id.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithGraphVersion overrides DefaultGraphVersion.
func WithGraphVersion(v string) Option {
	return func(o *Opts) { o.GraphVersion = v }
}

// WithBaseURL overrides the Graph API host; used by tests.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client sends text messages through the Graph API.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
}

var _ messaging.Sender = (*Client)(nil)

// NewClient builds a Client. Token and phone number id are required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{GraphVersion: DefaultGraphVersion, BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("cloud API token and phone number id must be provided")
	}
	if cfg.GraphVersion == "" {
		cfg.GraphVersion = DefaultGraphVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		endpoint: fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(cfg.BaseURL, "/"), cfg.GraphVersion, cfg.PhoneNumberID),
		token:    cfg.Token,
		http:     cfg.HTTPClient,
	}, nil
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		Body string `json:"body"`
	} `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// Send posts a text message and returns the provider message id.
func (c *Client) Send(ctx context.Context, to string, body string) (string, error) {
	canonical, err := messaging.CanonicalizePhone(to)
	if err != nil {
		return "", err
	}
	if len(body) > models.MaxMessageBodyLength {
		body = body[:models.MaxMessageBodyLength-3] + "..."
	}

	req := sendRequest{MessagingProduct: "whatsapp", RecipientType: "individual", To: strings.TrimPrefix(canonical, "+"), Type: "text"}
	req.Text.Body = body
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal send payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create send request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		slog.Error("CloudAPI Send failed", "to", canonical, "error", err)
		return "", fmt.Errorf("send to %s: %w", canonical, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read send response: %w", err)
	}
	var out sendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= http.StatusBadRequest {
		if out.Error != nil && out.Error.Code == codeRecipientNotAllowed {
			slog.Warn("CloudAPI Send: recipient not allowed", "to", canonical)
			return "", fmt.Errorf("%w: cloud API code %d", messaging.ErrRecipientNotAllowed, out.Error.Code)
		}
		slog.Error("CloudAPI Send rejected", "to", canonical, "status", resp.StatusCode)
		return "", fmt.Errorf("send to %s: HTTP %d: %s", canonical, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", fmt.Errorf("send to %s: response without message id", canonical)
	}
	slog.Debug("CloudAPI message sent", "to", canonical, "id", out.Messages[0].ID)
	return out.Messages[0].ID, nil
}
