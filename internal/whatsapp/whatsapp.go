// Package whatsapp connects CoachPipe to WhatsApp as a linked device through
// whatsmeow.
//
// The client implements the messaging send primitive and converts whatsmeow
// events into the normalized inbound events consumed by the ingress.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
)

const (
	DefaultSQLitePath = "/var/lib/coachpipe/whatsmeow.db"
	// JIDSuffix is the server part of a personal account JID.
	JIDSuffix = types.DefaultUserServer
)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow device store connection string
	QRPath      string // where the pairing QR code is written; stdout when empty
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow device store connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the pairing QR code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the raw pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client is a connected whatsmeow device.
type Client struct {
	waClient *whatsmeow.Client
}

var _ messaging.Sender = (*Client)(nil)

// NewClient opens the device store and connects. An unpaired device goes
// through the QR pairing flow first, which blocks until the code is scanned.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}

	device, err := openDevice(ctx, cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	wa := whatsmeow.NewClient(device, newLogger("whatsmeow"))
	if wa.Store.ID == nil {
		err = pair(ctx, wa, cfg)
	} else {
		err = wa.Connect()
	}
	if err != nil {
		return nil, fmt.Errorf("whatsmeow connect: %w", err)
	}
	slog.Info("WhatsApp device connected", "jid", wa.Store.ID.String())
	return &Client{waClient: wa}, nil
}

func openDevice(ctx context.Context, dsn string) (*wastore.Device, error) {
	driver := store.DetectDSNType(dsn)
	if driver == store.DriverSQLite && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("whatsmeow device store opened without foreign keys", "hint", "file:"+dsn+"?_foreign_keys=on")
	}
	container, err := sqlstore.New(ctx, driver, dsn, newLogger("whatsmeow.db"))
	if err != nil {
		return nil, fmt.Errorf("open whatsmeow device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsmeow device: %w", err)
	}
	return device, nil
}

// pair connects an unpaired device and prints each pairing code until one is
// scanned.
func pair(ctx context.Context, wa *whatsmeow.Client, cfg Opts) error {
	codes, err := wa.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("pairing channel: %w", err)
	}
	if err := wa.Connect(); err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			wa.Disconnect()
			return fmt.Errorf("create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}

	slog.Info("WhatsApp device not paired, scan the code to link it", "output", cfg.QRPath)
	for item := range codes {
		switch item.Event {
		case "code":
			if cfg.NumericCode {
				fmt.Fprintln(out, item.Code)
			} else {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, out)
			}
		case "success":
			return nil
		default:
			slog.Warn("WhatsApp pairing event", "event", item.Event, "error", item.Error)
		}
	}
	wa.Disconnect()
	return errors.New("pairing did not complete")
}

// Send delivers a text message and returns the whatsmeow message id.
func (c *Client) Send(ctx context.Context, to string, body string) (string, error) {
	if body == "" {
		return "", errors.New("message body cannot be empty")
	}
	canonical, err := messaging.CanonicalizePhone(to)
	if err != nil {
		return "", err
	}

	jid := types.NewJID(strings.TrimPrefix(canonical, "+"), JIDSuffix)
	resp, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body})
	if err != nil {
		slog.Error("WhatsApp send failed", "to", canonical, "error", err)
		return "", fmt.Errorf("whatsmeow send to %s: %w", canonical, err)
	}
	slog.Debug("WhatsApp message sent", "to", canonical, "id", resp.ID)
	return resp.ID, nil
}

// Subscribe forwards inbound messages and receipts to handler until ctx is done.
func (c *Client) Subscribe(ctx context.Context, handler messaging.InboundHandler) {
	id := c.waClient.AddEventHandler(func(evt interface{}) {
		events, statuses := ConvertEvent(evt)
		if len(events) == 0 && len(statuses) == 0 {
			return
		}
		handler(ctx, events, statuses)
	})
	go func() {
		<-ctx.Done()
		c.waClient.RemoveEventHandler(id)
		slog.Debug("WhatsApp event handler removed")
	}()
}

// Close disconnects from WhatsApp. The device session stays in the store.
func (c *Client) Close() {
	c.waClient.Disconnect()
}
