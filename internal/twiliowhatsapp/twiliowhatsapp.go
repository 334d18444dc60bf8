// Package twiliowhatsapp sends coaching replies over the Twilio WhatsApp API.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// MaxBodyLength is Twilio's limit on a WhatsApp message body, in characters.
const MaxBodyLength = 1600

// WhatsAppPrefix marks Twilio addresses on the WhatsApp channel.
const WhatsAppPrefix = "whatsapp:"

// Sender sends a text message to a phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending number, with or without the whatsapp: prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	client    *twilio.RestClient
	fromWhats string // "whatsapp:+1234567890"
}

// NewClient creates a Twilio client. Unset options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &Client{
		client:    client,
		fromWhats: WhatsAppAddress(cfg.FromWhats),
	}, nil
}

// WhatsAppAddress adds the whatsapp: prefix to a number when missing.
func WhatsAppAddress(number string) string {
	if strings.HasPrefix(number, WhatsAppPrefix) {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return WhatsAppPrefix + number
}

// SendMessage sends body to the number to. Bodies over MaxBodyLength are
// split at paragraph or word boundaries and sent in order.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	for i, part := range SplitBody(body, MaxBodyLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(WhatsAppAddress(to))
		params.SetFrom(c.fromWhats)
		params.SetBody(part)

		if _, err := c.client.Api.CreateMessage(params); err != nil {
			slog.Error("Twilio SendMessage failed", "to", to, "part", i, "error", err)
			return fmt.Errorf("failed to send message to %s: %w", to, err)
		}
	}
	slog.Debug("Twilio message sent", "to", to, "body_length", len(body))
	return nil
}

// SplitBody cuts body into parts of at most limit characters, preferring
// paragraph breaks, then line breaks, then spaces.
func SplitBody(body string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(body) <= limit {
		return []string{body}
	}
	var parts []string
	rest := body
	for utf8.RuneCountInString(rest) > limit {
		window := string([]rune(rest)[:limit])
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(window, sep); i > 0 {
				cut = i
				break
			}
		}
		if cut < 0 {
			cut = len(window)
		}
		parts = append(parts, strings.TrimRight(rest[:cut], " \n"))
		rest = strings.TrimLeft(rest[cut:], " \n")
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// MockClient records messages instead of calling Twilio.
type MockClient struct {
	mu   sync.Mutex
	sent []SentMessage
	// Err, when set, is returned by SendMessage.
	Err error
}

// SentMessage is one message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// NewMockClient creates an empty MockClient.
func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the captured messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
