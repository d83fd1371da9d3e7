// Package notify sends staff alerts over SMS through the Twilio API.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrNotConfigured is returned when no notifier credentials were provided.
var ErrNotConfigured = errors.New("notifier not configured")

// Notifier delivers a short text alert to a staff phone number.
type Notifier interface {
	Notify(ctx context.Context, to, body string) error
}

// Opts holds configuration options for the Twilio notifier.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio notifier.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending number in E.164 format.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// messageCreator is the part of the Twilio API service the notifier uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioNotifier sends alerts as plain SMS.
type TwilioNotifier struct {
	api  messageCreator
	from string
}

// NewTwilioNotifier creates a notifier. Missing options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER. ErrNotConfigured is returned when any is unset.
func NewTwilioNotifier(opts ...Option) (*TwilioNotifier, error) {
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
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("NewTwilioNotifier: config loaded",
		"account_sid_set", cfg.AccountSID != "",
		"auth_token_set", cfg.AuthToken != "",
		"from_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, ErrNotConfigured
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioNotifier{api: client.Api, from: cfg.FromNumber}, nil
}

// Notify sends body to the given number.
func (n *TwilioNotifier) Notify(ctx context.Context, to, body string) error {
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("notify: recipient is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(n.from)
	params.SetBody(body)

	msg, err := n.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioNotifier.Notify: send failed", "to", to, "error", err)
		return fmt.Errorf("failed to notify %s: %w", to, err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("TwilioNotifier.Notify: sent", "to", to, "sid", sid)
	return nil
}

// MockNotifier records alerts instead of sending them.
type MockNotifier struct {
	mu   sync.Mutex
	Sent []Alert
	Err  error
}

// Alert is one recorded notification.
type Alert struct {
	To   string
	Body string
}

// NewMockNotifier creates an empty MockNotifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) Notify(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, Alert{To: to, Body: body})
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (m *MockNotifier) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.Sent...)
}
