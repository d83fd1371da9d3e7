package models

import "time"

// Account is a tenant of the platform, provisioned outside the engine.
type Account struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id"`
	ExternalID string    `json:"external_id"` // platform location id
	Name       string    `json:"name,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Credentials are the platform OAuth tokens for one account.
type Credentials struct {
	AccountID    string    `json:"account_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ExpiresWithin reports whether the access token expires before now+window.
func (c Credentials) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !c.ExpiresAt.After(now.Add(window))
}

// WebhookDirection distinguishes inbound webhooks from outbound sends.
type WebhookDirection string

const (
	WebhookInbound  WebhookDirection = "inbound"
	WebhookOutbound WebhookDirection = "outbound"
)

// Webhook log statuses.
const (
	WebhookStatusReceived      = "received"
	WebhookStatusProcessed     = "processed"
	WebhookStatusRejected      = "rejected"
	WebhookStatusFailed        = "failed"
	WebhookStatusDelivered     = "delivered"
	WebhookStatusNotConnected  = "not_connected"
	WebhookStatusDeliveryError = "delivery_failed"
)

// WebhookLog records what happened to a webhook or an outbound send, for later inspection.
type WebhookLog struct {
	ID        int64            `json:"id"`
	RequestID string           `json:"request_id,omitempty"`
	AccountID string           `json:"account_id,omitempty"`
	Direction WebhookDirection `json:"direction"`
	Status    string           `json:"status"`
	Detail    string           `json:"detail,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
