// Package store provides storage backends for LeadPipe.
//
// It includes an in-memory store for tests and development, and SQLite and PostgreSQL
// stores with embedded migrations for production. All backends implement Store.
package store

import (
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // data source name: a file path for SQLite or a connection string for Postgres
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for Postgres connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// ConversationRepo persists conversations and their append-only message history.
type ConversationRepo interface {
	// GetOrCreateConversation returns the conversation for (accountID, externalID), creating it
	// with status active when absent. An existing conversation is returned unchanged.
	GetOrCreateConversation(accountID, externalID, strategyID string, contact models.Contact) (*models.Conversation, error)
	// GetConversation returns models.ErrConversationNotFound when id is unknown.
	GetConversation(id string) (*models.Conversation, error)
	// AppendMessage inserts a message and advances last_message_at. Timestamps never go
	// backwards within a conversation.
	AppendMessage(conversationID string, sender models.Sender, content string) (*models.Message, error)
	// History returns at most limit of the most recent messages, oldest first.
	History(conversationID string, limit int) ([]models.Message, error)
	SetConversationStatus(id string, status models.ConversationStatus) error
	SetAutomationEnabled(id string, enabled bool) error
	SetLeadScore(id string, score int) error
	// SetConversationStrategy attaches a strategy to a conversation that started without one.
	SetConversationStrategy(id, strategyID string) error
}

// StrategyRepo persists strategies. Strategies are immutable once saved.
type StrategyRepo interface {
	SaveStrategy(s *models.Strategy) error
	GetStrategy(id string) (*models.Strategy, error)
	// ListStrategiesByTag matches tag case-insensitively, newest first.
	ListStrategiesByTag(accountID, tag string) ([]models.Strategy, error)
	// LatestStrategy returns the account's most recently created strategy, or nil.
	LatestStrategy(accountID string) (*models.Strategy, error)
}

// ActionRepo persists the custom action tree.
type ActionRepo interface {
	// SaveCustomAction stores an action with its chains and steps. Every step's params are
	// validated first; nothing is written if any step is malformed.
	SaveCustomAction(a *models.CustomAction) error
	// GetCustomAction looks up an action by strategy and case-insensitive name, with chains
	// sorted by chain_order and steps by step_order. Returns nil when absent.
	GetCustomAction(strategyID, name string) (*models.CustomAction, error)
}

// AccountRepo reads accounts provisioned outside the engine.
type AccountRepo interface {
	SaveAccount(a *models.Account) error
	GetAccountByClientID(clientID string) (*models.Account, error)
	GetAccountByExternalID(externalID string) (*models.Account, error)
}

// CredentialRepo stores per-account platform tokens.
type CredentialRepo interface {
	GetCredentials(accountID string) (*models.Credentials, error)
	SaveCredentials(c models.Credentials) error
}

// WebhookLogRepo stores the inbound/outbound inspection trail.
type WebhookLogRepo interface {
	AddWebhookLog(l models.WebhookLog) error
	// ListWebhookLogs returns newest first. An empty accountID lists every account.
	ListWebhookLogs(accountID string, limit int) ([]models.WebhookLog, error)
	PruneWebhookLogs(before time.Time) (int, error)
}

// Store is the full persistence surface the engine depends on.
type Store interface {
	ConversationRepo
	StrategyRepo
	ActionRepo
	AccountRepo
	CredentialRepo
	WebhookLogRepo
	JobRepo
	Close() error
}

// New opens the backend matching the configured DSN. An empty DSN yields an in-memory store.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}

// nextMessageTime returns now, nudged past last so that message timestamps within a
// conversation strictly increase. Precision is clamped to microseconds for Postgres.
func nextMessageTime(now, last time.Time) time.Time {
	ts := now.UTC().Truncate(time.Microsecond)
	if !ts.After(last) {
		ts = last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return ts
}
