package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the default persistent Store, backed by a single database file.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite has a single writer; one pooled connection avoids SQLITE_BUSY between
	// concurrent conversation turns.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		slog.Warn("SQLiteStore: failed to enable foreign keys", "error", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// --- conversations ---

func (s *SQLiteStore) GetOrCreateConversation(accountID, externalID, strategyID string, contact models.Contact) (*models.Conversation, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO conversations (id, account_id, external_id, strategy_id, contact_id, contact_name, contact_phone,
			contact_email, status, automation_enabled, lead_score, started_at, last_message_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'active', 1, 0, ?, ?)
		 ON CONFLICT (account_id, external_id) DO NOTHING`,
		util.GenerateConversationID(), accountID, externalID, nilIfEmpty(strategyID), contact.ID,
		nilIfEmpty(contact.Name), nilIfEmpty(contact.Phone), nilIfEmpty(contact.Email), now, now,
	)
	if err != nil {
		slog.Error("SQLiteStore.GetOrCreateConversation: insert failed", "error", err, "accountID", accountID, "externalID", externalID)
		return nil, fmt.Errorf("create conversation failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		slog.Debug("SQLiteStore.GetOrCreateConversation: created", "accountID", accountID, "externalID", externalID)
	}

	row := s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE account_id = ? AND external_id = ?`,
		accountID, externalID)
	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("load conversation failed: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation failed: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) AppendMessage(conversationID string, sender models.Sender, content string) (*models.Message, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin append message failed: %w", err)
	}
	defer tx.Rollback()

	var last time.Time
	err = tx.QueryRow(`SELECT last_message_at FROM conversations WHERE id = ?`, conversationID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load last message time failed: %w", err)
	}

	m := models.Message{
		ID:             util.GenerateMessageID(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      nextMessageTime(time.Now(), last),
	}
	result, err := tx.Exec(`INSERT INTO messages (id, conversation_id, sender, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Sender, m.Content, m.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore.AppendMessage: insert failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("insert message failed: %w", err)
	}
	if m.Seq, err = result.LastInsertId(); err != nil {
		return nil, fmt.Errorf("read message seq failed: %w", err)
	}
	if _, err := tx.Exec(`UPDATE conversations SET last_message_at = ? WHERE id = ?`, m.CreatedAt, conversationID); err != nil {
		return nil, fmt.Errorf("update last_message_at failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append message failed: %w", err)
	}
	slog.Debug("SQLiteStore.AppendMessage", "conversationID", conversationID, "sender", sender, "seq", m.Seq)
	return &m, nil
}

func (s *SQLiteStore) History(conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		return []models.Message{}, nil
	}
	rows, err := s.db.Query(
		`SELECT seq, id, conversation_id, sender, content, created_at FROM messages
		 WHERE conversation_id = ? ORDER BY created_at DESC, seq DESC LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	return scanMessages(rows)
}

func (s *SQLiteStore) SetConversationStatus(id string, status models.ConversationStatus) error {
	if !models.IsValidConversationStatus(status) {
		return fmt.Errorf("invalid conversation status: %q", status)
	}
	return s.updateConversation(id, `UPDATE conversations SET status = ? WHERE id = ?`, status)
}

func (s *SQLiteStore) SetAutomationEnabled(id string, enabled bool) error {
	return s.updateConversation(id, `UPDATE conversations SET automation_enabled = ? WHERE id = ?`, enabled)
}

func (s *SQLiteStore) SetLeadScore(id string, score int) error {
	if score < models.MinLeadScore || score > models.MaxLeadScore {
		return fmt.Errorf("lead score %d out of range", score)
	}
	return s.updateConversation(id, `UPDATE conversations SET lead_score = ? WHERE id = ?`, score)
}

func (s *SQLiteStore) SetConversationStrategy(id, strategyID string) error {
	return s.updateConversation(id, `UPDATE conversations SET strategy_id = ? WHERE id = ?`, nilIfEmpty(strategyID))
}

func (s *SQLiteStore) updateConversation(id, query string, value interface{}) error {
	result, err := s.db.Exec(query, value, id)
	if err != nil {
		slog.Error("SQLiteStore.updateConversation failed", "error", err, "conversationID", id)
		return fmt.Errorf("update conversation failed: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrConversationNotFound, id)
	}
	return nil
}

// --- strategies ---

func (s *SQLiteStore) SaveStrategy(st *models.Strategy) error {
	if err := st.Validate(); err != nil {
		return err
	}
	if st.ID == "" {
		st.ID = util.GenerateStrategyID()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	lists, err := marshalStrategyLists(st)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO strategies (`+strategyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.AccountID, st.Name, nilIfEmpty(st.Tag), nilIfEmpty(st.Role), nilIfEmpty(st.Objective),
		nilIfEmpty(st.CompanyName), nilIfEmpty(st.Tone), nilIfEmpty(st.InitialMessage), nilIfEmpty(st.BookingURL),
		lists.questions, lists.faqs, lists.followUps, st.Temperature, st.CreatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveStrategy failed", "error", err, "accountID", st.AccountID)
		return fmt.Errorf("save strategy failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetStrategy(id string) (*models.Strategy, error) {
	st, err := scanStrategy(s.db.QueryRow(`SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get strategy failed: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) ListStrategiesByTag(accountID, tag string) ([]models.Strategy, error) {
	rows, err := s.db.Query(
		`SELECT `+strategyColumns+` FROM strategies
		 WHERE account_id = ? AND tag = ? COLLATE NOCASE ORDER BY created_at DESC, rowid DESC`,
		accountID, tag,
	)
	if err != nil {
		return nil, fmt.Errorf("list strategies by tag failed: %w", err)
	}
	return scanStrategies(rows)
}

func (s *SQLiteStore) LatestStrategy(accountID string) (*models.Strategy, error) {
	st, err := scanStrategy(s.db.QueryRow(
		`SELECT `+strategyColumns+` FROM strategies WHERE account_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		accountID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest strategy failed: %w", err)
	}
	return st, nil
}

// --- custom actions ---

func (s *SQLiteStore) SaveCustomAction(a *models.CustomAction) error {
	if err := validateAction(a); err != nil {
		return err
	}
	assignActionIDs(a)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save action failed: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO custom_actions (id, strategy_id, name, rule_condition, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.StrategyID, a.Name, nilIfEmpty(a.RuleCondition), time.Now().UTC()); err != nil {
		return fmt.Errorf("insert custom action failed: %w", err)
	}
	for _, ch := range a.Chains {
		if _, err := tx.Exec(`INSERT INTO action_chains (id, action_id, name, chain_order) VALUES (?, ?, ?, ?)`,
			ch.ID, a.ID, nilIfEmpty(ch.Name), ch.ChainOrder); err != nil {
			return fmt.Errorf("insert action chain failed: %w", err)
		}
		for _, st := range ch.Steps {
			if _, err := tx.Exec(`INSERT INTO chain_steps (id, chain_id, step_order, function, params) VALUES (?, ?, ?, ?, ?)`,
				st.ID, ch.ID, st.StepOrder, st.Function, nilIfEmpty(string(st.Params))); err != nil {
				return fmt.Errorf("insert chain step failed: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save action failed: %w", err)
	}
	slog.Debug("SQLiteStore.SaveCustomAction", "actionID", a.ID, "name", a.Name, "chains", len(a.Chains))
	return nil
}

func (s *SQLiteStore) GetCustomAction(strategyID, name string) (*models.CustomAction, error) {
	var a models.CustomAction
	var rule sql.NullString
	err := s.db.QueryRow(
		`SELECT id, strategy_id, name, rule_condition FROM custom_actions
		 WHERE strategy_id = ? AND name = ? COLLATE NOCASE ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		strategyID, name,
	).Scan(&a.ID, &a.StrategyID, &a.Name, &rule)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get custom action failed: %w", err)
	}
	a.RuleCondition = rule.String

	rows, err := s.db.Query(
		`SELECT c.id, c.name, c.chain_order, st.id, st.step_order, st.function, st.params
		 FROM action_chains c LEFT JOIN chain_steps st ON st.chain_id = c.id
		 WHERE c.action_id = ? ORDER BY c.chain_order, c.id, st.step_order`,
		a.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("load action chains failed: %w", err)
	}
	if err := scanActionTree(&a, rows); err != nil {
		return nil, err
	}
	return &a, nil
}

// --- accounts and credentials ---

func (s *SQLiteStore) SaveAccount(a *models.Account) error {
	if a.ID == "" {
		a.ID = util.GenerateRandomID("a_", 24)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO accounts (id, client_id, external_id, name, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET client_id = excluded.client_id, external_id = excluded.external_id, name = excluded.name`,
		a.ID, a.ClientID, a.ExternalID, nilIfEmpty(a.Name), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccountByClientID(clientID string) (*models.Account, error) {
	return s.getAccount(`SELECT id, client_id, external_id, name, created_at FROM accounts WHERE client_id = ?`, clientID)
}

func (s *SQLiteStore) GetAccountByExternalID(externalID string) (*models.Account, error) {
	return s.getAccount(`SELECT id, client_id, external_id, name, created_at FROM accounts WHERE external_id = ? ORDER BY created_at LIMIT 1`, externalID)
}

func (s *SQLiteStore) getAccount(query, arg string) (*models.Account, error) {
	a, err := scanAccount(s.db.QueryRow(query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account failed: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) GetCredentials(accountID string) (*models.Credentials, error) {
	var c models.Credentials
	err := s.db.QueryRow(
		`SELECT account_id, access_token, refresh_token, expires_at, updated_at FROM credentials WHERE account_id = ?`,
		accountID,
	).Scan(&c.AccountID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials failed: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) SaveCredentials(c models.Credentials) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO credentials (account_id, access_token, refresh_token, expires_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (account_id) DO UPDATE SET access_token = excluded.access_token,
			refresh_token = excluded.refresh_token, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		c.AccountID, c.AccessToken, c.RefreshToken, c.ExpiresAt.UTC(), c.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveCredentials failed", "error", err, "accountID", c.AccountID)
		return fmt.Errorf("save credentials failed: %w", err)
	}
	return nil
}

// --- webhook logs ---

func (s *SQLiteStore) AddWebhookLog(l models.WebhookLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO webhook_logs (request_id, account_id, direction, status, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		nilIfEmpty(l.RequestID), nilIfEmpty(l.AccountID), l.Direction, l.Status, nilIfEmpty(l.Detail), l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add webhook log failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListWebhookLogs(accountID string, limit int) ([]models.WebhookLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT id, request_id, account_id, direction, status, detail, created_at FROM webhook_logs
		 WHERE (? = '' OR account_id = ?) ORDER BY id DESC LIMIT ?`,
		accountID, accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list webhook logs failed: %w", err)
	}
	return scanWebhookLogs(rows)
}

func (s *SQLiteStore) PruneWebhookLogs(before time.Time) (int, error) {
	result, err := s.db.Exec(`DELETE FROM webhook_logs WHERE created_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune webhook logs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
