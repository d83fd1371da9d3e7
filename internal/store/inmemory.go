package store

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// InMemoryStore is a process-local Store. It is safe for concurrent use and is what the
// service runs on when no database DSN is configured.
type InMemoryStore struct {
	mu sync.Mutex

	conversations map[string]*models.Conversation
	byExternal    map[string]string // account_id|external_id -> conversation id
	messages      map[string][]models.Message
	seq           int64

	strategies  []models.Strategy
	actions     []models.CustomAction
	accounts    []models.Account
	credentials map[string]models.Credentials

	webhookLogs []models.WebhookLog
	logSeq      int64

	jobs map[string]*Job
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		byExternal:    make(map[string]string),
		messages:      make(map[string][]models.Message),
		credentials:   make(map[string]models.Credentials),
		jobs:          make(map[string]*Job),
	}
}

func externalKey(accountID, externalID string) string {
	return accountID + "|" + externalID
}

func (s *InMemoryStore) GetOrCreateConversation(accountID, externalID, strategyID string, contact models.Contact) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := externalKey(accountID, externalID)
	if id, ok := s.byExternal[key]; ok {
		c := *s.conversations[id]
		return &c, nil
	}
	now := time.Now().UTC()
	c := &models.Conversation{
		ID:                util.GenerateConversationID(),
		AccountID:         accountID,
		ExternalID:        externalID,
		StrategyID:        strategyID,
		Contact:           contact,
		Status:            models.ConversationStatusActive,
		AutomationEnabled: true,
		StartedAt:         now,
		LastMessageAt:     now,
	}
	s.conversations[c.ID] = c
	s.byExternal[key] = c.ID
	slog.Debug("InMemoryStore.GetOrCreateConversation: created", "conversationID", c.ID, "accountID", accountID)
	out := *c
	return &out, nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrConversationNotFound, id)
	}
	out := *c
	return &out, nil
}

func (s *InMemoryStore) AppendMessage(conversationID string, sender models.Sender, content string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrConversationNotFound, conversationID)
	}
	var last time.Time
	if msgs := s.messages[conversationID]; len(msgs) > 0 {
		last = msgs[len(msgs)-1].CreatedAt
	}
	s.seq++
	m := models.Message{
		ID:             util.GenerateMessageID(),
		Seq:            s.seq,
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		CreatedAt:      nextMessageTime(time.Now(), last),
	}
	s.messages[conversationID] = append(s.messages[conversationID], m)
	c.LastMessageAt = m.CreatedAt
	return &m, nil
}

func (s *InMemoryStore) History(conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return []models.Message{}, nil
	}
	msgs := s.messages[conversationID]
	start := len(msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]models.Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out, nil
}

func (s *InMemoryStore) SetConversationStatus(id string, status models.ConversationStatus) error {
	if !models.IsValidConversationStatus(status) {
		return fmt.Errorf("invalid conversation status: %q", status)
	}
	return s.updateConversation(id, func(c *models.Conversation) { c.Status = status })
}

func (s *InMemoryStore) SetAutomationEnabled(id string, enabled bool) error {
	return s.updateConversation(id, func(c *models.Conversation) { c.AutomationEnabled = enabled })
}

func (s *InMemoryStore) SetLeadScore(id string, score int) error {
	if score < models.MinLeadScore || score > models.MaxLeadScore {
		return fmt.Errorf("lead score %d out of range", score)
	}
	return s.updateConversation(id, func(c *models.Conversation) { c.LeadScore = score })
}

func (s *InMemoryStore) SetConversationStrategy(id, strategyID string) error {
	return s.updateConversation(id, func(c *models.Conversation) { c.StrategyID = strategyID })
}

func (s *InMemoryStore) updateConversation(id string, fn func(*models.Conversation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrConversationNotFound, id)
	}
	fn(c)
	return nil
}

// --- strategies ---

func (s *InMemoryStore) SaveStrategy(st *models.Strategy) error {
	if err := st.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st.ID == "" {
		st.ID = util.GenerateStrategyID()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.strategies = append(s.strategies, *st)
	return nil
}

func (s *InMemoryStore) GetStrategy(id string) (*models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.strategies {
		if s.strategies[i].ID == id {
			st := s.strategies[i]
			return &st, nil
		}
	}
	return nil, nil
}

// newestFirst orders strategies by created_at descending. Insertion order breaks ties,
// later inserts first.
func (s *InMemoryStore) newestFirst(match func(models.Strategy) bool) []models.Strategy {
	var out []models.Strategy
	for i := len(s.strategies) - 1; i >= 0; i-- {
		if match(s.strategies[i]) {
			out = append(out, s.strategies[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *InMemoryStore) ListStrategiesByTag(accountID, tag string) ([]models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newestFirst(func(st models.Strategy) bool {
		return st.AccountID == accountID && st.Tag != "" && strings.EqualFold(st.Tag, tag)
	}), nil
}

func (s *InMemoryStore) LatestStrategy(accountID string) (*models.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.newestFirst(func(st models.Strategy) bool { return st.AccountID == accountID })
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// --- custom actions ---

func (s *InMemoryStore) SaveCustomAction(a *models.CustomAction) error {
	if err := validateAction(a); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	assignActionIDs(a)
	s.actions = append(s.actions, cloneAction(*a))
	return nil
}

func (s *InMemoryStore) GetCustomAction(strategyID, name string) (*models.CustomAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.actions) - 1; i >= 0; i-- {
		a := s.actions[i]
		if a.StrategyID == strategyID && strings.EqualFold(a.Name, name) {
			out := cloneAction(a)
			sortActionTree(&out)
			return &out, nil
		}
	}
	return nil, nil
}

// --- accounts and credentials ---

func (s *InMemoryStore) SaveAccount(a *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = util.GenerateRandomID("a_", 24)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	for i := range s.accounts {
		if s.accounts[i].ID == a.ID {
			s.accounts[i] = *a
			return nil
		}
	}
	s.accounts = append(s.accounts, *a)
	return nil
}

func (s *InMemoryStore) GetAccountByClientID(clientID string) (*models.Account, error) {
	return s.findAccount(func(a models.Account) bool { return a.ClientID == clientID })
}

func (s *InMemoryStore) GetAccountByExternalID(externalID string) (*models.Account, error) {
	return s.findAccount(func(a models.Account) bool { return a.ExternalID == externalID })
}

func (s *InMemoryStore) findAccount(match func(models.Account) bool) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if match(a) {
			out := a
			return &out, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) GetCredentials(accountID string) (*models.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[accountID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) SaveCredentials(c models.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	s.credentials[c.AccountID] = c
	return nil
}

// --- webhook logs ---

func (s *InMemoryStore) AddWebhookLog(l models.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	l.ID = s.logSeq
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	s.webhookLogs = append(s.webhookLogs, l)
	return nil
}

func (s *InMemoryStore) ListWebhookLogs(accountID string, limit int) ([]models.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookLog
	for i := len(s.webhookLogs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if accountID == "" || s.webhookLogs[i].AccountID == accountID {
			out = append(out, s.webhookLogs[i])
		}
	}
	return out, nil
}

func (s *InMemoryStore) PruneWebhookLogs(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.webhookLogs[:0]
	pruned := 0
	for _, l := range s.webhookLogs {
		if l.CreatedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, l)
	}
	s.webhookLogs = kept
	return pruned, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
