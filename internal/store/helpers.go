package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanJob scans a Job from sql.Rows.
func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := rows.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanJobRow scans a Job from a single sql.Row.
func scanJobRow(row *sql.Row) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// validateAction parses every step of every chain so malformed configuration is
// rejected when it is saved rather than when a conversation triggers it.
func validateAction(a *models.CustomAction) error {
	if a.StrategyID == "" || a.Name == "" {
		return fmt.Errorf("custom action requires strategy id and name")
	}
	for _, ch := range a.Chains {
		for _, st := range ch.Steps {
			if _, err := models.ParseStep(st.Function, st.Params); err != nil {
				return fmt.Errorf("action %q chain %d step %d (%s): %w", a.Name, ch.ChainOrder, st.StepOrder, st.Function, err)
			}
		}
	}
	return nil
}

// assignActionIDs fills in missing IDs and parent references across the action tree.
func assignActionIDs(a *models.CustomAction) {
	if a.ID == "" {
		a.ID = util.GenerateActionID("ca_")
	}
	for i := range a.Chains {
		ch := &a.Chains[i]
		if ch.ID == "" {
			ch.ID = util.GenerateActionID("ch_")
		}
		ch.ActionID = a.ID
		for j := range ch.Steps {
			st := &ch.Steps[j]
			if st.ID == "" {
				st.ID = util.GenerateActionID("st_")
			}
			st.ChainID = ch.ID
		}
	}
}

func cloneAction(a models.CustomAction) models.CustomAction {
	out := a
	out.Chains = make([]models.ActionChain, len(a.Chains))
	for i, ch := range a.Chains {
		out.Chains[i] = ch
		out.Chains[i].Steps = append([]models.ChainStep(nil), ch.Steps...)
	}
	return out
}

func sortActionTree(a *models.CustomAction) {
	sort.SliceStable(a.Chains, func(i, j int) bool { return a.Chains[i].ChainOrder < a.Chains[j].ChainOrder })
	for i := range a.Chains {
		steps := a.Chains[i].Steps
		sort.SliceStable(steps, func(x, y int) bool { return steps[x].StepOrder < steps[y].StepOrder })
	}
}

// strategyJSON holds the list-valued strategy fields as they are stored in text columns.
type strategyJSON struct {
	questions string
	faqs      string
	followUps string
}

func marshalStrategyLists(st *models.Strategy) (strategyJSON, error) {
	var out strategyJSON
	q, err := json.Marshal(nonNilStrings(st.QualificationQuestions))
	if err != nil {
		return out, fmt.Errorf("marshal qualification questions: %w", err)
	}
	f, err := json.Marshal(st.FAQs)
	if err != nil {
		return out, fmt.Errorf("marshal faqs: %w", err)
	}
	fu, err := json.Marshal(st.FollowUps)
	if err != nil {
		return out, fmt.Errorf("marshal follow-ups: %w", err)
	}
	out.questions, out.faqs, out.followUps = string(q), string(f), string(fu)
	return out, nil
}

func unmarshalStrategyLists(st *models.Strategy, raw strategyJSON) error {
	if raw.questions != "" {
		if err := json.Unmarshal([]byte(raw.questions), &st.QualificationQuestions); err != nil {
			return fmt.Errorf("unmarshal qualification questions: %w", err)
		}
	}
	if raw.faqs != "" && raw.faqs != "null" {
		if err := json.Unmarshal([]byte(raw.faqs), &st.FAQs); err != nil {
			return fmt.Errorf("unmarshal faqs: %w", err)
		}
	}
	if raw.followUps != "" && raw.followUps != "null" {
		if err := json.Unmarshal([]byte(raw.followUps), &st.FollowUps); err != nil {
			return fmt.Errorf("unmarshal follow-ups: %w", err)
		}
	}
	return nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const conversationColumns = `id, account_id, external_id, strategy_id, contact_id, contact_name, contact_phone,
	contact_email, status, automation_enabled, lead_score, started_at, last_message_at`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var strategyID, name, phone, email sql.NullString
	err := row.Scan(&c.ID, &c.AccountID, &c.ExternalID, &strategyID, &c.Contact.ID, &name, &phone,
		&email, &c.Status, &c.AutomationEnabled, &c.LeadScore, &c.StartedAt, &c.LastMessageAt)
	if err != nil {
		return nil, err
	}
	c.StrategyID = strategyID.String
	c.Contact.Name = name.String
	c.Contact.Phone = phone.String
	c.Contact.Email = email.String
	return &c, nil
}

const strategyColumns = `id, account_id, name, tag, role, objective, company_name, tone, initial_message,
	booking_url, qualification_questions, faqs, follow_ups, temperature, created_at`

func scanStrategy(row rowScanner) (*models.Strategy, error) {
	var st models.Strategy
	var tag, role, objective, company, tone, initial, booking sql.NullString
	var raw strategyJSON
	var questions, faqs, followUps sql.NullString
	var temperature sql.NullFloat64
	err := row.Scan(&st.ID, &st.AccountID, &st.Name, &tag, &role, &objective, &company, &tone, &initial,
		&booking, &questions, &faqs, &followUps, &temperature, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	st.Tag, st.Role, st.Objective = tag.String, role.String, objective.String
	st.CompanyName, st.Tone, st.InitialMessage, st.BookingURL = company.String, tone.String, initial.String, booking.String
	if temperature.Valid {
		t := temperature.Float64
		st.Temperature = &t
	}
	raw.questions, raw.faqs, raw.followUps = questions.String, faqs.String, followUps.String
	if err := unmarshalStrategyLists(&st, raw); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanStrategies(rows *sql.Rows) ([]models.Strategy, error) {
	defer rows.Close()
	var out []models.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan strategy failed: %w", err)
		}
		out = append(out, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strategies failed: %w", err)
	}
	return out, nil
}

func scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()
	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Seq, &m.ID, &m.ConversationID, &m.Sender, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message failed: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages failed: %w", err)
	}
	// Rows were fetched newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if out == nil {
		out = []models.Message{}
	}
	return out, nil
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var name sql.NullString
	if err := row.Scan(&a.ID, &a.ClientID, &a.ExternalID, &name, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Name = name.String
	return &a, nil
}

func scanWebhookLogs(rows *sql.Rows) ([]models.WebhookLog, error) {
	defer rows.Close()
	var out []models.WebhookLog
	for rows.Next() {
		var l models.WebhookLog
		var requestID, accountID, detail sql.NullString
		if err := rows.Scan(&l.ID, &requestID, &accountID, &l.Direction, &l.Status, &detail, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan webhook log failed: %w", err)
		}
		l.RequestID, l.AccountID, l.Detail = requestID.String, accountID.String, detail.String
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate webhook logs failed: %w", err)
	}
	return out, nil
}

// scanActionTree reads joined action/chain/step rows ordered by chain_order, step_order.
// Chains without steps appear once with NULL step columns.
func scanActionTree(a *models.CustomAction, rows *sql.Rows) error {
	defer rows.Close()
	index := make(map[string]int)
	for rows.Next() {
		var ch models.ActionChain
		var chainName, stepID, function, params sql.NullString
		var stepOrder sql.NullInt64
		if err := rows.Scan(&ch.ID, &chainName, &ch.ChainOrder, &stepID, &stepOrder, &function, &params); err != nil {
			return fmt.Errorf("scan action chain failed: %w", err)
		}
		i, ok := index[ch.ID]
		if !ok {
			ch.ActionID = a.ID
			ch.Name = chainName.String
			a.Chains = append(a.Chains, ch)
			i = len(a.Chains) - 1
			index[ch.ID] = i
		}
		if stepID.Valid {
			st := models.ChainStep{
				ID:        stepID.String,
				ChainID:   ch.ID,
				StepOrder: int(stepOrder.Int64),
				Function:  function.String,
			}
			if params.String != "" {
				st.Params = json.RawMessage(params.String)
			}
			a.Chains[i].Steps = append(a.Chains[i].Steps, st)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate action chains failed: %w", err)
	}
	sortActionTree(a)
	return nil
}
