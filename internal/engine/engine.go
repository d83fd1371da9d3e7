// Package engine runs one conversational turn per inbound webhook.
//
// Submit acknowledges immediately and processes the webhook in the background. Webhooks
// for the same conversation are processed strictly in arrival order; different
// conversations proceed in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/actions"
	"github.com/BTreeMap/LeadPipe/internal/crm"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/intent"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/normalize"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/strategy"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

const (
	DefaultHistoryLimit = 20

	// SourceDefaultReply marks a reply sent because the account has no strategy.
	SourceDefaultReply = "default"
)

// ErrEngineClosed is returned by Submit after Shutdown.
var ErrEngineClosed = errors.New("engine is shut down")

// Generator produces the reply for a turn.
type Generator interface {
	Generate(ctx context.Context, in genai.Input) (genai.Result, error)
}

// StrategyMatcher resolves the strategy for an account and contact tags.
type StrategyMatcher interface {
	Match(ctx context.Context, accountID string, tags []string) (*models.Strategy, error)
}

// ActionTrigger runs custom actions.
type ActionTrigger interface {
	Trigger(ctx context.Context, conversationID, actionName string) actions.Report
}

// Opts holds configuration options for Engine.
type Opts struct {
	HistoryLimit     int
	FollowUpsEnabled bool
	Now              func() time.Time
}

// Option defines a configuration option for Engine.
type Option func(*Opts)

// WithHistoryLimit sets how many prior messages are given to the generator.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithFollowUps enables or disables follow-up scheduling.
func WithFollowUps(enabled bool) Option {
	return func(o *Opts) { o.FollowUpsEnabled = enabled }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine wires the turn pipeline together.
type Engine struct {
	store      store.Store
	matcher    StrategyMatcher
	generator  Generator
	actions    ActionTrigger
	dispatcher crm.Dispatcher

	historyLimit int
	followUps    bool
	now          func() time.Time

	queue  *laneQueue
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New creates an Engine.
func New(st store.Store, matcher StrategyMatcher, gen Generator, trigger ActionTrigger, dispatcher crm.Dispatcher, opts ...Option) *Engine {
	cfg := Opts{HistoryLimit: DefaultHistoryLimit, FollowUpsEnabled: true, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:        st,
		matcher:      matcher,
		generator:    gen,
		actions:      trigger,
		dispatcher:   dispatcher,
		historyLimit: cfg.HistoryLimit,
		followUps:    cfg.FollowUpsEnabled,
		now:          cfg.Now,
		queue:        newLaneQueue(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// TurnResult describes a processed turn.
type TurnResult struct {
	RequestID      string
	AccountID      string
	ConversationID string
	Reply          string
	Source         string
	Intents        intent.Intents
	Actions        []actions.Report
	Delivery       crm.DeliveryResult
	// Skipped is set when the turn stopped early on purpose, e.g. automation disabled.
	Skipped string
}

// LaneKey is the serialization key for a conversation: the resolved account id plus the
// conversation id, so payloads that identify the account differently share a lane.
func LaneKey(accountID, conversationID string) string {
	return accountID + "|" + conversationID
}

// Submit queues the webhook for background processing and returns without waiting.
func (e *Engine) Submit(requestID string, body []byte, header http.Header) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrEngineClosed
	}

	payload, err := normalize.Normalize(body, header)
	if err != nil {
		e.queue.Enqueue("rejected|"+requestID, func() {
			slog.Warn("Engine.Submit: webhook rejected", "requestID", requestID, "error", err)
			e.logWebhook(requestID, "", models.WebhookStatusRejected, err.Error())
		})
		return nil
	}

	account, err := e.resolveAccount(payload)
	if err != nil {
		// Unresolvable payloads touch no conversation. runTask records why.
		e.queue.Enqueue("unresolved|"+requestID, func() {
			e.runTask(requestID, payload)
		})
		return nil
	}
	key := LaneKey(account.ID, payload.ConversationID)
	slog.Debug("Engine.Submit: queued", "requestID", requestID, "lane", key)
	e.queue.Enqueue(key, func() {
		e.runTask(requestID, payload)
	})
	return nil
}

func (e *Engine) runTask(requestID string, payload models.InboundPayload) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Engine.runTask: panic while processing webhook", "requestID", requestID, "panic", r)
			e.logWebhook(requestID, "", models.WebhookStatusFailed, fmt.Sprintf("panic: %v", r))
		}
	}()
	ctx := util.WithRequestID(e.ctx, requestID)
	res, err := e.ProcessTurn(ctx, payload)
	if err != nil {
		status := models.WebhookStatusFailed
		if errors.Is(err, models.ErrAccountNotFound) {
			status = models.WebhookStatusRejected
		}
		slog.Error("Engine.runTask: turn failed", "requestID", requestID, "conversationID", res.ConversationID, "error", err)
		e.logWebhook(requestID, res.AccountID, status, err.Error())
		return
	}
	detail := fmt.Sprintf("conversation=%s source=%s delivered=%t", res.ConversationID, res.Source, res.Delivery.Delivered)
	if res.Skipped != "" {
		detail = fmt.Sprintf("conversation=%s skipped: %s", res.ConversationID, res.Skipped)
	}
	e.logWebhook(requestID, res.AccountID, models.WebhookStatusProcessed, detail)
}

// ProcessTurn runs the full pipeline for one normalized payload synchronously. Delivery
// failures do not fail the turn: the local history is authoritative.
func (e *Engine) ProcessTurn(ctx context.Context, p models.InboundPayload) (TurnResult, error) {
	res := TurnResult{RequestID: util.RequestIDFromContext(ctx)}

	account, err := e.resolveAccount(p)
	if err != nil {
		return res, err
	}
	res.AccountID = account.ID

	strat, err := e.matcher.Match(ctx, account.ID, p.Tags)
	if err != nil && !errors.Is(err, models.ErrNoStrategyFound) {
		return res, fmt.Errorf("match strategy: %w", err)
	}
	strategyID := ""
	if strat != nil {
		strategyID = strat.ID
	}

	conv, err := e.store.GetOrCreateConversation(account.ID, p.ConversationID, strategyID, p.Contact())
	if err != nil {
		return res, fmt.Errorf("get or create conversation: %w", err)
	}
	res.ConversationID = conv.ID
	// A conversation keeps the strategy it started with. One that started without a
	// strategy adopts the first that matches.
	switch {
	case conv.StrategyID != "" && conv.StrategyID != strategyID:
		if pinned, err := e.store.GetStrategy(conv.StrategyID); err == nil && pinned != nil {
			strat = pinned
		}
	case conv.StrategyID == "" && strategyID != "":
		if err := e.store.SetConversationStrategy(conv.ID, strategyID); err != nil {
			return res, fmt.Errorf("attach strategy: %w", err)
		}
		conv.StrategyID = strategyID
		slog.Info("Engine.ProcessTurn: attached strategy", "conversationID", conv.ID, "strategyID", strategyID)
	}

	history, err := e.store.History(conv.ID, e.historyLimit)
	if err != nil {
		return res, fmt.Errorf("load history: %w", err)
	}

	initialize := genai.IsInitialize(p.Message)
	userText := p.Message
	if initialize {
		userText = ""
	} else {
		if _, err := e.store.AppendMessage(conv.ID, models.SenderContact, p.Message); err != nil {
			return res, fmt.Errorf("append inbound message: %w", err)
		}
		e.cancelFollowUps(conv.ID)
	}

	if !conv.AutomationEnabled {
		res.Skipped = "automation disabled"
		slog.Info("Engine.ProcessTurn: automation disabled, no reply", "conversationID", conv.ID)
		return res, nil
	}

	if strat == nil {
		res.Reply, res.Source = strategy.DefaultReply, SourceDefaultReply
	} else {
		gen, err := e.generator.Generate(ctx, genai.Input{
			Strategy:    strat,
			History:     history,
			NewMessage:  p.Message,
			ContactName: conv.Contact.Name,
		})
		if err != nil {
			return res, fmt.Errorf("generate reply: %w", err)
		}
		res.Reply, res.Source = gen.Text, gen.Source
	}

	res.Intents = intent.Detect(userText, res.Reply)
	if res.Intents.Booking {
		res.Actions = append(res.Actions, e.actions.Trigger(ctx, conv.ID, models.ActionBooking))
	}
	if res.Intents.OptOut {
		res.Actions = append(res.Actions, e.actions.Trigger(ctx, conv.ID, models.ActionOptOut))
	}

	if _, err := e.store.AppendMessage(conv.ID, models.SenderBot, res.Reply); err != nil {
		return res, fmt.Errorf("append outbound message: %w", err)
	}

	res.Delivery = e.dispatcher.Send(ctx, account.ID, conv.Contact.ID, res.Reply)

	if strat != nil {
		e.scheduleFollowUps(conv.ID, LaneKey(account.ID, p.ConversationID), strat)
	}
	slog.Info("Engine.ProcessTurn: turn complete", "conversationID", conv.ID, "source", res.Source,
		"booking", res.Intents.Booking, "optOut", res.Intents.OptOut, "delivered", res.Delivery.Delivered)
	return res, nil
}

// resolveAccount looks the account up by client id, then by the platform location id.
func (e *Engine) resolveAccount(p models.InboundPayload) (*models.Account, error) {
	if id := strings.TrimSpace(p.ClientID); id != "" {
		a, err := e.store.GetAccountByClientID(id)
		if err != nil {
			return nil, fmt.Errorf("lookup account by client id: %w", err)
		}
		if a != nil {
			return a, nil
		}
	}
	if id := strings.TrimSpace(p.AccountExternalID); id != "" {
		a, err := e.store.GetAccountByExternalID(id)
		if err != nil {
			return nil, fmt.Errorf("lookup account by location id: %w", err)
		}
		if a != nil {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: client_id=%q location_id=%q", models.ErrAccountNotFound, p.ClientID, p.AccountExternalID)
}

func (e *Engine) logWebhook(requestID, accountID, status, detail string) {
	entry := models.WebhookLog{
		RequestID: requestID,
		AccountID: accountID,
		Direction: models.WebhookInbound,
		Status:    status,
		Detail:    detail,
		CreatedAt: e.now(),
	}
	if err := e.store.AddWebhookLog(entry); err != nil {
		slog.Error("Engine.logWebhook: failed to write webhook log", "requestID", requestID, "error", err)
	}
}

// Shutdown stops accepting webhooks and waits for queued work to finish or ctx to end.
// In-flight provider and platform calls are cancelled when ctx ends first.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	err := e.queue.Wait(ctx)
	e.cancel()
	if err != nil {
		slog.Warn("Engine.Shutdown: queued work did not drain", "lanes", e.queue.Pending(), "error", err)
		return err
	}
	slog.Info("Engine.Shutdown: drained")
	return nil
}
