// Package actions runs custom action chains against a conversation.
//
// An action owns chains ordered by chain_order, and each chain owns steps ordered by
// step_order. Steps run one after another with no data passed between them. A failing
// or panicking step is recorded and the next step still runs; nothing is rolled back.
package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/crm"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/notify"
	"github.com/BTreeMap/LeadPipe/internal/store"
)

// Repo is the persistence the executor needs.
type Repo interface {
	store.ConversationRepo
	store.ActionRepo
	CancelJobsByDedupePrefix(prefix string) (int, error)
}

// StepResult is the outcome of one step.
type StepResult struct {
	ChainID   string          `json:"chain_id"`
	ChainName string          `json:"chain_name,omitempty"`
	StepOrder int             `json:"step_order"`
	Function  string          `json:"function"`
	Kind      models.StepKind `json:"kind"`
	Skipped   bool            `json:"skipped,omitempty"`
	Err       error           `json:"-"`
	Duration  time.Duration   `json:"duration"`
}

// Report describes one Trigger call.
type Report struct {
	ConversationID string       `json:"conversation_id"`
	Action         string       `json:"action"`
	Found          bool         `json:"found"`
	Steps          []StepResult `json:"steps,omitempty"`
	// Err is set when the conversation or action could not be loaded. No step ran.
	Err error `json:"-"`
}

// Failed returns how many steps failed.
func (r Report) Failed() int {
	n := 0
	for _, s := range r.Steps {
		if s.Err != nil {
			n++
		}
	}
	return n
}

// Executor runs action chains. Dispatcher and Notifier may be nil, in which case the
// steps that need them fail.
type Executor struct {
	repo       Repo
	dispatcher crm.Dispatcher
	notifier   notify.Notifier
}

// NewExecutor creates an Executor.
func NewExecutor(repo Repo, dispatcher crm.Dispatcher, notifier notify.Notifier) *Executor {
	return &Executor{repo: repo, dispatcher: dispatcher, notifier: notifier}
}

// Trigger runs the action named actionName on the conversation's strategy. A missing
// action is a no-op. Trigger never returns an error; failures are in the report.
func (e *Executor) Trigger(ctx context.Context, conversationID, actionName string) Report {
	report := Report{ConversationID: conversationID, Action: actionName}

	conv, err := e.repo.GetConversation(conversationID)
	if err != nil {
		report.Err = fmt.Errorf("load conversation: %w", err)
		slog.Error("Executor.Trigger: failed to load conversation", "conversationID", conversationID, "error", err)
		return report
	}
	if conv.StrategyID == "" {
		slog.Debug("Executor.Trigger: conversation has no strategy", "conversationID", conversationID)
		return report
	}
	action, err := e.repo.GetCustomAction(conv.StrategyID, actionName)
	if err != nil {
		report.Err = fmt.Errorf("load action: %w", err)
		slog.Error("Executor.Trigger: failed to load action", "strategyID", conv.StrategyID, "action", actionName, "error", err)
		return report
	}
	if action == nil {
		slog.Debug("Executor.Trigger: no action defined", "strategyID", conv.StrategyID, "action", actionName)
		return report
	}
	report.Found = true

	slog.Info("Executor.Trigger: running action", "conversationID", conversationID, "action", action.Name, "chains", len(action.Chains))
	for _, chain := range action.Chains {
		for _, step := range chain.Steps {
			res := e.runStep(ctx, conversationID, step)
			res.ChainID = chain.ID
			res.ChainName = chain.Name
			report.Steps = append(report.Steps, res)
		}
	}
	slog.Info("Executor.Trigger: action finished", "conversationID", conversationID, "action", action.Name,
		"steps", len(report.Steps), "failed", report.Failed())
	return report
}

func (e *Executor) runStep(ctx context.Context, conversationID string, step models.ChainStep) (res StepResult) {
	res = StepResult{StepOrder: step.StepOrder, Function: step.Function, Kind: models.StepUnknown}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("%w: %s panicked: %v", models.ErrActionStep, step.Function, r)
		}
		res.Duration = time.Since(start)
		if res.Err != nil {
			slog.Error("Executor.runStep: step failed", "conversationID", conversationID, "function", step.Function, "order", step.StepOrder, "error", res.Err)
		}
	}()

	spec, err := models.ParseStep(step.Function, step.Params)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", models.ErrActionStep, err)
		return res
	}
	res.Kind = spec.Kind()
	if u, ok := spec.(models.UnknownStep); ok {
		slog.Warn("Executor.runStep: unknown step function skipped", "conversationID", conversationID, "function", u.Function)
		res.Skipped = true
		return res
	}
	if err := e.execute(ctx, conversationID, spec); err != nil {
		res.Err = fmt.Errorf("%w: %s: %v", models.ErrActionStep, spec.Kind(), err)
	} else {
		slog.Debug("Executor.runStep: step done", "conversationID", conversationID, "kind", spec.Kind())
	}
	return res
}

func (e *Executor) execute(ctx context.Context, conversationID string, spec models.StepSpec) error {
	switch s := spec.(type) {
	case models.MarkBookedStep:
		return e.repo.SetConversationStatus(conversationID, models.ConversationStatusBooked)
	case models.MarkCompletedStep:
		if err := e.repo.SetConversationStatus(conversationID, models.ConversationStatusCompleted); err != nil {
			return err
		}
		return e.repo.SetAutomationEnabled(conversationID, false)
	case models.DisableAutomationStep:
		return e.repo.SetAutomationEnabled(conversationID, false)
	case models.ClearFollowUpsStep:
		n, err := e.repo.CancelJobsByDedupePrefix(models.FollowUpDedupePrefix(conversationID))
		if err == nil {
			slog.Debug("Executor.execute: follow-ups cleared", "conversationID", conversationID, "count", n)
		}
		return err
	case models.SetLeadScoreStep:
		return e.repo.SetLeadScore(conversationID, s.Score)
	case models.AddTagsStep:
		if e.dispatcher == nil {
			return errors.New("no dispatcher configured")
		}
		conv, err := e.repo.GetConversation(conversationID)
		if err != nil {
			return err
		}
		return e.dispatcher.AddTags(ctx, conv.AccountID, conv.Contact.ID, s.Tags)
	case models.NotifyOwnerStep:
		if e.notifier == nil {
			return notify.ErrNotConfigured
		}
		conv, err := e.repo.GetConversation(conversationID)
		if err != nil {
			return err
		}
		return e.notifier.Notify(ctx, s.To, RenderContact(s.Message, conv.Contact))
	case models.SendMessageStep:
		if e.dispatcher == nil {
			return errors.New("no dispatcher configured")
		}
		conv, err := e.repo.GetConversation(conversationID)
		if err != nil {
			return err
		}
		text := RenderContact(s.Message, conv.Contact)
		if _, err := e.repo.AppendMessage(conversationID, models.SenderBot, text); err != nil {
			return err
		}
		res := e.dispatcher.Send(ctx, conv.AccountID, conv.Contact.ID, text)
		return res.Err
	default:
		return fmt.Errorf("unsupported step kind %q", spec.Kind())
	}
}

// RenderContact substitutes {{contact_name}} and {{contact_phone}} in a step template.
func RenderContact(tmpl string, c models.Contact) string {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = "Unknown contact"
	}
	return strings.NewReplacer(
		"{{contact_name}}", name,
		"{{contact_phone}}", c.Phone,
		"{{contact_email}}", c.Email,
	).Replace(tmpl)
}
