package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

// followUpJob is the payload stored with each follow-up job.
type followUpJob struct {
	models.FollowUpPayload
	Lane string `json:"lane"`
}

func (e *Engine) cancelFollowUps(conversationID string) {
	n, err := e.store.CancelJobsByDedupePrefix(models.FollowUpDedupePrefix(conversationID))
	if err != nil {
		slog.Error("Engine.cancelFollowUps: cancel failed", "conversationID", conversationID, "error", err)
		return
	}
	if n > 0 {
		slog.Debug("Engine.cancelFollowUps: canceled pending follow-ups", "conversationID", conversationID, "count", n)
	}
}

// scheduleFollowUps replaces the conversation's pending follow-ups with the strategy's
// list. Each delay is measured from now.
func (e *Engine) scheduleFollowUps(conversationID, lane string, s *models.Strategy) {
	if !e.followUps || len(s.FollowUps) == 0 {
		return
	}
	e.cancelFollowUps(conversationID)

	conv, err := e.store.GetConversation(conversationID)
	if err != nil {
		slog.Error("Engine.scheduleFollowUps: reload conversation failed", "conversationID", conversationID, "error", err)
		return
	}
	if conv.Status != models.ConversationStatusActive || !conv.AutomationEnabled {
		slog.Debug("Engine.scheduleFollowUps: conversation not eligible", "conversationID", conversationID, "status", conv.Status)
		return
	}

	now := e.now()
	for i, f := range s.FollowUps {
		runAt := now.Add(time.Duration(f.DelayMinutes) * time.Minute)
		payload, err := json.Marshal(followUpJob{
			FollowUpPayload: models.FollowUpPayload{
				ConversationID: conversationID,
				Index:          i,
				Message:        f.Message,
				ScheduledAt:    now,
			},
			Lane: lane,
		})
		if err != nil {
			slog.Error("Engine.scheduleFollowUps: marshal failed", "conversationID", conversationID, "error", err)
			return
		}
		id, err := e.store.EnqueueJob(models.JobKindFollowUp, runAt, string(payload), models.FollowUpDedupeKey(conversationID, i))
		if err != nil {
			slog.Error("Engine.scheduleFollowUps: enqueue failed", "conversationID", conversationID, "index", i, "error", err)
			continue
		}
		slog.Debug("Engine.scheduleFollowUps: scheduled", "conversationID", conversationID, "index", i, "jobID", id, "runAt", runAt)
	}
}

// HandleFollowUp is the job handler for models.JobKindFollowUp. It runs in the
// conversation's lane so it never interleaves with a turn.
func (e *Engine) HandleFollowUp(ctx context.Context, payload string) error {
	var job followUpJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return fmt.Errorf("decode follow-up payload: %w", err)
	}
	lane := job.Lane
	if lane == "" {
		lane = "followup|" + job.ConversationID
	}

	// Once the handler gives up the job is retried, so the queued send must not run.
	// Once the send has started the handler waits for it instead.
	var (
		mu        sync.Mutex
		abandoned bool
		started   bool
	)
	done := make(chan error, 1)
	e.queue.Enqueue(lane, func() {
		mu.Lock()
		if abandoned {
			mu.Unlock()
			slog.Debug("Engine.HandleFollowUp: dropped abandoned follow-up", "conversationID", job.ConversationID, "index", job.Index)
			return
		}
		started = true
		mu.Unlock()
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("follow-up panicked: %v", r)
			}
		}()
		done <- e.sendFollowUp(ctx, job.FollowUpPayload)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	mu.Lock()
	if !started {
		abandoned = true
		mu.Unlock()
		return ctx.Err()
	}
	mu.Unlock()
	return <-done
}

func (e *Engine) sendFollowUp(ctx context.Context, p models.FollowUpPayload) error {
	conv, err := e.store.GetConversation(p.ConversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if conv.Status != models.ConversationStatusActive || !conv.AutomationEnabled {
		slog.Info("Engine.sendFollowUp: skipped, conversation not eligible", "conversationID", conv.ID, "status", conv.Status, "automation", conv.AutomationEnabled)
		return nil
	}
	history, err := e.store.History(conv.ID, e.historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	for _, m := range history {
		if m.Sender == models.SenderContact && m.CreatedAt.After(p.ScheduledAt) {
			slog.Info("Engine.sendFollowUp: skipped, contact replied", "conversationID", conv.ID, "index", p.Index)
			return nil
		}
	}

	text := genai.RenderTemplate(p.Message, conv.Contact.Name)
	if _, err := e.store.AppendMessage(conv.ID, models.SenderBot, text); err != nil {
		return fmt.Errorf("append follow-up: %w", err)
	}
	ctx = util.WithRequestID(ctx, fmt.Sprintf("followup:%s:%d", conv.ID, p.Index))
	res := e.dispatcher.Send(ctx, conv.AccountID, conv.Contact.ID, text)
	slog.Info("Engine.sendFollowUp: sent", "conversationID", conv.ID, "index", p.Index, "delivered", res.Delivered)
	// Sends are not retried, so a failed delivery still completes the job.
	return nil
}
