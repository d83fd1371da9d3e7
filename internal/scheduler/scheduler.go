// Package scheduler runs periodic maintenance tasks for LeadPipe.
//
// Tasks are registered with cron expressions (5-field, or descriptors such as @daily
// and @every 5m). A panicking task is recovered and logged; the schedule keeps running.
package scheduler

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler provides cron-based task scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// slogLogger adapts slog to cron.Logger.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("Scheduler: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("Scheduler: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// NewScheduler creates a scheduler. Call Start to begin running tasks.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c}
}

// AddJob schedules a named task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return err
	}
	slog.Debug("Scheduler.AddJob: registered", "name", name, "expr", expr, "entryID", id)
	return nil
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("Scheduler.Start: running", "tasks", s.Len())
}

// Stop stops scheduling and waits for running tasks to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("Scheduler.Stop: running tasks did not finish in time")
	}
}
