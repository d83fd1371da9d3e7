// Package api provides the HTTP server and the top-level wiring for LeadPipe.
//
// It exposes the inbound webhook endpoint, a health check and read-only conversation
// inspection routes, and Run assembles the store, AI providers, dispatcher, action
// executor, engine, job runner and maintenance scheduler.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/actions"
	"github.com/BTreeMap/LeadPipe/internal/crm"
	"github.com/BTreeMap/LeadPipe/internal/engine"
	"github.com/BTreeMap/LeadPipe/internal/genai"
	"github.com/BTreeMap/LeadPipe/internal/lockfile"
	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/notify"
	"github.com/BTreeMap/LeadPipe/internal/scheduler"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/strategy"
)

const (
	DefaultAddr            = ":8080"
	DefaultRetentionDays   = 30
	DefaultJobPollInterval = store.DefaultJobPollInterval
	DefaultShutdownTimeout = 30 * time.Second
)

// Opts holds configuration options for the API server and the engine it runs.
type Opts struct {
	Addr             string
	StateDir         string // when set, an exclusive lock is taken on this directory
	AITimeout        time.Duration
	HistoryLimit     int
	FollowUpsEnabled bool
	RetentionDays    int
	JobPollInterval  time.Duration
	ShutdownTimeout  time.Duration
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithStateDir sets the state directory to lock for the lifetime of the server.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithAITimeout sets the per-provider-call deadline.
func WithAITimeout(d time.Duration) Option {
	return func(o *Opts) { o.AITimeout = d }
}

// WithHistoryLimit sets how many prior messages are sent to the model.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithFollowUps enables or disables scheduled follow-ups.
func WithFollowUps(enabled bool) Option {
	return func(o *Opts) { o.FollowUpsEnabled = enabled }
}

// WithRetentionDays sets how long webhook-log rows are kept.
func WithRetentionDays(days int) Option {
	return func(o *Opts) { o.RetentionDays = days }
}

// WithJobPollInterval sets how often due follow-up jobs are claimed.
func WithJobPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.JobPollInterval = d }
}

// Submitter accepts webhooks for background processing.
type Submitter interface {
	Submit(requestID string, body []byte, header http.Header) error
}

// Server serves the HTTP surface.
type Server struct {
	st        store.Store
	engine    Submitter
	startedAt time.Time
}

// NewServer creates a Server.
func NewServer(st store.Store, eng Submitter) *Server {
	return &Server{st: st, engine: eng, startedAt: time.Now()}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.webhookHandler)
	mux.HandleFunc("POST /webhook/{clientID}", s.webhookHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("GET /conversations/{id}", s.getConversationHandler)
	mux.HandleFunc("GET /conversations/{id}/messages", s.listMessagesHandler)
	return mux
}

// Run builds every component, serves HTTP until SIGINT or SIGTERM, then shuts down:
// stop accepting requests, drain queued webhooks, stop the job runner and scheduler.
func Run(storeOpts []store.Option, providerCfg genai.ProviderConfig, crmOpts []crm.Option, notifyOpts []notify.Option, apiOpts ...Option) error {
	cfg := Opts{
		Addr:             DefaultAddr,
		AITimeout:        genai.DefaultTimeout,
		HistoryLimit:     engine.DefaultHistoryLimit,
		FollowUpsEnabled: true,
		RetentionDays:    DefaultRetentionDays,
		JobPollInterval:  DefaultJobPollInterval,
		ShutdownTimeout:  DefaultShutdownTimeout,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	slog.Debug("api.Run: configuration", "addr", cfg.Addr, "stateDir", cfg.StateDir, "aiTimeout", cfg.AITimeout,
		"historyLimit", cfg.HistoryLimit, "followUps", cfg.FollowUpsEnabled, "retentionDays", cfg.RetentionDays)

	if cfg.StateDir != "" {
		lock, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.New(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("api.Run: store close failed", "error", err)
		}
	}()

	providers, err := genai.NewProvidersFromConfig(providerCfg)
	if err != nil {
		return fmt.Errorf("failed to configure AI providers: %w", err)
	}
	router := genai.NewRouter(providers, genai.WithTimeout(cfg.AITimeout))

	dispatcher := crm.NewClient(st, crmOpts...)

	var notifier notify.Notifier
	if n, err := notify.NewTwilioNotifier(notifyOpts...); err == nil {
		notifier = n
	} else {
		slog.Warn("api.Run: owner notifications disabled", "reason", err)
	}

	executor := actions.NewExecutor(st, dispatcher, notifier)
	eng := engine.New(st, strategy.NewMatcher(st), router, executor, dispatcher,
		engine.WithHistoryLimit(cfg.HistoryLimit),
		engine.WithFollowUps(cfg.FollowUpsEnabled))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := store.NewJobRunner(st, cfg.JobPollInterval)
	runner.RegisterHandler(models.JobKindFollowUp, eng.HandleFollowUp)
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Error("api.Run: stale job recovery failed", "error", err)
	}
	runnerCtx, stopRunner := context.WithCancel(context.Background())
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Run(runnerCtx)
	}()

	sched, err := newMaintenanceScheduler(st, runner, cfg.RetentionDays)
	if err != nil {
		stopRunner()
		return err
	}
	sched.Start()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewServer(st, eng).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("api.Run: LeadPipe API listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("api.Run: shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("api.Run: http shutdown failed", "error", err)
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		slog.Error("api.Run: engine did not drain", "error", err)
	}
	stopRunner()
	<-runnerDone
	sched.Stop(shutdownCtx)
	slog.Info("api.Run: stopped")
	return runErr
}

// staleJobRecoverer requeues jobs stuck in running.
type staleJobRecoverer interface {
	RecoverStaleJobs() error
}

// newMaintenanceScheduler registers daily webhook-log pruning and periodic stale-job
// recovery.
func newMaintenanceScheduler(logs store.WebhookLogRepo, jobs staleJobRecoverer, retentionDays int) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler()
	if retentionDays > 0 {
		err := sched.AddJob("prune-webhook-logs", "@daily", func() {
			pruneWebhookLogs(logs, retentionDays)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule webhook log pruning: %w", err)
		}
	}
	err := sched.AddJob("recover-stale-jobs", "@every "+store.DefaultStaleJobThreshold.String(), func() {
		if err := jobs.RecoverStaleJobs(); err != nil {
			slog.Error("maintenance: stale job recovery failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule stale job recovery: %w", err)
	}
	return sched, nil
}

func pruneWebhookLogs(logs store.WebhookLogRepo, retentionDays int) {
	before := time.Now().AddDate(0, 0, -retentionDays)
	n, err := logs.PruneWebhookLogs(before)
	if err != nil {
		slog.Error("maintenance: webhook log pruning failed", "error", err)
		return
	}
	slog.Info("maintenance: pruned webhook logs", "count", n, "before", before)
}
