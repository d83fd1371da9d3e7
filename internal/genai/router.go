package genai

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

const (
	// InitializeToken is the sentinel message that opens a conversation.
	InitializeToken = "initialize"
	// DefaultTimeout bounds each provider call.
	DefaultTimeout = 25 * time.Second

	// Result sources other than a provider name.
	SourceInitialMessage = "initial_message"
	SourceCanned         = "canned"

	initializePrompt = "Start the conversation with a short, friendly greeting."
)

// DefaultCannedReplies are sent when every provider fails.
var DefaultCannedReplies = []string{
	"Thanks for reaching out! We'll get back to you shortly.",
	"Thanks for your message! Someone from our team will follow up soon.",
	"Got it, thank you! We'll be in touch shortly.",
}

// Input is what the router needs for one turn.
type Input struct {
	Strategy    *models.Strategy
	History     []models.Message // prior turns, oldest first, not including NewMessage
	NewMessage  string
	ContactName string
}

// Result is the reply text and where it came from.
type Result struct {
	Text     string
	Source   string // provider name, SourceInitialMessage or SourceCanned
	Fallback bool   // true when the primary provider did not produce the reply
}

// RouterOpts holds configuration options for Router.
type RouterOpts struct {
	Timeout       time.Duration
	CannedReplies []string
	MaxTokens     int
}

// RouterOption defines a configuration option for Router.
type RouterOption func(*RouterOpts)

// WithTimeout sets the per-provider-call deadline.
func WithTimeout(d time.Duration) RouterOption {
	return func(o *RouterOpts) {
		o.Timeout = d
	}
}

// WithCannedReplies replaces the fallback replies. An empty list disables the fallback.
func WithCannedReplies(replies []string) RouterOption {
	return func(o *RouterOpts) {
		o.CannedReplies = replies
	}
}

// WithMaxTokens sets the reply token bound passed to providers.
func WithMaxTokens(n int) RouterOption {
	return func(o *RouterOpts) {
		o.MaxTokens = n
	}
}

// Router tries providers in order and falls back to canned replies.
type Router struct {
	providers []Provider
	timeout   time.Duration
	canned    []string
	maxTokens int
}

// NewRouter creates a Router over an ordered provider list. The first provider is the
// primary; the rest are tried once each, in order, when the previous one fails.
func NewRouter(providers []Provider, opts ...RouterOption) *Router {
	cfg := RouterOpts{Timeout: DefaultTimeout, CannedReplies: DefaultCannedReplies, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	slog.Debug("NewRouter: configured", "providers", names, "timeout", cfg.Timeout, "canned", len(cfg.CannedReplies))
	return &Router{providers: providers, timeout: cfg.Timeout, canned: cfg.CannedReplies, maxTokens: cfg.MaxTokens}
}

// IsInitialize reports whether msg is the conversation-opening sentinel.
func IsInitialize(msg string) bool {
	return strings.EqualFold(strings.TrimSpace(msg), InitializeToken)
}

// Generate produces the reply for one turn. It returns models.ErrGeneration only when
// every provider failed and no canned replies are configured.
func (r *Router) Generate(ctx context.Context, in Input) (Result, error) {
	initialize := IsInitialize(in.NewMessage)
	if initialize && in.Strategy != nil && strings.TrimSpace(in.Strategy.InitialMessage) != "" {
		slog.Debug("Router.Generate: using initial message template", "strategyID", in.Strategy.ID)
		return Result{Text: RenderTemplate(in.Strategy.InitialMessage, in.ContactName), Source: SourceInitialMessage}, nil
	}

	req := r.buildRequest(in, initialize)
	var lastErr error
	for i, p := range r.providers {
		text, err := r.call(ctx, p, req)
		if err == nil {
			if i > 0 {
				slog.Info("Router.Generate: reply from fallback provider", "provider", p.Name(), "position", i)
			}
			return Result{Text: text, Source: p.Name(), Fallback: i > 0}, nil
		}
		lastErr = err
		slog.Warn("Router.Generate: provider failed", "provider", p.Name(), "error", err)
		if ctx.Err() != nil {
			break
		}
	}

	if len(r.canned) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("no providers configured")
		}
		return Result{}, fmt.Errorf("%w: %v", models.ErrGeneration, lastErr)
	}
	text := r.cannedReply(in.NewMessage)
	slog.Warn("Router.Generate: all providers failed, sending canned reply", "providers", len(r.providers), "error", lastErr)
	return Result{Text: text, Source: SourceCanned, Fallback: true}, nil
}

func (r *Router) call(ctx context.Context, p Provider, req Request) (text string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider %s panicked: %v", p.Name(), rec)
		}
	}()
	start := time.Now()
	text, err = p.Generate(callCtx, req)
	slog.Debug("Router.call: provider returned", "provider", p.Name(), "duration", time.Since(start), "ok", err == nil)
	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrEmptyReply
	}
	return strings.TrimSpace(text), err
}

func (r *Router) buildRequest(in Input, initialize bool) Request {
	req := Request{
		SystemPrompt: BuildSystemPrompt(in.Strategy),
		Temperature:  in.Strategy.EffectiveTemperature(),
		MaxTokens:    r.maxTokens,
	}
	for _, m := range in.History {
		role := RoleAssistant
		if m.Sender == models.SenderContact {
			role = RoleUser
		}
		req.Turns = append(req.Turns, Turn{Role: role, Content: m.Content})
	}
	msg := in.NewMessage
	if initialize {
		msg = initializePrompt
	}
	req.Turns = append(req.Turns, Turn{Role: RoleUser, Content: msg})
	return req
}

// cannedReply picks a canned reply deterministically from the inbound text.
func (r *Router) cannedReply(msg string) string {
	h := fnv.New32a()
	h.Write([]byte(msg))
	return r.canned[int(h.Sum32()%uint32(len(r.canned)))]
}
