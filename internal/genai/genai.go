// Package genai generates conversation replies through interchangeable language-model
// providers.
//
// A Provider turns a system prompt plus chat turns into reply text. The Router walks an
// ordered provider list and falls back to canned replies so a conversation never goes
// silent because of an upstream outage.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default configuration constants
const (
	// DefaultOpenAIModel is used when no model is configured for the openai provider.
	DefaultOpenAIModel = "gpt-4o-mini"
	// DefaultClaudeModel is used when no model is configured for the claude provider.
	DefaultClaudeModel = "claude-3-5-haiku-latest"
	// DefaultXAIModel is used when no model is configured for the xai provider.
	DefaultXAIModel = "grok-3-mini"
	// DefaultMaxTokens bounds reply length at the provider.
	DefaultMaxTokens = 400

	// ClaudeBaseURL is Anthropic's OpenAI-compatible endpoint.
	ClaudeBaseURL = "https://api.anthropic.com/v1/"
	// XAIBaseURL is xAI's OpenAI-compatible endpoint.
	XAIBaseURL = "https://api.x.ai/v1"
)

var (
	// ErrNoChoicesReturned is returned when a provider answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyReply is returned when a provider answers with blank text.
	ErrEmptyReply = errors.New("provider returned an empty reply")
	// ErrAPIKeyRequired is returned when a provider is configured without a key.
	ErrAPIKeyRequired = errors.New("API key is required")
)

// Role is the speaker of a chat turn as seen by a provider.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message in the chat sent to a provider.
type Turn struct {
	Role    Role
	Content string
}

// Request is the provider-agnostic generation request.
type Request struct {
	SystemPrompt string
	Turns        []Turn
	Temperature  float64
	MaxTokens    int
}

// Provider turns a Request into reply text.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsService adapts the SDK client to chatService.
type completionsService struct {
	client openai.Client
}

func (c *completionsService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for an OpenAI-compatible provider.
type Opts struct {
	Name    string // provider name reported in logs and results
	APIKey  string
	BaseURL string // empty uses the OpenAI default
	Model   string
}

// Option defines a configuration option for OpenAIProvider.
type Option func(*Opts)

// WithName sets the provider name.
func WithName(name string) Option {
	return func(o *Opts) {
		o.Name = name
	}
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// OpenAIProvider generates replies through the chat completions API. With a base URL it
// also serves OpenAI-compatible endpoints such as Anthropic's and xAI's.
type OpenAIProvider struct {
	name  string
	model string
	chat  chatService
}

// NewOpenAIProvider creates a provider from options. An API key is required.
func NewOpenAIProvider(opts ...Option) (*OpenAIProvider, error) {
	cfg := Opts{Name: "openai"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", cfg.Name, ErrAPIKeyRequired)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	slog.Debug("NewOpenAIProvider: configured", "provider", cfg.Name, "model", cfg.Model, "base_url_set", cfg.BaseURL != "")
	return &OpenAIProvider{
		name:  cfg.Name,
		model: cfg.Model,
		chat:  &completionsService{client: openai.NewClient(reqOpts...)},
	}, nil
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Generate sends the system prompt and turns as a chat completion.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, t := range req.Turns {
		if t.Role == RoleAssistant {
			messages = append(messages, openai.AssistantMessage(t.Content))
		} else {
			messages = append(messages, openai.UserMessage(t.Content))
		}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(p.model),
		Messages:            messages,
		Temperature:         openai.Float(req.Temperature),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}

	resp, err := p.chat.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s chat completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
