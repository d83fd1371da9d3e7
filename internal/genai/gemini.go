package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	// DefaultGeminiModel is used when no model is configured for the gemini provider.
	DefaultGeminiModel = "gemini-2.0-flash"
	geminiDefaultBase  = "https://generativelanguage.googleapis.com/v1beta"
)

// GeminiProvider generates replies through the Gemini generateContent REST API.
type GeminiProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGeminiProvider creates a Gemini provider using a static API key.
func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrAPIKeyRequired)
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	return &GeminiProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    geminiDefaultBase,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Name returns "gemini".
func (p *GeminiProvider) Name() string {
	return "gemini"
}

type geminiRequest struct {
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Contents          []geminiContent         `json:"contents"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// Generate calls models/{model}:generateContent. Assistant turns are sent with the
// "model" role Gemini expects.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (string, error) {
	body := geminiRequest{
		GenerationConfig: &geminiGenerationConfig{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens},
	}
	if body.GenerationConfig.MaxOutputTokens <= 0 {
		body.GenerationConfig.MaxOutputTokens = DefaultMaxTokens
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	for _, t := range req.Turns {
		role := "user"
		if t.Role == RoleAssistant {
			role = "model"
		}
		body.Contents = append(body.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: t.Content}}})
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", p.baseURL, p.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("execute gemini request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read gemini response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gemini API error (status %d): %s", resp.StatusCode, truncate(string(respBody), 300))
	}

	if !gjson.ValidBytes(respBody) {
		return "", fmt.Errorf("decode gemini response: invalid JSON: %s", truncate(string(respBody), 300))
	}
	candidate := gjson.GetBytes(respBody, "candidates.0")
	if !candidate.Exists() {
		return "", ErrNoChoicesReturned
	}
	var sb strings.Builder
	for _, part := range candidate.Get("content.parts.#.text").Array() {
		sb.WriteString(part.String())
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

// truncate shortens s to at most n runes for error messages.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
