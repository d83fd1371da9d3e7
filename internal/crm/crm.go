// Package crm delivers replies and contact updates to the external messaging platform.
//
// Every call loads the account's credentials fresh, refreshes the access token when it is
// close to expiry, and records the outcome as an outbound webhook-log row. Sends are never
// retried.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/BTreeMap/LeadPipe/internal/store"
	"github.com/BTreeMap/LeadPipe/internal/util"
)

const (
	DefaultBaseURL    = "https://services.leadconnectorhq.com"
	DefaultTokenURL   = "https://services.leadconnectorhq.com/oauth/token"
	DefaultAPIVersion = "2021-04-15"

	// RefreshWindow is how close to expiry a token may get before it is refreshed.
	RefreshWindow = 5 * time.Minute
	// MaxSMSLength is the platform's SMS body limit, in runes.
	MaxSMSLength = 1600

	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 64 << 10
	maxDetailLen       = 500
)

// Dispatcher is the outbound side of the engine.
type Dispatcher interface {
	Send(ctx context.Context, accountID, contactID, text string) DeliveryResult
	AddTags(ctx context.Context, accountID, contactID string, tags []string) error
}

// Repo is the persistence the client needs.
type Repo interface {
	store.CredentialRepo
	store.WebhookLogRepo
}

// DeliveryResult describes one send attempt. Err wraps models.ErrNotConnected or
// models.ErrDelivery when the message was not delivered.
type DeliveryResult struct {
	Delivered  bool
	MessageID  string
	StatusCode int
	Err        error
}

// Opts holds configuration options for Client.
type Opts struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	APIVersion   string
	HTTPClient   *http.Client
	Now          func() time.Time
}

// Option defines a configuration option for Client.
type Option func(*Opts)

// WithBaseURL sets the platform API base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithTokenURL sets the OAuth token endpoint used for refreshes.
func WithTokenURL(u string) Option {
	return func(o *Opts) { o.TokenURL = u }
}

// WithOAuthClient sets the OAuth client credentials used for refreshes.
func WithOAuthClient(id, secret string) Option {
	return func(o *Opts) {
		o.ClientID = id
		o.ClientSecret = secret
	}
}

// WithAPIVersion sets the Version header value.
func WithAPIVersion(v string) Option {
	return func(o *Opts) { o.APIVersion = v }
}

// WithHTTPClient sets the HTTP client for API and token calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Client talks to the platform API on behalf of accounts.
type Client struct {
	repo       Repo
	baseURL    string
	apiVersion string
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time

	// refresh tokens may rotate, so refreshes for one account must not overlap
	locks sync.Map // accountID -> *sync.Mutex
}

// NewClient creates a Client.
func NewClient(repo Repo, opts ...Option) *Client {
	cfg := Opts{BaseURL: DefaultBaseURL, TokenURL: DefaultTokenURL, APIVersion: DefaultAPIVersion}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	slog.Debug("crm.NewClient: configured", "baseURL", cfg.BaseURL, "apiVersion", cfg.APIVersion,
		"client_id_set", cfg.ClientID != "", "client_secret_set", cfg.ClientSecret != "")
	return &Client{
		repo:       repo,
		baseURL:    cfg.BaseURL,
		apiVersion: cfg.APIVersion,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL, AuthStyle: oauth2.AuthStyleInParams},
		},
		httpClient: cfg.HTTPClient,
		now:        cfg.Now,
	}
}

type sendMessageRequest struct {
	Type      string `json:"type"`
	ContactID string `json:"contactId"`
	Message   string `json:"message"`
}

// Send posts text to the contact as an SMS. It never returns an error; the outcome is in
// the result and in the webhook log.
func (c *Client) Send(ctx context.Context, accountID, contactID, text string) DeliveryResult {
	res := c.send(ctx, accountID, contactID, text)
	c.logOutcome(ctx, accountID, contactID, res)
	return res
}

func (c *Client) send(ctx context.Context, accountID, contactID, text string) DeliveryResult {
	token, err := c.accessToken(ctx, accountID)
	if err != nil {
		return DeliveryResult{Err: err}
	}
	body := sendMessageRequest{Type: "SMS", ContactID: contactID, Message: TruncateSMS(text)}
	status, respBody, err := c.post(ctx, token, "/conversations/messages", body)
	if err != nil {
		return DeliveryResult{StatusCode: status, Err: err}
	}
	msgID := gjson.GetBytes(respBody, "messageId").String()
	if msgID == "" {
		msgID = gjson.GetBytes(respBody, "id").String()
	}
	return DeliveryResult{Delivered: true, StatusCode: status, MessageID: msgID}
}

// AddTags attaches tags to the contact record.
func (c *Client) AddTags(ctx context.Context, accountID, contactID string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	token, err := c.accessToken(ctx, accountID)
	if err != nil {
		return err
	}
	path := "/contacts/" + url.PathEscape(contactID) + "/tags"
	if _, _, err := c.post(ctx, token, path, map[string][]string{"tags": tags}); err != nil {
		return err
	}
	slog.Debug("Client.AddTags: tags added", "accountID", accountID, "contactID", contactID, "count", len(tags))
	return nil
}

// accessToken returns a usable access token for the account, refreshing and persisting it
// when it expires within RefreshWindow.
func (c *Client) accessToken(ctx context.Context, accountID string) (string, error) {
	mu := c.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	creds, err := c.repo.GetCredentials(accountID)
	if err != nil {
		return "", fmt.Errorf("%w: load credentials: %v", models.ErrDelivery, err)
	}
	if creds == nil || (creds.AccessToken == "" && creds.RefreshToken == "") {
		return "", models.ErrNotConnected
	}
	now := c.now()
	if creds.AccessToken != "" && !creds.ExpiresWithin(now, RefreshWindow) {
		return creds.AccessToken, nil
	}
	if creds.RefreshToken == "" {
		return "", fmt.Errorf("%w: access token expired and no refresh token", models.ErrNotConnected)
	}

	slog.Info("Client.accessToken: refreshing token", "accountID", accountID, "expiresAt", creds.ExpiresAt)
	refreshCtx := context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	// An empty access token makes the token source refresh immediately.
	tok, err := c.oauth.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: creds.RefreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("%w: refresh token: %v", models.ErrDelivery, err)
	}

	updated := models.Credentials{
		AccountID:    accountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		UpdatedAt:    now,
	}
	if updated.RefreshToken == "" {
		updated.RefreshToken = creds.RefreshToken
	}
	if updated.ExpiresAt.IsZero() {
		updated.ExpiresAt = now.Add(time.Hour)
	}
	if err := c.repo.SaveCredentials(updated); err != nil {
		// The new token is still good for this call.
		slog.Error("Client.accessToken: failed to persist refreshed token", "accountID", accountID, "error", err)
	}
	return updated.AccessToken, nil
}

func (c *Client) lockFor(accountID string) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (c *Client) post(ctx context.Context, token, path string, payload any) (int, []byte, error) {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: marshal request: %v", models.ErrDelivery, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: create request: %v", models.ErrDelivery, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Version", c.apiVersion)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", models.ErrDelivery, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: read response: %v", models.ErrDelivery, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, respBody, fmt.Errorf("%w: status %d: %s", models.ErrDelivery, resp.StatusCode, truncate(string(respBody), 200))
	}
	return resp.StatusCode, respBody, nil
}

func (c *Client) logOutcome(ctx context.Context, accountID, contactID string, res DeliveryResult) {
	entry := models.WebhookLog{
		RequestID: util.RequestIDFromContext(ctx),
		AccountID: accountID,
		Direction: models.WebhookOutbound,
		CreatedAt: c.now(),
	}
	switch {
	case res.Delivered:
		entry.Status = models.WebhookStatusDelivered
		entry.Detail = fmt.Sprintf("contact=%s status=%d message_id=%s", contactID, res.StatusCode, res.MessageID)
		slog.Info("Client.Send: delivered", "accountID", accountID, "contactID", contactID, "messageID", res.MessageID)
	case errors.Is(res.Err, models.ErrNotConnected):
		entry.Status = models.WebhookStatusNotConnected
		entry.Detail = fmt.Sprintf("contact=%s: %v", contactID, res.Err)
		slog.Warn("Client.Send: account not connected", "accountID", accountID, "contactID", contactID)
	default:
		entry.Status = models.WebhookStatusDeliveryError
		entry.Detail = truncate(fmt.Sprintf("contact=%s: %v", contactID, res.Err), maxDetailLen)
		slog.Error("Client.Send: delivery failed", "accountID", accountID, "contactID", contactID, "status", res.StatusCode, "error", res.Err)
	}
	if err := c.repo.AddWebhookLog(entry); err != nil {
		slog.Error("Client.logOutcome: failed to write webhook log", "accountID", accountID, "error", err)
	}
}

// TruncateSMS cuts text to MaxSMSLength runes.
func TruncateSMS(text string) string {
	if utf8.RuneCountInString(text) <= MaxSMSLength {
		return text
	}
	return string([]rune(text)[:MaxSMSLength])
}

// truncate shortens s to at most n runes for log details.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
