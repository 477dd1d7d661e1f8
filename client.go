// Package talentbridge is the Go client for the TalentBridge job-matching
// platform.
//
// It owns the session: one token slot shared by the REST pipeline, the
// proactive refresh scheduler and the realtime notification channel.
//
// Example:
//
//	client := talentbridge.NewClient(talentbridge.WithBaseURL("https://api.talentbridge.io"))
//
//	// Sign in; the token is stored and its refresh is scheduled.
//	res, _ := client.Auth.Login(ctx, "ada@example.com", "secret")
//
//	// REST calls recover from token expiry transparently.
//	convs, _ := client.Conversations.List(ctx)
//
//	// Realtime notifications, deduplicated into one unread counter.
//	notifier := client.NewNotifier(nil)
//	rt, _ := client.Realtime(ctx, nil, notifier)
//	rt.Connect(ctx)
package talentbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.talentbridge.io",
	Staging:    "https://api.staging.talentbridge.io",
}

const (
	DefaultBaseURL = "https://api.talentbridge.io"
	DefaultTimeout = 30 * time.Second

	refreshPath = "/api/auth/refresh"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	httpClient *http.Client
	store      TokenStore
	navigator  Navigator
	log        *zap.Logger
	metrics    *Metrics
	lead       time.Duration
	floor      time.Duration
	now        func() time.Time

	session  *Session
	pipeline *Pipeline

	Auth          *AuthClient
	Conversations *ConversationsClient
	Messages      *MessagesClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithTokenStore replaces the default in-memory token slot.
func WithTokenStore(store TokenStore) ClientOption {
	return func(c *Client) { c.store = store }
}

// WithNavigator sets who is told to show the login screen when the session
// can no longer be refreshed.
func WithNavigator(nav Navigator) ClientOption {
	return func(c *Client) { c.navigator = nav }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithRefreshLead sets how long before expiry the proactive refresh fires.
func WithRefreshLead(d time.Duration) ClientOption {
	return func(c *Client) { c.lead = d }
}

// WithMinRefreshDelay sets the floor on the proactive refresh delay.
func WithMinRefreshDelay(d time.Duration) ClientOption {
	return func(c *Client) { c.floor = d }
}

// WithClock overrides the scheduler's clock.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a new TalentBridge client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.store == nil {
		c.store = NewMemoryTokenStore("")
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.navigator == nil {
		log := c.log
		c.navigator = NavigatorFunc(func(reason error) {
			log.Warn("session ended, sign in again", zap.Error(reason))
		})
	}

	disp := &dispatcher{baseURL: c.baseURL, httpClient: c.httpClient, log: c.log}
	refresher := &httpRefresher{disp: disp, path: refreshPath}
	sched := newScheduler(c.store, refresher, c.lead, c.floor, c.metrics, c.log)
	if c.now != nil {
		sched.now = c.now
	}
	c.session = newSession(c.store, c.navigator, refresher, sched, c.metrics, c.log)
	c.pipeline = &Pipeline{disp: disp, session: c.session, log: c.log}

	c.Auth = &AuthClient{c: c}
	c.Conversations = &ConversationsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	return c
}

// Session returns the client's session.
func (c *Client) Session() *Session { return c.session }

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Send dispatches req through the authenticated pipeline.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	return c.pipeline.Send(ctx, req)
}

// Close stops the proactive refresh timer. The stored token is kept.
func (c *Client) Close() {
	c.session.scheduler.Disarm()
}

// NewNotifier creates a Notifier that suppresses the signed-in user's own
// messages. Unset fields of cfg are filled from the client.
func (c *Client) NewNotifier(cfg *NotifierConfig) *Notifier {
	var nc NotifierConfig
	if cfg != nil {
		nc = *cfg
	}
	if nc.CurrentUser == nil {
		nc.CurrentUser = func() string {
			claims, err := c.session.Claims(context.Background())
			if err != nil {
				return ""
			}
			return claims.Subject
		}
	}
	if nc.Logger == nil {
		nc.Logger = c.log
	}
	if nc.Metrics == nil {
		nc.Metrics = c.metrics
	}
	return NewNotifier(&nc)
}

// Realtime creates the realtime manager for this session. Rooms are resynced
// from Conversations.List. It fails with ErrNoToken when signed out.
func (c *Client) Realtime(ctx context.Context, cfg *RealtimeConfig, notifier *Notifier) (*RealtimeManager, error) {
	var rc RealtimeConfig
	if cfg != nil {
		rc = *cfg
	}
	if rc.Logger == nil {
		rc.Logger = c.log
	}
	if rc.Metrics == nil {
		rc.Metrics = c.metrics
	}
	return NewRealtimeManager(ctx, c.baseURL, c.store, c.Conversations, notifier, &rc)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) do(ctx context.Context, req *Request) ([]byte, error) {
	resp, err := c.pipeline.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, apiErrorFrom(resp)
	}
	return resp.Body, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// AuthClient
// ============================================================================

// AuthClient handles sign-in and the session lifecycle.
type AuthClient struct{ c *Client }

// Login exchanges credentials for a session token, stores it and schedules
// its refresh. Bad credentials surface as an *APIError with status 401.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	data, err := a.c.do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/api/auth/login",
		Body:   map[string]string{"email": email, "password": password},
		Kind:   KindAuth,
	})
	if err != nil {
		return nil, err
	}
	tr, err := decodeJSON[tokenResponse](data)
	if err != nil {
		return nil, err
	}
	if tr.value() == "" {
		return nil, fmt.Errorf("login response: %w", ErrNoToken)
	}
	if err := a.c.session.Begin(ctx, tr.value()); err != nil {
		return nil, err
	}
	return &LoginResult{Token: tr.value(), User: tr.User}, nil
}

// AcceptToken starts a session from a token delivered out of band, such as
// an OAuth callback.
func (a *AuthClient) AcceptToken(ctx context.Context, token string) error {
	return a.c.session.Begin(ctx, token)
}

// Refresh exchanges the current token for a new one now.
func (a *AuthClient) Refresh(ctx context.Context) (string, error) {
	return a.c.session.Refresh(ctx)
}

// Logout notifies the server (best effort), then disarms the scheduler and
// clears the token. It never redirects.
func (a *AuthClient) Logout(ctx context.Context) error {
	if token, err := a.c.session.Token(ctx); err == nil && token != "" {
		resp, err := a.c.pipeline.Send(ctx, &Request{
			Method: http.MethodPost,
			Path:   "/api/auth/logout",
			Kind:   KindAuth,
		})
		switch {
		case err != nil:
			a.c.log.Debug("logout request failed", zap.Error(err))
		case !resp.OK():
			a.c.log.Debug("logout rejected", zap.Int("status", resp.StatusCode))
		}
	}
	return a.c.session.End(ctx)
}

// Me returns the signed-in user.
func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	data, err := a.c.do(ctx, &Request{Method: http.MethodGet, Path: "/api/auth/me"})
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		User *User `json:"user"`
	}
	if json.Unmarshal(data, &wrapped) == nil && wrapped.User != nil {
		return wrapped.User, nil
	}
	return decodeJSON[User](data)
}

// ============================================================================
// ConversationsClient
// ============================================================================

// ConversationsClient lists and updates conversations.
type ConversationsClient struct{ c *Client }

// List returns the caller's conversations.
func (cc *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cc.c.do(ctx, &Request{Method: http.MethodGet, Path: "/api/conversations"})
	if err != nil {
		return nil, err
	}
	return decodeConversations(data)
}

// MarkRead marks every message in a conversation as read.
func (cc *ConversationsClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := cc.c.do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/api/conversations/" + url.PathEscape(conversationID) + "/read",
	})
	return err
}

// ============================================================================
// MessagesClient
// ============================================================================

type MessagesClient struct{ c *Client }

// UnreadCount returns the server's authoritative unread count.
func (mc *MessagesClient) UnreadCount(ctx context.Context) (int, error) {
	data, err := mc.c.do(ctx, &Request{Method: http.MethodGet, Path: "/api/messages/unread-count"})
	if err != nil {
		return 0, err
	}
	out, err := decodeJSON[struct {
		Count       *int `json:"count"`
		UnreadCount *int `json:"unreadCount"`
	}](data)
	if err != nil {
		return 0, err
	}
	switch {
	case out.Count != nil:
		return *out.Count, nil
	case out.UnreadCount != nil:
		return *out.UnreadCount, nil
	}
	return 0, fmt.Errorf("unread count response carried no count")
}

// ResyncUnread overwrites counter with the server's unread count.
func (mc *MessagesClient) ResyncUnread(ctx context.Context, counter *UnreadCounter) error {
	n, err := mc.UnreadCount(ctx)
	if err != nil {
		return err
	}
	counter.Resync(n)
	return nil
}
