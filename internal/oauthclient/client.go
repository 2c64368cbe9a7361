// Package oauthclient is the relying-party side of the client
// credentials grant. A Client caches this service's own access token
// until shortly before expiry and introspects inbound tokens against
// the issuer.
package oauthclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "github.com/agent-platform/svcauth/internal/errors"
	"github.com/agent-platform/svcauth/internal/metrics"
	"github.com/agent-platform/svcauth/internal/observability"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultScope is requested when Config.Scope is empty.
	DefaultScope = "read write"

	// DefaultTimeout bounds every call to the issuer.
	DefaultTimeout = 10 * time.Second

	// renewalBuffer is how long before expiry a cached token is replaced.
	renewalBuffer = 60 * time.Second

	// maxResponseBytes caps issuer response bodies.
	maxResponseBytes = 1 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Scope        string

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration

	// HTTPClient overrides the client used to reach the issuer.
	HTTPClient *http.Client

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Now defaults to time.Now.
	Now func() time.Time
}

// Client obtains and caches this service's access token and calls the
// issuer's introspection endpoint. Construct one per process and share
// it; it is safe for concurrent use.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	scope        string
	timeout      time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	refresh singleflight.Group
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("oauthclient: base URL is required")
	}

	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("oauthclient: client credentials not configured")
	}

	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		scope:        cfg.Scope,
		timeout:      cfg.Timeout,
		httpClient:   cfg.HTTPClient,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		now:          cfg.Now,
	}

	if c.scope == "" {
		c.scope = DefaultScope
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:   c.timeout,
			Transport: observability.Transport(nil),
		}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}

	return c, nil
}

// GetAccessToken returns the cached token while it has more than a
// minute left, otherwise fetches a new one. Concurrent misses share a
// single request.
func (c *Client) GetAccessToken(ctx context.Context) (string, error) {
	if tok, ok := c.cached(); ok {
		return tok, nil
	}

	v, err, _ := c.refresh.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited.
		if tok, ok := c.cached(); ok {
			return tok, nil
		}
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}

	return v.(string), nil
}

func (c *Client) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt.Add(-renewalBuffer)) {
		return c.token, true
	}

	return "", false
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	var resp TokenResponse

	err := c.post(ctx, "/oauth/token", tokenRequest{
		GrantType:    "client_credentials",
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Scope:        c.scope,
	}, &resp)
	if err != nil {
		c.metrics.TokenRefreshed(false)
		c.logger.Error("oauthclient: obtaining token failed", slog.String("error", err.Error()))

		return "", fmt.Errorf("obtaining access token: %w", err)
	}

	if resp.AccessToken == "" {
		c.metrics.TokenRefreshed(false)
		return "", fmt.Errorf("obtaining access token: %w: empty access_token", apperrors.ErrAPIResponse)
	}

	expiresAt := c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)

	c.mu.Lock()
	c.token = resp.AccessToken
	c.expiresAt = expiresAt
	c.mu.Unlock()

	c.metrics.TokenRefreshed(true)
	c.logger.Debug("oauthclient: token refreshed",
		slog.String("client_id", c.clientID),
		slog.Time("expires_at", expiresAt),
	)

	return resp.AccessToken, nil
}

// IntrospectToken asks the issuer about token. Transport failures and
// non-200 answers are errors; callers must treat them as inactive.
func (c *Client) IntrospectToken(ctx context.Context, token string) (*IntrospectionResponse, error) {
	var resp IntrospectionResponse
	if err := c.post(ctx, "/oauth/introspect", introspectRequest{Token: token}, &resp); err != nil {
		return nil, fmt.Errorf("introspecting token: %w", err)
	}
	return &resp, nil
}

// ValidateToken reports whether token is active. Any error is false.
func (c *Client) ValidateToken(ctx context.Context, token string) bool {
	resp, err := c.IntrospectToken(ctx, token)
	if err != nil {
		c.logger.Warn("oauthclient: validation failed", slog.String("error", err.Error()))
		return false
	}
	return resp.Active
}

// ClearCachedToken drops the cached token so the next call refetches.
func (c *Client) ClearCachedToken() {
	c.mu.Lock()
	c.token = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// TokenExpiry returns the cached token's expiry, or the zero time.
func (c *Client) TokenExpiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expiresAt
}

// HasValidToken reports whether a cached token exists and has not
// expired. It ignores the renewal buffer.
func (c *Client) HasValidToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != "" && c.now().Before(c.expiresAt)
}

// HealthCheck reports whether the issuer's /health answers 200.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode}
	}

	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w: %w", endpoint, apperrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    gjson.GetBytes(respBody, "message").String(),
		}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("decoding response from %s: %w: %w", endpoint, apperrors.ErrAPIResponse, err)
	}

	return nil
}
