// Package authclient validates user session tokens against the auth
// service's POST /auth/validate-token endpoint.
package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/agent-platform/svcauth/internal/errors"
	"github.com/agent-platform/svcauth/internal/models"
	"github.com/agent-platform/svcauth/internal/observability"
	"github.com/tidwall/gjson"
)

// DefaultTimeout bounds a validation call.
const DefaultTimeout = 5 * time.Second

const maxResponseBytes = 1 << 20

// Client calls the auth service's user-token validation endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a Client for the auth service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: observability.Transport(nil),
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ValidateToken returns the user behind token. A token the auth service
// rejects yields ErrUnauthorized; transport failures and unexpected
// answers yield ErrAPIRequest or ErrAPIResponse.
func (c *Client) ValidateToken(ctx context.Context, token string) (*models.AuthUser, error) {
	payload, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/validate-token", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, apperrors.ErrUnauthorized
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", apperrors.ErrAPIResponse, resp.StatusCode)
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: malformed JSON", apperrors.ErrAPIResponse)
	}

	result := gjson.ParseBytes(body)
	if !result.Get("success").Bool() || !result.Get("valid").Bool() {
		return nil, apperrors.ErrUnauthorized
	}

	info := result.Get("user_info")
	if !info.IsObject() || info.Get("user_id").String() == "" {
		return nil, fmt.Errorf("%w: missing user_info", apperrors.ErrAPIResponse)
	}

	return &models.AuthUser{
		ID:        info.Get("user_id").String(),
		Email:     info.Get("email").String(),
		FirstName: info.Get("first_name").String(),
		LastName:  info.Get("last_name").String(),
		Role:      info.Get("role").String(),
		IsActive:  info.Get("is_active").Bool(),
	}, nil
}
