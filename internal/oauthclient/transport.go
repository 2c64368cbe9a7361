package oauthclient

import (
	"fmt"
	"net/http"

	"github.com/agent-platform/svcauth/internal/observability"
)

// bearerTransport attaches the cached access token to outbound
// requests. A 401 from the callee drops the cached token.
type bearerTransport struct {
	base   http.RoundTripper
	client *Client
}

// Transport wraps base so every request carries this service's bearer
// token. A nil base uses the instrumented default transport.
func (c *Client) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = observability.Transport(nil)
	}
	return &bearerTransport{base: base, client: c}
}

// HTTPClient returns an http.Client that authenticates as this service.
func (c *Client) HTTPClient() *http.Client {
	return &http.Client{
		Timeout:   c.timeout,
		Transport: c.Transport(c.httpClient.Transport),
	}
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tok, err := t.client.GetAccessToken(req.Context())
	if err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, fmt.Errorf("authenticating request: %w", err)
	}

	out := req.Clone(req.Context())
	out.Header.Set("Authorization", "Bearer "+tok)

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		t.client.ClearCachedToken()
	}

	return resp, nil
}
