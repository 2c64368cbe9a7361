package oauthclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agent-platform/svcauth/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeIssuer struct {
	tokenCalls atomic.Int32
	expiresIn  int
	lastScope  atomic.Value
	status     int
	active     map[string]bool
	gate       chan struct{}
}

func (f *fakeIssuer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		if f.gate != nil {
			<-f.gate
		}

		n := f.tokenCalls.Add(1)
		f.lastScope.Store(req.Scope)

		if f.status != 0 {
			w.WriteHeader(f.status)
			_, _ = w.Write([]byte(`{"statusCode":401,"message":"Invalid client credentials","error":"invalid_client"}`))
			return
		}

		if req.GrantType != "client_credentials" || req.ClientID != "client_abc" || req.ClientSecret != "s3cret" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		_ = json.NewEncoder(w).Encode(TokenResponse{
			AccessToken: "tok-" + string(rune('0'+n)),
			TokenType:   "Bearer",
			ExpiresIn:   f.expiresIn,
			Scope:       req.Scope,
		})
	})

	mux.HandleFunc("POST /oauth/introspect", func(w http.ResponseWriter, r *http.Request) {
		var req introspectRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		if f.active[req.Token] {
			_ = json.NewEncoder(w).Encode(IntrospectionResponse{Active: true, ClientID: "client_abc", Scope: "read"})
			return
		}
		_ = json.NewEncoder(w).Encode(IntrospectionResponse{Active: false})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

func newTestClient(t *testing.T, issuer *fakeIssuer) (*Client, *fakeClock) {
	t.Helper()

	srv := httptest.NewServer(issuer.handler())
	t.Cleanup(srv.Close)

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	c, err := New(Config{
		BaseURL:      srv.URL + "/",
		ClientID:     "client_abc",
		ClientSecret: "s3cret",
		Logger:       logging.Discard(),
		Now:          clock.Now,
	})
	require.NoError(t, err)

	return c, clock
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(Config{ClientID: "a", ClientSecret: "b"})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "http://x"})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "http://x/", ClientID: "a", ClientSecret: "b"})
	require.NoError(t, err)
	assert.Equal(t, "http://x", c.baseURL)
	assert.Equal(t, DefaultScope, c.scope)
	assert.Equal(t, DefaultTimeout, c.timeout)
}

func TestGetAccessToken_CachesUntilRenewalBuffer(t *testing.T) {
	issuer := &fakeIssuer{expiresIn: 3600}
	c, clock := newTestClient(t, issuer)
	ctx := context.Background()

	first, err := c.GetAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", first)
	assert.Equal(t, "read write", issuer.lastScope.Load())

	clock.Advance(3539 * time.Second)
	again, err := c.GetAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.EqualValues(t, 1, issuer.tokenCalls.Load())

	clock.Advance(2 * time.Second)
	renewed, err := c.GetAccessToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", renewed)
	assert.EqualValues(t, 2, issuer.tokenCalls.Load())
}

func TestGetAccessToken_ConcurrentMissesShareOneFetch(t *testing.T) {
	issuer := &fakeIssuer{expiresIn: 3600, gate: make(chan struct{})}
	c, _ := newTestClient(t, issuer)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]string, callers)

	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := c.GetAccessToken(context.Background())
			assert.NoError(t, err)
			results[i] = tok
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(issuer.gate)
	wg.Wait()

	for _, tok := range results {
		assert.Equal(t, "tok-1", tok)
	}
	assert.EqualValues(t, 1, issuer.tokenCalls.Load())
}

func TestGetAccessToken_IssuerRejects(t *testing.T) {
	issuer := &fakeIssuer{expiresIn: 3600, status: http.StatusUnauthorized}
	c, _ := newTestClient(t, issuer)

	_, err := c.GetAccessToken(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "Invalid client credentials", apiErr.Message)
	assert.False(t, c.HasValidToken())
}

func TestClearCachedToken(t *testing.T) {
	issuer := &fakeIssuer{expiresIn: 3600}
	c, clock := newTestClient(t, issuer)

	_, err := c.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.True(t, c.HasValidToken())
	assert.Equal(t, clock.Now().Add(time.Hour), c.TokenExpiry())

	c.ClearCachedToken()
	assert.False(t, c.HasValidToken())
	assert.True(t, c.TokenExpiry().IsZero())

	tok, err := c.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestIntrospectToken(t *testing.T) {
	issuer := &fakeIssuer{expiresIn: 3600, active: map[string]bool{"good": true}}
	c, _ := newTestClient(t, issuer)
	ctx := context.Background()

	resp, err := c.IntrospectToken(ctx, "good")
	require.NoError(t, err)
	assert.True(t, resp.Active)
	assert.Equal(t, "client_abc", resp.ClientID)

	resp, err = c.IntrospectToken(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, resp.Active)

	assert.True(t, c.ValidateToken(ctx, "good"))
	assert.False(t, c.ValidateToken(ctx, "bad"))
}

func TestIntrospectToken_IssuerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	c, err := New(Config{BaseURL: srv.URL, ClientID: "a", ClientSecret: "b", Logger: logging.Discard()})
	require.NoError(t, err)

	_, err = c.IntrospectToken(context.Background(), "anything")
	assert.Error(t, err)
	assert.False(t, c.ValidateToken(context.Background(), "anything"))
	assert.Error(t, c.HealthCheck(context.Background()))
}

func TestHealthCheck(t *testing.T) {
	c, _ := newTestClient(t, &fakeIssuer{expiresIn: 3600})
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestTransport_AttachesBearerAndClearsOn401(t *testing.T) {
	issuer := &fakeIssuer{expiresIn: 3600}
	c, _ := newTestClient(t, issuer)

	var seen atomic.Value
	reject := atomic.Bool{}

	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		if reject.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(target.Close)

	hc := c.HTTPClient()

	resp, err := hc.Get(target.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer tok-1", seen.Load())
	assert.True(t, c.HasValidToken())

	reject.Store(true)
	resp, err = hc.Get(target.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, c.HasValidToken())
}

type closeTracker struct {
	*strings.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestTransport_ClosesBodyWhenTokenUnavailable(t *testing.T) {
	issuer := &fakeIssuer{expiresIn: 3600, status: http.StatusUnauthorized}
	c, _ := newTestClient(t, issuer)

	body := &closeTracker{Reader: strings.NewReader(`{"a":1}`)}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "http://peer.invalid/data", body)
	require.NoError(t, err)

	resp, err := c.Transport(nil).RoundTrip(req)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.True(t, body.closed)
}
