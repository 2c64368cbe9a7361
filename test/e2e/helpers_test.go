package e2e_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agent-platform/svcauth/internal/authclient"
	"github.com/agent-platform/svcauth/internal/guard"
	"github.com/agent-platform/svcauth/internal/health"
	"github.com/agent-platform/svcauth/internal/logging"
	"github.com/agent-platform/svcauth/internal/metrics"
	"github.com/agent-platform/svcauth/internal/models"
	"github.com/agent-platform/svcauth/internal/oauth"
	"github.com/agent-platform/svcauth/internal/oauthclient"
	"github.com/agent-platform/svcauth/internal/server"
	"github.com/agent-platform/svcauth/internal/session"
	"github.com/agent-platform/svcauth/internal/state"
	"github.com/agent-platform/svcauth/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var jwtSecret = []byte("e2e-secret-0123456789abcdef0123456789")

// harness runs the auth service and a company service wired to it, each
// on its own httptest server.
type harness struct {
	AuthURL    string
	CompanyURL string
	Signer     *token.Signer
	Client     *http.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := logging.Discard()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	signer, err := token.NewSigner(jwtSecret, "ai-agent-platform", "ai-agent-platform-services")
	require.NoError(t, err)

	authMetrics := metrics.New(prometheus.NewRegistry())
	svc := oauth.NewService(st, signer, logger,
		oauth.WithMetrics(authMetrics),
		oauth.WithBcryptCost(bcrypt.MinCost),
	)

	// NewUnstartedServer so the issuer URL is known before the router.
	authTS := httptest.NewUnstartedServer(nil)
	authURL := "http://" + authTS.Listener.Addr().String()

	authTS.Config.Handler = server.NewAuthRouter(server.AuthConfig{
		Service:   svc,
		Validator: session.NewValidator(signer),
		Health:    health.New(server.AuthServiceName),
		Metrics:   authMetrics,
		Logger:    logger,
		IssuerURL: authURL,
	})
	authTS.Start()
	t.Cleanup(authTS.Close)

	// Credentials for the company service's own oauth client.
	created, err := svc.CreateClient(t.Context(), oauth.CreateClientRequest{
		ClientName: "company-service",
		Scopes:     []string{"read", "write"},
	})
	require.NoError(t, err)

	tokens, err := oauthclient.New(oauthclient.Config{
		BaseURL:      authURL,
		ClientID:     created.ClientID,
		ClientSecret: created.ClientSecret,
		Logger:       logger,
	})
	require.NoError(t, err)

	companyMetrics := metrics.New(prometheus.NewRegistry())
	companyTS := httptest.NewServer(server.NewCompanyRouter(server.CompanyConfig{
		Guard:   guard.New(tokens, authclient.New(authURL), logger, companyMetrics),
		Health:  health.New(server.CompanyServiceName),
		Metrics: companyMetrics,
		Logger:  logger,
	}))
	t.Cleanup(companyTS.Close)

	return &harness{
		AuthURL:    authURL,
		CompanyURL: companyTS.URL,
		Signer:     signer,
		Client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// userToken signs a user session token.
func (h *harness) userToken(t *testing.T, role string) string {
	t.Helper()

	raw, err := h.Signer.SignUser(models.AuthUser{
		ID:    "user-" + strings.ToLower(role),
		Email: strings.ToLower(role) + "@example.com",
		Role:  role,
	}, time.Hour)
	require.NoError(t, err)

	return raw
}

func (h *harness) adminToken(t *testing.T) string {
	return h.userToken(t, models.RoleAdmin)
}

func (h *harness) do(t *testing.T, method, rawURL, bearer string, body any) *http.Response {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, rawURL, rdr)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// decode reads resp's JSON body into a T.
func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))

	return v
}

// createClient registers a client through the admin API.
func (h *harness) createClient(t *testing.T, scopes ...string) oauth.CreatedClient {
	t.Helper()

	resp := h.do(t, http.MethodPost, h.AuthURL+"/oauth/clients", h.adminToken(t), oauth.CreateClientRequest{
		ClientName: "svc-" + strings.Join(scopes, "-"),
		Scopes:     scopes,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	return decode[oauth.CreatedClient](t, resp)
}

// formToken obtains a token with a form-encoded client_credentials grant.
func (h *harness) formToken(t *testing.T, clientID, secret, scope string) oauthclient.TokenResponse {
	t.Helper()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {clientID},
		"client_secret": {secret},
	}
	if scope != "" {
		form.Set("scope", scope)
	}

	resp, err := h.Client.PostForm(h.AuthURL+"/oauth/token", form)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return decode[oauthclient.TokenResponse](t, resp)
}

func (h *harness) introspect(t *testing.T, tok string) oauthclient.IntrospectionResponse {
	t.Helper()

	resp := h.do(t, http.MethodPost, h.AuthURL+"/oauth/introspect", "", map[string]string{"token": tok})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return decode[oauthclient.IntrospectionResponse](t, resp)
}
