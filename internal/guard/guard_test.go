package guard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	apperrors "github.com/agent-platform/svcauth/internal/errors"
	"github.com/agent-platform/svcauth/internal/httpx"
	"github.com/agent-platform/svcauth/internal/logging"
	"github.com/agent-platform/svcauth/internal/metrics"
	"github.com/agent-platform/svcauth/internal/models"
	"github.com/agent-platform/svcauth/internal/oauthclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	introspector *MockIntrospector
	users        *MockUserValidator
	metrics      *metrics.Metrics
	guard        *Guard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	f := &fixture{
		introspector: NewMockIntrospector(ctrl),
		users:        NewMockUserValidator(ctrl),
		metrics:      metrics.New(prometheus.NewRegistry()),
	}
	f.guard = New(f.introspector, f.users, logging.Discard(), f.metrics)

	return f
}

// echo writes the resolved principal.
func echo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := RequestPrincipal(r.Context())
		if !ok {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, p)
	})
}

func serve(h http.Handler, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func assertRejected(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var body httpx.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, httpx.ErrorBody{StatusCode: 401, Message: "Invalid token", Error: "Unauthorized"}, body)
}

func TestGuard_MissingBearer(t *testing.T) {
	f := newFixture(t)

	assertRejected(t, serve(f.guard.Middleware(echo()), ""))
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.GuardDecisions.WithLabelValues("rejected")), 0)
}

func TestGuard_ActiveServiceToken(t *testing.T) {
	f := newFixture(t)

	f.introspector.EXPECT().IntrospectToken(gomock.Any(), "svc-token").
		Return(&oauthclient.IntrospectionResponse{Active: true, ClientID: "client_abc", Scope: "read write"}, nil)

	rec := serve(f.guard.Middleware(echo()), "svc-token")
	require.Equal(t, http.StatusOK, rec.Code)

	var p Principal
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, Principal{Type: TypeService, ClientID: "client_abc", Scopes: []string{"read", "write"}}, p)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.GuardDecisions.WithLabelValues(TypeService)), 0)
}

func TestGuard_InactiveFallsBackToUser(t *testing.T) {
	f := newFixture(t)
	user := &models.AuthUser{ID: "u-1", Email: "ada@example.com", Role: "USER", IsActive: true}

	gomock.InOrder(
		f.introspector.EXPECT().IntrospectToken(gomock.Any(), "user-token").
			Return(&oauthclient.IntrospectionResponse{Active: false}, nil),
		f.users.EXPECT().ValidateToken(gomock.Any(), "user-token").Return(user, nil),
	)

	rec := serve(f.guard.Middleware(echo()), "user-token")
	require.Equal(t, http.StatusOK, rec.Code)

	var p Principal
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&p))
	assert.Equal(t, TypeUser, p.Type)
	assert.Equal(t, user, p.User)
	assert.Empty(t, p.ClientID)
}

func TestGuard_IntrospectionFailureRejects(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"issuer unreachable", apperrors.ErrAPIRequest},
		{"issuer error status", &oauthclient.APIError{StatusCode: http.StatusBadGateway}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			f.introspector.EXPECT().IntrospectToken(gomock.Any(), "user-token").Return(nil, tt.err)
			f.users.EXPECT().ValidateToken(gomock.Any(), gomock.Any()).Times(0)

			assertRejected(t, serve(f.guard.Middleware(echo()), "user-token"))
			assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.GuardDecisions.WithLabelValues("rejected")), 0)
		})
	}
}

func TestGuard_UserPathFails(t *testing.T) {
	tests := []struct {
		name    string
		user    *models.AuthUser
		userErr error
	}{
		{"user rejected", nil, apperrors.ErrUnauthorized},
		{"auth service unreachable", nil, apperrors.ErrAPIRequest},
		{"inactive user", &models.AuthUser{ID: "u-2", IsActive: false}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			f.introspector.EXPECT().IntrospectToken(gomock.Any(), "tok").
				Return(&oauthclient.IntrospectionResponse{Active: false}, nil)
			f.users.EXPECT().ValidateToken(gomock.Any(), "tok").Return(tt.user, tt.userErr)

			assertRejected(t, serve(f.guard.Middleware(echo()), "tok"))
		})
	}
}

func TestGuard_ServiceTokenSkipsUserPath(t *testing.T) {
	f := newFixture(t)

	f.introspector.EXPECT().IntrospectToken(gomock.Any(), gomock.Any()).
		Return(&oauthclient.IntrospectionResponse{Active: true, ClientID: "client_abc", Scope: "read"}, nil)
	f.users.EXPECT().ValidateToken(gomock.Any(), gomock.Any()).Times(0)

	rec := serve(f.guard.Middleware(echo()), "svc")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireScope(t *testing.T) {
	f := newFixture(t)
	h := f.guard.Middleware(RequireScope("read")(echo()))

	t.Run("service with scope", func(t *testing.T) {
		f.introspector.EXPECT().IntrospectToken(gomock.Any(), "a").
			Return(&oauthclient.IntrospectionResponse{Active: true, ClientID: "c", Scope: "read"}, nil)
		assert.Equal(t, http.StatusOK, serve(h, "a").Code)
	})

	t.Run("service with wildcard", func(t *testing.T) {
		f.introspector.EXPECT().IntrospectToken(gomock.Any(), "b").
			Return(&oauthclient.IntrospectionResponse{Active: true, ClientID: "c", Scope: "*"}, nil)
		assert.Equal(t, http.StatusOK, serve(h, "b").Code)
	})

	t.Run("service without scope", func(t *testing.T) {
		f.introspector.EXPECT().IntrospectToken(gomock.Any(), "c").
			Return(&oauthclient.IntrospectionResponse{Active: true, ClientID: "c", Scope: "write"}, nil)
		assert.Equal(t, http.StatusForbidden, serve(h, "c").Code)
	})

	t.Run("user passes through", func(t *testing.T) {
		f.introspector.EXPECT().IntrospectToken(gomock.Any(), "d").
			Return(&oauthclient.IntrospectionResponse{Active: false}, nil)
		f.users.EXPECT().ValidateToken(gomock.Any(), "d").
			Return(&models.AuthUser{ID: "u", IsActive: true}, nil)
		assert.Equal(t, http.StatusOK, serve(h, "d").Code)
	})
}

func TestRequireScope_WithoutGuard(t *testing.T) {
	rec := serve(RequireScope("read")(echo()), "x")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestHelpers_EmptyContext(t *testing.T) {
	ctx := context.Background()

	assert.Nil(t, RequestService(ctx))
	assert.Nil(t, RequestUser(ctx))

	_, ok := RequestPrincipal(ctx)
	assert.False(t, ok)
}

func TestGuard_NilMetrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	intro := NewMockIntrospector(ctrl)
	users := NewMockUserValidator(ctrl)

	intro.EXPECT().IntrospectToken(gomock.Any(), "x").Return(nil, errors.New("boom"))
	users.EXPECT().ValidateToken(gomock.Any(), gomock.Any()).Times(0)

	g := New(intro, users, logging.Discard(), nil)
	assertRejected(t, serve(g.Middleware(echo()), "x"))
}
