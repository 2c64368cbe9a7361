// Package guard protects relying-party endpoints. A bearer token is
// accepted if the issuer reports it as an active service token, or
// failing that, if the auth service accepts it as a user session.
package guard

//go:generate mockgen -source=guard.go -destination=mocks_test.go -package=guard

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agent-platform/svcauth/internal/httpx"
	"github.com/agent-platform/svcauth/internal/metrics"
	"github.com/agent-platform/svcauth/internal/models"
	"github.com/agent-platform/svcauth/internal/oauthclient"
)

// Principal types.
const (
	TypeService = "service"
	TypeUser    = "user"
)

// Introspector asks the issuer whether a service token is active.
type Introspector interface {
	IntrospectToken(ctx context.Context, token string) (*oauthclient.IntrospectionResponse, error)
}

// UserValidator resolves a user session token.
type UserValidator interface {
	ValidateToken(ctx context.Context, token string) (*models.AuthUser, error)
}

// Principal is the caller resolved by the guard.
type Principal struct {
	Type     string           `json:"type"`
	ClientID string           `json:"client_id,omitempty"`
	Scopes   []string         `json:"scopes,omitempty"`
	User     *models.AuthUser `json:"user,omitempty"`
}

type contextKey int

const (
	serviceKey contextKey = iota
	userKey
)

// Guard is the dual service/user authentication middleware.
type Guard struct {
	introspector Introspector
	users        UserValidator
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// New returns a Guard. m may be nil.
func New(introspector Introspector, users UserValidator, logger *slog.Logger, m *metrics.Metrics) *Guard {
	return &Guard{
		introspector: introspector,
		users:        users,
		logger:       logger,
		metrics:      m,
	}
}

// Middleware rejects requests whose bearer token is neither an active
// service token nor a valid user session. The user path is tried only
// after the issuer reports the token inactive; if introspection fails
// the request is rejected. Every rejection carries the same body.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := httpx.BearerToken(r)
		if !ok {
			g.reject(w, "missing bearer token")
			return
		}

		ctx := r.Context()

		svc, err := g.service(ctx, raw)
		if err != nil {
			g.logger.Warn("guard: introspection failed", slog.String("error", err.Error()))
			g.reject(w, "introspection unavailable")

			return
		}

		if svc != nil {
			g.metrics.GuardDecision(TypeService)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, serviceKey, svc)))

			return
		}

		user, err := g.users.ValidateToken(ctx, raw)
		if err != nil {
			g.reject(w, err.Error())
			return
		}

		if !user.IsActive {
			g.reject(w, "user inactive")
			return
		}

		g.metrics.GuardDecision(TypeUser)
		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userKey, user)))
	})
}

// service returns the principal for an active service token, nil for
// an inactive one, or an error when the issuer could not answer.
func (g *Guard) service(ctx context.Context, raw string) (*models.ServicePrincipal, error) {
	resp, err := g.introspector.IntrospectToken(ctx, raw)
	if err != nil {
		return nil, err
	}

	if resp == nil || !resp.Active {
		return nil, nil
	}

	return &models.ServicePrincipal{
		ClientID: resp.ClientID,
		Scopes:   strings.Fields(resp.Scope),
	}, nil
}

func (g *Guard) reject(w http.ResponseWriter, reason string) {
	g.metrics.GuardDecision("rejected")
	g.logger.Debug("guard: request rejected", slog.String("reason", reason))
	httpx.WriteError(w, http.StatusUnauthorized, "Invalid token")
}

// RequestService returns the service principal, or nil for user callers.
func RequestService(ctx context.Context) *models.ServicePrincipal {
	p, _ := ctx.Value(serviceKey).(*models.ServicePrincipal)
	return p
}

// RequestUser returns the user principal, or nil for service callers.
func RequestUser(ctx context.Context) *models.AuthUser {
	u, _ := ctx.Value(userKey).(*models.AuthUser)
	return u
}

// RequestPrincipal describes whichever caller the guard admitted.
func RequestPrincipal(ctx context.Context) (Principal, bool) {
	if svc := RequestService(ctx); svc != nil {
		return Principal{Type: TypeService, ClientID: svc.ClientID, Scopes: svc.Scopes}, true
	}

	if user := RequestUser(ctx); user != nil {
		return Principal{Type: TypeUser, User: user}, true
	}

	return Principal{}, false
}

// RequireScope admits service callers holding scope or the wildcard.
// User callers pass through. It must sit behind Guard.Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if svc := RequestService(r.Context()); svc != nil && !svc.HasScope(scope) {
				httpx.WriteError(w, http.StatusForbidden, "Insufficient scope")
				return
			}

			if RequestService(r.Context()) == nil && RequestUser(r.Context()) == nil {
				httpx.WriteError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
