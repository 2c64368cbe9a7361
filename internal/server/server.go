// Package server builds the HTTP routers for the auth and company
// services.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/agent-platform/svcauth/internal/guard"
	"github.com/agent-platform/svcauth/internal/health"
	"github.com/agent-platform/svcauth/internal/httpx"
	"github.com/agent-platform/svcauth/internal/metrics"
	"github.com/agent-platform/svcauth/internal/oauth"
	"github.com/agent-platform/svcauth/internal/observability"
	"github.com/agent-platform/svcauth/internal/session"
	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
)

// Service names, used for tracing and health reports.
const (
	AuthServiceName    = "auth-service"
	CompanyServiceName = "company-service"
)

// AuthConfig holds dependencies for the auth service router.
type AuthConfig struct {
	Service   *oauth.Service
	Validator *session.Validator
	Health    *health.Registry
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	IssuerURL string
}

// NewAuthRouter builds the issuer's router: the token, introspection
// and revocation endpoints, admin client management, user-token
// validation and the service-authenticated whoami.
func NewAuthRouter(cfg AuthConfig) http.Handler {
	logger := cfg.Logger
	admin := session.RequireAdmin(cfg.Validator, logger)
	authed := session.Authenticate(cfg.Validator, logger)
	svc := cfg.Service

	r := mux.NewRouter()
	r.Use(observability.HTTPMiddleware(AuthServiceName), requestMetrics(cfg.Metrics))

	r.Handle("/health", cfg.Health.Handler()).Methods(http.MethodGet)
	r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)
	r.Handle("/.well-known/oauth-authorization-server", oauth.HandleServerMetadata(cfg.IssuerURL)).Methods(http.MethodGet)

	r.Handle("/oauth/token", oauth.HandleToken(svc, logger)).Methods(http.MethodPost)
	r.Handle("/oauth/introspect", oauth.HandleIntrospect(svc)).Methods(http.MethodPost)
	r.Handle("/oauth/revoke", authed(oauth.HandleRevoke(svc, logger))).Methods(http.MethodPost)

	r.Handle("/oauth/clients", admin(oauth.HandleCreateClient(svc, logger))).Methods(http.MethodPost)
	r.Handle("/oauth/clients", admin(oauth.HandleListClients(svc, logger))).Methods(http.MethodGet)
	r.Handle("/oauth/clients/{clientId}", admin(oauth.HandleUpdateClient(svc, logger))).Methods(http.MethodPut)
	r.Handle("/oauth/clients/{clientId}", admin(oauth.HandleDeleteClient(svc, logger))).Methods(http.MethodDelete)

	r.Handle("/auth/validate-token", session.HandleValidateToken(cfg.Validator, logger)).Methods(http.MethodPost)
	r.Handle("/internal/whoami", oauth.ServiceMiddleware(svc, logger)(oauth.HandleWhoAmI())).Methods(http.MethodGet)

	r.NotFoundHandler = notFound()
	r.MethodNotAllowedHandler = methodNotAllowed()

	return r
}

// CompanyConfig holds dependencies for the company service router.
type CompanyConfig struct {
	Guard   *guard.Guard
	Health  *health.Registry
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewCompanyRouter builds the relying party's router. Everything except
// /health and /metrics sits behind the dual guard.
func NewCompanyRouter(cfg CompanyConfig) http.Handler {
	r := mux.NewRouter()
	r.Use(observability.HTTPMiddleware(CompanyServiceName), requestMetrics(cfg.Metrics))

	r.Handle("/health", cfg.Health.Handler()).Methods(http.MethodGet)
	r.Handle("/metrics", cfg.Metrics.Handler()).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(cfg.Guard.Middleware)

	protected.Handle("/whoami", handleWhoAmI()).Methods(http.MethodGet)
	protected.Handle("/internal/ping", guard.RequireScope("read")(handlePing())).Methods(http.MethodGet)

	r.NotFoundHandler = notFound()
	r.MethodNotAllowedHandler = methodNotAllowed()

	return r
}

func handleWhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, _ := guard.RequestPrincipal(r.Context())
		httpx.WriteJSON(w, http.StatusOK, p)
	}
}

type pingResponse struct {
	Message string `json:"message"`
	Caller  string `json:"caller"`
}

func handlePing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := pingResponse{Message: "pong"}

		if svc := guard.RequestService(r.Context()); svc != nil {
			resp.Caller = svc.ClientID
		} else if user := guard.RequestUser(r.Context()); user != nil {
			resp.Caller = user.ID
		}

		httpx.WriteJSON(w, http.StatusOK, resp)
	}
}

// requestMetrics records latency by route template so path parameters
// do not explode label cardinality.
func requestMetrics(m *metrics.Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			snoop := httpsnoop.CaptureMetrics(next, w, r)
			m.ObserveRequest(route, r.Method, snoop.Code, snoop.Duration)
		})
	}
}

func notFound() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "Not found")
	}
}

func methodNotAllowed() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HTTP server timeouts shared by both binaries.
const (
	ReadHeaderTimeout = 10 * time.Second
	ReadTimeout       = 30 * time.Second
	WriteTimeout      = 30 * time.Second
	IdleTimeout       = 120 * time.Second
)

// NewHTTPServer wraps h with the shared timeouts.
func NewHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: ReadHeaderTimeout,
		ReadTimeout:       ReadTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
	}
}
