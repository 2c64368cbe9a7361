package oauth

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/agent-platform/svcauth/internal/httpx"
	"github.com/agent-platform/svcauth/internal/models"
)

type contextKey int

const ctxService contextKey = iota

// RequestService returns the calling service from the context, or nil.
func RequestService(ctx context.Context) *models.ServicePrincipal {
	p, _ := ctx.Value(ctxService).(*models.ServicePrincipal)
	return p
}

// ServiceMiddleware admits requests bearing an active service token and
// stores the calling service in the context. It checks the ledger
// directly rather than going over HTTP.
func ServiceMiddleware(svc *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := httpx.BearerToken(r)
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "Missing bearer token")
				return
			}

			v := svc.ValidateServiceToken(r.Context(), raw)
			if !v.Valid {
				logger.Debug("oauth: service token rejected",
					slog.String("reason", v.Message),
					slog.String("ip", httpx.RemoteIP(r)),
					slog.String("path", r.URL.Path),
				)
				httpx.WriteError(w, http.StatusUnauthorized, v.Message)

				return
			}

			ctx := context.WithValue(r.Context(), ctxService, &models.ServicePrincipal{
				ClientID:   v.ClientID,
				ClientName: v.ClientName,
				Scopes:     v.Scopes,
			})

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
