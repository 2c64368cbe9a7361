// Package session validates user session tokens for the auth service.
// The relying party reaches it over POST /auth/validate-token; the
// issuer's admin middleware uses it in-process.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	apperrors "github.com/agent-platform/svcauth/internal/errors"
	"github.com/agent-platform/svcauth/internal/httpx"
	"github.com/agent-platform/svcauth/internal/models"
	"github.com/agent-platform/svcauth/internal/token"
)

// Validator checks user session tokens signed with the shared key.
type Validator struct {
	signer *token.Signer
}

// NewValidator returns a Validator backed by signer.
func NewValidator(signer *token.Signer) *Validator {
	return &Validator{signer: signer}
}

// Validate verifies raw and returns the user it names. Any failure,
// including a service token presented as a user token, yields
// ErrUnauthorized.
func (v *Validator) Validate(raw string) (*models.AuthUser, error) {
	claims, err := v.signer.ParseUser(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrUnauthorized, err)
	}

	if claims.Type != models.TokenTypeAccess {
		return nil, fmt.Errorf("%w: token type %q", apperrors.ErrUnauthorized, claims.Type)
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", apperrors.ErrUnauthorized)
	}

	return &models.AuthUser{
		ID:        claims.Subject,
		Email:     claims.Email,
		FirstName: claims.FirstName,
		LastName:  claims.LastName,
		Role:      claims.Role,
		IsActive:  true,
	}, nil
}

// UserInfo is the user block of a validate-token response.
type UserInfo struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Role      string `json:"role"`
	IsActive  bool   `json:"is_active"`
}

// ValidateResponse is the POST /auth/validate-token body.
type ValidateResponse struct {
	Success  bool      `json:"success"`
	Message  string    `json:"message"`
	Valid    bool      `json:"valid"`
	UserInfo *UserInfo `json:"user_info"`
}

type validateRequest struct {
	Token string `json:"token"`
}

// HandleValidateToken returns the POST /auth/validate-token handler. It
// always answers 200; callers read success and valid.
func HandleValidateToken(v *Validator, logger *slog.Logger) http.HandlerFunc {
	invalid := ValidateResponse{Message: "Invalid token"}

	return func(w http.ResponseWriter, r *http.Request) {
		var req validateRequest
		if err := httpx.DecodeJSON(r, &req); err != nil || req.Token == "" {
			httpx.WriteJSON(w, http.StatusOK, invalid)
			return
		}

		user, err := v.Validate(req.Token)
		if err != nil {
			logger.Debug("session: token rejected",
				slog.String("ip", httpx.RemoteIP(r)),
				slog.String("error", err.Error()),
			)
			httpx.WriteJSON(w, http.StatusOK, invalid)

			return
		}

		httpx.WriteJSON(w, http.StatusOK, ValidateResponse{
			Success: true,
			Message: "Token validated successfully",
			Valid:   true,
			UserInfo: &UserInfo{
				UserID:    user.ID,
				Email:     user.Email,
				FirstName: user.FirstName,
				LastName:  user.LastName,
				Role:      user.Role,
				IsActive:  user.IsActive,
			},
		})
	}
}

type contextKey int

const ctxUser contextKey = iota

// WithUser returns a copy of ctx carrying u.
func WithUser(ctx context.Context, u *models.AuthUser) context.Context {
	return context.WithValue(ctx, ctxUser, u)
}

// RequestUser returns the authenticated user from the context, or nil.
func RequestUser(ctx context.Context) *models.AuthUser {
	u, _ := ctx.Value(ctxUser).(*models.AuthUser)
	return u
}

// Authenticate rejects requests without a valid user session token and
// stores the user in the context.
func Authenticate(v *Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := httpx.BearerToken(r)
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "Missing bearer token")
				return
			}

			user, err := v.Validate(raw)
			if err != nil {
				logger.Debug("session: invalid session token",
					slog.String("ip", httpx.RemoteIP(r)),
					slog.String("path", r.URL.Path),
				)
				httpx.WriteError(w, http.StatusUnauthorized, "Invalid token")

				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// RequireAdmin is Authenticate plus a check for the ADMIN role.
func RequireAdmin(v *Validator, logger *slog.Logger) func(http.Handler) http.Handler {
	authenticate := Authenticate(v, logger)

	return func(next http.Handler) http.Handler {
		return authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := RequestUser(r.Context())
			if !user.IsAdmin() {
				logger.Info("session: admin role required",
					slog.String("user_id", user.ID),
					slog.String("path", r.URL.Path),
				)
				httpx.WriteError(w, http.StatusForbidden, "Insufficient permissions")

				return
			}

			next.ServeHTTP(w, r)
		}))
	}
}
