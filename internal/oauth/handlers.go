package oauth

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	apperrors "github.com/agent-platform/svcauth/internal/errors"
	"github.com/agent-platform/svcauth/internal/httpx"
	"github.com/agent-platform/svcauth/internal/session"
	"github.com/gorilla/mux"
)

// tokenErrorBody is the token endpoint error: the shared envelope with
// the RFC 6749 error code in place of the status text.
type tokenErrorBody struct {
	StatusCode       int    `json:"statusCode"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func writeTokenError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Cache-Control", "no-store")
	httpx.WriteJSON(w, status, tokenErrorBody{
		StatusCode:       status,
		Message:          message,
		Error:            code,
		ErrorDescription: message,
	})
}

// writeError maps a service error onto the JSON error envelope.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, apperrors.ErrValidation):
		httpx.WriteError(w, http.StatusBadRequest, strings.TrimSuffix(err.Error(), ": "+apperrors.ErrValidation.Error()))
	case errors.Is(err, apperrors.ErrInvalidGrant):
		httpx.WriteError(w, http.StatusBadRequest, "Invalid grant type")
	case errors.Is(err, apperrors.ErrInvalidClient):
		httpx.WriteError(w, http.StatusUnauthorized, msgInvalidCredentials)
	case errors.Is(err, apperrors.ErrUnauthorized):
		httpx.WriteError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, apperrors.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "Insufficient permissions")
	case errors.Is(err, apperrors.ErrNotFound):
		httpx.WriteError(w, http.StatusNotFound, "Client credential not found")
	case errors.Is(err, apperrors.ErrConflict):
		httpx.WriteError(w, http.StatusConflict, "Client credential already exists")
	default:
		logger.Error("oauth: request failed", slog.String("error", err.Error()))
		httpx.WriteError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// parseTokenRequest reads a grant from JSON or form bodies and applies
// HTTP Basic client authentication when present. usedBasic reports
// whether the Authorization header carried the credentials.
func parseTokenRequest(r *http.Request) (req TokenRequest, usedBasic bool, err error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "application/json" {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			return req, false, fmt.Errorf("invalid request body")
		}
	} else {
		r.Body = http.MaxBytesReader(nil, r.Body, httpx.MaxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return req, false, fmt.Errorf("invalid form data")
		}

		req = TokenRequest{
			GrantType:    r.PostFormValue("grant_type"),
			ClientID:     r.PostFormValue("client_id"),
			ClientSecret: r.PostFormValue("client_secret"),
			Scope:        r.PostFormValue("scope"),
		}
	}

	user, pass, ok := r.BasicAuth()
	if !ok {
		return req, false, nil
	}

	// RFC 6749 section 2.3.1: both parts are form-urlencoded.
	id, err := url.QueryUnescape(user)
	if err != nil {
		return req, true, fmt.Errorf("invalid basic credentials")
	}

	secret, err := url.QueryUnescape(pass)
	if err != nil {
		return req, true, fmt.Errorf("invalid basic credentials")
	}

	if req.ClientID != "" && req.ClientID != id {
		return req, true, fmt.Errorf("client_id does not match basic credentials")
	}

	req.ClientID = id
	req.ClientSecret = secret

	return req, true, nil
}

// HandleToken returns the POST /oauth/token handler.
func HandleToken(svc *Service, logger *slog.Logger) http.HandlerFunc {
	limiter := newClientAuthLimiter(svc.now)

	return func(w http.ResponseWriter, r *http.Request) {
		ip := httpx.RemoteIP(r)

		if wait := limiter.lockedFor(ip); wait > 0 {
			svc.metrics.TokenFailed("rate_limited")
			logger.Warn("oauth: token request rate limited",
				slog.String("ip", ip),
				slog.Duration("retry_after", wait),
			)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			writeTokenError(w, http.StatusTooManyRequests, "temporarily_unavailable", "Too many failed attempts, try again later")

			return
		}

		req, usedBasic, err := parseTokenRequest(r)
		if err != nil {
			writeTokenError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		resp, err := svc.IssueToken(r.Context(), req)

		switch {
		case errors.Is(err, apperrors.ErrInvalidGrant):
			writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "Invalid grant type")
			return
		case errors.Is(err, apperrors.ErrInvalidClient):
			limiter.fail(ip)
			logger.Info("oauth: client authentication failed",
				slog.String("client_id", req.ClientID),
				slog.String("ip", ip),
			)

			if usedBasic {
				w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
			}

			writeTokenError(w, http.StatusUnauthorized, "invalid_client", msgInvalidCredentials)

			return
		case err != nil:
			logger.Error("oauth: issuing token failed",
				slog.String("client_id", req.ClientID),
				slog.String("error", err.Error()),
			)
			writeTokenError(w, http.StatusInternalServerError, "server_error", "Internal server error")

			return
		}

		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		httpx.WriteJSON(w, http.StatusOK, resp)
	}
}

type tokenBody struct {
	Token  string `json:"token"`
	Reason string `json:"reason,omitempty"`
}

// readTokenBody accepts {"token": ...} as JSON or token=... as a form.
func readTokenBody(r *http.Request) (tokenBody, error) {
	var body tokenBody

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/x-www-form-urlencoded" {
		r.Body = http.MaxBytesReader(nil, r.Body, httpx.MaxBodyBytes)
		if err := r.ParseForm(); err != nil {
			return body, err
		}

		body.Token = r.PostFormValue("token")
		body.Reason = r.PostFormValue("reason")

		return body, nil
	}

	err := httpx.DecodeJSON(r, &body)

	return body, err
}

// HandleIntrospect returns the POST /oauth/introspect handler. It
// always answers 200.
func HandleIntrospect(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")

		body, err := readTokenBody(r)
		if err != nil || body.Token == "" {
			svc.metrics.Introspected(false)
			httpx.WriteJSON(w, http.StatusOK, IntrospectionResponse{Active: false})

			return
		}

		httpx.WriteJSON(w, http.StatusOK, svc.Introspect(r.Context(), body.Token))
	}
}

// HandleRevoke returns the POST /oauth/revoke handler. It must sit
// behind session.Authenticate; the admin check happens in the service.
func HandleRevoke(svc *Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readTokenBody(r)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		resp, err := svc.RevokeToken(r.Context(), session.RequestUser(r.Context()), body.Token, body.Reason)
		if errors.Is(err, apperrors.ErrNotFound) {
			httpx.WriteError(w, http.StatusBadRequest, "Token not found")
			return
		}

		if err != nil {
			writeError(w, logger, err)
			return
		}

		httpx.WriteJSON(w, http.StatusOK, resp)
	}
}

// HandleCreateClient returns the POST /oauth/clients handler.
func HandleCreateClient(svc *Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateClientRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		created, err := svc.CreateClient(r.Context(), req)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		httpx.WriteJSON(w, http.StatusCreated, created)
	}
}

// HandleListClients returns the GET /oauth/clients handler.
func HandleListClients(svc *Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clients, err := svc.ListClients(r.Context())
		if err != nil {
			writeError(w, logger, err)
			return
		}

		httpx.WriteJSON(w, http.StatusOK, clients)
	}
}

// HandleUpdateClient returns the PUT /oauth/clients/{clientId} handler.
func HandleUpdateClient(svc *Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req UpdateClientRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}

		updated, err := svc.UpdateClient(r.Context(), mux.Vars(r)["clientId"], req)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		httpx.WriteJSON(w, http.StatusOK, updated)
	}
}

// HandleDeleteClient returns the DELETE /oauth/clients/{clientId} handler.
func HandleDeleteClient(svc *Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := svc.DeleteClient(r.Context(), mux.Vars(r)["clientId"])
		if err != nil {
			writeError(w, logger, err)
			return
		}

		httpx.WriteJSON(w, http.StatusOK, resp)
	}
}

// ServerMetadata is the RFC 8414 response.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// HandleServerMetadata returns the /.well-known/oauth-authorization-server handler.
func HandleServerMetadata(issuerURL string) http.HandlerFunc {
	meta := ServerMetadata{
		Issuer:                            issuerURL,
		TokenEndpoint:                     issuerURL + "/oauth/token",
		IntrospectionEndpoint:             issuerURL + "/oauth/introspect",
		RevocationEndpoint:                issuerURL + "/oauth/revoke",
		ResponseTypesSupported:            []string{},
		GrantTypesSupported:               []string{GrantClientCredentials},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post", "client_secret_basic"},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		httpx.WriteJSON(w, http.StatusOK, meta)
	}
}

// HandleWhoAmI echoes the calling service. It must sit behind
// ServiceMiddleware.
func HandleWhoAmI() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, RequestService(r.Context()))
	}
}
