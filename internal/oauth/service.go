// Package oauth implements the client credentials issuer: token
// issuance, introspection, revocation and client credential
// management, plus the HTTP handlers that expose them.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agent-platform/svcauth/internal/config"
	apperrors "github.com/agent-platform/svcauth/internal/errors"
	"github.com/agent-platform/svcauth/internal/logging"
	"github.com/agent-platform/svcauth/internal/metrics"
	"github.com/agent-platform/svcauth/internal/models"
	"github.com/agent-platform/svcauth/internal/token"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// GrantClientCredentials is the only supported grant type.
	GrantClientCredentials = "client_credentials"

	// DefaultBcryptCost is the work factor for client secret hashes.
	DefaultBcryptCost = 12

	// DefaultTokenTTL is the lifetime of an issued service token.
	DefaultTokenTTL = time.Hour

	clientIDPrefix = "client_"

	reasonAdminRevoked  = "Admin revoked"
	reasonClientDeleted = "Client credential deleted"
)

// Messages returned by ValidateServiceToken.
const (
	MsgValid              = "Token is valid"
	MsgInvalidToken       = "Invalid token"
	MsgInvalidTokenType   = "Invalid token type"
	MsgRevokedOrExpired   = "Token revoked or expired"
	MsgCredentialInvalid  = "Client credential invalid"
	msgInvalidCredentials = "Invalid client credentials"
)

// defaultScopes are granted to a new client that asks for none.
var defaultScopes = []string{"read"}

// TokenRequest is the input of the client credentials grant.
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope,omitempty"`
}

// TokenResponse is a successful grant.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// IntrospectionResponse follows RFC 7662. Inactive responses carry only
// active:false.
type IntrospectionResponse struct {
	Active   bool   `json:"active"`
	ClientID string `json:"client_id,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Exp      int64  `json:"exp,omitempty"`
	Iat      int64  `json:"iat,omitempty"`
	Nbf      int64  `json:"nbf,omitempty"`
	Sub      string `json:"sub,omitempty"`
	Aud      string `json:"aud,omitempty"`
	Iss      string `json:"iss,omitempty"`
	Jti      string `json:"jti,omitempty"`
}

// ServiceTokenValidation is the in-process form of introspection with
// a reason for rejections.
type ServiceTokenValidation struct {
	Valid      bool     `json:"valid"`
	Message    string   `json:"message"`
	ClientID   string   `json:"client_id,omitempty"`
	ClientName string   `json:"client_name,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
}

// MessageResponse is a plain acknowledgement body.
type MessageResponse struct {
	Message string `json:"message"`
}

// Option configures a Service.
type Option func(*Service)

// WithTTL sets the lifetime of issued tokens.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithClock replaces time.Now. Pass the same clock to the token.Signer.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithBcryptCost sets the work factor used for new client secrets.
func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.cost = cost }
}

// WithMetrics records issuance, introspection and revocation counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service is the issuer. It is safe for concurrent use.
type Service struct {
	store   Store
	signer  *token.Signer
	logger  *slog.Logger
	metrics *metrics.Metrics
	ttl     time.Duration
	cost    int
	now     func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

// NewService returns an issuer backed by store and signer.
func NewService(store Store, signer *token.Signer, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		signer: signer,
		logger: logger,
		ttl:    DefaultTokenTTL,
		cost:   DefaultBcryptCost,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Ping reports whether the backing store answers. Stores without a
// Ping method are assumed healthy.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// IssueToken runs the client credentials grant.
func (s *Service) IssueToken(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.GrantType != GrantClientCredentials {
		s.metrics.TokenFailed("invalid_grant")
		return nil, fmt.Errorf("grant type %q: %w", req.GrantType, apperrors.ErrInvalidGrant)
	}

	c, err := s.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	now := s.now()

	if err := s.store.TouchClient(ctx, c.ClientID, now); err != nil {
		s.logger.Warn("oauth: updating last_used_at failed",
			slog.String("client_id", c.ClientID),
			slog.String("error", err.Error()),
		)
	}

	scopes := strings.Fields(req.Scope)
	if len(scopes) == 0 {
		scopes = c.Scopes
	}

	raw, claims, err := s.signer.SignService(c.ClientID, scopes, s.ttl)
	if err != nil {
		return nil, err
	}

	hash := token.Hash(raw)

	err = s.store.SaveToken(ctx, &models.ServiceToken{
		ID:        uuid.NewString(),
		TokenHash: hash,
		ClientID:  c.ClientID,
		Scopes:    scopes,
		ExpiresAt: claims.ExpiresAt.Time,
		CreatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("recording token: %w", err)
	}

	s.metrics.TokenIssued()
	s.logger.Info("oauth: token issued",
		slog.String("client_id", c.ClientID),
		slog.String("scope", strings.Join(scopes, " ")),
		logging.TokenRef(hash),
	)

	return &TokenResponse{
		AccessToken: raw,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.ttl.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// authenticateClient checks the client and its secret. Every failure
// returns the same ErrInvalidClient so callers cannot enumerate ids.
func (s *Service) authenticateClient(ctx context.Context, clientID, secret string) (*models.ClientCredential, error) {
	invalid := fmt.Errorf("%s: %w", msgInvalidCredentials, apperrors.ErrInvalidClient)

	if clientID == "" || secret == "" {
		s.metrics.TokenFailed("invalid_client")
		return nil, invalid
	}

	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("looking up client: %w", err)
	}

	if c == nil || !c.IsValid(s.now()) {
		// Burn a comparison so unknown ids cost the same as bad secrets.
		_ = bcrypt.CompareHashAndPassword(s.dummySecretHash(), []byte(secret))
		s.metrics.TokenFailed("invalid_client")

		return nil, invalid
	}

	if err := bcrypt.CompareHashAndPassword([]byte(c.ClientSecretHash), []byte(secret)); err != nil {
		s.metrics.TokenFailed("invalid_client")
		return nil, invalid
	}

	return c, nil
}

func (s *Service) dummySecretHash() []byte {
	s.dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte(RandomHex(16)), s.cost)
		if err != nil {
			panic("bcrypt failed: " + err.Error())
		}
		s.dummyHash = h
	})
	return s.dummyHash
}

// verification is the outcome of checking a presented service token.
type verification struct {
	claims *token.ServiceClaims
	client *models.ClientCredential
	reason string
}

// verify runs the full service-token check: signature and expiry,
// type claim, ledger row, then the owning credential. A non-empty
// reason means the token must be treated as inactive.
func (s *Service) verify(ctx context.Context, raw string) verification {
	claims, err := s.signer.ParseService(raw)
	if err != nil {
		return verification{reason: MsgInvalidToken}
	}

	if claims.Type != models.TokenTypeService {
		return verification{reason: MsgInvalidTokenType}
	}

	hash := token.Hash(raw)

	row, err := s.store.GetToken(ctx, hash)
	if err != nil {
		s.logger.Error("oauth: ledger lookup failed",
			logging.TokenRef(hash),
			slog.String("error", err.Error()),
		)
		return verification{reason: MsgInvalidToken}
	}

	now := s.now()

	if row == nil || !row.IsValid(now) || row.ClientID != claims.ClientID {
		return verification{reason: MsgRevokedOrExpired}
	}

	c, err := s.store.GetClient(ctx, claims.ClientID)
	if err != nil {
		s.logger.Error("oauth: client lookup failed",
			slog.String("client_id", claims.ClientID),
			slog.String("error", err.Error()),
		)
		return verification{reason: MsgInvalidToken}
	}

	if c == nil || !c.IsValid(now) {
		return verification{reason: MsgCredentialInvalid}
	}

	return verification{claims: claims, client: c}
}

// Introspect reports whether raw is an active service token. It never
// fails: any problem, including store errors, yields active:false.
func (s *Service) Introspect(ctx context.Context, raw string) IntrospectionResponse {
	v := s.verify(ctx, raw)
	if v.reason != "" {
		s.metrics.Introspected(false)
		return IntrospectionResponse{Active: false}
	}

	s.metrics.Introspected(true)

	c := v.claims
	resp := IntrospectionResponse{
		Active:   true,
		ClientID: c.ClientID,
		Scope:    strings.Join(c.Scopes, " "),
		Sub:      c.Subject,
		Aud:      strings.Join(c.Audience, " "),
		Iss:      c.Issuer,
		Jti:      c.ID,
	}

	if c.ExpiresAt != nil {
		resp.Exp = c.ExpiresAt.Unix()
	}
	if c.IssuedAt != nil {
		resp.Iat = c.IssuedAt.Unix()
	}
	if c.NotBefore != nil {
		resp.Nbf = c.NotBefore.Unix()
	}

	return resp
}

// ValidateServiceToken is Introspect with a reason for rejections and
// the owning client's name on success.
func (s *Service) ValidateServiceToken(ctx context.Context, raw string) ServiceTokenValidation {
	v := s.verify(ctx, raw)
	if v.reason != "" {
		return ServiceTokenValidation{Valid: false, Message: v.reason}
	}

	return ServiceTokenValidation{
		Valid:      true,
		Message:    MsgValid,
		ClientID:   v.claims.ClientID,
		ClientName: v.client.ClientName,
		Scopes:     v.claims.Scopes,
	}
}

// RevokeToken marks raw revoked in the ledger. Only admins may revoke.
// An unknown token yields ErrNotFound.
func (s *Service) RevokeToken(ctx context.Context, principal *models.AuthUser, raw, reason string) (*MessageResponse, error) {
	if !principal.IsAdmin() {
		return nil, fmt.Errorf("revoking token: %w", apperrors.ErrForbidden)
	}

	if raw == "" {
		return nil, fmt.Errorf("token is required: %w", apperrors.ErrValidation)
	}

	if reason == "" {
		reason = reasonAdminRevoked
	}

	hash := token.Hash(raw)

	if err := s.store.RevokeToken(ctx, hash, s.now(), reason); err != nil {
		return nil, err
	}

	s.metrics.Revoked("admin", 1)
	s.logger.Info("oauth: token revoked",
		logging.TokenRef(hash),
		slog.String("reason", reason),
		slog.String("by", principal.ID),
	)

	return &MessageResponse{Message: "Token revoked successfully"}, nil
}

// CreateClientRequest is the body of POST /oauth/clients.
type CreateClientRequest struct {
	ClientName  string   `json:"client_name"`
	Description string   `json:"description,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
}

// UpdateClientRequest is the body of PUT /oauth/clients/{clientId}.
// Nil fields are left unchanged; an empty expires_at clears the expiry.
type UpdateClientRequest struct {
	ClientName  *string  `json:"client_name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Scopes      []string `json:"scopes,omitempty"`
	IsActive    *bool    `json:"is_active,omitempty"`
	ExpiresAt   *string  `json:"expires_at,omitempty"`
}

// ClientView is a credential as returned by the API. It never carries
// the secret hash.
type ClientView struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	ClientName  string     `json:"client_name"`
	Description string     `json:"description,omitempty"`
	Scopes      []string   `json:"scopes"`
	IsActive    bool       `json:"is_active"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreatedClient is the create response. The plaintext secret appears
// here and nowhere else.
type CreatedClient struct {
	ClientView
	ClientSecret string `json:"client_secret"`
}

func viewOf(c *models.ClientCredential) ClientView {
	return ClientView{
		ID:          c.ID,
		ClientID:    c.ClientID,
		ClientName:  c.ClientName,
		Description: c.Description,
		Scopes:      c.Scopes,
		IsActive:    c.IsActive,
		ExpiresAt:   c.ExpiresAt,
		LastUsedAt:  c.LastUsedAt,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func parseExpiry(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("expires_at must be RFC 3339: %w", apperrors.ErrValidation)
	}

	t = t.UTC()

	return &t, nil
}

// CreateClient registers a new client with a generated id and secret.
func (s *Service) CreateClient(ctx context.Context, req CreateClientRequest) (*CreatedClient, error) {
	name := strings.TrimSpace(req.ClientName)
	if name == "" {
		return nil, fmt.Errorf("client_name is required: %w", apperrors.ErrValidation)
	}

	expiresAt, err := parseExpiry(req.ExpiresAt)
	if err != nil {
		return nil, err
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = append([]string(nil), defaultScopes...)
	}

	secret := RandomHex(32)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing client secret: %w", err)
	}

	now := s.now().UTC()
	c := &models.ClientCredential{
		ID:               uuid.NewString(),
		ClientID:         clientIDPrefix + RandomHex(16),
		ClientSecretHash: string(hash),
		ClientName:       name,
		Description:      req.Description,
		Scopes:           scopes,
		IsActive:         true,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.CreateClient(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("oauth: client created",
		slog.String("client_id", c.ClientID),
		slog.String("client_name", c.ClientName),
	)

	return &CreatedClient{ClientView: viewOf(c), ClientSecret: secret}, nil
}

// ListClients returns every client, newest first.
func (s *Service) ListClients(ctx context.Context) ([]ClientView, error) {
	clients, err := s.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}

	views := make([]ClientView, 0, len(clients))
	for i := range clients {
		views = append(views, viewOf(&clients[i]))
	}

	return views, nil
}

// UpdateClient applies the non-nil fields of req to clientID.
func (s *Service) UpdateClient(ctx context.Context, clientID string, req UpdateClientRequest) (*ClientView, error) {
	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if c == nil {
		return nil, fmt.Errorf("client %s: %w", clientID, apperrors.ErrNotFound)
	}

	if req.ClientName != nil {
		name := strings.TrimSpace(*req.ClientName)
		if name == "" {
			return nil, fmt.Errorf("client_name cannot be empty: %w", apperrors.ErrValidation)
		}
		c.ClientName = name
	}

	if req.Description != nil {
		c.Description = *req.Description
	}

	if req.Scopes != nil {
		c.Scopes = req.Scopes
	}

	if req.IsActive != nil {
		c.IsActive = *req.IsActive
	}

	if req.ExpiresAt != nil {
		expiresAt, err := parseExpiry(*req.ExpiresAt)
		if err != nil {
			return nil, err
		}
		c.ExpiresAt = expiresAt
	}

	c.UpdatedAt = s.now().UTC()

	if err := s.store.UpdateClient(ctx, c); err != nil {
		return nil, err
	}

	s.logger.Info("oauth: client updated", slog.String("client_id", c.ClientID))

	v := viewOf(c)

	return &v, nil
}

// DeleteClient revokes every token of clientID, then removes the
// credential.
func (s *Service) DeleteClient(ctx context.Context, clientID string) (*MessageResponse, error) {
	c, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if c == nil {
		return nil, fmt.Errorf("client %s: %w", clientID, apperrors.ErrNotFound)
	}

	n, err := s.store.RevokeClientTokens(ctx, clientID, s.now(), reasonClientDeleted)
	if err != nil {
		return nil, fmt.Errorf("revoking client tokens: %w", err)
	}

	if err := s.store.DeleteClient(ctx, clientID); err != nil {
		return nil, err
	}

	s.metrics.Revoked("client_deleted", n)
	s.logger.Info("oauth: client deleted",
		slog.String("client_id", clientID),
		slog.Int("tokens_revoked", n),
	)

	return &MessageResponse{Message: "Client credential deleted successfully"}, nil
}

// SeedClients creates the bootstrap clients that do not exist yet.
func (s *Service) SeedClients(ctx context.Context, clients []config.BootstrapClient) error {
	for _, bc := range clients {
		existing, err := s.store.GetClient(ctx, bc.ClientID)
		if err != nil {
			return fmt.Errorf("checking bootstrap client %s: %w", bc.ClientID, err)
		}

		if existing != nil {
			s.logger.Debug("oauth: bootstrap client exists", slog.String("client_id", bc.ClientID))
			continue
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(bc.Secret), s.cost)
		if err != nil {
			return fmt.Errorf("hashing bootstrap secret: %w", err)
		}

		now := s.now().UTC()
		err = s.store.CreateClient(ctx, &models.ClientCredential{
			ID:               uuid.NewString(),
			ClientID:         bc.ClientID,
			ClientSecretHash: string(hash),
			ClientName:       bc.ClientName,
			Scopes:           bc.Scopes,
			IsActive:         true,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return fmt.Errorf("creating bootstrap client %s: %w", bc.ClientID, err)
		}

		s.logger.Info("oauth: bootstrap client created", slog.String("client_id", bc.ClientID))
	}

	return nil
}
