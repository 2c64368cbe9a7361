package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/agent-platform/svcauth/internal/models"
)

// CredentialStore persists registered service clients. Get returns
// (nil, nil) for an unknown client_id.
type CredentialStore interface {
	CreateClient(ctx context.Context, c *models.ClientCredential) error
	GetClient(ctx context.Context, clientID string) (*models.ClientCredential, error)
	ListClients(ctx context.Context) ([]models.ClientCredential, error)
	UpdateClient(ctx context.Context, c *models.ClientCredential) error
	TouchClient(ctx context.Context, clientID string, at time.Time) error
	DeleteClient(ctx context.Context, clientID string) error
}

// TokenLedger records every issued service token by hash so it can be
// revoked before its natural expiry.
type TokenLedger interface {
	SaveToken(ctx context.Context, t *models.ServiceToken) error
	GetToken(ctx context.Context, tokenHash string) (*models.ServiceToken, error)
	RevokeToken(ctx context.Context, tokenHash string, at time.Time, reason string) error
	RevokeClientTokens(ctx context.Context, clientID string, at time.Time, reason string) (int, error)
}

// Store is the persistence the issuer needs. state.State and
// pgstate.Store both satisfy it.
type Store interface {
	CredentialStore
	TokenLedger
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
