// Package pgstate persists client credentials and the service token
// ledger in PostgreSQL. It mirrors the bbolt-backed state package so
// the issuer can run against either.
package pgstate

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/agent-platform/svcauth/internal/errors"
	"github.com/agent-platform/svcauth/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS client_credentials (
	id                 TEXT PRIMARY KEY,
	client_id          TEXT NOT NULL UNIQUE,
	client_secret_hash TEXT NOT NULL,
	client_name        TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	scopes             TEXT[] NOT NULL DEFAULT '{}',
	is_active          BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at         TIMESTAMPTZ,
	last_used_at       TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS service_tokens (
	id             TEXT PRIMARY KEY,
	token_hash     TEXT NOT NULL UNIQUE,
	client_id      TEXT NOT NULL,
	scopes         TEXT[] NOT NULL DEFAULT '{}',
	expires_at     TIMESTAMPTZ NOT NULL,
	revoked_at     TIMESTAMPTZ,
	revoked_reason TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS service_tokens_client_id_idx ON service_tokens (client_id);
`

const clientColumns = `id, client_id, client_secret_hash, client_name, description, scopes,
	is_active, expires_at, last_used_at, created_at, updated_at`

const tokenColumns = `id, token_hash, client_id, scopes, expires_at, revoked_at,
	revoked_reason, created_at`

// Store is a PostgreSQL credential store and token ledger.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and ensures the schema exists.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

// EnsureSchema creates the tables and indexes if they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateClient inserts a credential. Returns ErrConflict on a duplicate
// client_id.
func (s *Store) CreateClient(ctx context.Context, c *models.ClientCredential) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO client_credentials (`+clientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID, c.ClientID, c.ClientSecretHash, c.ClientName, c.Description, scopesOrEmpty(c.Scopes),
		c.IsActive, c.ExpiresAt, c.LastUsedAt, c.CreatedAt, c.UpdatedAt)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("client %s: %w", c.ClientID, apperrors.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting client: %w", err)
	}

	return nil
}

// GetClient returns a credential by client_id, or nil if not found.
func (s *Store) GetClient(ctx context.Context, clientID string) (*models.ClientCredential, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM client_credentials WHERE client_id = $1`, clientID)

	c, err := scanClient(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying client: %w", err)
	}

	return c, nil
}

// ListClients returns every credential, newest first.
func (s *Store) ListClients(ctx context.Context) ([]models.ClientCredential, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+clientColumns+` FROM client_credentials ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	defer rows.Close()

	var clients []models.ClientCredential
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning client: %w", err)
		}
		clients = append(clients, *c)
	}

	return clients, rows.Err()
}

// UpdateClient overwrites the mutable fields of a credential. Returns
// ErrNotFound if it does not exist.
func (s *Store) UpdateClient(ctx context.Context, c *models.ClientCredential) error {
	tag, err := s.pool.Exec(ctx, `UPDATE client_credentials
		SET client_name = $2, description = $3, scopes = $4, is_active = $5,
		    expires_at = $6, last_used_at = $7, updated_at = $8
		WHERE client_id = $1`,
		c.ClientID, c.ClientName, c.Description, scopesOrEmpty(c.Scopes), c.IsActive,
		c.ExpiresAt, c.LastUsedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("client %s: %w", c.ClientID, apperrors.ErrNotFound)
	}

	return nil
}

// TouchClient records last use. A missing client is not an error.
func (s *Store) TouchClient(ctx context.Context, clientID string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `UPDATE client_credentials SET last_used_at = $2 WHERE client_id = $1`, clientID, at); err != nil {
		return fmt.Errorf("touching client: %w", err)
	}
	return nil
}

// DeleteClient removes a credential. Returns ErrNotFound if it does not
// exist.
func (s *Store) DeleteClient(ctx context.Context, clientID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM client_credentials WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("client %s: %w", clientID, apperrors.ErrNotFound)
	}

	return nil
}

// SaveToken inserts a ledger row.
func (s *Store) SaveToken(ctx context.Context, t *models.ServiceToken) error {
	if t.TokenHash == "" {
		return fmt.Errorf("token hash is required for persistence")
	}

	_, err := s.pool.Exec(ctx, `INSERT INTO service_tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.TokenHash, t.ClientID, scopesOrEmpty(t.Scopes), t.ExpiresAt, t.RevokedAt,
		t.RevokedReason, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}

	return nil
}

// GetToken returns the ledger row for a token hash, or nil if not found.
func (s *Store) GetToken(ctx context.Context, tokenHash string) (*models.ServiceToken, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM service_tokens WHERE token_hash = $1`, tokenHash)

	t, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}

	return t, nil
}

// RevokeToken marks a ledger row revoked. Returns ErrNotFound for an
// unknown hash; an already revoked row keeps its original reason.
func (s *Store) RevokeToken(ctx context.Context, tokenHash string, at time.Time, reason string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE service_tokens
		SET revoked_at = COALESCE(revoked_at, $2),
		    revoked_reason = CASE WHEN revoked_at IS NULL THEN $3 ELSE revoked_reason END
		WHERE token_hash = $1`, tokenHash, at, reason)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("token: %w", apperrors.ErrNotFound)
	}

	return nil
}

// RevokeClientTokens revokes every unrevoked row of clientID and
// returns how many were changed.
func (s *Store) RevokeClientTokens(ctx context.Context, clientID string, at time.Time, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE service_tokens
		SET revoked_at = $2, revoked_reason = $3
		WHERE client_id = $1 AND revoked_at IS NULL`, clientID, at, reason)
	if err != nil {
		return 0, fmt.Errorf("revoking client tokens: %w", err)
	}

	return int(tag.RowsAffected()), nil
}

// ClientTokens returns every ledger row owned by clientID.
func (s *Store) ClientTokens(ctx context.Context, clientID string) ([]models.ServiceToken, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tokenColumns+` FROM service_tokens WHERE client_id = $1 ORDER BY created_at`, clientID)
	if err != nil {
		return nil, fmt.Errorf("listing client tokens: %w", err)
	}
	defer rows.Close()

	var tokens []models.ServiceToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning token: %w", err)
		}
		tokens = append(tokens, *t)
	}

	return tokens, rows.Err()
}

func scanClient(row pgx.Row) (*models.ClientCredential, error) {
	var c models.ClientCredential
	err := row.Scan(&c.ID, &c.ClientID, &c.ClientSecretHash, &c.ClientName, &c.Description, &c.Scopes,
		&c.IsActive, &c.ExpiresAt, &c.LastUsedAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanToken(row pgx.Row) (*models.ServiceToken, error) {
	var t models.ServiceToken
	err := row.Scan(&t.ID, &t.TokenHash, &t.ClientID, &t.Scopes, &t.ExpiresAt, &t.RevokedAt,
		&t.RevokedReason, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scopesOrEmpty(scopes []string) []string {
	if scopes == nil {
		return []string{}
	}
	return scopes
}
