// Package state persists client credentials and the service token
// ledger in a bbolt database. Values are JSON; the ledger is keyed by
// the SHA-256 hex digest of each token so raw tokens never reach disk.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	apperrors "github.com/agent-platform/svcauth/internal/errors"
	"github.com/agent-platform/svcauth/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	clientsBucket = []byte("client_credentials")
	tokensBucket  = []byte("service_tokens")
)

// State wraps a bbolt database holding the credential store and the
// token ledger.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.svcauth/state.db, creating it if
// it does not exist.
func Load() (*State, error) {
	path, err := defaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path)
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(clientsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(tokensBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is readable.
func (s *State) Ping(_ context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(clientsBucket) == nil {
			return fmt.Errorf("bucket %s missing", clientsBucket)
		}
		return nil
	})
}

// CreateClient stores a new credential. Returns ErrConflict if the
// client_id is already taken.
func (s *State) CreateClient(_ context.Context, c *models.ClientCredential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get([]byte(c.ClientID)) != nil {
			return fmt.Errorf("client %s: %w", c.ClientID, apperrors.ErrConflict)
		}

		return putJSON(b, c.ClientID, c)
	})
}

// GetClient returns a credential by client_id, or nil if not found.
func (s *State) GetClient(_ context.Context, clientID string) (*models.ClientCredential, error) {
	var c *models.ClientCredential

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(clientsBucket).Get([]byte(clientID))
		if v == nil {
			return nil
		}

		c = &models.ClientCredential{}

		return json.Unmarshal(v, c)
	})

	return c, err
}

// ListClients returns all credentials, newest first.
func (s *State) ListClients(_ context.Context) ([]models.ClientCredential, error) {
	var clients []models.ClientCredential

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(_, v []byte) error {
			var c models.ClientCredential
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			clients = append(clients, c)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(clients, func(i, j int) bool {
		return clients[i].CreatedAt.After(clients[j].CreatedAt)
	})

	return clients, nil
}

// UpdateClient overwrites an existing credential. Returns ErrNotFound
// if it does not exist.
func (s *State) UpdateClient(_ context.Context, c *models.ClientCredential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get([]byte(c.ClientID)) == nil {
			return fmt.Errorf("client %s: %w", c.ClientID, apperrors.ErrNotFound)
		}

		return putJSON(b, c.ClientID, c)
	})
}

// TouchClient records a successful token issuance. A missing client is
// not an error; the touch is observability data only.
func (s *State) TouchClient(_ context.Context, clientID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)

		v := b.Get([]byte(clientID))
		if v == nil {
			return nil
		}

		var c models.ClientCredential
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}

		c.LastUsedAt = &at

		return putJSON(b, clientID, &c)
	})
}

// DeleteClient removes a credential. Returns ErrNotFound if it does not
// exist. Ledger rows are left in place; revoke them first.
func (s *State) DeleteClient(_ context.Context, clientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(clientsBucket)
		if b.Get([]byte(clientID)) == nil {
			return fmt.Errorf("client %s: %w", clientID, apperrors.ErrNotFound)
		}

		return b.Delete([]byte(clientID))
	})
}

// SaveToken inserts a ledger row keyed by its token hash.
func (s *State) SaveToken(_ context.Context, t *models.ServiceToken) error {
	if t.TokenHash == "" {
		return fmt.Errorf("token hash is required for persistence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(tokensBucket), t.TokenHash, t)
	})
}

// GetToken returns the ledger row for a token hash, or nil if not found.
func (s *State) GetToken(_ context.Context, tokenHash string) (*models.ServiceToken, error) {
	var t *models.ServiceToken

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get([]byte(tokenHash))
		if v == nil {
			return nil
		}

		t = &models.ServiceToken{}

		return json.Unmarshal(v, t)
	})

	return t, err
}

// RevokeToken marks a ledger row revoked. Returns ErrNotFound if the
// hash is unknown. Revoking an already revoked row keeps the original
// timestamp and reason.
func (s *State) RevokeToken(_ context.Context, tokenHash string, at time.Time, reason string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		v := b.Get([]byte(tokenHash))
		if v == nil {
			return fmt.Errorf("token: %w", apperrors.ErrNotFound)
		}

		var t models.ServiceToken
		if err := json.Unmarshal(v, &t); err != nil {
			return err
		}

		if t.IsRevoked() {
			return nil
		}

		t.RevokedAt = &at
		t.RevokedReason = reason

		return putJSON(b, tokenHash, &t)
	})
}

// RevokeClientTokens revokes every unrevoked ledger row owned by
// clientID in a single transaction and returns how many were changed.
func (s *State) RevokeClientTokens(_ context.Context, clientID string, at time.Time, reason string) (int, error) {
	revoked := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokensBucket)

		updates := make(map[string]models.ServiceToken)

		err := b.ForEach(func(k, v []byte) error {
			var t models.ServiceToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			if t.ClientID != clientID || t.IsRevoked() {
				return nil
			}

			t.RevokedAt = &at
			t.RevokedReason = reason
			updates[string(k)] = t

			return nil
		})
		if err != nil {
			return err
		}

		// bbolt forbids mutating a bucket while iterating it.
		for k, t := range updates {
			if err := putJSON(b, k, &t); err != nil {
				return err
			}
		}

		revoked = len(updates)

		return nil
	})

	return revoked, err
}

// ClientTokens returns every ledger row owned by clientID.
func (s *State) ClientTokens(_ context.Context, clientID string) ([]models.ServiceToken, error) {
	var tokens []models.ServiceToken

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).ForEach(func(_, v []byte) error {
			var t models.ServiceToken
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}

			if t.ClientID == clientID {
				tokens = append(tokens, t)
			}

			return nil
		})
	})

	return tokens, err
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put([]byte(key), data)
}

func defaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".svcauth", "state.db"), nil
}
