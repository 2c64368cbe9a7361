package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store drivers for the issuer's credential store and token ledger.
const (
	StoreBolt     = "bolt"
	StorePostgres = "postgres"
)

// MinSecretLen is the minimum JWT_SECRET length in bytes.
const MinSecretLen = 32

// AuthConfig holds all environment-based configuration for the issuer.
type AuthConfig struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3001"`

	// IssuerURL is the public base URL advertised in server metadata.
	IssuerURL string `env:"ISSUER_URL"`

	TokenIssuer   string        `env:"TOKEN_ISSUER" envDefault:"ai-agent-platform"`
	TokenAudience string        `env:"TOKEN_AUDIENCE" envDefault:"ai-agent-platform-services"`
	TokenTTL      time.Duration `env:"TOKEN_TTL" envDefault:"1h"`

	// JWTSecret signs service and user tokens. There is no default.
	JWTSecret string `env:"JWT_SECRET"`

	StoreDriver string `env:"STORE_DRIVER" envDefault:"bolt"`

	// BoltPath defaults to ~/.svcauth/state.db when empty.
	BoltPath    string `env:"BOLT_PATH"`
	DatabaseURL string `env:"DATABASE_URL"`

	// BootstrapClientsFile is an optional YAML file of clients created at
	// startup.
	BootstrapClientsFile string `env:"BOOTSTRAP_CLIENTS_FILE"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// CompanyConfig holds configuration for the relying-party service.
type CompanyConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3002"`

	AuthServiceURL    string `env:"AUTH_SERVICE_URL"`
	OAuthClientID     string `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthScope        string `env:"OAUTH_SCOPE" envDefault:"read write"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// LoadAuth reads issuer configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func LoadAuth() (*AuthConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &AuthConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.IssuerURL = strings.TrimRight(cfg.IssuerURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *AuthConfig) validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if len(c.JWTSecret) < MinSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", MinSecretLen)
	}

	if c.IssuerURL == "" {
		return fmt.Errorf("ISSUER_URL is required")
	}

	if err := validateURL(c.IssuerURL); err != nil {
		return fmt.Errorf("ISSUER_URL: %w", err)
	}

	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}

	switch c.StoreDriver {
	case StoreBolt:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %s", StorePostgres)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreBolt, StorePostgres, c.StoreDriver)
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *AuthConfig) IsProduction() bool {
	return c.Environment == "production"
}

// LoadCompany reads relying-party configuration from environment
// variables, loading .env first if present.
func LoadCompany() (*CompanyConfig, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &CompanyConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.AuthServiceURL = strings.TrimRight(cfg.AuthServiceURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *CompanyConfig) validate() error {
	if c.AuthServiceURL == "" {
		return fmt.Errorf("AUTH_SERVICE_URL is required")
	}

	if err := validateURL(c.AuthServiceURL); err != nil {
		return fmt.Errorf("AUTH_SERVICE_URL: %w", err)
	}

	if c.OAuthClientID == "" {
		return fmt.Errorf("OAUTH_CLIENT_ID is required")
	}

	if c.OAuthClientSecret == "" {
		return fmt.Errorf("OAUTH_CLIENT_SECRET is required")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *CompanyConfig) IsProduction() bool {
	return c.Environment == "production"
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}

	if u.Host == "" {
		return fmt.Errorf("host is required")
	}

	return nil
}

// BootstrapClient is a pre-configured client credential loaded from
// BOOTSTRAP_CLIENTS_FILE. The secret is hashed before storage.
type BootstrapClient struct {
	ClientID   string   `yaml:"client_id"`
	Secret     string   `yaml:"secret"`
	ClientName string   `yaml:"client_name"`
	Scopes     []string `yaml:"scopes"`
}

// clientSecretMinLen is the minimum length for bootstrap client secrets.
const clientSecretMinLen = 16

type bootstrapFile struct {
	Clients []BootstrapClient `yaml:"clients"`
}

// LoadBootstrapClients reads and validates the bootstrap clients file.
// An empty path yields no clients.
func LoadBootstrapClients(path string) ([]BootstrapClient, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap clients: %w", err)
	}

	return ParseBootstrapClients(data)
}

// ParseBootstrapClients parses the YAML form:
//
//	clients:
//	  - client_id: client_reports
//	    secret: ...
//	    client_name: Reports
//	    scopes: [read]
func ParseBootstrapClients(data []byte) ([]BootstrapClient, error) {
	var f bootstrapFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing bootstrap clients: %w", err)
	}

	seen := make(map[string]struct{})

	for i := range f.Clients {
		c := &f.Clients[i]

		if c.ClientID == "" || c.Secret == "" {
			return nil, fmt.Errorf("empty client_id or secret in entry %d", i+1)
		}

		if len(c.Secret) < clientSecretMinLen {
			return nil, fmt.Errorf("client secret too short in entry %d (minimum %d characters)", i+1, clientSecretMinLen)
		}

		if _, dup := seen[c.ClientID]; dup {
			return nil, fmt.Errorf("duplicate client_id %q in bootstrap clients", c.ClientID)
		}

		seen[c.ClientID] = struct{}{}

		if c.ClientName == "" {
			c.ClientName = c.ClientID
		}

		if len(c.Scopes) == 0 {
			c.Scopes = []string{"read"}
		}
	}

	return f.Clients, nil
}
