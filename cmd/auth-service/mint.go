package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/agent-platform/svcauth/internal/config"
	"github.com/agent-platform/svcauth/internal/models"
	"github.com/agent-platform/svcauth/internal/token"
	"github.com/spf13/pflag"
)

// mintAdminToken signs a user session token for bootstrap
// administration. It reads JWT_SECRET, TOKEN_ISSUER and TOKEN_AUDIENCE
// from the same environment as the server.
func mintAdminToken(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("mint-admin-token", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	sub := fs.String("sub", "admin", "user id placed in the sub claim")
	email := fs.String("email", "admin@localhost", "email claim")
	role := fs.String("role", models.RoleAdmin, "role claim")
	firstName := fs.String("first-name", "", "first_name claim")
	lastName := fs.String("last-name", "", "last_name claim")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if *sub == "" {
		return fmt.Errorf("--sub must not be empty")
	}

	if *ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	cfg, err := config.LoadAuth()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	signer, err := token.NewSigner([]byte(cfg.JWTSecret), cfg.TokenIssuer, cfg.TokenAudience)
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}

	raw, err := signer.SignUser(models.AuthUser{
		ID:        *sub,
		Email:     *email,
		FirstName: *firstName,
		LastName:  *lastName,
		Role:      *role,
		IsActive:  true,
	}, *ttl)
	if err != nil {
		return fmt.Errorf("signing token: %w", err)
	}

	_, err = fmt.Fprintln(out, raw)

	return err
}
