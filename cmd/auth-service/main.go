package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agent-platform/svcauth/internal/config"
	"github.com/agent-platform/svcauth/internal/health"
	"github.com/agent-platform/svcauth/internal/logging"
	"github.com/agent-platform/svcauth/internal/metrics"
	"github.com/agent-platform/svcauth/internal/oauth"
	"github.com/agent-platform/svcauth/internal/observability"
	"github.com/agent-platform/svcauth/internal/pgstate"
	"github.com/agent-platform/svcauth/internal/server"
	"github.com/agent-platform/svcauth/internal/session"
	"github.com/agent-platform/svcauth/internal/state"
	"github.com/agent-platform/svcauth/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	// Handle mint-admin-token before the server starts.
	if len(os.Args) > 1 && os.Args[1] == "mint-admin-token" {
		if err := mintAdminToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAuth()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("auth-service starting",
		slog.String("version", Version),
		slog.String("store", cfg.StoreDriver),
		slog.String("issuer_url", cfg.IssuerURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, server.AuthServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	signer, err := token.NewSigner([]byte(cfg.JWTSecret), cfg.TokenIssuer, cfg.TokenAudience)
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := oauth.NewService(store, signer, logger,
		oauth.WithTTL(cfg.TokenTTL),
		oauth.WithMetrics(m),
	)

	bootstrap, err := config.LoadBootstrapClients(cfg.BootstrapClientsFile)
	if err != nil {
		return fmt.Errorf("loading bootstrap clients: %w", err)
	}
	if err := svc.SeedClients(ctx, bootstrap); err != nil {
		return fmt.Errorf("seeding bootstrap clients: %w", err)
	}

	checks := health.New(server.AuthServiceName)
	checks.Register(health.NewCheck("store", svc.Ping))

	handler := server.NewAuthRouter(server.AuthConfig{
		Service:   svc,
		Validator: session.NewValidator(signer),
		Health:    checks,
		Metrics:   m,
		Logger:    logger,
		IssuerURL: cfg.IssuerURL,
	})

	return serve(ctx, server.NewHTTPServer(cfg.ListenAddr, handler), logger)
}

// openStore opens the configured credential store and token ledger.
func openStore(ctx context.Context, cfg *config.AuthConfig) (oauth.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pg, err := pgstate.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return pg, func() { _ = pg.Close() }, nil
	default:
		var (
			st  *state.State
			err error
		)
		if cfg.BoltPath != "" {
			st, err = state.LoadAt(cfg.BoltPath)
		} else {
			st, err = state.Load()
		}
		if err != nil {
			return nil, nil, fmt.Errorf("loading state: %w", err)
		}
		return st, func() { _ = st.Close() }, nil
	}
}

// serve runs srv until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
