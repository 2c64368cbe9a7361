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

	"github.com/agent-platform/svcauth/internal/authclient"
	"github.com/agent-platform/svcauth/internal/config"
	"github.com/agent-platform/svcauth/internal/guard"
	"github.com/agent-platform/svcauth/internal/health"
	"github.com/agent-platform/svcauth/internal/logging"
	"github.com/agent-platform/svcauth/internal/metrics"
	"github.com/agent-platform/svcauth/internal/oauthclient"
	"github.com/agent-platform/svcauth/internal/observability"
	"github.com/agent-platform/svcauth/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadCompany()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("company-service starting",
		slog.String("version", Version),
		slog.String("auth_service_url", cfg.AuthServiceURL),
		slog.String("client_id", cfg.OAuthClientID),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, server.CompanyServiceName, cfg.OTLPEndpoint)
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tokens, err := oauthclient.New(oauthclient.Config{
		BaseURL:      cfg.AuthServiceURL,
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Scope:        cfg.OAuthScope,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		return fmt.Errorf("creating oauth client: %w", err)
	}

	// Warm the token cache so bad credentials show up at startup. The
	// service still starts; the next outbound call retries.
	if _, err := tokens.GetAccessToken(ctx); err != nil {
		logger.Warn("initial token fetch failed", slog.String("error", err.Error()))
	}

	checks := health.New(server.CompanyServiceName)
	checks.Register(health.NewCheck("auth-service", tokens.HealthCheck))

	g := guard.New(tokens, authclient.New(cfg.AuthServiceURL), logger, m)

	handler := server.NewCompanyRouter(server.CompanyConfig{
		Guard:   g,
		Health:  checks,
		Metrics: m,
		Logger:  logger,
	})

	return serve(ctx, server.NewHTTPServer(cfg.ListenAddr, handler), logger)
}

// serve runs srv until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	eg, gctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		return srv.Shutdown(sctx)
	})

	return eg.Wait()
}
