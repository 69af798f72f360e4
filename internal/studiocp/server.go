// Package studiocp assembles the studio control plane: configuration, stores,
// the billing gateway, HTTP routes and background loops.
package studiocp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/inkdesk/studiocp/internal/logging"
	"github.com/inkdesk/studiocp/internal/studiocp/auth"
	"github.com/inkdesk/studiocp/internal/studiocp/billing"
	"github.com/inkdesk/studiocp/internal/studiocp/ledger"
	"github.com/inkdesk/studiocp/internal/studiocp/provisioning"
	"github.com/inkdesk/studiocp/internal/studiocp/registry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Stores bundles the persistent state opened at startup.
type Stores struct {
	Registry *registry.TenantRegistry
	Ledger   ledger.Ledger
}

// Close releases the ledger and then the registry.
func (s *Stores) Close() error {
	var errs []error
	if s.Ledger != nil {
		errs = append(errs, s.Ledger.Close())
	}
	if s.Registry != nil {
		errs = append(errs, s.Registry.Close())
	}
	return errors.Join(errs...)
}

// OpenStores opens the tenant registry and the configured event ledger,
// creating schemas as needed.
func OpenStores(ctx context.Context, cfg *Config) (*Stores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	reg, err := registry.NewTenantRegistry(cfg.RegistryDir())
	if err != nil {
		return nil, fmt.Errorf("open tenant registry: %w", err)
	}

	var led ledger.Ledger
	switch cfg.LedgerBackend {
	case LedgerBackendRedis:
		led, err = ledger.NewRedisLedger(ctx, cfg.RedisURL, cfg.LedgerRetention)
	default:
		led, err = ledger.NewSQLLedger(ctx, reg.DB())
	}
	if err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("open event ledger: %w", err)
	}
	return &Stores{Registry: reg, Ledger: led}, nil
}

// Migrate opens every store so its schema is created, then exits.
func Migrate(ctx context.Context) error {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "studiocp"})

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info().
		Str("registry_dir", cfg.RegistryDir()).
		Str("ledger_backend", cfg.LedgerBackend).
		Msg("Schema up to date")
	return stores.Close()
}

// Run starts the control plane HTTP server and background loops, and blocks
// until ctx is cancelled or a termination signal arrives.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "studiocp",
	})

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "studiocp",
	})
	log.Info().Str("version", version).Msg("Starting studio control plane")

	stores, err := OpenStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close stores")
		}
	}()

	catalog := cfg.Catalog()
	gateway, err := billing.NewStripeGateway(billing.Config{
		APIKey:      cfg.StripeAPIKey,
		APIURL:      cfg.StripeAPIURL,
		Timeout:     cfg.ProviderTimeout,
		ReadRetries: cfg.ProviderReadRetries,
	}, catalog)
	if err != nil {
		return fmt.Errorf("init billing gateway: %w", err)
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience)
	if err != nil {
		return fmt.Errorf("init token verifier: %w", err)
	}

	svc := provisioning.NewService(stores.Registry, gateway, catalog, provisioning.ServiceConfig{
		BaseURL:       cfg.BaseURL,
		PendingMaxAge: cfg.PendingSweepMaxAge,
	})
	deps := &Deps{
		Config:    cfg,
		Registry:  stores.Registry,
		Ledger:    stores.Ledger,
		Catalog:   catalog,
		Service:   svc,
		Processor: provisioning.NewProcessor(stores.Registry, stores.Ledger, catalog),
		Verifier:  verifier,
		Version:   version,
	}

	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           logging.Middleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		runTenantStatusMetrics(gctx, stores.Registry)
		return nil
	})
	g.Go(func() error {
		runPendingSweeper(gctx, svc, cfg.PendingSweepAge)
		return nil
	})
	if cfg.LedgerBackend == LedgerBackendSQLite {
		g.Go(func() error {
			runLedgerPrune(gctx, stores.Ledger, cfg.LedgerRetention)
			return nil
		})
	}
	g.Go(func() error {
		deps.WebhookLimiter.Run(gctx)
		return nil
	})
	g.Go(func() error {
		deps.APILimiter.Run(gctx)
		return nil
	})

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Control plane listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Control plane stopped")
	return err
}
