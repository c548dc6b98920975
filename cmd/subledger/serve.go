package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcourtman/subledger/internal/api"
	"github.com/rcourtman/subledger/internal/billing/ledger"
	"github.com/rcourtman/subledger/internal/billing/notify"
	"github.com/rcourtman/subledger/internal/billing/ports"
	"github.com/rcourtman/subledger/internal/billing/reconcile"
	"github.com/rcourtman/subledger/internal/billing/store"
	"github.com/rcourtman/subledger/internal/billing/verify"
	"github.com/rcourtman/subledger/internal/config"
	"github.com/rcourtman/subledger/internal/external"
	"github.com/rcourtman/subledger/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook receiver and admin API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, configPath)
	},
}

// loadConfig loads configuration and re-initializes logging from it.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "subledger",
	})
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		s, err := store.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverSQLite:
		s, err := store.OpenSQLite(cfg.SQLiteDir())
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

func buildVerifiers(cfg *config.Config) (map[ledger.Platform]verify.SignatureVerifier, error) {
	verifiers := make(map[ledger.Platform]verify.SignatureVerifier)
	if cfg.Stripe.WebhookSecret != "" {
		verifiers[ledger.PlatformCardProcessor] = verify.NewStripeVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.Tolerance)
	}
	if cfg.AppStore.RootCertPath != "" {
		root, err := verify.LoadRootCertificate(cfg.AppStore.RootCertPath)
		if err != nil {
			return nil, err
		}
		var opts []verify.AppStoreOption
		if cfg.AppStore.RevocationCheck {
			opts = append(opts, verify.WithRevocationChecker(verify.NewOCSPChecker(cfg.AppStore.RevocationTimeout)))
		}
		v, err := verify.NewAppStoreVerifier(root, opts...)
		if err != nil {
			return nil, fmt.Errorf("app store verifier: %w", err)
		}
		verifiers[ledger.PlatformAppStore] = v
	}
	return verifiers, nil
}

// service is everything serve needs torn down on exit.
type service struct {
	store        store.Store
	orchestrator *reconcile.Orchestrator
	analytics    *external.AMQPAnalytics
}

func (s *service) close(ctx context.Context) {
	if s.orchestrator != nil {
		if err := s.orchestrator.Close(ctx); err != nil {
			log.Warn().Err(err).Msg("Reconciler did not drain before shutdown deadline")
		}
	}
	if s.analytics != nil {
		s.analytics.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close event store")
		}
	}
}

func buildService(ctx context.Context, cfg *config.Config) (*service, error) {
	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	verifiers, err := buildVerifiers(cfg)
	if err != nil {
		return nil, err
	}

	svc := &service{}
	fail := func(err error) (*service, error) {
		svc.close(ctx)
		return nil, err
	}

	svc.store, err = openStore(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("open event store: %w", err))
	}

	entitlements, err := external.NewEntitlementClient(external.HTTPConfig{
		BaseURL: cfg.Entitlements.BaseURL,
		Token:   cfg.Entitlements.Token,
		Timeout: cfg.Entitlements.Timeout,
	})
	if err != nil {
		return fail(fmt.Errorf("entitlement client: %w", err))
	}

	deps := reconcile.Deps{
		Store:        svc.store,
		Catalog:      catalog,
		Verifiers:    verifiers,
		Classifier:   notify.NewClassifier(catalog, svc.store, notify.WithAppStoreApp(cfg.AppStore.BundleID, cfg.AppStore.Environment)),
		Entitlements: entitlements,
		Analytics:    external.LogAnalytics{},
		Cancellers: map[ledger.Platform]ports.PlatformCanceller{
			ledger.PlatformAppStore: external.AppStoreCanceller{},
		},
	}

	if cfg.Referrals.BaseURL != "" {
		referrals, err := external.NewReferralClient(external.HTTPConfig{
			BaseURL: cfg.Referrals.BaseURL,
			Token:   cfg.Referrals.Token,
			Timeout: cfg.Referrals.Timeout,
		})
		if err != nil {
			return fail(fmt.Errorf("referral client: %w", err))
		}
		deps.Referrals = referrals
	} else {
		log.Info().Msg("Referral service not configured, qualifying subscriptions will not be reported")
	}

	if cfg.Analytics.AMQPURL != "" {
		svc.analytics, err = external.NewAMQPAnalytics(cfg.Analytics.AMQPURL, cfg.Analytics.Exchange)
		if err != nil {
			return fail(err)
		}
		deps.Analytics = svc.analytics
	}

	if cfg.Stripe.APIKey != "" {
		processor, err := external.NewStripeProcessor(cfg.Stripe.APIKey)
		if err != nil {
			return fail(err)
		}
		deps.CardProcessor = processor
		deps.Cancellers[ledger.PlatformCardProcessor] = processor
	} else {
		log.Info().Msg("Stripe API key not configured, checkout and supersede cancellation are disabled")
	}

	svc.orchestrator, err = reconcile.New(deps, cfg.ReconcileOptions())
	if err != nil {
		return fail(err)
	}
	return svc, nil
}

func runServe(ctx context.Context, path string) error {
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "subledger"})

	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	svc, err := buildService(ctx, cfg)
	if err != nil {
		return err
	}
	svc.orchestrator.Start()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(svc.orchestrator, svc.store, api.Options{AdminToken: cfg.AdminToken}),
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.Store.Driver).
			Int("products", len(cfg.Products)).
			Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		svc.close(shutdownCtx)
		if err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}
