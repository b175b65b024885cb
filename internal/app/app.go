// Package app wires configuration, logging, the entitlement core and
// the local HTTP surface into a runnable process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"tiergate/internal/authority"
	"tiergate/internal/config"
	"tiergate/internal/entitlement"
	"tiergate/internal/identity"
	"tiergate/internal/infrastructure"
	appmiddleware "tiergate/internal/middleware"
	"tiergate/internal/services"
	"tiergate/internal/storage"
	transporthttp "tiergate/internal/transport/http"
)

// App holds the wired application.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	providers  *infrastructure.OTelProviders
	store      *entitlement.Store
	manager    *entitlement.Manager
	reconciler *entitlement.Reconciler
	service    services.EntitlementService
	metrics    *entitlement.Metrics
	router     http.Handler
}

// New builds the application. Initialization order matters: the store
// must be loadable before anything reads a tier, and the client
// identity must exist before the reconciler first talks to the
// authority.
func New(cfg *config.Config) (*App, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	providers, err := infrastructure.InitializeOTel(nil, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	kv, err := storage.NewFileStore(cfg.StateFilePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}

	id, err := identity.Load(kv)
	if err != nil {
		return nil, err
	}

	store := entitlement.NewStore(kv, id.ClientID)

	var metrics *entitlement.Metrics
	if providers.Meter != nil {
		metrics, err = entitlement.InitializeMetrics(providers.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize entitlement metrics: %w", err)
		}
	}

	// A missing public key disables activation but never previously
	// granted entitlements.
	var verifier *entitlement.SignatureVerifier
	if cfg.Entitlement.HasPublicKey() {
		verifier, err = entitlement.NewSignatureVerifier(cfg.Entitlement.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("invalid entitlement public key: %w", err)
		}
	} else {
		logger.Warn("No entitlement public key configured, activation disabled")
	}

	manager := entitlement.NewManager(store, verifier, entitlement.WithMetrics(metrics))

	var authClient *authority.Client
	var remote entitlement.Authority
	var upgrades services.UpgradeClient
	if cfg.Entitlement.HasAPIBaseURL() {
		authClient = authority.NewClient(cfg.Entitlement.APIBaseURL)
		remote = authClient
		upgrades = authClient
	} else {
		logger.Warn("No entitlement authority configured, reconciliation disabled")
	}

	reconciler := entitlement.NewReconciler(store, remote, entitlement.ReconcilerConfig{
		ClientID:      id.ClientID,
		DeviceInfo:    id.DeviceInfo(),
		VerifyTimeout: cfg.Entitlement.VerifyTimeout,
		PushTimeout:   cfg.Entitlement.PushTimeout,
		Interval:      cfg.Entitlement.VerifyInterval,
	}, metrics)

	service := services.NewEntitlementService(manager, reconciler, upgrades, id, logger)

	a := &App{
		cfg:        cfg,
		logger:     logger,
		providers:  providers,
		store:      store,
		manager:    manager,
		reconciler: reconciler,
		service:    service,
		metrics:    metrics,
	}
	a.router = a.buildRouter()

	logger.Info("Application initialized",
		slog.String("client_id", id.ClientID),
		slog.String("state_file", cfg.StateFilePath()),
		slog.Bool("activation_enabled", verifier != nil),
		slog.Bool("reconciliation_enabled", remote != nil),
	)
	return a, nil
}

// Router exposes the HTTP surface, for tests and embedding.
func (a *App) Router() http.Handler {
	return a.router
}

// Service exposes the entitlement service, for embedding hosts.
func (a *App) Service() services.EntitlementService {
	return a.service
}

func (a *App) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(appmiddleware.TraceID)
	r.Use(chimiddleware.Recoverer)

	health := transporthttp.NewHealthHandler(infrastructure.ServiceVersion)
	r.Get("/healthz", health.Healthz)

	if a.providers.PrometheusHTTP != nil {
		r.Handle("/metrics", a.providers.PrometheusHTTP)
	}

	entHandler := transporthttp.NewEntitlementHandler(a.service, a.logger)
	r.Route("/api/entitlement", func(r chi.Router) {
		r.Use(appmiddleware.ActivationRateLimit(1, 5))
		r.Mount("/", entHandler.Routes())
	})

	return r
}

// Run serves the local HTTP surface and the reconciliation loop until
// ctx is cancelled, then shuts both down gracefully.
func (a *App) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP server listening", slog.Int("port", a.cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := a.reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
		}
		if err := a.providers.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Observability shutdown failed", slog.String("error", err.Error()))
		}
		infrastructure.CloseLogFile()
		return nil
	})

	err := g.Wait()

	// Drain push diagnostics so late results are not lost silently.
	for {
		select {
		case res := <-a.reconciler.Results():
			if res.Err != nil {
				infrastructure.WithError(a.logger, res.Err).Warn("Late activation push result",
					slog.Duration("duration", res.Duration),
				)
			}
		default:
			return err
		}
	}
}
