// Command entitlementd serves the entitlement API: signed transaction
// verification, entitlement reads and App Store server notifications.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/internal/config"
	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/appstore"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/goentitle/pkg/entitlement/logger/zerolog"
	prommetrics "github.com/mihaimyh/goentitle/pkg/entitlement/metrics/prometheus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	zlog := newZerolog(cfg.Log)
	if err := run(cfg, zlog); err != nil {
		zlog.Fatal().Err(err).Msg("entitlementd stopped")
	}
}

func newZerolog(cfg config.Log) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var zlog zerolog.Logger
	if cfg.Pretty {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "entitlementd").Logger()
}

func run(cfg *config.Config, zlog zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerologadapter.NewLogger(zlog)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics entitlement.Metrics = &entitlement.NoopMetrics{}
	if cfg.Metrics.Enabled {
		metrics = prommetrics.NewMetrics(registry, cfg.Metrics.Namespace)
	}

	catalog := entitlement.DefaultCatalog()
	if err := catalog.Validate(); err != nil {
		return fmt.Errorf("product catalog: %w", err)
	}

	verifier := appstore.NewVerifier(&appstore.Config{
		Catalog: catalog,
		Anchors: map[entitlement.Environment]appstore.AnchorStore{
			entitlement.EnvironmentProduction: appstore.NewFileAnchorStore(cfg.AppStore.ProductionAnchors...),
			entitlement.EnvironmentSandbox:    appstore.NewFileAnchorStore(cfg.AppStore.SandboxAnchors...),
		},
		BundleID:          cfg.AppStore.BundleID,
		RequireMarkerOIDs: cfg.AppStore.RequireMarkerOIDs,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err := verifier.CheckAnchors(); err != nil {
		return fmt.Errorf("trust anchors: %w", err)
	}

	backend, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer backend.close()

	storage := backend.storage
	if cfg.Breaker.Enabled {
		cb := entitlement.NewDefaultCircuitBreaker(entitlement.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		}, func(state entitlement.CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("Storage circuit breaker changed state", entitlement.Field{Key: "state", Value: string(state)})
		})
		storage = entitlement.NewCircuitBreakerStorage(storage, cb)
	}

	store, err := entitlement.NewStore(storage, &entitlement.StoreConfig{
		CacheConfig: &entitlement.CacheConfig{
			Enabled:    cfg.Cache.Enabled,
			TTL:        cfg.Cache.TTL,
			MaxRecords: cfg.Cache.MaxRecords,
		},
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	reconciler, err := entitlement.NewReconciler(verifier, store, &entitlement.ReconcilerConfig{
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Reconciler: reconciler,
		Store:      store,
		Catalog:    catalog,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	notifications := appstore.NewNotificationHandler(verifier, reconciler, &appstore.NotificationConfig{
		RateLimit:  cfg.Notifications.RateLimit,
		RateWindow: cfg.Notifications.RateWindow,
		Logger:     logger,
	})

	r := api.NewRouter(handler, notifications.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		pingCtx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		if err := backend.ping(pingCtx); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      r,
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		zlog.Info().
			Str("address", srv.Addr).
			Str("storage", cfg.Storage.Driver).
			Msg("entitlementd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zlog.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPServer.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
