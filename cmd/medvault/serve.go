package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medvault/custody/internal/archive"
	"github.com/medvault/custody/internal/custody"
	"github.com/medvault/custody/internal/ehr"
	"github.com/medvault/custody/internal/grant"
	"github.com/medvault/custody/internal/hprid"
	"github.com/medvault/custody/internal/notify"
	"github.com/medvault/custody/internal/reconcile"
	"github.com/medvault/custody/pkg/config"
	"github.com/medvault/custody/pkg/database"
	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/monitoring"
)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the custody API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	log := logger.New(cfg.LogLevel)
	log.WithField("version", version).Info("Starting medvault custody service")

	metrics := monitoring.NewMetrics("medvault")

	tracing := monitoring.NewNoopTracingManager()
	if cfg.Tracing.Enabled {
		tm, err := monitoring.NewTracingManager(ctx, &monitoring.TracingConfig{
			ServiceName:    "medvault-custody",
			ServiceVersion: version,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			Environment:    cfg.Tracing.Environment,
			SamplingRate:   cfg.Tracing.SampleRate,
		})
		if err != nil {
			return err
		}
		tracing = tm
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	db, err := database.NewConnection(ctx, &cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	grantStore, err := grant.NewBadgerStore(grant.BadgerOptions{Dir: cfg.Grants.Dir, InMemory: cfg.Grants.InMemory})
	if err != nil {
		return fmt.Errorf("failed to open grant store: %w", err)
	}
	defer grantStore.Close()
	go grant.NewReaper(grantStore, cfg.Grants.GCInterval, cfg.Grants.GCThreshold, log).Run(ctx)

	archiver, err := newArchiver(cfg, tracing, log)
	if err != nil {
		return err
	}
	defer archiver.Close()

	service := custody.NewService(custody.Dependencies{
		Grants:     grant.NewAuthority(grantStore, metrics, log, grant.WithTTL(cfg.Grants.TTL)),
		Records:    ehr.NewPostgresStore(db, tracing, metrics, log),
		Directory:  ehr.NewPostgresDirectory(db),
		Reconciler: reconcile.NewReconciler(metrics, log),
		Archiver:   archive.Instrument(archiver, cfg.Archive.Backend, metrics),
		Dispatcher: newDispatcher(cfg, log),
		Registry:   hprid.NewVerifier(hprid.Config{URL: cfg.HPRID.URL, Timeout: cfg.HPRID.Timeout}, log),
		Metrics:    metrics,
		Tracing:    tracing,
		Logger:     log,
	})

	health := monitoring.NewHealthManager("medvault-custody", 5*time.Second)
	health.Register("database", db.Health)
	health.Register("grants", grantStore.Ping)

	handlers := custody.NewHandlers(
		service,
		custody.NewTokenValidator(cfg.JWT.SecretKey, cfg.JWT.Issuer, cfg.JWT.Audience),
		health,
		metrics,
		monitoring.NewMiddleware(metrics, tracing, log),
		log,
	)
	handlers.HealthPath = cfg.Monitoring.HealthPath
	handlers.MetricsPath = cfg.Monitoring.MetricsPath
	if cfg.Server.RateLimit > 0 {
		handlers.Limiter = custody.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RatePeriod)
		go handlers.Limiter.Run(ctx)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handlers.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("Starting HTTP server")
		if cfg.Server.TLSEnabled {
			errCh <- server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			return
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down medvault custody service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Failed to shutdown server gracefully")
	}
	log.Info("medvault custody service stopped")
	return nil
}

func newArchiver(cfg *config.Config, tracing *monitoring.TracingManager, log *logger.Logger) (archive.Archiver, error) {
	switch cfg.Archive.Backend {
	case "fabric":
		return archive.DialFabric(&cfg.Fabric, tracing, log)
	default:
		return archive.NewLevelDBArchiver(cfg.Archive.Path)
	}
}

func newDispatcher(cfg *config.Config, log *logger.Logger) notify.Dispatcher {
	if cfg.Notification.Provider == "sms" {
		return notify.NewSMSGateway(notify.SMSConfig{
			URL:     cfg.Notification.URL,
			APIKey:  cfg.Notification.APIKey,
			Sender:  cfg.Notification.Sender,
			Timeout: cfg.Notification.Timeout,
		}, log)
	}
	log.Warn("Notification provider is 'log'; codes are written to the log")
	return notify.NewLogDispatcher(log)
}
