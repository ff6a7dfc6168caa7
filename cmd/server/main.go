// Storage Browser Server
//
// Features:
// - One hierarchical view over S3, Supabase Storage, local disk, SFTP and SMB mounts
// - Per-session browser controllers with stale-listing protection
// - Synthesized folders and rename on flat object stores
// - SSE stream of navigation and mutation events
// - Per-session request rate limiting
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/storage-browser/internal/api"
	"github.com/fruitsalade/storage-browser/internal/config"
	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/metrics"
	"github.com/fruitsalade/storage-browser/internal/retry"
	"github.com/fruitsalade/storage-browser/internal/storage"
	"github.com/fruitsalade/storage-browser/internal/storage/backends"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("storage browser starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage locations: from PostgreSQL when configured, else the single
	// env-configured backend.
	var (
		source    storage.LocationSource
		locations api.LocationAdmin
	)
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		db, err := storage.OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer db.Close()

		store, err := openLocationStore(ctx, db, cfg)
		if err != nil {
			logging.Fatal("storage location store init failed", zap.Error(err))
		}
		source, locations = store, store
	} else {
		row, err := cfg.DefaultLocation()
		if err != nil {
			logging.Fatal("invalid storage configuration", zap.Error(err))
		}
		source = storage.StaticSource{row}
		logging.Info("no DATABASE_URL, serving the env-configured location only")
	}

	registry, err := storage.NewRegistry(ctx, source, backends.NewAdapterFromConfig)
	if err != nil {
		logging.Fatal("storage registry init failed", zap.Error(err))
	}
	defer registry.Close()
	if registry.Default() == nil {
		logging.Warn("no storage location could be loaded")
	}

	// Create API server
	listRetry := retry.DefaultConfig()
	listRetry.MaxAttempts = cfg.ListRetryAttempts
	listRetry.MaxWait = 2 * time.Second
	srv := api.NewServer(registry, locations, api.Options{
		MaxUploadSize:   cfg.MaxUploadSize,
		ListRetry:       listRetry,
		RateLimitPerMin: cfg.SessionRateLimit,
	})
	defer srv.Close()

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
		defer done()
		// SSE streams never finish on their own; end the sessions first.
		srv.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			httpServer.Close()
		}
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

// openLocationStore prepares the storage_locations table and seeds it with
// the env-configured backend on first run.
func openLocationStore(ctx context.Context, db *sql.DB, cfg *config.Config) (*storage.LocationStore, error) {
	store := storage.NewLocationStore(db)
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	existing, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return store, nil
	}

	row, err := cfg.DefaultLocation()
	if err != nil {
		return nil, err
	}
	created, err := store.Create(ctx, &row)
	if err != nil {
		return nil, err
	}
	if err := store.SetDefault(ctx, created.ID); err != nil {
		return nil, err
	}
	logging.Info("auto-created default storage location",
		zap.String("backend", created.BackendType),
		zap.String("name", created.Name))
	return store, nil
}
