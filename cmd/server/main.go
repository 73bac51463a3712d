// BitDrive Server
//
// Features:
// - Resumable chunked uploads with content-addressed dedup
// - Hierarchical metadata store (PostgreSQL)
// - Byte-range downloads
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bitdrive/bitdrive/internal/api"
	"github.com/bitdrive/bitdrive/internal/config"
	"github.com/bitdrive/bitdrive/internal/logging"
	"github.com/bitdrive/bitdrive/internal/merge"
	"github.com/bitdrive/bitdrive/internal/metadata/postgres"
	"github.com/bitdrive/bitdrive/internal/metrics"
	"github.com/bitdrive/bitdrive/internal/staging"
	"github.com/bitdrive/bitdrive/internal/storage"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("BitDrive Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("connecting to PostgreSQL...")
	metaStore, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	migrationsDir := findMigrationsDir(cfg.MigrationsDir)
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := metaStore.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	objects, err := storage.New(cfg.StorageRoot)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	logging.Info("object store initialized", zap.String("root", cfg.StorageRoot))

	stage, err := staging.New(cfg.StagingRoot)
	if err != nil {
		logging.Fatal("staging init failed", zap.Error(err))
	}
	logging.Info("chunk staging initialized", zap.String("root", cfg.StagingRoot))

	merger := merge.New(metaStore, objects, stage)

	srv := api.NewServer(metaStore, objects, stage, merger, cfg.MaxChunkSize)

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
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metaStore.UpdateConnectionMetrics()
				if n, err := stage.ActiveFingerprints(ctx); err == nil {
					metrics.SetStagingDirsActive(n)
				}
			}
		}
	}()

	// Periodic staging sweep reclaims abandoned uploads.
	go func() {
		ticker := time.NewTicker(cfg.StagingExpiry / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := stage.SweepExpired(ctx, cfg.StagingExpiry)
				if err != nil {
					logging.Error("staging sweep error", zap.Error(err))
				} else if removed > 0 {
					logging.Info("staging sweep", zap.Int("removed", removed))
				}
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}

// findMigrationsDir locates the migrations directory relative to the
// configured path, the working directory, or the binary.
func findMigrationsDir(configured string) string {
	candidates := []string{configured, "migrations"}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
