// cloudsyncd keeps a local bookmark directory in sync with its cloud
// replica.
//
// Features:
// - Bidirectional reconciliation with last-writer-wins by mtime
// - Trash-based cloud deletion and version conflict resolution
// - fsnotify local monitor, polling S3 cloud monitor
// - Prometheus metrics & structured logging (zap)
//
// Signals: SIGINT/SIGTERM stop the daemon; SIGUSR1 simulates the
// application entering background, SIGUSR2 becoming active again.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kirylkaveryn/organicmaps/internal/cache"
	"github.com/kirylkaveryn/organicmaps/internal/cloud"
	"github.com/kirylkaveryn/organicmaps/internal/config"
	"github.com/kirylkaveryn/organicmaps/internal/lifecycle"
	"github.com/kirylkaveryn/organicmaps/internal/logging"
	"github.com/kirylkaveryn/organicmaps/internal/metrics"
	"github.com/kirylkaveryn/organicmaps/internal/monitor"
	"github.com/kirylkaveryn/organicmaps/internal/orchestrator"
	"github.com/kirylkaveryn/organicmaps/internal/prefs"
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
		File:   cfg.LogFile,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.L().Info("cloudsyncd starting",
		zap.String("dir", cfg.BookmarksDir),
		zap.String("bucket", cfg.S3Bucket),
		zap.String("device", cfg.DeviceName))

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logging.L().Warn("metrics server failed", zap.Error(err))
			}
		}()
	}

	store, err := cloud.NewS3Store(context.Background(), cloud.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Bucket:    cfg.S3Bucket,
		Prefix:    cfg.S3Prefix,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Region:    cfg.S3Region,
		UseSSL:    cfg.S3UseSSL,
	})
	if err != nil {
		logging.L().Fatal("cloud store init failed", zap.Error(err))
	}
	defer store.Close()

	dlCache, err := cache.New(cfg.CacheDir)
	if err != nil {
		logging.L().Fatal("download cache init failed", zap.Error(err))
	}

	pref, err := prefs.Open(cfg.StatePath)
	if err != nil {
		logging.L().Fatal("preferences init failed", zap.Error(err))
	}

	var ctrl *lifecycle.Controller

	orch := orchestrator.New(orchestrator.Config{
		LocalDir: cfg.BookmarksDir,
		Device:   cfg.DeviceName,
		Store:    store,
		Cache:    dlCache,
		OnError: func(err error) {
			if ctrl != nil {
				ctrl.HandleError(err)
			}
		},
		OnInitialSyncDone: func() {
			if err := pref.SetInitialSyncDone(true); err != nil {
				logging.L().Warn("persisting initial-sync flag failed", zap.Error(err))
			}
		},
	})
	orch.Start()
	defer orch.Stop()

	ctrl = lifecycle.New(lifecycle.Config{
		Orch:            orch,
		InitialSyncDone: pref.InitialSyncDone(),
	})
	ctrl.Attach(
		monitor.NewLocal(cfg.BookmarksDir, cfg.Extension, cfg.CoalesceInterval, ctrl),
		monitor.NewCloud(store, dlCache, cfg.Extension, cfg.CloudPollInterval, ctrl),
	)

	if err := ctrl.Start(); err != nil {
		logging.L().Fatal("sync start failed", zap.Error(err))
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)

	for sig := range signals {
		switch sig {
		case syscall.SIGUSR1:
			logging.L().Info("entering background")
			ctrl.OnAppDidEnterBackground()
		case syscall.SIGUSR2:
			logging.L().Info("becoming active")
			ctrl.OnAppDidBecomeActive()
		default:
			logging.L().Info("shutting down", zap.String("signal", sig.String()))
			ctrl.Stop()
			return
		}
	}
}
