package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"media-cache/internal/cache"
	"media-cache/internal/fetch"
	"media-cache/internal/handlers"
	"media-cache/internal/logging"
	"media-cache/internal/middleware"
	"media-cache/internal/scheduler"
	"media-cache/internal/startup"
	"media-cache/internal/store"
	"media-cache/internal/thumbs"
)

func main() {
	startTime := time.Now()

	config, err := startup.LoadConfig()
	if err != nil {
		logging.Fatal("Configuration error: %v", err)
	}

	// libvips is optional; without it thumbnails fall back to pure Go decoding.
	thumbs.InitVips()
	defer thumbs.ShutdownVips()

	engine := cache.New(
		cache.Config{
			CacheRoot:         config.CacheDir,
			MaxThumbDimension: config.ThumbnailMaxDim,
			Scheduler: scheduler.Config{
				QueueCapacity: config.QueueCapacity,
			},
		},
		store.NewSQLite(config.DatabasePath),
		store.Config{
			OpTimeout:          config.StoreOpTimeout,
			CheckpointInterval: config.CheckpointInterval,
		},
		fetch.New(fetch.DefaultRetryConfig()),
		thumbs.NewGenerator(config.CacheDir),
	)

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 30*time.Second)
	if err := engine.Open(openCtx); err != nil {
		cancelOpen()
		logging.Fatal("Failed to open media cache: %v", err)
	}
	cancelOpen()

	h := handlers.New(engine)

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	mwConfig := middleware.Config{LogHealthChecks: config.LogHealthChecks}
	handler := middleware.Logger(mwConfig)(middleware.Metrics()(router))

	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	var metricsSrv *http.Server
	if config.MetricsEnabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:         ":" + config.MetricsPort,
			Handler:      metricsMux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logging.Info("Metrics listening on :%s", config.MetricsPort)
			if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("Metrics server error: %v", err)
			}
		}()
	}

	go handleShutdown(srv, metricsSrv, engine)

	logging.Info("Server listening on :%s (started in %v)",
		config.Port, time.Since(startTime).Round(time.Millisecond))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("Server error: %v", err)
	}
}

// handleShutdown drains in-flight work before exiting: HTTP first so no new
// operations arrive, then the engine so queued store writes land on disk.
func handleShutdown(srv, metricsSrv *http.Server, engine *cache.Engine) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logging.Info("Received signal %v, shutting down gracefully...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("HTTP shutdown error: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			logging.Error("Metrics shutdown error: %v", err)
		}
	}
	if err := engine.Close(ctx); err != nil {
		logging.Error("Engine close error: %v", err)
	}

	logging.Info("Shutdown complete")
	os.Exit(0)
}
