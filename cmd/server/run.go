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

	"github.com/go-chi/chi/v5"

	"sentencemix/internal/analysis"
	"sentencemix/internal/coordinator"
	"sentencemix/internal/downloader"
	"sentencemix/internal/platform/config"
	"sentencemix/internal/platform/executil"
	"sentencemix/internal/platform/logger"
	"sentencemix/internal/platform/metrics"
	"sentencemix/internal/renderer"
)

func run(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	exec := executil.RealExecutor{}
	met := metrics.New()

	fetcher, err := downloader.NewYTDLP(cfg.FetchCommand, cfg.FetchAttempts, cfg.FetchBackoff(), exec, log)
	if err != nil {
		return err
	}
	transcoder, err := downloader.NewFFmpeg(cfg.FFmpegCommand, exec)
	if err != nil {
		return err
	}
	dl := downloader.New(cfg.VideosDir, fetcher, transcoder, log)

	engine, err := analysis.NewProcessEngine(cfg.AnalysisCommand, exec)
	if err != nil {
		return err
	}
	cache := analysis.NewCache(engine, log)
	defer cache.Close()

	rd, err := renderer.New(cfg.FFmpegCommand, cfg.ArtifactsDir, exec, log)
	if err != nil {
		return err
	}

	coord := coordinator.New(dl, cache, rd,
		coordinator.WithLogger(log),
		coordinator.WithMetrics(met))
	h := coordinator.NewHandler(coord, log, met, cfg.OutboxSize)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveSessions(coord.SessionCount())
			met.SetProjects(coord.ProjectCount())
			s := cache.Stats()
			met.SetAnalysisCache(s.Entries, s.Hits, s.Misses, s.EngineCalls)
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	addr := ":" + cfg.Port
	srv := &http.Server{Addr: addr, Handler: r}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("server starting",
		slog.String("port", cfg.Port),
		slog.String("videos_dir", cfg.VideosDir),
		slog.String("artifacts_dir", cfg.ArtifactsDir),
		slog.String("analysis_command", cfg.AnalysisCommand),
		slog.String("log_level", cfg.LogLevel))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		coord.Close()
		return fmt.Errorf("server error: %w", err)
	case <-sigCtx.Done():
	}

	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}
	coord.Close()

	log.Info("server stopped")
	return nil
}
