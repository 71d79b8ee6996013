package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/web3-frozen/yield-loops/internal/app"
	"github.com/web3-frozen/yield-loops/internal/config"
	"github.com/web3-frozen/yield-loops/internal/handler"
	"github.com/web3-frozen/yield-loops/internal/middleware"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	var refresher handler.Refresher
	if a.Engine != nil {
		refresher = a.Engine
		go a.Engine.Run(ctx)
	}

	var deps []handler.Pinger
	if a.DB != nil {
		deps = append(deps, a.DB)
	}
	if a.Redis != nil {
		deps = append(deps, a.Redis)
	}

	// HTTP routes
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS(cfg.FrontendOrigin))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", handler.Health())
	r.Get("/readyz", handler.Ready(deps...))

	r.Route("/api", func(r chi.Router) {
		r.Get("/loops", handler.Loops(a.Source(), a.Defaults, logger))
		r.Get("/chains", handler.Chains())
		r.Get("/protocols", handler.Protocols(a.Service.Protocols()))
		r.Get("/refresh", handler.RefreshStatus(refresher))
		r.Post("/refresh", handler.TriggerRefresh(refresher))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "source", cfg.LoopsSource)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gracefully")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
