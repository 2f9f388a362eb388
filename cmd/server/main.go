package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/coderunr/judgesession/internal/config"
	"github.com/coderunr/judgesession/internal/handler"
	"github.com/coderunr/judgesession/internal/middleware"
	"github.com/coderunr/judgesession/internal/runtime"
	"github.com/coderunr/judgesession/internal/sandbox"
	"github.com/coderunr/judgesession/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	logger := logrus.New()
	logger.SetLevel(cfg.GetLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	logger.Info("starting judge session engine")

	if err := ensureDataDirectories(cfg); err != nil {
		logger.WithError(err).Fatal("failed to create data directories")
	}

	runtimeManager := runtime.NewManager(cfg)
	if err := runtimeManager.LoadPackages(); err != nil {
		logger.WithError(err).Fatal("failed to load packages")
	}

	provisioner := sandbox.NewProvisioner(cfg)
	sessionServer := session.NewServer(provisioner, cfg)

	h := handler.NewHandler(logger)

	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.BodyLimit(cfg.RequestBodyLimit))

	// The /judge duplex transport is exempt from the JSON content-type
	// middleware and from the short request timeout: sessions are
	// long-lived and framed per-message, not per-HTTP-request.
	r.HandleFunc("/judge", sessionServer.HandleJudge)

	r.Group(func(r chi.Router) {
		r.Use(middleware.JSON)
		r.Use(chiMiddleware.Timeout(30 * time.Second))
		r.Get("/runtimes", h.GetRuntimes)
	})

	r.Get("/", h.GetVersion)
	r.Get("/health", h.GetHealth)
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.GetBindAddress(),
		Handler: r,
		// No blanket WriteTimeout: /judge sessions are long-lived.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Infof("judge session engine listening on %s", cfg.GetBindAddress())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
		os.Exit(1)
	}

	logger.Info("server exited")
}

func ensureDataDirectories(cfg *config.Config) error {
	directories := []string{
		cfg.DataDirectory,
		cfg.DataDirectory + "/packages",
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
