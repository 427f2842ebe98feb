package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edusandbox/config"
	zap_betterstack "edusandbox/logger"
	"edusandbox/natshandler"
	"edusandbox/pkg"
	"edusandbox/routes"
	"edusandbox/service"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	var (
		timeout  time.Duration
		httpOnly bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve execution requests over NATS and HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), timeout, httpOnly)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "maximum run time before the context is restarted")
	cmd.Flags().BoolVar(&httpOnly, "http-only", false, "do not connect to NATS")
	return cmd
}

func serve(parent context.Context, timeout time.Duration, httpOnly bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	logger, err := zap_betterstack.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	runLog := zap_betterstack.NewRunLogStreamer(cfg.BetterStackSourceToken, cfg.Environment, cfg.BetterStackUploadURL, logger)

	env, cleanup, err := newEnvironment(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	coordinator := service.NewCoordinator(env, service.Config{
		MaxCodeLength: cfg.MaxCodeLength,
		Logger:        logger,
		RunLog:        runLog,
	})

	if !httpOnly {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			logger.Error("Failed to connect to NATS", zap.String("url", cfg.NatsURL), zap.Error(err))
			return err
		}
		defer nc.Close()

		h := natshandler.NewHandler(nc, coordinator, timeout, logger)
		if _, err := h.Subscribe(nc); err != nil {
			return err
		}
		logger.Info("listening on NATS", zap.String("url", cfg.NatsURL))
	}

	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	limiter := pkg.NewRateLimiter(time.Duration(cfg.RateLimitMS)*time.Millisecond, logger)
	router := routes.SetupRouter(routes.NewExecutionService(coordinator, env, timeout, logger), limiter)
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on HTTP", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
