package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/knowyourmechanic/kym-api/internal/config"
	"github.com/knowyourmechanic/kym-api/internal/infra"
	"github.com/knowyourmechanic/kym-api/internal/logging"
	"github.com/knowyourmechanic/kym-api/internal/notification"
	"github.com/knowyourmechanic/kym-api/internal/routes"
	"github.com/knowyourmechanic/kym-api/internal/server"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply pending migrations before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel)
	ctx := context.Background()

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if serveMigrate {
			if err := infra.Migrate(ctx, db, logger); err != nil {
				return err
			}
		}
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	} else {
		logger.Warn("REDIS_URL not set, idempotency and OTP rate limiting are disabled")
	}

	notifier, closer, err := buildNotifier(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Warn("close notifier", "error", err)
		}
	}()

	srv, err := server.New(routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger, Notifier: notifier})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()
	logger.Info("server listening", "addr", cfg.Address(), "env", cfg.AppEnv, "otp_delivery", cfg.OTPDelivery)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server exited cleanly")
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func buildNotifier(cfg config.Config, logger *slog.Logger) (notification.Notifier, io.Closer, error) {
	switch cfg.OTPDelivery {
	case config.DeliveryAMQP:
		n, err := notification.NewAMQPNotifier(cfg.RabbitURL, cfg.NotifyExchange)
		if err != nil {
			return nil, nil, err
		}
		return n, n, nil
	default:
		return notification.NewLoggerNotifier(logger), nopCloser{}, nil
	}
}
