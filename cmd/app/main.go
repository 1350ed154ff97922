package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "referral-ledger-backend/docs"
	"referral-ledger-backend/internal/app"
	"referral-ledger-backend/internal/common/config"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/platform/postgres"
	"referral-ledger-backend/internal/platform/redis"
)

// @title           Referral Ledger API
// @version         1.0
// @description     Referral attribution, fraud scoring, tiered rewards and claims for Web3 wallets.

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description "Bearer <token>" issued by POST /auth/token

// @securityDefinitions.apikey TelegramInitData
// @in header
// @name X-Telegram-Init-Data
// @description Telegram Mini App init-data string

// @tag.name identity
// @tag.description Wallets, devices and bindings

// @tag.name referrals
// @tag.description Referral codes, redemption and review

// @tag.name rewards
// @tag.description Tiered reward balances

// @tag.name claims
// @tag.description Claim ledger and settlement state

// @tag.name sessions
// @tag.description Wallet sessions per device

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger.Init("referral-ledger-backend", cfg.Debug)

	if err := run(cfg); err != nil {
		logger.Error().Err(err).Msg("Service stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("Server exited")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("storage", cfg.Storage).
		Bool("debug", cfg.Debug).
		Bool("settlement", cfg.Settlement.Enabled).
		Msg("Starting referral ledger")

	infra, closeInfra, err := openInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeInfra()

	a, err := app.New(ctx, cfg, infra)
	if err != nil {
		return fmt.Errorf("wire app: %w", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.Scheduler.Start(gctx)
	})
	if a.Worker != nil {
		g.Go(func() error {
			a.Worker.Start(gctx)
			return nil
		})
	}

	// Wait for a signal or for any component to fail
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.Scheduler.Stop(shutdownCtx)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	return g.Wait()
}

// openInfra connects Postgres and Redis unless storage is in memory.
func openInfra(ctx context.Context, cfg *config.Config) (app.Infra, func(), error) {
	if cfg.Storage == config.StorageMemory {
		logger.Warn().Msg("In-memory storage: state is lost on restart and settlement runs manually")
		return app.Infra{}, func() {}, nil
	}

	pg, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return app.Infra{}, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if cfg.Postgres.AutoMigrate {
		if err := postgres.Migrate(ctx, pg.DB()); err != nil {
			_ = pg.Close()
			return app.Infra{}, nil, fmt.Errorf("migrate: %w", err)
		}
	}

	rdb, err := redis.Open(ctx, cfg.Redis)
	if err != nil {
		_ = pg.Close()
		return app.Infra{}, nil, fmt.Errorf("connect redis: %w", err)
	}

	closeAll := func() {
		if err := rdb.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close redis")
		}
		if err := pg.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close postgres")
		}
	}
	return app.Infra{Postgres: pg, Redis: rdb}, closeAll, nil
}
