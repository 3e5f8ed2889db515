package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"

	"outreach/internal/accounts"
	"outreach/internal/auth"
	"outreach/internal/campaign"
	"outreach/internal/config"
	"outreach/internal/dispatch"
	httpapi "outreach/internal/http"
	"outreach/internal/inbox"
	"outreach/internal/lock"
	"outreach/internal/logging"
	"outreach/internal/platform/gateway"
	"outreach/internal/scheduler"
	"outreach/internal/storage"
	"outreach/internal/verifier"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		zlog.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	zlog.Logger = logger

	store, err := storage.Open(cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer store.Close()

	var locks lock.Locker = lock.NewLocal()
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Address).Msg("redis unreachable")
		}
		locks = lock.NewRedis(rdb, cfg.Redis.LockTTL)
	}

	client := gateway.New(gateway.Config{
		URL:     cfg.Gateway.URL,
		Token:   cfg.Gateway.Token,
		Timeout: cfg.Gateway.Timeout,
	}, logging.Component(logger, "gateway"))

	authManager := auth.New(store, client, locks, cfg.Auth, logger)
	v := verifier.New(store, client, locks, cfg.Verifier, logger)
	engine := dispatch.New(store, client, locks, cfg.Dispatch, logger)
	ctl := campaign.New(store, v, engine, logger)
	registry := accounts.NewRegistry(store, logger)
	messages := inbox.New(store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Scheduler.Enabled {
		sched, err := scheduler.New(ctl, store, cfg.Scheduler.Interval, cfg.Dispatch.BatchSize, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create scheduler")
		}
		sched.Start()
		defer sched.Stop()
	}

	api := httpapi.New(httpapi.Deps{
		Accounts:     registry,
		Auth:         authManager,
		Campaigns:    ctl,
		Inbox:        messages,
		Log:          logger,
		InboundToken: cfg.Gateway.InboundToken,
		Background:   ctx,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           api.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.Server.Address).
			Bool("redis", cfg.Redis.Enabled).
			Bool("scheduler", cfg.Scheduler.Enabled).
			Msg("HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown failed")
	}

	// ctx is done, so running verifications are already winding down and
	// only need to record where they stopped before the store closes.
	api.Wait()
	logger.Info().Msg("background jobs finished")
}
