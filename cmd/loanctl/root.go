package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/pesio-ai/be-loan-approvals/internal/app"
	"github.com/pesio-ai/be-loan-approvals/internal/cache"
	"github.com/pesio-ai/be-loan-approvals/pkg/config"
	"github.com/pesio-ai/be-loan-approvals/pkg/database"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loanctl",
		Short:         "Loan approval workflow administration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newTiersCmd())
	cmd.AddCommand(newReconcileCmd())
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is the shared runtime of a command. The Redis client is set when
// REDIS_URL is configured, so tier writes invalidate the server's cache.
type env struct {
	cfg *config.Config
	log *logger.Logger
	db  *database.DB
	rdb *redis.Client
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: "loanctl",
		Version:     cfg.Service.Version,
		Output:      os.Stderr,
	})

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	e := &env{cfg: cfg, log: log, db: db}

	if cfg.Redis.URL != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		e.rdb = rdb
	}
	return e, nil
}

func (e *env) services() *app.Services {
	opts := app.Options{QuorumFraction: e.cfg.Committee.QuorumFraction}
	if e.rdb != nil {
		opts.TierCache = cache.NewTierCache(e.rdb, e.cfg.Redis.TierCacheTTL, e.log.Component("tier_cache").Logger)
	}
	return app.New(e.db, opts, e.log)
}

func (e *env) close() {
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
	e.db.Close()
}
