package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/pesio-ai/be-loan-approvals/internal/app"
	"github.com/pesio-ai/be-loan-approvals/internal/cache"
	"github.com/pesio-ai/be-loan-approvals/internal/client"
	"github.com/pesio-ai/be-loan-approvals/internal/handler"
	"github.com/pesio-ai/be-loan-approvals/internal/tracing"
	"github.com/pesio-ai/be-loan-approvals/migrations"
	"github.com/pesio-ai/be-loan-approvals/pkg/config"
	"github.com/pesio-ai/be-loan-approvals/pkg/database"
	"github.com/pesio-ai/be-loan-approvals/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Loan Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	// Initialize database
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
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	applied, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to apply migrations")
	}
	log.Info().Ints64("applied", applied).Msg("Database migrations up to date")

	opts := app.Options{QuorumFraction: cfg.Committee.QuorumFraction}

	if cfg.Redis.URL != "" {
		rdb, err := cache.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer rdb.Close()
		opts.TierCache = cache.NewTierCache(rdb, cfg.Redis.TierCacheTTL, log.Component("tier_cache").Logger)
		log.Info().Dur("ttl", cfg.Redis.TierCacheTTL).Msg("Tier cache enabled")
	}

	if cfg.NATS.URL != "" {
		nc, err := client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Drain()
		opts.Events = client.NewEventPublisher(nc, cfg.NATS.SubjectPrefix, log.Component("events").Logger)
		log.Info().Str("subject_prefix", cfg.NATS.SubjectPrefix).Msg("Workflow events enabled")
	}

	// Initialize services
	svc := app.New(db, opts, log)
	if err := svc.Router.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Stage router page table is inconsistent")
	}
	if _, err := svc.Catalog.ListActiveTiers(ctx); err != nil {
		log.Warn().Err(err).Msg("Approval tier catalog is not ready; actions will fail until it is fixed")
	}

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(svc.Workflow, svc.Committee, svc.Catalog, svc.Resolver, svc.Router, db, log.Component("http"))
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	router := handler.NewRouter(httpHandler, handler.RouterConfig{
		CORSOrigins:    cfg.Server.CORSOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
		MetricsPath:    metricsPath,
	}, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	health := handler.NewHealthMonitor(db, cfg.Service.Name, 15*time.Second, log.Component("grpc_health"))
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(handler.UnaryLogging(log)))
	health.Register(grpcServer, !cfg.IsProduction())
	go health.Run(ctx)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	health.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Tracing shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
