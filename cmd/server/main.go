package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/teresa-solution/tenant-schema-service/internal/admin"
	"github.com/teresa-solution/tenant-schema-service/internal/config"
	"github.com/teresa-solution/tenant-schema-service/internal/migrations"
	"github.com/teresa-solution/tenant-schema-service/internal/monitoring"
	"github.com/teresa-solution/tenant-schema-service/internal/router"
	"github.com/teresa-solution/tenant-schema-service/internal/schema"
	"github.com/teresa-solution/tenant-schema-service/internal/service"
	"github.com/teresa-solution/tenant-schema-service/internal/store"
)

const healthCheckInterval = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		setupLogging("info", "console")
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	var (
		port   = flag.Int("port", cfg.GRPCPort, "Port gRPC server")
		dbHost = flag.String("db-host", cfg.Database.Host, "Database host")
		dbPort = flag.Int("db-port", cfg.Database.Port, "Database port")
		dbUser = flag.String("db-user", cfg.Database.User, "Database user")
		dbPass = flag.String("db-pass", cfg.Database.Password, "Database password")
		dbName = flag.String("db-name", cfg.Database.Name, "Database name")
	)
	flag.Parse()
	cfg.GRPCPort = *port
	cfg.Database.Host, cfg.Database.Port = *dbHost, *dbPort
	cfg.Database.User, cfg.Database.Password, cfg.Database.Name = *dbUser, *dbPass, *dbName

	setupLogging(cfg.LogLevel, cfg.LogFormat)
	monitoring.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server stopped with error")
	}
	log.Info().Msg("Server exiting")
}

func setupLogging(level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func run(ctx context.Context, cfg *config.Config) error {
	dsn := cfg.Database.DSN()
	pool, err := router.NewPool(ctx, router.PoolConfig{
		ConnString:      dsn,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	db := router.New(pool, cfg.DefaultSchema)

	var cache store.RedisClient
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, tenant lookups will hit the database")
		}
		cache = client
	}

	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse DSN: %w", err)
	}
	runner := migrations.NewRunner(connConfig, cfg.DefaultSchema)

	poolRepo := store.NewSchemaPoolRepository(db)
	if err := poolRepo.CheckRegistry(ctx, cfg.DefaultSchema); err != nil {
		return fmt.Errorf("%w (run cmd/migrate first)", err)
	}
	tenantRepo := store.NewTenantRepository(db, cache, cfg.Redis.TTL)

	names, err := schema.NewNameGenerator(cfg.SchemaPool.Prefix, cfg.SchemaPool.SuffixLength, cfg.SchemaPool.NameAttempts)
	if err != nil {
		return err
	}
	provisioner := schema.NewProvisioner(db, runner, schema.NewDefaultsSeeder(db))
	poolSvc := service.NewSchemaPoolService(poolRepo, provisioner, names, service.SchemaPoolConfig{
		MinReady:     cfg.SchemaPool.MinReady,
		ClaimTimeout: cfg.SchemaPool.ClaimTimeout,
	})
	tenantSvc := service.NewTenantService(db, tenantRepo, poolSvc, db, service.TenantConfig{
		UsePool:         cfg.SchemaPool.Enabled,
		DefaultModules:  cfg.DefaultModules,
		FallbackTimeout: cfg.SchemaPool.FallbackTimeout,
	})

	if cfg.SchemaPool.Enabled {
		replenisher := service.NewReplenisher(poolSvc, cfg.SchemaPool.ReplenishInterval)
		replenisher.Start(ctx)
		defer replenisher.Stop()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           admin.NewHandler(poolSvc, tenantSvc, admin.RouterSchema{DB: db}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("gRPC server listening at %v", lis.Addr())
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("Admin HTTP server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		watchHealth(gctx, pool, healthServer)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})
	return g.Wait()
}

// watchHealth reports SERVING while the database answers pings.
func watchHealth(ctx context.Context, pool *pgxpool.Pool, hs *health.Server) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		status := healthpb.HealthCheckResponse_SERVING
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := pool.Ping(pingCtx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			log.Warn().Err(err).Msg("Database ping failed")
		}
		cancel()
		hs.SetServingStatus("", status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
