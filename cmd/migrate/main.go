package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/tenant-schema-service/internal/config"
	"github.com/teresa-solution/tenant-schema-service/internal/migrations"
	"github.com/teresa-solution/tenant-schema-service/internal/model"
	"github.com/teresa-solution/tenant-schema-service/internal/router"
	"github.com/teresa-solution/tenant-schema-service/internal/schema"
	"github.com/teresa-solution/tenant-schema-service/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	var (
		dbHost  = flag.String("db-host", cfg.Database.Host, "Database host")
		dbPort  = flag.Int("db-port", cfg.Database.Port, "Database port")
		dbUser  = flag.String("db-user", cfg.Database.User, "Database user")
		dbPass  = flag.String("db-pass", cfg.Database.Password, "Database password")
		dbName  = flag.String("db-name", cfg.Database.Name, "Database name")
		command = flag.String("command", "up", "Migration command (up, down, force, tenants, prune-errors)")
		version = flag.Int("version", 1, "Version for the force command")
	)
	flag.Parse()
	cfg.Database.Host, cfg.Database.Port = *dbHost, *dbPort
	cfg.Database.User, cfg.Database.Password, cfg.Database.Name = *dbUser, *dbPass, *dbName

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connConfig, err := pgx.ParseConfig(cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse DSN")
	}
	runner := migrations.NewRunner(connConfig, cfg.DefaultSchema)

	switch *command {
	case "up":
		log.Info().Msg("Applying migrations...")
		if err := runner.SharedUp(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		log.Info().Msg("Migrations applied successfully")
	case "down":
		log.Info().Msg("Reverting migrations...")
		if err := runner.SharedDown(); err != nil {
			log.Fatal().Err(err).Msg("Failed to revert migrations")
		}
		log.Info().Msg("Migrations reverted successfully")
	case "force":
		log.Info().Int("version", *version).Msg("Forcing migration version...")
		if err := runner.SharedForce(*version); err != nil {
			log.Fatal().Err(err).Msg("Failed to force migration version")
		}
		log.Info().Msg("Migration version forced successfully")
	case "tenants":
		if err := withRegistry(ctx, cfg, func(_ *router.Router, pool *store.SchemaPoolRepository) error {
			return migrateTenants(ctx, runner, pool)
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate tenant schemas")
		}
	case "prune-errors":
		if err := withRegistry(ctx, cfg, func(db *router.Router, pool *store.SchemaPoolRepository) error {
			return pruneErrors(ctx, schema.NewProvisioner(db, nil, nil), pool)
		}); err != nil {
			log.Fatal().Err(err).Msg("Failed to prune failed pool entries")
		}
	default:
		log.Fatal().Msgf("Unknown command: %s", *command)
	}
}

func withRegistry(ctx context.Context, cfg *config.Config, fn func(*router.Router, *store.SchemaPoolRepository) error) error {
	pool, err := router.NewPool(ctx, router.PoolConfig{ConnString: cfg.Database.DSN(), MaxConns: 4})
	if err != nil {
		return err
	}
	defer pool.Close()

	db := router.New(pool, cfg.DefaultSchema)
	poolRepo := store.NewSchemaPoolRepository(db)
	if err := poolRepo.CheckRegistry(ctx, cfg.DefaultSchema); err != nil {
		return err
	}
	return fn(db, poolRepo)
}

// migrateTenants re-runs the tenant migration set on every pooled and live
// tenant schema. Failures are counted and the remaining schemas still run.
func migrateTenants(ctx context.Context, runner *migrations.Runner, pool *store.SchemaPoolRepository) error {
	targets, err := pool.ListLiveSchemas(ctx)
	if err != nil {
		return err
	}

	failed := 0
	for _, name := range targets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := runner.RunMigrations(ctx, name); err != nil {
			failed++
			log.Error().Err(err).Str("schema", name).Msg("Tenant schema migration failed")
			continue
		}
		log.Info().Str("schema", name).Msg("Tenant schema migrated")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tenant schemas failed to migrate", failed, len(targets))
	}
	log.Info().Int("schemas", len(targets)).Msg("Tenant schemas migrated successfully")
	return nil
}

// pruneErrors drops the leftovers of failed provisionings and hides their
// ERROR entries from the pool.
func pruneErrors(ctx context.Context, provisioner *schema.Provisioner, pool *store.SchemaPoolRepository) error {
	entries, err := pool.ListByStatus(ctx, model.PoolStatusError)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := provisioner.Drop(ctx, e.SchemaName); err != nil {
			log.Error().Err(err).Str("schema", e.SchemaName).Msg("Failed to drop schema")
			continue
		}
		if err := pool.SoftDelete(ctx, e.ID, "cmd/migrate"); err != nil {
			return err
		}
		log.Info().Str("schema", e.SchemaName).Msg("Pruned failed pool entry")
	}
	return nil
}
