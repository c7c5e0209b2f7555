package schema

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/tenant-schema-service/internal/monitoring"
)

const dropTimeout = 30 * time.Second

// DDLExecutor runs administrative statements outside any transaction.
type DDLExecutor interface {
	ExecAdmin(ctx context.Context, sql string, args ...any) error
}

// MigrationRunner applies the tenant migration set to one schema.
type MigrationRunner interface {
	RunMigrations(ctx context.Context, schemaName string) error
}

// Seeder writes the reference rows a tenant schema needs before first use.
type Seeder interface {
	Seed(ctx context.Context, schemaName string) error
}

// Provisioner creates, migrates and seeds tenant schemas.
type Provisioner struct {
	ddl      DDLExecutor
	migrator MigrationRunner
	seeder   Seeder
}

func NewProvisioner(ddl DDLExecutor, migrator MigrationRunner, seeder Seeder) *Provisioner {
	return &Provisioner{ddl: ddl, migrator: migrator, seeder: seeder}
}

// Provision creates schemaName, runs the tenant migrations against it and
// seeds its defaults. On failure the partial schema is dropped and a
// *ProvisionError is returned.
func (p *Provisioner) Provision(ctx context.Context, schemaName string) error {
	if err := ValidateName(schemaName); err != nil {
		return err
	}

	start := time.Now()
	logger := log.With().Str("schema", schemaName).Logger()
	logger.Info().Msg("Provisioning schema")

	if err := p.provision(ctx, schemaName); err != nil {
		monitoring.SchemasProvisioned.WithLabelValues("failed").Inc()
		logger.Error().Err(err).Msg("Schema provisioning failed, dropping partial schema")
		if dropErr := p.Drop(ctx, schemaName); dropErr != nil {
			logger.Error().Err(dropErr).Msg("Failed to drop partial schema")
		}
		return &ProvisionError{Schema: schemaName, Err: err}
	}

	elapsed := time.Since(start)
	monitoring.SchemasProvisioned.WithLabelValues("success").Inc()
	monitoring.ProvisioningDuration.Observe(elapsed.Seconds())
	logger.Info().Dur("duration", elapsed).Msg("Schema provisioned")
	return nil
}

func (p *Provisioner) provision(ctx context.Context, schemaName string) error {
	if err := p.ddl.ExecAdmin(ctx, "CREATE SCHEMA IF NOT EXISTS "+QuoteIdentifier(schemaName)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := p.migrator.RunMigrations(ctx, schemaName); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if err := p.seeder.Seed(ctx, schemaName); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}
	return nil
}

// Drop removes schemaName and everything in it. It runs even when ctx is
// already cancelled.
func (p *Provisioner) Drop(ctx context.Context, schemaName string) error {
	if err := ValidateName(schemaName); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dropTimeout)
	defer cancel()

	return p.ddl.ExecAdmin(ctx, "DROP SCHEMA IF EXISTS "+QuoteIdentifier(schemaName)+" CASCADE")
}
