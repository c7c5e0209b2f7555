package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

//go:embed shared/*.sql
var sharedFS embed.FS

//go:embed tenant/*.sql
var tenantFS embed.FS

const migrationsTable = "schema_migrations"

// Runner applies embedded migration sets. Every run opens its own
// single-connection database handle whose session search_path is pinned to
// the target schema, so migrations never touch the shared request pool.
type Runner struct {
	connConfig   *pgx.ConnConfig
	sharedSchema string
}

// NewRunner creates a Runner. sharedSchema holds the tenant registry.
func NewRunner(connConfig *pgx.ConnConfig, sharedSchema string) *Runner {
	if connConfig == nil {
		panic("migrations runner requires connection config")
	}
	return &Runner{connConfig: connConfig, sharedSchema: sharedSchema}
}

// RunMigrations applies the tenant migration set to schemaName. It is
// idempotent: an up-to-date schema is left untouched.
func (r *Runner) RunMigrations(ctx context.Context, schemaName string) error {
	latest, err := latestVersion(tenantFS, "tenant")
	if err != nil {
		return err
	}
	m, err := r.open(tenantFS, "tenant", schemaName)
	if err != nil {
		return err
	}
	defer closeMigrate(m, schemaName)

	if err := up(ctx, m, latest); err != nil {
		return fmt.Errorf("migrate schema %s: %w", schemaName, err)
	}
	return nil
}

// SharedUp applies the registry migrations to the shared schema.
func (r *Runner) SharedUp(ctx context.Context) error {
	latest, err := latestVersion(sharedFS, "shared")
	if err != nil {
		return err
	}
	m, err := r.open(sharedFS, "shared", r.sharedSchema)
	if err != nil {
		return err
	}
	defer closeMigrate(m, r.sharedSchema)

	return up(ctx, m, latest)
}

// SharedDown reverts every registry migration.
func (r *Runner) SharedDown() error {
	m, err := r.open(sharedFS, "shared", r.sharedSchema)
	if err != nil {
		return err
	}
	defer closeMigrate(m, r.sharedSchema)

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// SharedForce marks the registry at version without running migrations.
func (r *Runner) SharedForce(version int) error {
	m, err := r.open(sharedFS, "shared", r.sharedSchema)
	if err != nil {
		return err
	}
	defer closeMigrate(m, r.sharedSchema)

	return m.Force(version)
}

func (r *Runner) open(fsys fs.FS, dir, schemaName string) (*migrate.Migrate, error) {
	source, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("open %s migrations: %w", dir, err)
	}

	db := r.openDB(schemaName)
	driver, err := postgres.WithInstance(db, &postgres.Config{
		SchemaName:      schemaName,
		MigrationsTable: migrationsTable,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migration driver for %s: %w", schemaName, err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("create migrator for %s: %w", schemaName, err)
	}
	m.Log = migrateLogger{logger: log.With().Str("schema", schemaName).Logger()}
	return m, nil
}

func (r *Runner) openDB(schemaName string) *sql.DB {
	cfg := r.connConfig.Copy()
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = map[string]string{}
	}
	cfg.RuntimeParams["search_path"] = pgx.Identifier{schemaName}.Sanitize()

	db := stdlib.OpenDB(*cfg)
	db.SetMaxOpenConns(1)
	return db
}

// up runs pending migrations, stopping after the current one if ctx ends.
// A run that reached latest succeeds even if ctx ended meanwhile.
func up(ctx context.Context, m *migrate.Migrate, latest uint) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	if ctx.Err() != nil && !atVersion(m, latest) {
		return ctx.Err()
	}
	return nil
}

type versioner interface {
	Version() (version uint, dirty bool, err error)
}

// atVersion reports whether m sits cleanly on version.
func atVersion(m versioner, version uint) bool {
	v, dirty, err := m.Version()
	return err == nil && !dirty && v == version
}

// latestVersion returns the highest migration version in dir.
func latestVersion(fsys fs.FS, dir string) (uint, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return 0, fmt.Errorf("open %s migrations: %w", dir, err)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("read %s migrations: %w", dir, err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read %s migrations: %w", dir, err)
		}
		v = next
	}
}

func closeMigrate(m *migrate.Migrate, schemaName string) {
	srcErr, dbErr := m.Close()
	if srcErr != nil || dbErr != nil {
		log.Warn().Str("schema", schemaName).AnErr("source", srcErr).AnErr("database", dbErr).Msg("Failed to close migrator")
	}
}

type migrateLogger struct {
	logger zerolog.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug().Msgf(format, v...)
}

func (l migrateLogger) Verbose() bool {
	return l.logger.GetLevel() <= zerolog.DebugLevel
}
