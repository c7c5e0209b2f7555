package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/tenant-schema-service/internal/model"
	"github.com/teresa-solution/tenant-schema-service/internal/router"
)

const poolColumns = `id, schema_name, status, assigned_at, deleted, deleted_at, deleted_by, created_at, updated_at`

// SchemaPoolRepository handles the schema_pool table in the shared schema.
type SchemaPoolRepository struct {
	db *router.Router
}

func NewSchemaPoolRepository(db *router.Router) *SchemaPoolRepository {
	return &SchemaPoolRepository{db: db}
}

// Create inserts entry. ID and timestamps are filled in when empty.
func (r *SchemaPoolRepository) Create(ctx context.Context, entry *model.SchemaPoolEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if !entry.Status.Valid() {
		return fmt.Errorf("invalid pool status %q", entry.Status)
	}

	query := `INSERT INTO schema_pool (id, schema_name, status)
              VALUES ($1, $2, $3)
              RETURNING created_at, updated_at`
	return r.db.WithSharedConn(ctx, func(c *router.Conn) error {
		err := c.QueryRow(ctx, query, entry.ID, entry.SchemaName, entry.Status).Scan(&entry.CreatedAt, &entry.UpdatedAt)
		if isSchemaNameConflict(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateSchemaName, entry.SchemaName)
		}
		return err
	})
}

// CountByStatus counts live entries in status.
func (r *SchemaPoolRepository) CountByStatus(ctx context.Context, status model.PoolStatus) (int, error) {
	var count int
	err := r.db.WithSharedConn(ctx, func(c *router.Conn) error {
		return c.QueryRow(ctx,
			`SELECT COUNT(*) FROM schema_pool WHERE status = $1 AND deleted = FALSE`, status,
		).Scan(&count)
	})
	return count, err
}

// SchemaNameTaken reports whether name is used by a pool entry, a tenant, or
// an existing database schema.
func (r *SchemaPoolRepository) SchemaNameTaken(ctx context.Context, name string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM schema_pool WHERE schema_name = $1)
                  OR EXISTS (SELECT 1 FROM tenants WHERE schema_name = $1)
                  OR EXISTS (SELECT 1 FROM pg_catalog.pg_namespace WHERE nspname = $1)`
	var taken bool
	err := r.db.WithSharedConn(ctx, func(c *router.Conn) error {
		return c.QueryRow(ctx, query, name).Scan(&taken)
	})
	return taken, err
}

// Stats aggregates live entries by status. Every status is present in the
// result, zero when it has no rows.
func (r *SchemaPoolRepository) Stats(ctx context.Context, minReady int) (model.SchemaPoolStats, error) {
	counts := make(map[model.PoolStatus]int, len(model.PoolStatuses))
	var lastReady *time.Time

	err := r.db.WithSharedConn(ctx, func(c *router.Conn) error {
		rows, err := c.Query(ctx, `SELECT status, COUNT(*) FROM schema_pool WHERE deleted = FALSE GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var status model.PoolStatus
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[status] = n
		}
		if err := rows.Err(); err != nil {
			return err
		}

		return c.QueryRow(ctx,
			`SELECT MAX(created_at) FROM schema_pool WHERE status = $1 AND deleted = FALSE`, model.PoolStatusReady,
		).Scan(&lastReady)
	})
	if err != nil {
		return model.SchemaPoolStats{}, fmt.Errorf("query pool stats: %w", err)
	}
	return model.NewSchemaPoolStats(counts, minReady, lastReady), nil
}

// ClaimOldestReady locks the oldest READY entry inside tx and flips it to
// ASSIGNED. Rows locked by concurrent claimants are skipped, so each entry
// is handed out once. The lock wait is bounded by lockTimeout and by the
// deadline of ctx; running out of time, like finding no row, yields
// ErrNoReadySchema.
func (r *SchemaPoolRepository) ClaimOldestReady(ctx context.Context, tx pgx.Tx, lockTimeout time.Duration) (*model.SchemaPoolEntry, error) {
	// savepoint, so a lock timeout does not abort the caller's transaction
	sp, err := tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim savepoint: %w", err)
	}
	defer sp.Rollback(ctx) // nolint:errcheck

	var previousTimeout string
	if lockTimeout > 0 {
		if err := sp.QueryRow(ctx, `SELECT current_setting('lock_timeout')`).Scan(&previousTimeout); err != nil {
			return nil, fmt.Errorf("read lock_timeout: %w", err)
		}
		if _, err := sp.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`,
			fmt.Sprintf("%dms", lockTimeout.Milliseconds())); err != nil {
			return nil, fmt.Errorf("set lock_timeout: %w", err)
		}
	}

	entry, err := scanPoolEntry(sp.QueryRow(ctx, `SELECT `+poolColumns+`
              FROM schema_pool
              WHERE status = $1 AND deleted = FALSE
              ORDER BY created_at, id
              LIMIT 1
              FOR UPDATE SKIP LOCKED`, model.PoolStatusReady))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoReadySchema
	}
	if isLockWait(err) || errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Msg("Timed out waiting for schema pool lock")
		return nil, fmt.Errorf("%w: %w", ErrNoReadySchema, ErrClaimTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("lock ready schema: %w", err)
	}

	err = sp.QueryRow(ctx, `UPDATE schema_pool
              SET status = $2, assigned_at = now(), updated_at = now()
              WHERE id = $1
              RETURNING status, assigned_at, updated_at`, entry.ID, model.PoolStatusAssigned,
	).Scan(&entry.Status, &entry.AssignedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("assign schema %s: %w", entry.SchemaName, err)
	}

	if previousTimeout != "" {
		if _, err := sp.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, previousTimeout); err != nil {
			return nil, fmt.Errorf("restore lock_timeout: %w", err)
		}
	}
	if err := sp.Commit(ctx); err != nil {
		return nil, fmt.Errorf("release claim savepoint: %w", err)
	}
	return entry, nil
}

// ListByStatus returns live entries in status, oldest first.
func (r *SchemaPoolRepository) ListByStatus(ctx context.Context, status model.PoolStatus) ([]model.SchemaPoolEntry, error) {
	var entries []model.SchemaPoolEntry
	err := r.db.WithSharedConn(ctx, func(c *router.Conn) error {
		rows, err := c.Query(ctx, `SELECT `+poolColumns+`
              FROM schema_pool
              WHERE status = $1 AND deleted = FALSE
              ORDER BY created_at, id`, status)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			entry, err := scanPoolEntry(rows)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
		}
		return rows.Err()
	})
	return entries, err
}

// ListLiveSchemas returns every schema that should carry the tenant
// migration set: live READY and ASSIGNED pool entries and live tenants.
func (r *SchemaPoolRepository) ListLiveSchemas(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.WithSharedConn(ctx, func(c *router.Conn) error {
		rows, err := c.Query(ctx, `SELECT schema_name FROM schema_pool
                  WHERE deleted = FALSE AND status IN ($1, $2)
              UNION
              SELECT schema_name FROM tenants WHERE deleted = FALSE
              ORDER BY 1`, model.PoolStatusReady, model.PoolStatusAssigned)
		if err != nil {
			return err
		}
		names, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return names, err
}

// SoftDelete hides an entry from the pool without dropping its schema.
func (r *SchemaPoolRepository) SoftDelete(ctx context.Context, id uuid.UUID, deletedBy string) error {
	return r.db.WithSharedConn(ctx, func(c *router.Conn) error {
		tag, err := c.Exec(ctx, `UPDATE schema_pool
              SET deleted = TRUE, deleted_at = now(), deleted_by = $2, updated_at = now()
              WHERE id = $1 AND deleted = FALSE`, id, deletedBy)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CheckRegistry verifies that the shared registry tables exist in schema.
// It runs on an administrative connection so it works before any tenant
// routing is possible.
func (r *SchemaPoolRepository) CheckRegistry(ctx context.Context, schema string) error {
	return r.db.WithAdmin(ctx, func(c *router.Conn) error {
		for _, table := range []string{"tenants", "schema_pool", "tenant_modules"} {
			var found *string
			name := pgx.Identifier{schema, table}.Sanitize()
			if err := c.QueryRow(ctx, `SELECT to_regclass($1)::text`, name).Scan(&found); err != nil {
				return fmt.Errorf("look up %s: %w", name, err)
			}
			if found == nil {
				return fmt.Errorf("%w: %s", ErrRegistryMissing, name)
			}
		}
		return nil
	})
}

func scanPoolEntry(row pgx.Row) (*model.SchemaPoolEntry, error) {
	entry := &model.SchemaPoolEntry{}
	err := row.Scan(&entry.ID, &entry.SchemaName, &entry.Status, &entry.AssignedAt,
		&entry.Deleted, &entry.DeletedAt, &entry.DeletedBy, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}
