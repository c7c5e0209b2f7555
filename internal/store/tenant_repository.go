package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/teresa-solution/tenant-schema-service/internal/model"
	"github.com/teresa-solution/tenant-schema-service/internal/router"
)

const tenantColumns = `id, name, schema_name, domain, max_users, quota_limits, deleted, deleted_at, deleted_by, created_at, updated_at`

// TenantRepository handles the tenants and tenant_modules tables in the
// shared schema.
type TenantRepository struct {
	db    *router.Router
	cache tenantCache
}

// NewTenantRepository creates a TenantRepository. cache may be nil.
func NewTenantRepository(db *router.Router, cache RedisClient, ttl time.Duration) *TenantRepository {
	return &TenantRepository{db: db, cache: tenantCache{client: cache, ttl: ttl}}
}

// Create inserts tenant using q, which is normally the transaction that
// claimed its schema.
func (r *TenantRepository) Create(ctx context.Context, q Querier, tenant *model.Tenant) error {
	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}
	if tenant.QuotaLimits == nil {
		tenant.QuotaLimits = map[string]any{}
	}

	query := `INSERT INTO tenants (id, name, schema_name, domain, max_users, quota_limits)
              VALUES ($1, $2, $3, $4, $5, $6)
              RETURNING created_at, updated_at`
	err := q.QueryRow(ctx, query,
		tenant.ID, tenant.Name, tenant.SchemaName, tenant.Domain, tenant.MaxUsers, tenant.QuotaLimits,
	).Scan(&tenant.CreatedAt, &tenant.UpdatedAt)
	if isSchemaNameConflict(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateSchemaName, tenant.SchemaName)
	}
	if err != nil {
		return err
	}

	r.cache.del(ctx, tenant.ID)
	return nil
}

// GrantModules records module grants for a tenant. Existing grants are kept.
func (r *TenantRepository) GrantModules(ctx context.Context, q Querier, tenantID uuid.UUID, modules []string) error {
	if len(modules) == 0 {
		return nil
	}
	_, err := q.Exec(ctx, `INSERT INTO tenant_modules (tenant_id, module)
              SELECT $1, m FROM unnest($2::text[]) AS m
              ON CONFLICT (tenant_id, module) DO NOTHING`, tenantID, modules)
	return err
}

// Modules lists the modules granted to a tenant.
func (r *TenantRepository) Modules(ctx context.Context, tenantID uuid.UUID) ([]string, error) {
	var modules []string
	err := r.db.WithSharedConn(ctx, func(c *router.Conn) error {
		rows, err := c.Query(ctx, `SELECT module FROM tenant_modules WHERE tenant_id = $1 ORDER BY module`, tenantID)
		if err != nil {
			return err
		}
		modules, err = pgx.CollectRows(rows, pgx.RowTo[string])
		return err
	})
	return modules, err
}

// GetByID returns the live tenant with id, or nil if there is none.
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	if tenant := r.cache.get(ctx, id); tenant != nil {
		return tenant, nil
	}

	tenant, err := r.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1 AND deleted = FALSE`, id)
	if err != nil || tenant == nil {
		return tenant, err
	}

	r.cache.set(ctx, tenant)
	return tenant, nil
}

// GetBySchemaName returns the live tenant bound to schemaName, or nil.
func (r *TenantRepository) GetBySchemaName(ctx context.Context, schemaName string) (*model.Tenant, error) {
	return r.getOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE schema_name = $1 AND deleted = FALSE`, schemaName)
}

func (r *TenantRepository) getOne(ctx context.Context, query string, arg any) (*model.Tenant, error) {
	var tenant *model.Tenant
	err := r.db.WithSharedConn(ctx, func(c *router.Conn) error {
		var err error
		tenant, err = scanTenant(c.QueryRow(ctx, query, arg))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tenant, nil
}

// SoftDelete marks the tenant deleted and records renamedSchema as its
// schema name, freeing the original name. A pool entry the tenant claimed
// follows the rename and is retired in the same statement. It returns
// ErrNotFound when no live tenant has id.
func (r *TenantRepository) SoftDelete(ctx context.Context, id uuid.UUID, renamedSchema, deletedBy string) (*model.Tenant, error) {
	var tenant *model.Tenant
	err := r.db.WithSharedConn(ctx, func(c *router.Conn) error {
		var err error
		tenant, err = scanTenant(c.QueryRow(ctx, `WITH target AS (
                  SELECT schema_name FROM tenants WHERE id = $1 AND deleted = FALSE FOR UPDATE
              ), retired AS (
                  UPDATE schema_pool
                  SET schema_name = $2, deleted = TRUE, deleted_at = now(), deleted_by = $3, updated_at = now()
                  WHERE schema_name = (SELECT schema_name FROM target) AND deleted = FALSE
              )
              UPDATE tenants
              SET deleted = TRUE, deleted_at = now(), deleted_by = $3, schema_name = $2, updated_at = now()
              WHERE id = $1 AND deleted = FALSE
              RETURNING `+tenantColumns, id, renamedSchema, deletedBy))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.cache.del(ctx, id)
	return tenant, nil
}

func scanTenant(row pgx.Row) (*model.Tenant, error) {
	tenant := &model.Tenant{}
	err := row.Scan(&tenant.ID, &tenant.Name, &tenant.SchemaName, &tenant.Domain, &tenant.MaxUsers,
		&tenant.QuotaLimits, &tenant.Deleted, &tenant.DeletedAt, &tenant.DeletedBy, &tenant.CreatedAt, &tenant.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return tenant, nil
}
