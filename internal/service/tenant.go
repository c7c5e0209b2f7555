package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/tenant-schema-service/internal/model"
	"github.com/teresa-solution/tenant-schema-service/internal/monitoring"
	"github.com/teresa-solution/tenant-schema-service/internal/schema"
	"github.com/teresa-solution/tenant-schema-service/internal/store"
	"github.com/teresa-solution/tenant-schema-service/internal/tenancy"
)

var (
	ErrInvalidTenant  = errors.New("invalid tenant")
	ErrTenantNotFound = tenancy.ErrUnknownTenant
)

// TenantStore is the tenants table data access the tenant service needs.
type TenantStore interface {
	Create(ctx context.Context, q store.Querier, tenant *model.Tenant) error
	GrantModules(ctx context.Context, q store.Querier, tenantID uuid.UUID, modules []string) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
	Modules(ctx context.Context, tenantID uuid.UUID) ([]string, error)
	SoftDelete(ctx context.Context, id uuid.UUID, renamedSchema, deletedBy string) (*model.Tenant, error)
}

// SchemaSource hands out schemas for new tenants.
type SchemaSource interface {
	ClaimOldestReady(ctx context.Context, tx pgx.Tx) (*model.SchemaPoolEntry, error)
	ProvisionDirect(ctx context.Context) (string, error)
	DropSchema(ctx context.Context, name string) error
}

// SharedTxRunner runs fn in a transaction on the shared schema.
type SharedTxRunner interface {
	WithSharedTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

type TenantConfig struct {
	// UsePool enables claiming pre-provisioned schemas before falling back
	// to synchronous provisioning.
	UsePool         bool
	DefaultModules  []string
	// FallbackTimeout bounds synchronous provisioning after a claim ran
	// out of time on the caller's deadline.
	FallbackTimeout time.Duration
}

const defaultFallbackTimeout = 2 * time.Minute

// CreateTenantInput carries the caller-supplied tenant attributes.
type CreateTenantInput struct {
	Name        string         `json:"name"`
	Domain      *string        `json:"domain,omitempty"`
	MaxUsers    *int           `json:"max_users,omitempty"`
	QuotaLimits map[string]any `json:"quota_limits,omitempty"`
	// Modules overrides the configured default module grants when non-nil.
	Modules []string `json:"modules,omitempty"`
}

// TenantService creates tenants on pooled or freshly provisioned schemas.
type TenantService struct {
	db      SharedTxRunner
	repo    TenantStore
	schemas SchemaSource
	ddl     schema.DDLExecutor
	cfg     TenantConfig
	now     func() time.Time
}

func NewTenantService(db SharedTxRunner, repo TenantStore, schemas SchemaSource, ddl schema.DDLExecutor, cfg TenantConfig) *TenantService {
	return &TenantService{
		db:      db,
		repo:    repo,
		schemas: schemas,
		ddl:     ddl,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Create activates a new tenant. It claims the oldest READY pooled schema
// when one is available and otherwise provisions a schema synchronously.
// Provisioning failures are returned.
func (s *TenantService) Create(ctx context.Context, in CreateTenantInput) (*model.Tenant, error) {
	if err := validateCreateTenantInput(in); err != nil {
		return nil, err
	}

	modules := in.Modules
	if modules == nil {
		modules = s.cfg.DefaultModules
	}
	tenant := &model.Tenant{
		ID:          uuid.New(),
		Name:        strings.TrimSpace(in.Name),
		Domain:      in.Domain,
		MaxUsers:    in.MaxUsers,
		QuotaLimits: in.QuotaLimits,
	}
	logger := log.With().Str("tenant_id", tenant.ID.String()).Logger()

	if s.cfg.UsePool {
		claimed, err := s.createOnPooledSchema(ctx, tenant, modules)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to create tenant on pooled schema")
			return nil, err
		}
		if claimed {
			monitoring.TenantsCreated.WithLabelValues("pool").Inc()
			logger.Info().Str("schema", tenant.SchemaName).Msg("Tenant created on pooled schema")
			return tenant, nil
		}
		logger.Info().Msg("No pooled schema available, provisioning synchronously")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.fallbackTimeout())
			defer cancel()
		}
	}

	name, err := s.schemas.ProvisionDirect(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to provision tenant schema")
		return nil, err
	}
	tenant.SchemaName = name

	err = s.db.WithSharedTx(ctx, func(tx pgx.Tx) error {
		return s.insertTenant(ctx, tx, tenant, modules)
	})
	if err != nil {
		logger.Error().Err(err).Str("schema", name).Msg("Failed to record tenant, dropping its schema")
		if dropErr := s.schemas.DropSchema(ctx, name); dropErr != nil {
			logger.Error().Err(dropErr).Str("schema", name).Msg("Failed to drop orphaned tenant schema")
		}
		return nil, err
	}

	monitoring.TenantsCreated.WithLabelValues("sync").Inc()
	logger.Info().Str("schema", name).Msg("Tenant created on freshly provisioned schema")
	return tenant, nil
}

// createOnPooledSchema claims a schema and records the tenant in one
// transaction. It reports false when no schema could be claimed.
func (s *TenantService) createOnPooledSchema(ctx context.Context, tenant *model.Tenant, modules []string) (bool, error) {
	err := s.db.WithSharedTx(ctx, func(tx pgx.Tx) error {
		entry, err := s.schemas.ClaimOldestReady(ctx, tx)
		if err != nil {
			return err
		}
		tenant.SchemaName = entry.SchemaName
		return s.insertTenant(ctx, tx, tenant, modules)
	})
	if errors.Is(err, store.ErrNoReadySchema) {
		tenant.SchemaName = ""
		return false, nil
	}
	if err != nil {
		tenant.SchemaName = ""
		return false, err
	}
	return true, nil
}

func (s *TenantService) fallbackTimeout() time.Duration {
	if s.cfg.FallbackTimeout > 0 {
		return s.cfg.FallbackTimeout
	}
	return defaultFallbackTimeout
}

func (s *TenantService) insertTenant(ctx context.Context, tx pgx.Tx, tenant *model.Tenant, modules []string) error {
	if err := s.repo.Create(ctx, tx, tenant); err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	if err := s.repo.GrantModules(ctx, tx, tenant.ID, modules); err != nil {
		return fmt.Errorf("grant modules: %w", err)
	}
	return nil
}

// Get returns a live tenant.
func (s *TenantService) Get(ctx context.Context, id uuid.UUID) (*model.Tenant, error) {
	tenant, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, ErrTenantNotFound
	}
	return tenant, nil
}

// Modules lists the modules granted to a live tenant.
func (s *TenantService) Modules(ctx context.Context, id uuid.UUID) ([]string, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Modules(ctx, id)
}

// ResolveSchema maps a tenant id to its schema for the request boundary.
func (s *TenantService) ResolveSchema(ctx context.Context, id uuid.UUID) (string, error) {
	tenant, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return tenant.SchemaName, nil
}

// Delete soft-deletes a tenant. Its schema is renamed with a deletion
// suffix so the data is kept and the original name can be reused.
func (s *TenantService) Delete(ctx context.Context, id uuid.UUID, deletedBy string) error {
	tenant, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	renamed := deletedSchemaName(tenant.SchemaName, s.now())
	if err := s.renameSchema(ctx, tenant.SchemaName, renamed); err != nil {
		return fmt.Errorf("rename schema %s: %w", tenant.SchemaName, err)
	}

	if _, err := s.repo.SoftDelete(ctx, id, renamed, deletedBy); err != nil {
		log.Error().Err(err).Str("tenant_id", id.String()).Msg("Failed to soft-delete tenant, restoring schema name")
		if restoreErr := s.renameSchema(context.WithoutCancel(ctx), renamed, tenant.SchemaName); restoreErr != nil {
			log.Error().Err(restoreErr).Str("schema", renamed).Msg("Failed to restore schema name")
		}
		if errors.Is(err, store.ErrNotFound) {
			return ErrTenantNotFound
		}
		return err
	}

	log.Info().Str("tenant_id", id.String()).Str("schema", renamed).Str("deleted_by", deletedBy).Msg("Tenant deleted")
	return nil
}

func (s *TenantService) renameSchema(ctx context.Context, from, to string) error {
	if err := schema.ValidateName(to); err != nil {
		return err
	}
	return s.ddl.ExecAdmin(ctx, "ALTER SCHEMA "+schema.QuoteIdentifier(from)+" RENAME TO "+schema.QuoteIdentifier(to))
}

// deletedSchemaName appends a deletion suffix to name, truncating name so
// the result stays a valid identifier.
func deletedSchemaName(name string, at time.Time) string {
	suffix := "_del_" + strconv.FormatInt(at.Unix(), 36)
	if len(name)+len(suffix) > schema.MaxNameLength {
		name = name[:schema.MaxNameLength-len(suffix)]
	}
	return name + suffix
}

func validateCreateTenantInput(in CreateTenantInput) error {
	if strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTenant)
	}
	if in.MaxUsers != nil && *in.MaxUsers < 1 {
		return fmt.Errorf("%w: max_users must be positive", ErrInvalidTenant)
	}
	for _, m := range in.Modules {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("%w: module names must not be empty", ErrInvalidTenant)
		}
	}
	return nil
}
