package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/tenant-schema-service/internal/model"
	"github.com/teresa-solution/tenant-schema-service/internal/monitoring"
	"github.com/teresa-solution/tenant-schema-service/internal/schema"
	"github.com/teresa-solution/tenant-schema-service/internal/store"
)

// PoolStore is the schema_pool data access the pool service needs.
type PoolStore interface {
	Create(ctx context.Context, entry *model.SchemaPoolEntry) error
	CountByStatus(ctx context.Context, status model.PoolStatus) (int, error)
	SchemaNameTaken(ctx context.Context, name string) (bool, error)
	Stats(ctx context.Context, minReady int) (model.SchemaPoolStats, error)
	ClaimOldestReady(ctx context.Context, tx pgx.Tx, lockTimeout time.Duration) (*model.SchemaPoolEntry, error)
}

// Provisioner creates and drops physical tenant schemas.
type Provisioner interface {
	Provision(ctx context.Context, schemaName string) error
	Drop(ctx context.Context, schemaName string) error
}

type SchemaPoolConfig struct {
	MinReady     int
	ClaimTimeout time.Duration
}

// TickResult summarises one replenishment run.
type TickResult struct {
	Ready       int  `json:"ready"`
	Deficit     int  `json:"deficit"`
	Provisioned int  `json:"provisioned"`
	Failed      int  `json:"failed"`
	Skipped     bool `json:"skipped"`
}

// SchemaPoolService keeps a stock of pre-provisioned READY schemas and hands
// them out to new tenants.
type SchemaPoolService struct {
	repo        PoolStore
	provisioner Provisioner
	names       *schema.NameGenerator
	cfg         SchemaPoolConfig
	ticking     atomic.Bool
}

func NewSchemaPoolService(repo PoolStore, provisioner Provisioner, names *schema.NameGenerator, cfg SchemaPoolConfig) *SchemaPoolService {
	if cfg.MinReady < 0 {
		cfg.MinReady = 0
	}
	return &SchemaPoolService{
		repo:        repo,
		provisioner: provisioner,
		names:       names,
		cfg:         cfg,
	}
}

// MinReady returns the configured READY inventory target.
func (s *SchemaPoolService) MinReady() int {
	return s.cfg.MinReady
}

// newSchemaName allocates a name unused by the pool, the tenants and the
// database catalog.
func (s *SchemaPoolService) newSchemaName(ctx context.Context) (string, error) {
	name, err := s.names.Generate(ctx, s.repo.SchemaNameTaken)
	if err != nil {
		return "", &schema.ProvisionError{Err: err}
	}
	return name, nil
}

// ProvisionSchema provisions one fresh schema and registers it as READY.
// A failed provisioning is registered as an ERROR entry and returned.
func (s *SchemaPoolService) ProvisionSchema(ctx context.Context) (*model.SchemaPoolEntry, error) {
	name, err := s.newSchemaName(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.provision(ctx, name); err != nil {
		return nil, err
	}

	entry := &model.SchemaPoolEntry{SchemaName: name, Status: model.PoolStatusReady}
	if err := s.repo.Create(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateSchemaName) {
			// someone registered the same name after our check; the schema is theirs now
			log.Error().Err(err).Str("schema", name).Msg("Schema name registered concurrently")
			return nil, &schema.ProvisionError{Schema: name, Err: fmt.Errorf("%w: %w", schema.ErrNameCollision, err)}
		}
		log.Error().Err(err).Str("schema", name).Msg("Failed to register provisioned schema, dropping it")
		if dropErr := s.provisioner.Drop(ctx, name); dropErr != nil {
			log.Error().Err(dropErr).Str("schema", name).Msg("Failed to drop unregistered schema")
		}
		return nil, &schema.ProvisionError{Schema: name, Err: err}
	}

	log.Info().Str("schema", name).Str("id", entry.ID.String()).Msg("Schema added to pool")
	return entry, nil
}

// ProvisionDirect provisions a schema for immediate use by a tenant, without
// a READY pool entry. Failures are recorded as ERROR entries and returned.
func (s *SchemaPoolService) ProvisionDirect(ctx context.Context) (string, error) {
	name, err := s.newSchemaName(ctx)
	if err != nil {
		return "", err
	}
	if err := s.provision(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

// provision runs the provisioner and records an ERROR entry when it fails
// or panics. A run abandoned because ctx was cancelled is not a failure of
// the schema and leaves no entry.
func (s *SchemaPoolService) provision(ctx context.Context, name string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("schema", name).Msg("Schema provisioning panicked, dropping partial schema")
			if dropErr := s.provisioner.Drop(ctx, name); dropErr != nil {
				log.Error().Err(dropErr).Str("schema", name).Msg("Failed to drop partial schema")
			}
			err = &schema.ProvisionError{Schema: name, Err: fmt.Errorf("provisioning panicked: %v", r)}
		}
		if err != nil && !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
			s.recordFailure(ctx, name)
		}
	}()
	return s.provisioner.Provision(ctx, name)
}

// DropSchema removes a schema that was provisioned but never registered.
func (s *SchemaPoolService) DropSchema(ctx context.Context, name string) error {
	return s.provisioner.Drop(ctx, name)
}

func (s *SchemaPoolService) recordFailure(ctx context.Context, name string) {
	entry := &model.SchemaPoolEntry{SchemaName: name, Status: model.PoolStatusError}
	// record even when the caller gave up, so operators see the failure
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.repo.Create(ctx, entry); err != nil {
		log.Error().Err(err).Str("schema", name).Msg("Failed to record ERROR pool entry")
	}
}

// Tick tops the READY inventory up to the configured minimum. It never
// panics or returns an error; failures are logged and counted. A tick that
// starts while another is running is skipped.
func (s *SchemaPoolService) Tick(ctx context.Context) (result TickResult) {
	if !s.ticking.CompareAndSwap(false, true) {
		log.Info().Msg("Schema pool replenishment already running, skipping")
		return TickResult{Skipped: true}
	}
	defer s.ticking.Store(false)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Schema pool replenishment panicked")
		}
	}()

	ready, err := s.repo.CountByStatus(ctx, model.PoolStatusReady)
	if err != nil {
		log.Error().Err(err).Msg("Failed to count READY schemas")
		return result
	}
	result.Ready = ready
	result.Deficit = s.cfg.MinReady - ready
	if result.Deficit <= 0 {
		result.Deficit = 0
		log.Debug().Int("ready", ready).Int("min_ready", s.cfg.MinReady).Msg("Schema pool is full")
		return result
	}

	log.Info().Int("ready", ready).Int("deficit", result.Deficit).Msg("Replenishing schema pool")
	for i := 0; i < result.Deficit; i++ {
		if ctx.Err() != nil {
			log.Warn().Int("remaining", result.Deficit-i).Msg("Schema pool replenishment interrupted")
			break
		}
		if err := s.provisionGuarded(ctx); err != nil {
			result.Failed++
			log.Error().Err(err).Msg("Failed to provision pool schema")
			continue
		}
		result.Provisioned++
	}

	s.refreshGauges(ctx)
	log.Info().
		Int("provisioned", result.Provisioned).
		Int("failed", result.Failed).
		Msg("Schema pool replenishment finished")
	return result
}

// provisionGuarded keeps a panic in one provisioning from ending the tick.
func (s *SchemaPoolService) provisionGuarded(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provisioning panicked: %v", r)
		}
	}()
	_, err = s.ProvisionSchema(ctx)
	return err
}

// Stats returns the pool read model and refreshes the pool gauges.
func (s *SchemaPoolService) Stats(ctx context.Context) (model.SchemaPoolStats, error) {
	stats, err := s.repo.Stats(ctx, s.cfg.MinReady)
	if err != nil {
		return stats, err
	}
	setPoolGauges(stats)
	return stats, nil
}

func (s *SchemaPoolService) refreshGauges(ctx context.Context) {
	if _, err := s.Stats(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to refresh schema pool gauges")
	}
}

func setPoolGauges(stats model.SchemaPoolStats) {
	monitoring.SchemaPoolEntries.WithLabelValues(string(model.PoolStatusReady)).Set(float64(stats.ReadyCount))
	monitoring.SchemaPoolEntries.WithLabelValues(string(model.PoolStatusAssigned)).Set(float64(stats.AssignedCount))
	monitoring.SchemaPoolEntries.WithLabelValues(string(model.PoolStatusError)).Set(float64(stats.ErrorCount))
}

// ClaimOldestReady claims the oldest READY schema inside tx. It returns
// store.ErrNoReadySchema when the pool is empty or the lock wait timed out.
func (s *SchemaPoolService) ClaimOldestReady(ctx context.Context, tx pgx.Tx) (*model.SchemaPoolEntry, error) {
	entry, err := s.repo.ClaimOldestReady(ctx, tx, s.cfg.ClaimTimeout)
	switch {
	case err == nil:
		monitoring.PoolClaims.WithLabelValues("claimed").Inc()
		log.Info().Str("schema", entry.SchemaName).Msg("Claimed pooled schema")
	case errors.Is(err, store.ErrClaimTimeout):
		monitoring.PoolClaims.WithLabelValues("timeout").Inc()
	case errors.Is(err, store.ErrNoReadySchema):
		monitoring.PoolClaims.WithLabelValues("empty").Inc()
	default:
		monitoring.PoolClaims.WithLabelValues("error").Inc()
	}
	return entry, err
}
