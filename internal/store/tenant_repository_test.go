package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/teresa-solution/tenant-schema-service/internal/migrations"
	"github.com/teresa-solution/tenant-schema-service/internal/model"
	"github.com/teresa-solution/tenant-schema-service/internal/router"
)

type testDB struct {
	pool       *pgxpool.Pool
	router     *router.Router
	poolRepo   *SchemaPoolRepository
	tenantRepo *TenantRepository
}

func setupTestDB(t *testing.T) *testDB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("tenant_registry"),
		postgres.WithUsername("admin"),
		postgres.WithPassword("securepassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pgContainer.Terminate(context.Background())
	})

	connString, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	connConfig, err := pgx.ParseConfig(connString)
	require.NoError(t, err)
	require.NoError(t, migrations.NewRunner(connConfig, "public").SharedUp(ctx))

	pool, err := router.NewPool(ctx, router.PoolConfig{ConnString: connString, MaxConns: 10})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	r := router.New(pool, "public")
	return &testDB{
		pool:       pool,
		router:     r,
		poolRepo:   NewSchemaPoolRepository(r),
		tenantRepo: NewTenantRepository(r, nil, time.Hour),
	}
}

// insertReady adds a READY entry created age ago.
func (db *testDB) insertReady(t *testing.T, name string, age time.Duration) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := db.pool.Exec(context.Background(),
		`INSERT INTO schema_pool (id, schema_name, status, created_at) VALUES ($1, $2, 'READY', now() - make_interval(secs => $3::double precision))`,
		id, name, age.Seconds())
	require.NoError(t, err)
	return id
}

func (db *testDB) claim(ctx context.Context) (*model.SchemaPoolEntry, error) {
	var entry *model.SchemaPoolEntry
	err := db.router.WithSharedTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = db.poolRepo.ClaimOldestReady(ctx, tx, 2*time.Second)
		return err
	})
	return entry, err
}

func TestSchemaPoolRepository_StatsOnEmptyPool(t *testing.T) {
	db := setupTestDB(t)

	stats, err := db.poolRepo.Stats(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, model.SchemaPoolStats{MinReadyCount: 3}, stats)
}

func TestSchemaPoolRepository_CreateAndStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, e := range []*model.SchemaPoolEntry{
		{SchemaName: "tp_ready0001", Status: model.PoolStatusReady},
		{SchemaName: "tp_ready0002", Status: model.PoolStatusReady},
		{SchemaName: "tp_error0001", Status: model.PoolStatusError},
	} {
		require.NoError(t, db.poolRepo.Create(ctx, e))
		assert.NotEqual(t, uuid.Nil, e.ID)
		assert.False(t, e.CreatedAt.IsZero())
	}

	err := db.poolRepo.Create(ctx, &model.SchemaPoolEntry{SchemaName: "tp_ready0001", Status: model.PoolStatusReady})
	assert.ErrorIs(t, err, ErrDuplicateSchemaName)

	stats, err := db.poolRepo.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ReadyCount)
	assert.Equal(t, 0, stats.AssignedCount)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.Equal(t, 3, stats.TotalCount)
	assert.NotNil(t, stats.LastReadyProvisionedAt)

	ready, err := db.poolRepo.CountByStatus(ctx, model.PoolStatusReady)
	require.NoError(t, err)
	assert.Equal(t, 2, ready)
}

func TestSchemaPoolRepository_ClaimIsFIFO(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// inserted out of order on purpose
	db.insertReady(t, "tp_middle001", 2*time.Hour)
	db.insertReady(t, "tp_newest001", time.Hour)
	db.insertReady(t, "tp_oldest001", 3*time.Hour)

	var got []string
	for i := 0; i < 3; i++ {
		entry, err := db.claim(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.PoolStatusAssigned, entry.Status)
		assert.NotNil(t, entry.AssignedAt)
		got = append(got, entry.SchemaName)
	}
	assert.Equal(t, []string{"tp_oldest001", "tp_middle001", "tp_newest001"}, got)

	_, err := db.claim(ctx)
	assert.ErrorIs(t, err, ErrNoReadySchema)

	assigned, err := db.poolRepo.ListByStatus(ctx, model.PoolStatusAssigned)
	require.NoError(t, err)
	assert.Len(t, assigned, 3)
}

func TestSchemaPoolRepository_NoDoubleClaimUnderConcurrency(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	db.insertReady(t, "tp_first0001", 2*time.Minute)
	db.insertReady(t, "tp_second001", time.Minute)

	const callers = 5
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed []string
		empty   int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := db.router.WithSharedTx(ctx, func(tx pgx.Tx) error {
				entry, err := db.poolRepo.ClaimOldestReady(ctx, tx, 2*time.Second)
				if err != nil {
					return err
				}
				// hold the row lock so the other callers overlap with it
				time.Sleep(200 * time.Millisecond)
				mu.Lock()
				claimed = append(claimed, entry.SchemaName)
				mu.Unlock()
				return nil
			})
			if errors.Is(err, ErrNoReadySchema) {
				mu.Lock()
				empty++
				mu.Unlock()
				return
			}
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.ElementsMatch(t, []string{"tp_first0001", "tp_second001"}, claimed)
	assert.Equal(t, callers-2, empty)
}

func TestSchemaPoolRepository_ClaimKeepsTransactionUsable(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.router.WithSharedTx(ctx, func(tx pgx.Tx) error {
		_, err := db.poolRepo.ClaimOldestReady(ctx, tx, time.Second)
		require.ErrorIs(t, err, ErrNoReadySchema)

		var one int
		return tx.QueryRow(ctx, `SELECT 1`).Scan(&one)
	})
	assert.NoError(t, err)
}

func TestSchemaPoolRepository_SchemaNameTaken(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	db.insertReady(t, "tp_pooled001", time.Minute)
	err := db.router.WithSharedConn(ctx, func(c *router.Conn) error {
		return db.tenantRepo.Create(ctx, c, &model.Tenant{Name: "Acme", SchemaName: "tp_tenant001"})
	})
	require.NoError(t, err)

	for name, want := range map[string]bool{
		"tp_pooled001": true,
		"tp_tenant001": true,
		"public":       true,
		"tp_unused001": false,
	} {
		taken, err := db.poolRepo.SchemaNameTaken(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, want, taken, name)
	}
}

func TestSchemaPoolRepository_CheckRegistry(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	assert.NoError(t, db.poolRepo.CheckRegistry(ctx, "public"))
	assert.ErrorIs(t, db.poolRepo.CheckRegistry(ctx, "missing"), ErrRegistryMissing)
}

func TestTenantRepository_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	domain := "acme.example.com"
	tenant := &model.Tenant{
		Name:        "Acme",
		SchemaName:  "tp_acme0001",
		Domain:      &domain,
		QuotaLimits: map[string]any{"files": float64(100)},
	}
	err := db.router.WithSharedTx(ctx, func(tx pgx.Tx) error {
		if err := db.tenantRepo.Create(ctx, tx, tenant); err != nil {
			return err
		}
		return db.tenantRepo.GrantModules(ctx, tx, tenant.ID, []string{"leads", "customers", "leads"})
	})
	require.NoError(t, err)

	fetched, err := db.tenantRepo.GetByID(ctx, tenant.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "Acme", fetched.Name)
	assert.Equal(t, "tp_acme0001", fetched.SchemaName)
	assert.Equal(t, &domain, fetched.Domain)
	assert.Equal(t, float64(100), fetched.QuotaLimits["files"])

	bySchema, err := db.tenantRepo.GetBySchemaName(ctx, "tp_acme0001")
	require.NoError(t, err)
	require.NotNil(t, bySchema)
	assert.Equal(t, tenant.ID, bySchema.ID)

	modules, err := db.tenantRepo.Modules(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"customers", "leads"}, modules)

	names, err := db.poolRepo.ListLiveSchemas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tp_acme0001"}, names)

	deleted, err := db.tenantRepo.SoftDelete(ctx, tenant.ID, "tp_acme0001_del_1", "operator")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
	assert.Equal(t, "tp_acme0001_del_1", deleted.SchemaName)

	gone, err := db.tenantRepo.GetByID(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	_, err = db.tenantRepo.SoftDelete(ctx, tenant.ID, "tp_acme0001_del_2", "operator")
	assert.ErrorIs(t, err, ErrNotFound)

	// the original name is free again
	taken, err := db.poolRepo.SchemaNameTaken(ctx, "tp_acme0001")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestTenantRepository_SoftDeleteRetiresClaimedPoolEntry(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	db.insertReady(t, "tp_pool0001", time.Minute)
	db.insertReady(t, "tp_pool0002", time.Second)

	tenant := &model.Tenant{Name: "Acme"}
	err := db.router.WithSharedTx(ctx, func(tx pgx.Tx) error {
		entry, err := db.poolRepo.ClaimOldestReady(ctx, tx, time.Second)
		if err != nil {
			return err
		}
		tenant.SchemaName = entry.SchemaName
		return db.tenantRepo.Create(ctx, tx, tenant)
	})
	require.NoError(t, err)
	require.Equal(t, "tp_pool0001", tenant.SchemaName)

	_, err = db.tenantRepo.SoftDelete(ctx, tenant.ID, "tp_pool0001_del_1", "operator")
	require.NoError(t, err)

	taken, err := db.poolRepo.SchemaNameTaken(ctx, "tp_pool0001")
	require.NoError(t, err)
	assert.False(t, taken)

	assigned, err := db.poolRepo.ListByStatus(ctx, model.PoolStatusAssigned)
	require.NoError(t, err)
	assert.Empty(t, assigned)

	stats, err := db.poolRepo.Stats(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.AssignedCount)
	assert.Equal(t, 1, stats.ReadyCount)

	targets, err := db.poolRepo.ListLiveSchemas(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tp_pool0002"}, targets)
}

func TestTenantRepository_DuplicateSchemaName(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.router.WithSharedConn(ctx, func(c *router.Conn) error {
		require.NoError(t, db.tenantRepo.Create(ctx, c, &model.Tenant{Name: "One", SchemaName: "tp_shared001"}))
		return db.tenantRepo.Create(ctx, c, &model.Tenant{Name: "Two", SchemaName: "tp_shared001"})
	})
	assert.ErrorIs(t, err, ErrDuplicateSchemaName)
}
