package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teresa-solution/tenant-schema-service/internal/tenancy"
)

var errNotSupported = errors.New("not supported by fake connection")

// fakeConn models a server session: it remembers the search_path the last
// successful set_config left behind.
type fakeConn struct {
	id         int
	pool       *fakePool
	searchPath string
	closed     bool
	destroyed  bool
	statements []string
	failNext   error
}

func (c *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	c.statements = append(c.statements, sql)
	if c.failNext != nil {
		err := c.failNext
		c.failNext = nil
		return pgconn.CommandTag{}, err
	}
	if sql == setSearchPathSQL {
		c.searchPath = args[0].(string)
	}
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (c *fakeConn) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errNotSupported
}

func (c *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (c *fakeConn) Begin(context.Context) (pgx.Tx, error) {
	return nil, errNotSupported
}

func (c *fakeConn) IsClosed() bool {
	return c.closed
}

func (c *fakeConn) Release() {
	c.pool.put(c)
}

func (c *fakeConn) Destroy(context.Context) error {
	c.destroyed = true
	c.closed = true
	return nil
}

// fakePool hands out idle connections LIFO, like a warm pool would.
type fakePool struct {
	mu      sync.Mutex
	idle    []*fakeConn
	created int
	// failOnAcquire is armed on the next freshly created connection.
	failOnAcquire error
}

func (p *fakePool) Acquire(context.Context) (pooledConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		return c, nil
	}
	p.created++
	c := &fakeConn{id: p.created, pool: p, searchPath: `"public"`}
	if p.failOnAcquire != nil {
		c.failNext = p.failOnAcquire
		p.failOnAcquire = nil
	}
	return c, nil
}

func (p *fakePool) put(c *fakeConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.closed {
		return
	}
	p.idle = append(p.idle, c)
}

func (p *fakePool) idleIDs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.idle))
	for _, c := range p.idle {
		ids = append(ids, c.id)
	}
	return ids
}

func tenantCtx(schema string) context.Context {
	ctx, tc := tenancy.New(context.Background())
	tc.Set(uuid.New(), schema)
	return ctx
}

func TestRouter_AcquireBindsTenantSchema(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "public")

	c, err := r.Acquire(tenantCtx("tp_alpha001"))
	require.NoError(t, err)
	assert.Equal(t, "tp_alpha001", c.Schema())
	assert.Equal(t, `"tp_alpha001"`, c.conn.(*fakeConn).searchPath)

	require.NoError(t, r.Release(context.Background(), c))
	assert.Equal(t, `"public"`, c.conn.(*fakeConn).searchPath)
}

func TestRouter_AcquireWithoutTenantUsesDefault(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "")

	c, err := r.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tenancy.DefaultSchema, c.Schema())
	assert.Equal(t, `"public"`, c.conn.(*fakeConn).searchPath)
	require.NoError(t, r.Release(context.Background(), c))
}

func TestRouter_SequentialTenantsNeverSeeResidue(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "public")

	first, err := r.Acquire(tenantCtx("tp_first001"))
	require.NoError(t, err)
	fc := first.conn.(*fakeConn)

	// simulate a caller that changed the session behind the router's back
	fc.searchPath = `"tp_first001", "other"`
	require.NoError(t, r.Release(context.Background(), first))

	second, err := r.Acquire(tenantCtx("tp_second01"))
	require.NoError(t, err)
	require.Same(t, fc, second.conn.(*fakeConn), "warm pool should reuse the connection")
	assert.Equal(t, `"tp_second01"`, fc.searchPath)
	require.NoError(t, r.Release(context.Background(), second))
}

func TestRouter_AcquireFailureDestroysConnection(t *testing.T) {
	pool := &fakePool{failOnAcquire: errors.New("permission denied")}
	r := newRouter(pool, "public")

	c, err := r.Acquire(tenantCtx("tp_broken01"))
	assert.Nil(t, c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionPollution)

	var perr *PollutionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "acquire", perr.Phase)
	assert.Equal(t, "tp_broken01", perr.Schema)
	assert.Empty(t, pool.idleIDs())
}

func TestRouter_ReleaseFailureNeverReturnsConnectionToPool(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "public")

	c, err := r.Acquire(tenantCtx("tp_leaky001"))
	require.NoError(t, err)
	fc := c.conn.(*fakeConn)
	fc.failNext = errors.New("server closed the connection unexpectedly")

	err = r.Release(context.Background(), c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionPollution)
	assert.True(t, fc.destroyed)
	assert.Empty(t, pool.idleIDs())

	next, err := r.Acquire(tenantCtx("tp_victim01"))
	require.NoError(t, err)
	assert.NotSame(t, fc, next.conn.(*fakeConn))
	assert.Equal(t, `"tp_victim01"`, next.conn.(*fakeConn).searchPath)
	require.NoError(t, r.Release(context.Background(), next))
}

func TestRouter_ReleaseIsIdempotent(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "public")

	c, err := r.Acquire(tenantCtx("tp_twice001"))
	require.NoError(t, err)
	require.NoError(t, r.Release(context.Background(), c))
	require.NoError(t, r.Release(context.Background(), c))
	assert.Equal(t, []int{1}, pool.idleIDs())
}

func TestRouter_ReleaseClosedConnectionIsNoop(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "public")

	c, err := r.Acquire(tenantCtx("tp_closed01"))
	require.NoError(t, err)
	fc := c.conn.(*fakeConn)
	fc.closed = true
	before := len(fc.statements)

	require.NoError(t, r.Release(context.Background(), c))
	assert.Len(t, fc.statements, before)
	assert.Empty(t, pool.idleIDs())
}

func TestRouter_ReleaseResetsEvenWhenContextCancelled(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "public")

	ctx, cancel := context.WithCancel(tenantCtx("tp_cancel01"))
	c, err := r.Acquire(ctx)
	require.NoError(t, err)
	cancel()

	require.NoError(t, r.Release(ctx, c))
	assert.Equal(t, `"public"`, c.conn.(*fakeConn).searchPath)
}

func TestRouter_ClosedConnectionOnBorrowIsFatal(t *testing.T) {
	pool := &fakePool{}
	pool.idle = []*fakeConn{{id: 99, pool: pool, closed: true}}
	r := newRouter(pool, "public")

	c, err := r.Acquire(context.Background())
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrPoolUnhealthy)
}

func TestRouter_AdminConnectionNeverAppliesSchema(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "public")

	err := r.WithAdmin(tenantCtx("tp_admin001"), func(c *Conn) error {
		assert.Empty(t, c.Schema())
		_, err := c.Exec(context.Background(), "CREATE SCHEMA IF NOT EXISTS x")
		return err
	})
	require.NoError(t, err)

	fc := pool.idle[0]
	assert.Equal(t, []string{"CREATE SCHEMA IF NOT EXISTS x"}, fc.statements)
}

func TestRouter_WithSharedConnIgnoresTenant(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "registry")

	err := r.WithSharedConn(tenantCtx("tp_ignored1"), func(c *Conn) error {
		assert.Equal(t, "registry", c.Schema())
		assert.Equal(t, `"registry"`, c.conn.(*fakeConn).searchPath)
		return nil
	})
	require.NoError(t, err)
}

func TestRouter_WithConnReleasesOnError(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "public")
	boom := errors.New("query failed")

	err := r.WithConn(tenantCtx("tp_errpath1"), func(c *Conn) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.Len(t, pool.idle, 1)
	assert.Equal(t, `"public"`, pool.idle[0].searchPath)
}

func TestRouter_ConcurrentTenantsStayIsolated(t *testing.T) {
	pool := &fakePool{}
	r := newRouter(pool, "public")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			schema := "tp_conc" + string(rune('a'+i))
			err := r.WithConn(tenantCtx(schema), func(c *Conn) error {
				assert.Equal(t, pgx.Identifier{schema}.Sanitize(), c.conn.(*fakeConn).searchPath)
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for _, c := range pool.idle {
		assert.Equal(t, `"public"`, c.searchPath)
	}
}
