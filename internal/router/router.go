package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/tenant-schema-service/internal/monitoring"
	"github.com/teresa-solution/tenant-schema-service/internal/tenancy"
)

const (
	setSearchPathSQL = `SELECT set_config('search_path', $1, false)`

	// cleanupTimeout bounds the reset/destroy round-trip on release, which
	// runs even if the caller's context is already done.
	cleanupTimeout = 5 * time.Second
)

var (
	// ErrConnectionPollution marks a connection whose schema binding could not be set or reset.
	ErrConnectionPollution = errors.New("connection schema binding could not be verified")
	// ErrPoolUnhealthy is returned when the pool hands out a connection that is already closed.
	ErrPoolUnhealthy = errors.New("connection pool returned a closed connection")
)

// PollutionError describes a failed schema-scope statement. The connection
// involved has been destroyed.
type PollutionError struct {
	Phase  string
	Schema string
	Err    error
}

func (e *PollutionError) Error() string {
	return fmt.Sprintf("%s search_path %q: %v", e.Phase, e.Schema, e.Err)
}

func (e *PollutionError) Unwrap() []error {
	return []error{ErrConnectionPollution, e.Err}
}

// Router hands out pooled connections bound to the schema of the tenant
// carried by the request context, and scrubs them before they return to
// the pool.
type Router struct {
	source        connSource
	defaultSchema string
}

// New creates a Router over pool. Connections without a resolved tenant are
// bound to defaultSchema.
func New(pool *pgxpool.Pool, defaultSchema string) *Router {
	if pool == nil {
		panic("router requires pool")
	}
	return newRouter(pgxSource{pool: pool}, defaultSchema)
}

func newRouter(source connSource, defaultSchema string) *Router {
	defaultSchema = strings.TrimSpace(defaultSchema)
	if defaultSchema == "" {
		defaultSchema = tenancy.DefaultSchema
	}
	return &Router{source: source, defaultSchema: defaultSchema}
}

// DefaultSchema returns the schema used when no tenant is resolved.
func (r *Router) DefaultSchema() string {
	return r.defaultSchema
}

// Acquire borrows a connection bound to the tenant schema carried by ctx,
// or to the default schema if ctx has no tenant.
func (r *Router) Acquire(ctx context.Context) (*Conn, error) {
	return r.acquire(ctx, tenancy.SchemaFromContext(ctx, r.defaultSchema))
}

// AcquireShared borrows a connection bound to the default schema regardless
// of the tenant carried by ctx.
func (r *Router) AcquireShared(ctx context.Context) (*Conn, error) {
	return r.acquire(ctx, r.defaultSchema)
}

func (r *Router) acquire(ctx context.Context, schema string) (*Conn, error) {
	pc, err := r.borrow(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := pc.Exec(ctx, setSearchPathSQL, searchPath(schema)); err != nil {
		r.destroy(ctx, pc)
		return nil, r.polluted("acquire", schema, err)
	}

	return &Conn{conn: pc, schema: schema}, nil
}

// Release resets the connection to the default schema and returns it to
// the pool. A connection that cannot be reset is destroyed instead.
// Releasing an already released or closed connection is a no-op.
func (r *Router) Release(ctx context.Context, c *Conn) error {
	if c == nil || c.released {
		return nil
	}
	c.released = true

	if c.conn.IsClosed() {
		// the pool discards closed connections on release
		c.conn.Release()
		return nil
	}
	if c.admin {
		c.conn.Release()
		return nil
	}

	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if _, err := c.conn.Exec(resetCtx, setSearchPathSQL, searchPath(r.defaultSchema)); err != nil {
		r.destroy(resetCtx, c.conn)
		return r.polluted("release", c.schema, err)
	}

	c.conn.Release()
	return nil
}

// AcquireAdmin borrows a connection without applying any schema. It is
// meant for schema-independent work such as DDL and registry bootstrap.
func (r *Router) AcquireAdmin(ctx context.Context) (*Conn, error) {
	pc, err := r.borrow(ctx)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: pc, admin: true}, nil
}

// ReleaseAdmin returns a connection obtained from AcquireAdmin.
func (r *Router) ReleaseAdmin(c *Conn) {
	if c == nil || c.released {
		return
	}
	c.released = true
	c.conn.Release()
}

func (r *Router) borrow(ctx context.Context) (pooledConn, error) {
	pc, err := r.source.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if pc.IsClosed() {
		pc.Release()
		log.Error().Msg("Connection pool handed out a closed connection")
		return nil, ErrPoolUnhealthy
	}
	return pc, nil
}

func (r *Router) destroy(ctx context.Context, pc pooledConn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := pc.Destroy(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to close polluted connection")
	}
}

func (r *Router) polluted(phase, schema string, err error) error {
	monitoring.ConnectionPollution.WithLabelValues(phase).Inc()
	log.Error().Err(err).
		Str("phase", phase).
		Str("schema", schema).
		Msg("Destroyed pooled connection with unverifiable search_path")
	monitoring.Alert("connection pollution", map[string]string{"phase": phase, "schema": schema})
	return &PollutionError{Phase: phase, Schema: schema, Err: err}
}

// WithConn runs fn on a connection bound to the tenant carried by ctx.
func (r *Router) WithConn(ctx context.Context, fn func(c *Conn) error) error {
	c, err := r.Acquire(ctx)
	if err != nil {
		return err
	}
	// pollution on release is logged and alerted inside Release
	defer r.Release(ctx, c) // nolint:errcheck

	return fn(c)
}

// WithTx runs fn inside a transaction on a connection bound to the tenant
// carried by ctx. The transaction commits if fn returns nil.
func (r *Router) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.WithConn(ctx, func(c *Conn) error {
		return inTx(ctx, c, fn)
	})
}

// WithSharedConn runs fn on a connection bound to the default schema.
func (r *Router) WithSharedConn(ctx context.Context, fn func(c *Conn) error) error {
	c, err := r.AcquireShared(ctx)
	if err != nil {
		return err
	}
	defer r.Release(ctx, c) // nolint:errcheck

	return fn(c)
}

// WithSharedTx runs fn inside a transaction on the default schema.
func (r *Router) WithSharedTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.WithSharedConn(ctx, func(c *Conn) error {
		return inTx(ctx, c, fn)
	})
}

// WithAdmin runs fn on an administrative connection outside any transaction.
func (r *Router) WithAdmin(ctx context.Context, fn func(c *Conn) error) error {
	c, err := r.AcquireAdmin(ctx)
	if err != nil {
		return err
	}
	defer r.ReleaseAdmin(c)

	return fn(c)
}

// ExecAdmin executes a single statement on an administrative connection.
func (r *Router) ExecAdmin(ctx context.Context, sql string, args ...any) error {
	return r.WithAdmin(ctx, func(c *Conn) error {
		_, err := c.Exec(ctx, sql, args...)
		return err
	})
}

func inTx(ctx context.Context, c *Conn, fn func(tx pgx.Tx) error) error {
	tx, err := c.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func searchPath(schema string) string {
	return pgx.Identifier{schema}.Sanitize()
}
