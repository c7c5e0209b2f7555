package router

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pooledConn is the subset of *pgxpool.Conn the router relies on.
type pooledConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	IsClosed() bool
	// Release hands the connection back to the pool.
	Release()
	// Destroy removes the connection from the pool and closes it.
	Destroy(ctx context.Context) error
}

type connSource interface {
	Acquire(ctx context.Context) (pooledConn, error)
}

type pgxSource struct {
	pool *pgxpool.Pool
}

func (s pgxSource) Acquire(ctx context.Context) (pooledConn, error) {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return pgxConn{c: c}, nil
}

type pgxConn struct {
	c *pgxpool.Conn
}

func (p pgxConn) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return p.c.Exec(ctx, sql, arguments...)
}

func (p pgxConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.c.Query(ctx, sql, args...)
}

func (p pgxConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return p.c.QueryRow(ctx, sql, args...)
}

func (p pgxConn) Begin(ctx context.Context) (pgx.Tx, error) {
	return p.c.Begin(ctx)
}

func (p pgxConn) IsClosed() bool {
	return p.c.Conn().IsClosed()
}

func (p pgxConn) Release() {
	p.c.Release()
}

func (p pgxConn) Destroy(ctx context.Context) error {
	return p.c.Hijack().Close(ctx)
}

// Conn is a pooled connection whose session is bound to one schema.
// It must be handed back through the Router that produced it.
type Conn struct {
	conn     pooledConn
	schema   string
	admin    bool
	released bool
}

// Schema returns the schema the connection is bound to. Administrative
// connections report an empty schema.
func (c *Conn) Schema() string {
	return c.schema
}

func (c *Conn) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, arguments...)
}

func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c *Conn) Begin(ctx context.Context) (pgx.Tx, error) {
	return c.conn.Begin(ctx)
}
