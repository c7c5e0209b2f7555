package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotFound is returned when a row that must exist does not.
	ErrNotFound = errors.New("not found")
	// ErrNoReadySchema is returned by a claim when no READY entry could be
	// locked, whether because the pool is empty or the lock wait timed out.
	ErrNoReadySchema = errors.New("no ready schema available")
	// ErrClaimTimeout accompanies ErrNoReadySchema when the lock wait ran out.
	ErrClaimTimeout = errors.New("schema pool lock wait timed out")
	// ErrDuplicateSchemaName is returned when an insert loses the race for a
	// schema name.
	ErrDuplicateSchemaName = errors.New("schema name already registered")
	// ErrRegistryMissing is returned when the shared registry tables have not
	// been migrated.
	ErrRegistryMissing = errors.New("schema registry tables are missing")
)

// Querier is satisfied by router connections and pgx transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RedisClient is the subset of *redis.Client the tenant cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	SetEx(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

const (
	pgUniqueViolation    = "23505"
	pgLockNotAvailable   = "55P03"
	pgQueryCanceled      = "57014"
	pgUndefinedTable     = "42P01"
	schemaNameConstraint = "_schema_name_key"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

// isLockWait reports whether err means a statement gave up waiting for a lock.
func isLockWait(err error) bool {
	switch pgCode(err) {
	case pgLockNotAvailable, pgQueryCanceled:
		return true
	}
	return false
}

func isSchemaNameConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return strings.HasSuffix(pgErr.ConstraintName, schemaNameConstraint)
}
