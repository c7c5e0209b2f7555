package tenancy

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// DefaultSchema is the shared schema used when no tenant has been resolved.
const DefaultSchema = "public"

// Scope is the resolved tenant identity for one unit of work.
type Scope struct {
	TenantID   uuid.NullUUID
	SchemaName string
}

// Context is a mutable tenant slot owned by a single unit of work
// (request, job, task). It is attached to a context.Context by New and
// must be cleared when the unit of work ends.
type Context struct {
	mu    sync.RWMutex
	scope Scope
	set   bool
}

type contextKey struct{}

// New attaches a fresh, empty tenant slot to ctx.
func New(ctx context.Context) (context.Context, *Context) {
	tc := &Context{}
	return context.WithValue(ctx, contextKey{}, tc), tc
}

// Set stores the tenant identity. A zero tenantID is recorded as absent.
func (c *Context) Set(tenantID uuid.UUID, schemaName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scope = Scope{
		TenantID:   uuid.NullUUID{UUID: tenantID, Valid: tenantID != uuid.Nil},
		SchemaName: schemaName,
	}
	c.set = true
}

// Get returns the stored identity, or false if nothing has been set.
func (c *Context) Get() (Scope, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scope, c.set
}

// Clear empties the slot.
func (c *Context) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scope = Scope{}
	c.set = false
}

// SlotFromContext returns the tenant slot attached to ctx, if any.
func SlotFromContext(ctx context.Context) (*Context, bool) {
	tc, ok := ctx.Value(contextKey{}).(*Context)
	return tc, ok && tc != nil
}

// FromContext returns the tenant identity carried by ctx.
// It returns false when no slot is attached or the slot is empty.
func FromContext(ctx context.Context) (Scope, bool) {
	tc, ok := SlotFromContext(ctx)
	if !ok {
		return Scope{}, false
	}
	scope, ok := tc.Get()
	if !ok || scope.SchemaName == "" {
		return Scope{}, false
	}
	return scope, true
}

// SchemaFromContext returns the tenant schema carried by ctx, or fallback
// when no tenant has been resolved.
func SchemaFromContext(ctx context.Context, fallback string) string {
	if scope, ok := FromContext(ctx); ok {
		return scope.SchemaName
	}
	return fallback
}

// Run executes fn with the given tenant identity set on a fresh slot and
// clears the slot on every exit path, including panics.
func Run(ctx context.Context, tenantID uuid.UUID, schemaName string, fn func(ctx context.Context) error) error {
	ctx, tc := New(ctx)
	tc.Set(tenantID, schemaName)
	defer tc.Clear()

	return fn(ctx)
}
