package tenancy

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TenantIDHeader carries the verified tenant id on operator requests.
const TenantIDHeader = "X-Tenant-ID"

var (
	// ErrUnauthenticated is returned when a caller presents an identity that cannot be verified.
	ErrUnauthenticated = errors.New("tenant identity could not be verified")
	// ErrUnknownTenant is returned by a Resolver when no live tenant has the id.
	ErrUnknownTenant = errors.New("tenant not found")
)

// Authenticator resolves the verified tenant identity of a request.
// It returns false with a nil error when the request carries no tenant.
type Authenticator interface {
	Authenticate(r *http.Request) (Scope, bool, error)
}

// Resolver maps a verified tenant id to its schema.
type Resolver interface {
	ResolveSchema(ctx context.Context, tenantID uuid.UUID) (string, error)
}

// HeaderAuthenticator reads the tenant id from TenantIDHeader and resolves
// its schema through the tenant registry.
type HeaderAuthenticator struct {
	resolver Resolver
}

func NewHeaderAuthenticator(resolver Resolver) *HeaderAuthenticator {
	return &HeaderAuthenticator{resolver: resolver}
}

func (a *HeaderAuthenticator) Authenticate(r *http.Request) (Scope, bool, error) {
	raw := r.Header.Get(TenantIDHeader)
	if raw == "" {
		return Scope{}, false, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return Scope{}, false, ErrUnauthenticated
	}
	schemaName, err := a.resolver.ResolveSchema(r.Context(), id)
	if err != nil {
		return Scope{}, false, err
	}
	return Scope{TenantID: uuid.NullUUID{UUID: id, Valid: true}, SchemaName: schemaName}, true, nil
}

// Middleware attaches a tenant slot to every request, populates it from auth
// and clears it once the handler returns, even if the handler panics.
func Middleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, tc := New(r.Context())
			defer tc.Clear()

			scope, ok, err := auth.Authenticate(r)
			switch {
			case errors.Is(err, ErrUnauthenticated), errors.Is(err, ErrUnknownTenant):
				log.Warn().Err(err).Str("path", r.URL.Path).Msg("Tenant authentication failed")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			case err != nil:
				log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to resolve tenant")
				http.Error(w, "tenant registry unavailable", http.StatusServiceUnavailable)
				return
			}
			if ok {
				tc.Set(scope.TenantID.UUID, scope.SchemaName)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
