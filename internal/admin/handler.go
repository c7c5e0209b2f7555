package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/tenant-schema-service/internal/model"
	"github.com/teresa-solution/tenant-schema-service/internal/router"
	"github.com/teresa-solution/tenant-schema-service/internal/schema"
	"github.com/teresa-solution/tenant-schema-service/internal/service"
	"github.com/teresa-solution/tenant-schema-service/internal/tenancy"
)

// OperatorHeader names the operator recorded on tenant deletion.
const OperatorHeader = "X-Operator"

type PoolService interface {
	Stats(ctx context.Context) (model.SchemaPoolStats, error)
	Tick(ctx context.Context) service.TickResult
	ProvisionSchema(ctx context.Context) (*model.SchemaPoolEntry, error)
}

type TenantService interface {
	Create(ctx context.Context, in service.CreateTenantInput) (*model.Tenant, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Tenant, error)
	Modules(ctx context.Context, id uuid.UUID) ([]string, error)
	Delete(ctx context.Context, id uuid.UUID, deletedBy string) error
	ResolveSchema(ctx context.Context, id uuid.UUID) (string, error)
}

// SchemaReader reports the schema a tenant-routed connection is bound to.
type SchemaReader interface {
	CurrentSchema(ctx context.Context) (string, error)
}

type handler struct {
	pool    PoolService
	tenants TenantService
	schemas SchemaReader
}

// NewHandler builds the operator HTTP surface.
func NewHandler(pool PoolService, tenants TenantService, schemas SchemaReader) http.Handler {
	h := &handler{pool: pool, tenants: tenants, schemas: schemas}

	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK")) // nolint:errcheck
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin/schema-pool", func(r chi.Router) {
		r.Get("/stats", h.handlePoolStats)
		r.Post("/replenish", h.handleReplenish)
		r.Post("/provision", h.handleProvision)
	})

	r.Route("/tenants", func(r chi.Router) {
		r.Post("/", h.handleCreateTenant)
		r.Get("/{tenantID}", h.handleGetTenant)
		r.Delete("/{tenantID}", h.handleDeleteTenant)
		r.Get("/{tenantID}/modules", h.handleTenantModules)
	})

	r.With(tenancy.Middleware(tenancy.NewHeaderAuthenticator(tenants))).
		Get("/tenant/session", h.handleSession)

	return r
}

func (h *handler) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.pool.Stats(r.Context())
	if err != nil {
		h.err(w, r, err)
		return
	}
	respond(w, http.StatusOK, stats)
}

func (h *handler) handleReplenish(w http.ResponseWriter, r *http.Request) {
	result := h.pool.Tick(r.Context())
	status := http.StatusOK
	if result.Skipped {
		status = http.StatusConflict
	}
	respond(w, status, result)
}

func (h *handler) handleProvision(w http.ResponseWriter, r *http.Request) {
	entry, err := h.pool.ProvisionSchema(r.Context())
	if err != nil {
		h.err(w, r, err)
		return
	}
	respond(w, http.StatusCreated, entry)
}

func (h *handler) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var in service.CreateTenantInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	tenant, err := h.tenants.Create(r.Context(), in)
	if err != nil {
		h.err(w, r, err)
		return
	}
	respond(w, http.StatusCreated, tenant)
}

func (h *handler) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	tenant, err := h.tenants.Get(r.Context(), id)
	if err != nil {
		h.err(w, r, err)
		return
	}
	respond(w, http.StatusOK, tenant)
}

func (h *handler) handleTenantModules(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	modules, err := h.tenants.Modules(r.Context(), id)
	if err != nil {
		h.err(w, r, err)
		return
	}
	if modules == nil {
		modules = []string{}
	}
	respond(w, http.StatusOK, map[string][]string{"modules": modules})
}

func (h *handler) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(w, r)
	if !ok {
		return
	}
	operator := r.Header.Get(OperatorHeader)
	if operator == "" {
		operator = "admin"
	}
	if err := h.tenants.Delete(r.Context(), id, operator); err != nil {
		h.err(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSession shows which schema a tenant-routed connection lands on.
func (h *handler) handleSession(w http.ResponseWriter, r *http.Request) {
	scope, ok := tenancy.FromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "tenant header required")
		return
	}
	current, err := h.schemas.CurrentSchema(r.Context())
	if err != nil {
		h.err(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]string{
		"tenant_id":      scope.TenantID.UUID.String(),
		"schema_name":    scope.SchemaName,
		"current_schema": current,
	})
}

func (h *handler) err(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidTenant):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrTenantNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, schema.ErrProvisionFailed):
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Schema provisioning failed")
		respondError(w, http.StatusServiceUnavailable, "schema provisioning failed")
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Admin request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func tenantID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "tenantID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid tenant id")
		return uuid.Nil, false
	}
	return id, true
}

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respond(w, status, map[string]string{"error": msg})
}

// RouterSchema reads current_schema() over a tenant-routed connection.
type RouterSchema struct {
	DB *router.Router
}

func (p RouterSchema) CurrentSchema(ctx context.Context) (string, error) {
	var current string
	err := p.DB.WithConn(ctx, func(c *router.Conn) error {
		return c.QueryRow(ctx, "SELECT current_schema()").Scan(&current)
	})
	return current, err
}
