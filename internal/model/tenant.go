package model

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents the tenants table in the shared schema
type Tenant struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	SchemaName  string         `json:"schema_name"`
	Domain      *string        `json:"domain,omitempty"`
	MaxUsers    *int           `json:"max_users,omitempty"`
	QuotaLimits map[string]any `json:"quota_limits"`
	Deleted     bool           `json:"deleted"`
	DeletedAt   *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy   *string        `json:"deleted_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TenantModule represents a row of the tenant_modules table
type TenantModule struct {
	TenantID  uuid.UUID `json:"tenant_id"`
	Module    string    `json:"module"`
	GrantedAt time.Time `json:"granted_at"`
}
