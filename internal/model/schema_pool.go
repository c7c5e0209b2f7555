package model

import (
	"time"

	"github.com/google/uuid"
)

// PoolStatus is the lifecycle state of a pooled schema.
type PoolStatus string

const (
	PoolStatusReady    PoolStatus = "READY"
	PoolStatusAssigned PoolStatus = "ASSIGNED"
	PoolStatusError    PoolStatus = "ERROR"
)

// PoolStatuses lists every status in display order.
var PoolStatuses = []PoolStatus{PoolStatusReady, PoolStatusAssigned, PoolStatusError}

// Valid reports whether s is a known pool status.
func (s PoolStatus) Valid() bool {
	switch s {
	case PoolStatusReady, PoolStatusAssigned, PoolStatusError:
		return true
	}
	return false
}

// SchemaPoolEntry represents the schema_pool table
type SchemaPoolEntry struct {
	ID         uuid.UUID  `json:"id"`
	SchemaName string     `json:"schema_name"`
	Status     PoolStatus `json:"status"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	Deleted    bool       `json:"deleted"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	DeletedBy  *string    `json:"deleted_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SchemaPoolStats is the operator-facing read model of the schema pool.
type SchemaPoolStats struct {
	ReadyCount             int        `json:"readyCount"`
	AssignedCount          int        `json:"assignedCount"`
	ErrorCount             int        `json:"errorCount"`
	TotalCount             int        `json:"totalCount"`
	MinReadyCount          int        `json:"minReadyCount"`
	LastReadyProvisionedAt *time.Time `json:"lastReadyProvisionedAt"`
}

// NewSchemaPoolStats folds per-status counts into the stats read model.
// Statuses missing from counts are reported as zero.
func NewSchemaPoolStats(counts map[PoolStatus]int, minReady int, lastReady *time.Time) SchemaPoolStats {
	stats := SchemaPoolStats{
		MinReadyCount:          minReady,
		LastReadyProvisionedAt: lastReady,
	}
	for _, status := range PoolStatuses {
		n := counts[status]
		switch status {
		case PoolStatusReady:
			stats.ReadyCount = n
		case PoolStatusAssigned:
			stats.AssignedCount = n
		case PoolStatusError:
			stats.ErrorCount = n
		}
		stats.TotalCount += n
	}
	return stats
}
