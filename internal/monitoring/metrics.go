package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	SchemaPoolEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "schema_pool_entries",
			Help: "Number of schema pool entries by status",
		},
		[]string{"status"},
	)
	SchemasProvisioned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schema_provisioning_total",
			Help: "Total number of schema provisioning attempts by outcome",
		},
		[]string{"status"},
	)
	ProvisioningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "schema_provisioning_duration_seconds",
			Help:    "Duration of schema creation, migration and seeding in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
	)
	PoolClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schema_pool_claims_total",
			Help: "Schema pool claim attempts by result",
		},
		[]string{"result"},
	)
	ConnectionPollution = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connection_pollution_total",
			Help: "Pooled connections destroyed because their schema binding could not be verified",
		},
		[]string{"phase"},
	)
	TenantsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenants_created_total",
			Help: "Tenants created by activation path",
		},
		[]string{"path"},
	)
)

func InitMetrics() {
	for name, c := range map[string]prometheus.Collector{
		"SchemaPoolEntries":    SchemaPoolEntries,
		"SchemasProvisioned":   SchemasProvisioned,
		"ProvisioningDuration": ProvisioningDuration,
		"PoolClaims":           PoolClaims,
		"ConnectionPollution":  ConnectionPollution,
		"TenantsCreated":       TenantsCreated,
	} {
		if err := prometheus.Register(c); err != nil {
			log.Error().Err(err).Msgf("Failed to register %s metric", name)
		}
	}
}
