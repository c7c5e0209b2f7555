package schema

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/teresa-solution/tenant-schema-service/internal/tenancy"
)

// LookupValue is a default reference row seeded into every tenant schema.
type LookupValue struct {
	Category string
	Code     string
	Label    string
}

// DefaultLookupValues are seeded in order; position follows slice order
// within a category.
var DefaultLookupValues = []LookupValue{
	{"customer_type", "individual", "Individual"},
	{"customer_type", "company", "Company"},
	{"lead_status", "new", "New"},
	{"lead_status", "contacted", "Contacted"},
	{"lead_status", "qualified", "Qualified"},
	{"lead_status", "won", "Won"},
	{"lead_status", "lost", "Lost"},
	{"reminder_priority", "low", "Low"},
	{"reminder_priority", "normal", "Normal"},
	{"reminder_priority", "high", "High"},
	{"file_category", "contract", "Contract"},
	{"file_category", "invoice", "Invoice"},
	{"file_category", "other", "Other"},
}

// DefaultSettings are seeded into tenant_settings.
var DefaultSettings = map[string]string{
	"timezone": "UTC",
	"locale":   "en",
	"currency": "USD",
}

// TxRunner runs fn in a transaction bound to the tenant carried by ctx.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

// DefaultsSeeder seeds reference data through the connection router, so the
// rows land in the schema being provisioned.
type DefaultsSeeder struct {
	db TxRunner
}

func NewDefaultsSeeder(db TxRunner) *DefaultsSeeder {
	return &DefaultsSeeder{db: db}
}

func (s *DefaultsSeeder) Seed(ctx context.Context, schemaName string) error {
	return tenancy.Run(ctx, uuid.Nil, schemaName, func(ctx context.Context) error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			batch := &pgx.Batch{}
			positions := map[string]int{}
			for _, v := range DefaultLookupValues {
				positions[v.Category]++
				batch.Queue(`INSERT INTO lookup_values (category, code, label, position)
					VALUES ($1, $2, $3, $4)
					ON CONFLICT (category, code) DO NOTHING`,
					v.Category, v.Code, v.Label, positions[v.Category])
			}
			for key, value := range DefaultSettings {
				batch.Queue(`INSERT INTO tenant_settings (key, value) VALUES ($1, $2)
					ON CONFLICT (key) DO NOTHING`, key, value)
			}
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return fmt.Errorf("insert defaults: %w", err)
			}
			return nil
		})
	})
}
