package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/teresa-solution/tenant-schema-service/internal/model"
)

// tenantCache is a read-through redis cache of live tenants keyed by id.
// A nil client disables it.
type tenantCache struct {
	client RedisClient
	ttl    time.Duration
}

func tenantKey(id uuid.UUID) string {
	return fmt.Sprintf("tenant:%s", id.String())
}

func (c tenantCache) get(ctx context.Context, id uuid.UUID) *model.Tenant {
	if c.client == nil {
		return nil
	}
	cached, err := c.client.Get(ctx, tenantKey(id)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("tenant_id", id.String()).Msg("Tenant cache read failed")
		}
		return nil
	}
	tenant := &model.Tenant{}
	if err := json.Unmarshal([]byte(cached), tenant); err != nil {
		log.Warn().Err(err).Str("tenant_id", id.String()).Msg("Discarding undecodable cached tenant")
		c.del(ctx, id)
		return nil
	}
	return tenant
}

func (c tenantCache) set(ctx context.Context, tenant *model.Tenant) {
	if c.client == nil {
		return
	}
	data, err := json.Marshal(tenant)
	if err != nil {
		return
	}
	if err := c.client.SetEx(ctx, tenantKey(tenant.ID), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenant.ID.String()).Msg("Tenant cache write failed")
	}
}

func (c tenantCache) del(ctx context.Context, id uuid.UUID) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, tenantKey(id)).Err(); err != nil {
		log.Warn().Err(err).Str("tenant_id", id.String()).Msg("Tenant cache invalidation failed")
	}
}
