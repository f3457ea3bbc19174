package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"gemchat/internal/ai"
)

const modelCatalogKey = "gemchat:models"

// ModelCache keeps the provider model catalog in Redis so the upstream
// listing endpoint is hit at most once per TTL. A cache failure is never
// fatal; callers just fall through to the live listing.
type ModelCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewModelCache(addr, password string, db int, ttl time.Duration) *ModelCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ModelCache{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

func (c *ModelCache) Close() error {
	return c.rdb.Close()
}

// Get returns the cached catalog and whether it was present.
func (c *ModelCache) Get(ctx context.Context) ([]ai.ModelInfo, bool) {
	raw, err := c.rdb.Get(ctx, modelCatalogKey).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("redisstore: get model catalog: %v", err)
		}
		return nil, false
	}
	var models []ai.ModelInfo
	if err := json.Unmarshal(raw, &models); err != nil {
		log.Printf("redisstore: decode model catalog: %v", err)
		return nil, false
	}
	return models, true
}

func (c *ModelCache) Set(ctx context.Context, models []ai.ModelInfo) {
	raw, err := json.Marshal(models)
	if err != nil {
		log.Printf("redisstore: encode model catalog: %v", err)
		return
	}
	if err := c.rdb.Set(ctx, modelCatalogKey, raw, c.ttl).Err(); err != nil {
		log.Printf("redisstore: set model catalog: %v", err)
	}
}
