package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heimdex/heimdex-scenes/internal/scene"
)

const redisPrefix = "scenes:cache:"

// RedisTier stores cached scene sets as JSON with a TTL. Each content item
// keeps an index set of its keys so invalidation needs no SCAN.
type RedisTier struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// ConnectRedis establishes a connection to Redis
func ConnectRedis(ctx context.Context, addr string, ttl time.Duration) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisTier(client, ttl), nil
}

func NewRedisTier(client redis.UniversalClient, ttl time.Duration) *RedisTier {
	return &RedisTier{client: client, ttl: ttl}
}

func entryKey(contentID, paramsKey string) string {
	return redisPrefix + contentID + ":" + paramsKey
}

func indexKey(contentID string) string {
	return redisPrefix + "idx:" + contentID
}

func (r *RedisTier) Get(ctx context.Context, contentID, paramsKey string) ([]*scene.Scene, bool, error) {
	data, err := r.client.Get(ctx, entryKey(contentID, paramsKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var scenes []*scene.Scene
	if err := json.Unmarshal(data, &scenes); err != nil {
		return nil, false, fmt.Errorf("decode cached scenes: %w", err)
	}
	return scenes, true, nil
}

func (r *RedisTier) Set(ctx context.Context, contentID, paramsKey string, scenes []*scene.Scene) error {
	data, err := json.Marshal(scenes)
	if err != nil {
		return fmt.Errorf("encode scenes: %w", err)
	}

	key := entryKey(contentID, paramsKey)
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, data, r.ttl)
	pipe.SAdd(ctx, indexKey(contentID), key)
	pipe.Expire(ctx, indexKey(contentID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisTier) DeleteContent(ctx context.Context, contentID string) error {
	idx := indexKey(contentID)
	keys, err := r.client.SMembers(ctx, idx).Result()
	if err != nil {
		return fmt.Errorf("redis smembers: %w", err)
	}
	keys = append(keys, idx)
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisTier) Close() error {
	return r.client.Close()
}
