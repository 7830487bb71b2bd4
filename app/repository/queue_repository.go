package repository

import (
	"context"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cmehub/billing/internal/pkg/cache"
)

const (
	queueScanCount   = 500
	queueDeleteBatch = 500
)

// queueRepository reads and prunes the redis keys owned by the billing job
// queue. The client is resolved per call so tests can swap it with
// cache.SetClient.
type queueRepository struct {
	client func() *redis.Client
}

// NewQueueRepository creates a queue repository over the shared redis client
func NewQueueRepository() QueueRepository {
	return &queueRepository{client: cache.GetClient}
}

func (r *queueRepository) GetTTL(key string) (time.Duration, error) {
	ttl, err := r.client().TTL(context.Background(), key).Result()
	if err != nil {
		return -1, err
	}
	return ttl, nil
}

func (r *queueRepository) GetListLength(key string) (int64, error) {
	return r.client().LLen(context.Background(), key).Result()
}

// FindKeysByPatterns SCANs every pattern and returns the distinct keys sorted.
func (r *queueRepository) FindKeysByPatterns(patterns []string) ([]string, error) {
	ctx := context.Background()
	seen := make(map[string]struct{})
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		iter := r.client().Scan(ctx, 0, pattern, queueScanCount).Iterator()
		for iter.Next(ctx) {
			seen[iter.Val()] = struct{}{}
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// DeleteKeys deletes keys in batches and reports how many existed.
func (r *queueRepository) DeleteKeys(keys []string) (int64, error) {
	ctx := context.Background()
	var deleted int64
	for start := 0; start < len(keys); start += queueDeleteBatch {
		end := min(start+queueDeleteBatch, len(keys))
		n, err := r.client().Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}
