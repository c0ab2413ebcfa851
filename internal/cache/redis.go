package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"feedagent/internal/models"
)

// DefaultPrefix namespaces summary keys in a shared Redis.
const DefaultPrefix = "feedagent:summary:"

// RedisCache stores summaries as JSON strings with native expiry.
type RedisCache struct {
	client   redis.UniversalClient
	prefix   string
	ttl      time.Duration
	counters Counters
}

var _ Cache = (*RedisCache)(nil)

// OpenRedis connects to the server at url and checks it answers.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) key(articleID, modelID string) string {
	return r.prefix + Key(articleID, modelID)
}

func (r *RedisCache) Get(ctx context.Context, articleID, modelID string) (models.Summary, bool, error) {
	b, err := r.client.Get(ctx, r.key(articleID, modelID)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.counters.Miss()
		return models.Summary{}, false, nil
	}
	if err != nil {
		return models.Summary{}, false, fmt.Errorf("redis get error: %w", err)
	}

	var s models.Summary
	if err := json.Unmarshal(b, &s); err != nil {
		// A value we cannot decode is treated as absent; the next Put replaces it.
		r.counters.Miss()
		return models.Summary{}, false, nil
	}
	r.counters.Hit()
	return s, true, nil
}

func (r *RedisCache) Put(ctx context.Context, articleID, modelID string, s models.Summary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	if err := r.client.Set(ctx, r.key(articleID, modelID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix and reports how many went.
func (r *RedisCache) Clear(ctx context.Context) (int64, error) {
	keys, err := r.scan(ctx)
	if err != nil {
		return 0, err
	}

	var deleted int64
	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		n, err := r.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return deleted, fmt.Errorf("error deleting keys: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}

func (r *RedisCache) Stats(ctx context.Context) (Stats, error) {
	keys, err := r.scan(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{Backend: "redis", Entries: int64(len(keys))}
	r.counters.Fill(&s)
	return s, nil
}

func (r *RedisCache) scan(ctx context.Context) ([]string, error) {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("error scanning keys: %w", err)
	}
	return keys, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
