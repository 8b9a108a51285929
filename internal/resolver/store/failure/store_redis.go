package failure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fedgate/internal/resolver/models"
	"fedgate/pkg/sentinel"
)

// Redis key prefix for negative resolution entries.
const failureKeyPrefix = "resolve:failed:"

// RedisCache is the distributed failure cache for deployments where multiple
// instances share resolution state. Key expiry implements the retry window.
type RedisCache struct {
	client *redis.Client
}

// NewRedis constructs a Redis-backed failure cache.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Record caches a failed resolution; the key's TTL is the retry window.
func (c *RedisCache) Record(ctx context.Context, iri, cause string, retryAfter time.Duration) error {
	entry := models.Failure{
		IRI:        iri,
		Cause:      cause,
		FailedAt:   time.Now().UTC(),
		RetryAfter: retryAfter,
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode failure entry: %w", err)
	}
	if err := c.client.Set(ctx, failureKeyPrefix+iri, payload, retryAfter).Err(); err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// Get returns the cached failure. A missing key means the identifier either
// never failed or its retry window elapsed.
func (c *RedisCache) Get(ctx context.Context, iri string) (*models.Failure, error) {
	payload, err := c.client.Get(ctx, failureKeyPrefix+iri).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failure: %w", err)
	}
	var entry models.Failure
	if err := json.Unmarshal(payload, &entry); err != nil {
		return nil, fmt.Errorf("decode failure entry: %w", err)
	}
	return &entry, nil
}

// Clear drops the entry for an identifier.
func (c *RedisCache) Clear(ctx context.Context, iri string) error {
	if err := c.client.Del(ctx, failureKeyPrefix+iri).Err(); err != nil {
		return fmt.Errorf("clear failure: %w", err)
	}
	return nil
}
