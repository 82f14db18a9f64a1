package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quotagate/quotagate/internal/shared/models"
	"github.com/quotagate/quotagate/internal/shared/redis"
)

// Lookup is the credential-lookup cache contract consumed by the auth
// middleware. A lookup yields one of three outcomes: a hit, a remembered
// negative (the key is known not to exist), or a miss.
type Lookup interface {
	Get(ctx context.Context, id string) (*models.Credential, Outcome)
	Set(ctx context.Context, cred *models.Credential)
	SetNegative(ctx context.Context, id string)
	Invalidate(ctx context.Context, id string)
}

type Outcome int

const (
	Miss Outcome = iota
	Hit
	NegativeHit
)

// negativeSentinel marks a cached "no such credential" result so repeated
// probes with a bad key skip the database.
const negativeSentinel = "__negative__"

type Cache struct {
	redis *redis.Client
	ttl   time.Duration
}

// New creates a new cache instance
func New(redisClient *redis.Client, ttl time.Duration) *Cache {
	return &Cache{redis: redisClient, ttl: ttl}
}

func cacheKey(id string) string {
	return fmt.Sprintf("cred:%s", id)
}

// Get retrieves a cached credential.
func (c *Cache) Get(ctx context.Context, id string) (*models.Credential, Outcome) {
	val, err := c.redis.Get(ctx, cacheKey(id))
	if err != nil {
		return nil, Miss
	}
	if val == negativeSentinel {
		return nil, NegativeHit
	}

	var cred models.Credential
	if err := json.Unmarshal([]byte(val), &cred); err != nil {
		return nil, Miss
	}
	return &cred, Hit
}

// Set stores a credential.
func (c *Cache) Set(ctx context.Context, cred *models.Credential) {
	data, err := json.Marshal(cred)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, cacheKey(cred.ID), string(data), c.ttl)
}

// SetNegative remembers that no credential exists for id.
func (c *Cache) SetNegative(ctx context.Context, id string) {
	_ = c.redis.Set(ctx, cacheKey(id), negativeSentinel, c.ttl)
}

// Invalidate drops the cached entry for id.
func (c *Cache) Invalidate(ctx context.Context, id string) {
	_ = c.redis.Del(ctx, cacheKey(id))
}

// Disabled is a no-op Lookup used when caching is turned off.
type Disabled struct{}

func (Disabled) Get(context.Context, string) (*models.Credential, Outcome) { return nil, Miss }
func (Disabled) Set(context.Context, *models.Credential)                   {}
func (Disabled) SetNegative(context.Context, string)                       {}
func (Disabled) Invalidate(context.Context, string)                        {}
