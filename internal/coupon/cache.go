package coupon

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps Redis based caching of coupon lookups. Usage counters are
// never served from cache; only the static rule fields matter to reads
// that show a coupon, and Invalidate is called on every counter change.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(code string) string {
	return "coupon:code:" + code
}

// Fetch loads a cached coupon or populates it using the loader.
func (c *Cache) Fetch(ctx context.Context, code string, loader func(context.Context) (Coupon, error)) (Coupon, error) {
	if loader == nil {
		return Coupon{}, errors.New("coupon cache: loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, cacheKey(code)).Bytes()
	if err == nil {
		var cached Coupon
		if uerr := json.Unmarshal(payload, &cached); uerr == nil {
			return cached, nil
		}
	} else if err != redis.Nil {
		return Coupon{}, err
	}
	value, err := loader(ctx)
	if err != nil {
		return Coupon{}, err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return Coupon{}, err
	}
	if err := c.client.Set(ctx, cacheKey(code), raw, c.ttl).Err(); err != nil {
		return Coupon{}, err
	}
	return value, nil
}

// Invalidate drops a cached coupon after its counters change.
func (c *Cache) Invalidate(ctx context.Context, code string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(code)).Err()
}
