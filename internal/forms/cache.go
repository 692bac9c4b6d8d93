package forms

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedSource is a Redis read-through cache in front of another Source.
// Form definitions never change once created, so entries only expire by TTL.
type CachedSource struct {
	next   Source
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewCachedSource wraps next; a nil client disables caching.
func NewCachedSource(next Source, client *redis.Client, ttl time.Duration) *CachedSource {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedSource{next: next, client: client, ttl: ttl, prefix: "forms:"}
}

// Get returns the cached form or loads and caches it.
func (c *CachedSource) Get(ctx context.Context, id string) (Form, error) {
	if c.client == nil {
		return c.next.Get(ctx, id)
	}
	key := c.prefix + id
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var f Form
		if jerr := json.Unmarshal(raw, &f); jerr == nil {
			return f, nil
		}
	case !errors.Is(err, redis.Nil):
		log.Printf("forms cache get %s: %v", id, err)
	}

	f, err := c.next.Get(ctx, id)
	if err != nil {
		return Form{}, err
	}
	if data, jerr := json.Marshal(f); jerr == nil {
		if serr := c.client.Set(ctx, key, data, c.ttl).Err(); serr != nil {
			log.Printf("forms cache set %s: %v", id, serr)
		}
	}
	return f, nil
}

// List is not cached.
func (c *CachedSource) List(ctx context.Context) ([]Form, error) {
	return c.next.List(ctx)
}
