// Package dedup remembers provider webhook events for a while so that a
// provider retrying the same callback does not touch the tracker twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 24 * time.Hour

type Filter struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewFilter keys entries under prefix. A non-positive ttl uses DefaultTTL.
func NewFilter(rdb *redis.Client, prefix string, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb:    rdb,
		prefix: prefix + ":seen:",
		ttl:    ttl,
	}
}

// IsNew reports whether key has not been seen within the TTL, marking it
// seen in the same SETNX.
func (f *Filter) IsNew(ctx context.Context, key string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, f.prefix+key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget drops key so the event can be processed again, used when
// handling it failed after IsNew marked it.
func (f *Filter) Forget(ctx context.Context, key string) error {
	return f.rdb.Del(ctx, f.prefix+key).Err()
}
