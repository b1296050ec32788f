package reserve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/parkgrid/parking/internal/fault"
)

const keyPrefix = "reserve:"

// Redis implements Registry on go-redis. Claims are plain string keys
// (reserve:{slotid} → gateid) with a TTL, the same shape the ws relay and
// any redis-cli operator sees.
type Redis struct {
	client *redis.Client
}

// NewRedis connects from a redis:// URL and verifies the connection with a
// short ping so a dead Redis is caught at boot, not at the first suggest.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("reserve: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fault.Wrap(fault.Unavailable, "REGISTRY_UNAVAILABLE", err)
	}
	return &Redis{client: client}, nil
}

// Client exposes the underlying connection for the bus relay, which shares
// the deployment's single Redis.
func (r *Redis) Client() *redis.Client { return r.client }

func (r *Redis) Reserve(ctx context.Context, slotID, gateID string, ttl time.Duration) error {
	key := keyPrefix + slotID
	set, err := r.client.SetNX(ctx, key, gateID, ttl).Result()
	if err != nil {
		return fault.Wrap(fault.Unavailable, "REGISTRY_UNAVAILABLE", err)
	}
	if set {
		return nil
	}
	owner, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Claim expired between SETNX and GET; take it now.
		if err := r.client.Set(ctx, key, gateID, ttl).Err(); err != nil {
			return fault.Wrap(fault.Unavailable, "REGISTRY_UNAVAILABLE", err)
		}
		return nil
	}
	if err != nil {
		return fault.Wrap(fault.Unavailable, "REGISTRY_UNAVAILABLE", err)
	}
	if owner != gateID {
		return conflict(slotID, owner)
	}
	// Our own claim: refresh the TTL.
	if err := r.client.Set(ctx, key, gateID, ttl).Err(); err != nil {
		return fault.Wrap(fault.Unavailable, "REGISTRY_UNAVAILABLE", err)
	}
	return nil
}

func (r *Redis) Owner(ctx context.Context, slotID string) (string, time.Duration, bool, error) {
	key := keyPrefix + slotID
	owner, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fault.Wrap(fault.Unavailable, "REGISTRY_UNAVAILABLE", err)
	}
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return "", 0, false, fault.Wrap(fault.Unavailable, "REGISTRY_UNAVAILABLE", err)
	}
	return owner, ttl, true, nil
}

func (r *Redis) Release(ctx context.Context, slotID string) error {
	if err := r.client.Del(ctx, keyPrefix+slotID).Err(); err != nil {
		return fault.Wrap(fault.Unavailable, "REGISTRY_UNAVAILABLE", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
