package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/okian/elosync/internal/domain/model"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "elosync:season:"

// Redis is a SeasonCache shared between processes.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedis wraps client; zero ttl uses DefaultTTL.
func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Connect dials addr and checks it answers.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func key(competition string) string { return keyPrefix + competition }

// Get implements SeasonCache.
func (r *Redis) Get(ctx context.Context, competition string) (model.Season, bool, error) {
	b, err := r.client.Get(ctx, key(competition)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Season{}, false, nil
	}
	if err != nil {
		return model.Season{}, false, fmt.Errorf("redis get season: %w", err)
	}
	var s model.Season
	if err := json.Unmarshal(b, &s); err != nil {
		return model.Season{}, false, fmt.Errorf("decoding cached season: %w", err)
	}
	return s, true, nil
}

// Set implements SeasonCache.
func (r *Redis) Set(ctx context.Context, competition string, s model.Season) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding season: %w", err)
	}
	if err := r.client.Set(ctx, key(competition), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set season: %w", err)
	}
	return nil
}
