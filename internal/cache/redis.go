package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const redisPrefix = "buildmart:cache:"

// Redis shares the list cache across API instances. Invalidation bumps a
// per-namespace generation counter so stale entries simply stop being read
// and expire on their own TTL.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, log zerolog.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, log: log.With().Str("component", "cache").Logger()}
}

func (r *Redis) generation(ctx context.Context, namespace string) (int64, error) {
	gen, err := r.client.Get(ctx, redisPrefix+"gen:"+namespace).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (r *Redis) dataKey(gen int64, key string) string {
	return fmt.Sprintf("%s%d:%s", redisPrefix, gen, key)
}

func (r *Redis) Get(ctx context.Context, key string, dst any) bool {
	gen, err := r.generation(ctx, namespaceOf(key))
	if err != nil {
		r.log.Warn().Err(err).Msg("cache generation lookup failed")
		return false
	}
	payload, err := r.client.Get(ctx, r.dataKey(gen, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.log.Warn().Err(err).Msg("cache get failed")
		}
		return false
	}
	return json.Unmarshal(payload, dst) == nil
}

func (r *Redis) Set(ctx context.Context, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		return
	}
	gen, err := r.generation(ctx, namespaceOf(key))
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, r.dataKey(gen, key), payload, r.ttl).Err(); err != nil {
		r.log.Warn().Err(err).Msg("cache set failed")
	}
}

func (r *Redis) Invalidate(ctx context.Context, namespace string) {
	if namespace == "" {
		return
	}
	if err := r.client.Incr(ctx, redisPrefix+"gen:"+namespace).Err(); err != nil {
		r.log.Warn().Err(err).Str("namespace", namespace).Msg("cache invalidate failed")
	}
}

// Dial parses a redis:// URL and checks the server answers.
func Dial(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
