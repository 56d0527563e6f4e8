package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Brownie44l1/agricure-api/internal/model"
)

// KeyPrefix namespaces result entries in a shared Redis.
const KeyPrefix = "agricure:result:"

// entry is the stored JSON form. Kind is not part of the API response, so it
// is kept here explicitly.
type entry struct {
	model.InferenceResult
	Kind model.Kind `json:"kind"`
}

// Redis stores results as JSON strings with a TTL.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration, logger *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("cache: redis ping %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, ttl: ttl, logger: logger}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (model.InferenceResult, bool) {
	raw, err := r.rdb.Get(ctx, KeyPrefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("cache get failed", "err", err)
		}
		return model.InferenceResult{}, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		r.logger.Warn("cache entry unreadable", "key", key, "err", err)
		return model.InferenceResult{}, false
	}
	res := e.InferenceResult
	res.Kind = e.Kind
	return res, true
}

func (r *Redis) Set(ctx context.Context, key string, result model.InferenceResult) {
	raw, err := json.Marshal(entry{InferenceResult: result, Kind: result.Kind})
	if err != nil {
		r.logger.Warn("cache encode failed", "err", err)
		return
	}
	if err := r.rdb.Set(ctx, KeyPrefix+key, raw, r.ttl).Err(); err != nil {
		r.logger.Warn("cache set failed", "err", err)
	}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
