// Package cache stores formatted predictions keyed by a digest of the image
// bytes, so re-uploads of the same photo skip inference.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Brownie44l1/agricure-api/internal/config"
	"github.com/Brownie44l1/agricure-api/internal/model"
)

// Cache is implemented by every backend. Implementations are safe for
// concurrent use. Misses and backend failures both report false.
type Cache interface {
	Get(ctx context.Context, key string) (model.InferenceResult, bool)
	Set(ctx context.Context, key string, result model.InferenceResult)
	Close() error
}

// New builds the backend named by cfg.Backend.
func New(ctx context.Context, cfg config.CacheConfig, logger *slog.Logger) (Cache, error) {
	switch cfg.Backend {
	case "memory", "":
		return NewMemory(cfg.TTL), nil
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL, logger)
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("cache: unknown backend %q", cfg.Backend)
	}
}

// Key returns the hex SHA-256 of data.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint digests the settings that shape a cached result (model file,
// label table, policy) into a short namespace. Results stored under one
// fingerprint are never served to a service configured differently.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:8])
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) (model.InferenceResult, bool) {
	return model.InferenceResult{}, false
}

func (Nop) Set(context.Context, string, model.InferenceResult) {}

func (Nop) Close() error { return nil }

func copyResult(r model.InferenceResult) model.InferenceResult {
	r.Symptoms = append([]string(nil), r.Symptoms...)
	r.Cure = append([]string(nil), r.Cure...)
	return r
}
