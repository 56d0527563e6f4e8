package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Brownie44l1/agricure-api/internal/model"
)

// Memory is an in-process TTL cache.
type Memory struct {
	c *gocache.Cache
}

// NewMemory creates a cache whose entries expire after ttl. A zero ttl keeps
// entries until the process exits.
func NewMemory(ttl time.Duration) *Memory {
	expiry, cleanup := ttl, 2*ttl
	if ttl <= 0 {
		expiry, cleanup = gocache.NoExpiration, 0
	}
	return &Memory{c: gocache.New(expiry, cleanup)}
}

func (m *Memory) Get(_ context.Context, key string) (model.InferenceResult, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return model.InferenceResult{}, false
	}
	r, ok := v.(model.InferenceResult)
	if !ok {
		return model.InferenceResult{}, false
	}
	return copyResult(r), true
}

func (m *Memory) Set(_ context.Context, key string, result model.InferenceResult) {
	m.c.SetDefault(key, copyResult(result))
}

// Len reports the number of live entries.
func (m *Memory) Len() int { return m.c.ItemCount() }

func (m *Memory) Close() error {
	m.c.Flush()
	return nil
}
