package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/example/dispatchlite/internal/dispatch/domain"
)

const defaultActiveClassesKey = "fleet:classes:active"

// RedisRegistry reads the activatable car classes from a Redis set that
// the fleet-management service maintains.
type RedisRegistry struct {
	client redis.Cmdable
	key    string
}

// NewRedisRegistry constructs the registry.
func NewRedisRegistry(client redis.Cmdable, key string) *RedisRegistry {
	if key == "" {
		key = defaultActiveClassesKey
	}
	return &RedisRegistry{client: client, key: key}
}

// ActiveClasses returns the currently activatable classes.
func (r *RedisRegistry) ActiveClasses(ctx context.Context) ([]domain.CarClass, error) {
	members, err := r.client.SMembers(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis active classes: %w", err)
	}
	classes := make([]domain.CarClass, 0, len(members))
	for _, m := range members {
		classes = append(classes, domain.CarClass(m))
	}
	return classes, nil
}

// MemoryRegistry holds a fixed class set, for tests and local demos.
type MemoryRegistry struct {
	mu      sync.RWMutex
	classes []domain.CarClass
}

// NewMemoryRegistry constructs a registry with the given active classes.
func NewMemoryRegistry(classes ...domain.CarClass) *MemoryRegistry {
	return &MemoryRegistry{classes: classes}
}

// SetActive replaces the active class set.
func (m *MemoryRegistry) SetActive(classes ...domain.CarClass) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes = classes
}

// ActiveClasses returns a copy of the active class set.
func (m *MemoryRegistry) ActiveClasses(_ context.Context) ([]domain.CarClass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.CarClass(nil), m.classes...), nil
}
