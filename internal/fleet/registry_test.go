package fleet_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatchlite/internal/dispatch/domain"
	"github.com/example/dispatchlite/internal/fleet"
)

func TestRedisRegistryActiveClasses(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	_, err = mr.SetAdd("fleet:classes:active", "economy", "comfort")
	require.NoError(t, err)

	registry := fleet.NewRedisRegistry(client, "")
	classes, err := registry.ActiveClasses(context.Background())
	require.NoError(t, err)
	require.ElementsMatch(t, []domain.CarClass{"economy", "comfort"}, classes)
}

func TestRedisRegistryEmptySet(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	registry := fleet.NewRedisRegistry(client, "custom:key")
	classes, err := registry.ActiveClasses(context.Background())
	require.NoError(t, err)
	require.Empty(t, classes)
}

func TestMemoryRegistry(t *testing.T) {
	registry := fleet.NewMemoryRegistry("economy")

	classes, err := registry.ActiveClasses(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.CarClass{"economy"}, classes)

	registry.SetActive("comfort", "business")
	classes, err = registry.ActiveClasses(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.CarClass{"comfort", "business"}, classes)
}
