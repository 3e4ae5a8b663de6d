//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
	"github.com/acc-tracker/internal/redis"
	"github.com/acc-tracker/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestLeaderboardCache(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig().Redis
	cfg.Addr = startRedis(t)

	cache, err := redis.NewLeaderboardCache(ctx, &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer cache.Close()

	base := time.Now()
	slow := storagetest.NewLap("A", "monza", "bmw_m4_gt3", 107000, base)
	fast := storagetest.NewLap("B", "monza", "bmw_m4_gt3", 105000, base)
	require.NoError(t, cache.Rebuild(ctx, "monza", []domain.LapTime{slow, fast}))

	rank, err := cache.Rank(ctx, "monza", fast.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), rank.Rank)
	require.Equal(t, int64(105000), rank.TotalMilliseconds)

	// improving A moves it to the top
	slow.TotalMilliseconds = 104000
	slow.Timestamp = base.Add(time.Minute).UTC().Truncate(time.Microsecond)
	require.NoError(t, cache.Put(ctx, slow))
	rank, err = cache.Rank(ctx, "monza", slow.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), rank.Rank)
	rank, err = cache.Rank(ctx, "monza", fast.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), rank.Rank)

	// a second improvement leaves no stale 104000 member ahead of B
	slow.TotalMilliseconds = 103000
	slow.Timestamp = base.Add(2 * time.Minute).UTC().Truncate(time.Microsecond)
	require.NoError(t, cache.Put(ctx, slow))
	rank, err = cache.Rank(ctx, "monza", fast.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), rank.Rank)

	require.NoError(t, cache.Remove(ctx, "monza", slow.ID))
	_, err = cache.Rank(ctx, "monza", slow.ID)
	require.ErrorIs(t, err, domain.ErrLapNotFound)
	rank, err = cache.Rank(ctx, "monza", fast.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), rank.Rank)

	require.NoError(t, cache.Rebuild(ctx, "monza", nil))
	_, err = cache.Rank(ctx, "monza", fast.ID)
	require.ErrorIs(t, err, domain.ErrLapNotFound)
	require.NoError(t, cache.Ping(ctx))
}

func TestLeaderboardCacheTiesFollowTimestamp(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig().Redis
	cfg.Addr = startRedis(t)

	cache, err := redis.NewLeaderboardCache(ctx, &cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer cache.Close()

	base := time.Now()
	later := storagetest.NewLap("A", "spa", "bmw_m4_gt3", 138000, base.Add(time.Hour))
	earlier := storagetest.NewLap("B", "spa", "bmw_m4_gt3", 138000, base)
	if later.ID > earlier.ID {
		later.ID, earlier.ID = earlier.ID, later.ID
	}

	t.Run("rebuild", func(t *testing.T) {
		require.NoError(t, cache.Rebuild(ctx, "spa", []domain.LapTime{later, earlier}))
		rank, err := cache.Rank(ctx, "spa", earlier.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1), rank.Rank)
	})

	t.Run("put", func(t *testing.T) {
		require.NoError(t, cache.Rebuild(ctx, "spa", nil))
		require.NoError(t, cache.Put(ctx, later))
		require.NoError(t, cache.Put(ctx, earlier))
		rank, err := cache.Rank(ctx, "spa", earlier.ID)
		require.NoError(t, err)
		require.Equal(t, int64(1), rank.Rank)
		rank, err = cache.Rank(ctx, "spa", later.ID)
		require.NoError(t, err)
		require.Equal(t, int64(2), rank.Rank)
	})
}
