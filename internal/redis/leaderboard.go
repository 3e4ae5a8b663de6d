package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RankedLap is a lap id with its cached position on a track
type RankedLap struct {
	LapID             string `json:"lapId"`
	Rank              int64  `json:"rank"`
	TotalMilliseconds int64  `json:"totalMilliseconds"`
}

// LeaderboardCache mirrors accepted laps in one sorted set per track, scored
// by total milliseconds so the fastest lap ranks first. A hash per track maps
// lap ids to their current member.
type LeaderboardCache struct {
	client *redis.Client
	logger *slog.Logger
}

// NewLeaderboardCache connects to Redis
func NewLeaderboardCache(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*LeaderboardCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &LeaderboardCache{
		client: client,
		logger: logger,
	}, nil
}

// Close closes the Redis connection
func (c *LeaderboardCache) Close() error {
	return c.client.Close()
}

// Ping checks the Redis connection
func (c *LeaderboardCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func trackKey(trackID string) string {
	return fmt.Sprintf("leaderboard:%s:laps", trackID)
}

func indexKey(trackID string) string {
	return fmt.Sprintf("leaderboard:%s:members", trackID)
}

// member is the sorted set member of a lap. Redis orders equal scores by
// member, so the zero-padded timestamp prefix makes the earlier lap rank
// first, matching storage order.
func member(lap domain.LapTime) string {
	return fmt.Sprintf("%020d:%s", max(lap.Timestamp.UnixMicro(), 0), lap.ID)
}

// lookup returns the current member of a lap, or "" when it is not cached
func (c *LeaderboardCache) lookup(ctx context.Context, trackID, lapID string) (string, error) {
	m, err := c.client.HGet(ctx, indexKey(trackID), lapID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up lap %s: %w", lapID, err)
	}
	return m, nil
}

// Put records or moves a lap on its track's board
func (c *LeaderboardCache) Put(ctx context.Context, lap domain.LapTime) error {
	key, index := trackKey(lap.TrackID), indexKey(lap.TrackID)
	next := member(lap)

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, index, lap.ID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != "" && prev != next {
				pipe.ZRem(ctx, key, prev)
			}
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(lap.TotalMilliseconds), Member: next})
			pipe.HSet(ctx, index, lap.ID, next)
			return nil
		})
		return err
	}, index)
	if err != nil {
		return fmt.Errorf("caching lap %s: %w", lap.ID, err)
	}
	return nil
}

// Remove drops a lap from a track's board
func (c *LeaderboardCache) Remove(ctx context.Context, trackID, lapID string) error {
	m, err := c.lookup(ctx, trackID, lapID)
	if err != nil {
		return err
	}
	if m == "" {
		return nil
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, trackKey(trackID), m)
		pipe.HDel(ctx, indexKey(trackID), lapID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing lap %s: %w", lapID, err)
	}
	return nil
}

// Rank returns the 1-based position of a lap on its track
func (c *LeaderboardCache) Rank(ctx context.Context, trackID, lapID string) (*RankedLap, error) {
	m, err := c.lookup(ctx, trackID, lapID)
	if err != nil {
		return nil, err
	}
	if m == "" {
		return nil, domain.ErrLapNotFound
	}
	key := trackKey(trackID)

	pipe := c.client.Pipeline()
	rankCmd := pipe.ZRank(ctx, key, m)
	scoreCmd := pipe.ZScore(ctx, key, m)
	if _, err := pipe.Exec(ctx); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrLapNotFound
		}
		return nil, fmt.Errorf("getting lap rank: %w", err)
	}

	return &RankedLap{
		LapID:             lapID,
		Rank:              rankCmd.Val() + 1,
		TotalMilliseconds: int64(scoreCmd.Val()),
	}, nil
}

// Rebuild replaces a track's board with laps in one transaction
func (c *LeaderboardCache) Rebuild(ctx context.Context, trackID string, laps []domain.LapTime) error {
	key, index := trackKey(trackID), indexKey(trackID)

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key, index)
		if len(laps) == 0 {
			return nil
		}
		members := make([]redis.Z, len(laps))
		ids := make(map[string]any, len(laps))
		for i, lap := range laps {
			m := member(lap)
			members[i] = redis.Z{Score: float64(lap.TotalMilliseconds), Member: m}
			ids[lap.ID] = m
		}
		pipe.ZAdd(ctx, key, members...)
		pipe.HSet(ctx, index, ids)
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuilding %s: %w", trackID, err)
	}

	c.logger.Debug("rebuilt track leaderboard cache", "track_id", trackID, "laps", len(laps))
	return nil
}
