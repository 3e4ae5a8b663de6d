package redis

import (
	"sort"
	"testing"
	"time"

	"github.com/acc-tracker/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestTrackKey(t *testing.T) {
	require.Equal(t, "leaderboard:monza:laps", trackKey("monza"))
	require.Equal(t, "leaderboard:mount_panorama:laps", trackKey("mount_panorama"))
	require.Equal(t, "leaderboard:monza:members", indexKey("monza"))
}

func TestMemberOrdersTiesByTimestamp(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	laps := []domain.LapTime{
		{ID: "zzz", Timestamp: base},
		{ID: "aaa", Timestamp: base.Add(time.Second)},
		{ID: "mmm", Timestamp: base.Add(-time.Hour * 24 * 400)},
	}

	members := make([]string, len(laps))
	for i, lap := range laps {
		members[i] = member(lap)
	}
	sort.Strings(members)

	require.Equal(t, []string{member(laps[2]), member(laps[0]), member(laps[1])}, members)
	require.Equal(t, "00001709294400000000:zzz", member(laps[0]))
}
