// Package storagetest holds the behaviour every storage.Backend must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/acc-tracker/internal/domain"
	"github.com/acc-tracker/internal/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// NewLap builds a normalized lap for tests
func NewLap(username, trackID, carID string, total int64, at time.Time) domain.LapTime {
	lap := domain.LapTime{
		ID:                uuid.NewString(),
		Username:          username,
		UserEmail:         username + "@example.com",
		TrackID:           trackID,
		CarID:             carID,
		TotalMilliseconds: total,
		Timestamp:         at.UTC().Truncate(time.Microsecond),
		Conditions:        domain.ConditionsDry,
	}
	lap.Normalize()
	return lap
}

// Run exercises a fresh, empty backend created by open
func Run(t *testing.T, open func(t *testing.T) storage.Backend) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("find missing lap", func(t *testing.T) {
		b := open(t)
		_, err := b.FindLap(ctx, "nobody", "monza", "ferrari_296_gt3")
		require.ErrorIs(t, err, domain.ErrLapNotFound)
	})

	t.Run("insert and find lap", func(t *testing.T) {
		b := open(t)
		lap := NewLap("X", "monza", "mclaren_720s_evo", 106320, base)
		require.NoError(t, b.InsertLap(ctx, lap))

		got, err := b.FindLap(ctx, "X", "monza", "mclaren_720s_evo")
		require.NoError(t, err)
		require.Equal(t, lap.ID, got.ID)
		require.Equal(t, int64(106320), got.TotalMilliseconds)
		require.Equal(t, 1, got.Minutes)
		require.Equal(t, 46, got.Seconds)
		require.Equal(t, 320, got.Milliseconds)
		require.True(t, lap.Timestamp.Equal(got.Timestamp))

		byID, err := b.GetLap(ctx, lap.ID)
		require.NoError(t, err)
		require.Equal(t, lap.Key(), byID.Key())
	})

	t.Run("insert duplicate triple fails", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.InsertLap(ctx, NewLap("X", "monza", "mclaren_720s_evo", 106320, base)))
		err := b.InsertLap(ctx, NewLap("X", "monza", "mclaren_720s_evo", 105000, base))
		require.ErrorIs(t, err, domain.ErrLapExists)
	})

	t.Run("update keeps id", func(t *testing.T) {
		b := open(t)
		lap := NewLap("X", "monza", "mclaren_720s_evo", 106320, base)
		require.NoError(t, b.InsertLap(ctx, lap))

		faster := NewLap("X", "monza", "mclaren_720s_evo", 105000, base.Add(time.Hour))
		require.NoError(t, b.UpdateLap(ctx, lap.ID, faster))

		got, err := b.FindLap(ctx, "X", "monza", "mclaren_720s_evo")
		require.NoError(t, err)
		require.Equal(t, lap.ID, got.ID)
		require.Equal(t, int64(105000), got.TotalMilliseconds)

		require.ErrorIs(t, b.UpdateLap(ctx, uuid.NewString(), faster), domain.ErrLapNotFound)
	})

	t.Run("update onto a taken slot fails", func(t *testing.T) {
		b := open(t)
		monza := NewLap("X", "monza", "bmw_m4_gt3", 106000, base)
		spa := NewLap("X", "spa", "bmw_m4_gt3", 138000, base)
		require.NoError(t, b.InsertLap(ctx, monza))
		require.NoError(t, b.InsertLap(ctx, spa))

		moved := spa
		moved.TrackID = "monza"
		require.ErrorIs(t, b.UpdateLap(ctx, spa.ID, moved), domain.ErrLapExists)
	})

	t.Run("delete lap", func(t *testing.T) {
		b := open(t)
		lap := NewLap("X", "spa", "porsche_992_gt3r", 138000, base)
		require.NoError(t, b.InsertLap(ctx, lap))
		require.NoError(t, b.DeleteLap(ctx, lap.ID))

		_, err := b.GetLap(ctx, lap.ID)
		require.ErrorIs(t, err, domain.ErrLapNotFound)
		require.ErrorIs(t, b.DeleteLap(ctx, lap.ID), domain.ErrLapNotFound)
	})

	t.Run("list ordering", func(t *testing.T) {
		b := open(t)
		laps := []domain.LapTime{
			NewLap("A", "monza", "mclaren_720s_evo", 107000, base),
			NewLap("B", "monza", "mclaren_720s_evo", 105000, base.Add(2*time.Minute)),
			NewLap("C", "monza", "ferrari_296_gt3", 105000, base.Add(time.Minute)),
			NewLap("D", "spa", "mclaren_720s_evo", 137000, base.Add(3*time.Minute)),
		}
		for _, lap := range laps {
			require.NoError(t, b.InsertLap(ctx, lap))
		}

		monza, err := b.ListLaps(ctx, "monza")
		require.NoError(t, err)
		require.Len(t, monza, 3)
		// ties on time go to the earlier lap
		require.Equal(t, []string{"C", "B", "A"}, usernames(monza))

		all, err := b.ListLaps(ctx, "")
		require.NoError(t, err)
		require.Equal(t, []string{"D", "B", "C", "A"}, usernames(all))

		none, err := b.ListLaps(ctx, "suzuka")
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("users", func(t *testing.T) {
		b := open(t)
		user := domain.NewUser("Driver@Example.com", "Speedy", "", base)
		require.NoError(t, b.InsertUser(ctx, user))

		got, err := b.FindUserByEmail(ctx, "driver@example.COM")
		require.NoError(t, err)
		require.Equal(t, "Speedy", got.Username)
		require.True(t, got.JoinedAt.Equal(base))

		got, err = b.FindUserByUsername(ctx, "speedy")
		require.NoError(t, err)
		require.Equal(t, "Driver@Example.com", got.Email)

		_, err = b.FindUserByEmail(ctx, "other@example.com")
		require.ErrorIs(t, err, domain.ErrUserNotFound)
		_, err = b.FindUserByUsername(ctx, "other")
		require.ErrorIs(t, err, domain.ErrUserNotFound)

		err = b.InsertUser(ctx, domain.NewUser("driver@example.com", "Another", "", base))
		require.ErrorIs(t, err, domain.ErrEmailTaken)
		err = b.InsertUser(ctx, domain.NewUser("new@example.com", "SPEEDY", "", base))
		require.ErrorIs(t, err, domain.ErrUsernameTaken)
	})

	t.Run("ping", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Ping(ctx))
	})
}

func usernames(laps []domain.LapTime) []string {
	names := make([]string, len(laps))
	for i, lap := range laps {
		names[i] = lap.Username
	}
	return names
}
