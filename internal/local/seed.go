package local

import (
	"context"
	"fmt"
	"time"

	"github.com/acc-tracker/internal/domain"
	"github.com/google/uuid"
)

// SeedDemo fills an empty store with two drivers and a Monza lap so a fresh
// local install has something to show. A store with users is left alone.
func (s *Store) SeedDemo(ctx context.Context, adminEmail string) error {
	empty, err := s.IsEmpty()
	if err != nil {
		return fmt.Errorf("checking store: %w", err)
	}
	if !empty {
		return nil
	}

	now := time.Now().UTC()
	if adminEmail == "" {
		adminEmail = "admin@acc.com"
	}
	users := []domain.User{
		domain.NewUser(adminEmail, "Admin", adminEmail, now),
		domain.NewUser("james@sim.com", "J.Baldwin", adminEmail, now),
	}
	for _, u := range users {
		if err := s.InsertUser(ctx, u); err != nil {
			return fmt.Errorf("seeding user %s: %w", u.Username, err)
		}
	}

	lap := domain.LapTime{
		ID:                uuid.NewString(),
		Username:          "J.Baldwin",
		UserEmail:         "james@sim.com",
		TrackID:           "monza",
		CarID:             "mclaren_720s_evo",
		TotalMilliseconds: 106320,
		Timestamp:         now,
		Conditions:        domain.ConditionsDry,
	}
	lap.Normalize()
	if err := s.InsertLap(ctx, lap); err != nil {
		return fmt.Errorf("seeding lap: %w", err)
	}

	s.logger.Info("seeded local store with demo data", "users", len(users), "laps", 1)
	return nil
}
