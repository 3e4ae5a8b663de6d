// Package storage defines the persistence backend used by the services and
// selects its implementation once at process start.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
	"github.com/acc-tracker/internal/local"
	"github.com/acc-tracker/internal/postgres"
)

// Backend stores users and lap times. Lookups return domain.ErrLapNotFound or
// domain.ErrUserNotFound when nothing matches.
type Backend interface {
	FindLap(ctx context.Context, username, trackID, carID string) (*domain.LapTime, error)
	GetLap(ctx context.Context, id string) (*domain.LapTime, error)
	InsertLap(ctx context.Context, lap domain.LapTime) error
	UpdateLap(ctx context.Context, id string, lap domain.LapTime) error
	DeleteLap(ctx context.Context, id string) error
	ListLaps(ctx context.Context, trackID string) ([]domain.LapTime, error)

	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	InsertUser(ctx context.Context, user domain.User) error

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*postgres.Repository)(nil)
	_ Backend = (*local.Store)(nil)
)

// Open connects the backend named by cfg.Storage.Driver
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		repo, err := postgres.NewRepository(ctx, &cfg.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := repo.RunMigrations(ctx); err != nil {
			repo.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Info("using postgres storage backend", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		return repo, nil

	case config.DriverLocal:
		store, err := local.Open(&cfg.Local, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Local.SeedDemo {
			if err := store.SeedDemo(ctx, cfg.Auth.AdminEmail); err != nil {
				store.Close()
				return nil, fmt.Errorf("seeding local store: %w", err)
			}
		}
		logger.Info("using local storage backend", "path", cfg.Local.Path)
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
