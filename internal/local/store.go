// Package local implements the fallback persistence backend: an embedded
// bbolt file holding one JSON array of users and one of lap times under a
// namespaced bucket.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
	"github.com/samber/lo"
	bolt "go.etcd.io/bbolt"
)

// Keys inside the store bucket
const (
	UsersKey    = "users"
	LapTimesKey = "lap_times"
)

// Store is the local fallback backend
type Store struct {
	db     *bolt.DB
	bucket []byte
	quota  int
	logger *slog.Logger
}

// Open opens or creates the store file
func Open(cfg *config.LocalConfig, logger *slog.Logger) (*Store, error) {
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	s := &Store{
		db:     db,
		bucket: []byte(cfg.KeyPrefix),
		quota:  cfg.QuotaBytes,
		logger: logger,
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating bucket %q: %w", cfg.KeyPrefix, err)
	}

	return s, nil
}

// Close closes the store file
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping fails once the file has been closed
func (s *Store) Ping(context.Context) error {
	if err := s.db.View(func(*bolt.Tx) error { return nil }); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBackendOffline, err)
	}
	return nil
}

// FindLap returns the stored lap for a (username, track, car) triple
func (s *Store) FindLap(_ context.Context, username, trackID, carID string) (*domain.LapTime, error) {
	laps, err := s.laps()
	if err != nil {
		return nil, err
	}
	lap, ok := lo.Find(laps, func(l domain.LapTime) bool {
		return l.Username == username && l.TrackID == trackID && l.CarID == carID
	})
	if !ok {
		return nil, domain.ErrLapNotFound
	}
	return &lap, nil
}

// GetLap returns a lap by id
func (s *Store) GetLap(_ context.Context, id string) (*domain.LapTime, error) {
	laps, err := s.laps()
	if err != nil {
		return nil, err
	}
	lap, ok := lo.Find(laps, func(l domain.LapTime) bool { return l.ID == id })
	if !ok {
		return nil, domain.ErrLapNotFound
	}
	return &lap, nil
}

// InsertLap appends a lap
func (s *Store) InsertLap(_ context.Context, lap domain.LapTime) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var laps []domain.LapTime
		if err := s.read(tx, LapTimesKey, &laps); err != nil {
			return err
		}
		if lo.ContainsBy(laps, func(l domain.LapTime) bool { return l.Key() == lap.Key() }) {
			return domain.ErrLapExists
		}
		laps = append(laps, lap)
		return s.write(tx, LapTimesKey, laps)
	})
}

// UpdateLap overwrites the lap with the given id in place
func (s *Store) UpdateLap(_ context.Context, id string, lap domain.LapTime) error {
	lap.ID = id
	return s.db.Update(func(tx *bolt.Tx) error {
		var laps []domain.LapTime
		if err := s.read(tx, LapTimesKey, &laps); err != nil {
			return err
		}
		_, idx, ok := lo.FindIndexOf(laps, func(l domain.LapTime) bool { return l.ID == id })
		if !ok {
			return domain.ErrLapNotFound
		}
		if lo.ContainsBy(laps, func(l domain.LapTime) bool { return l.ID != id && l.Key() == lap.Key() }) {
			return domain.ErrLapExists
		}
		laps[idx] = lap
		return s.write(tx, LapTimesKey, laps)
	})
}

// DeleteLap removes a lap
func (s *Store) DeleteLap(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var laps []domain.LapTime
		if err := s.read(tx, LapTimesKey, &laps); err != nil {
			return err
		}
		kept := lo.Reject(laps, func(l domain.LapTime, _ int) bool { return l.ID == id })
		if len(kept) == len(laps) {
			return domain.ErrLapNotFound
		}
		return s.write(tx, LapTimesKey, kept)
	})
}

// ListLaps returns the laps of a track in leaderboard order, or all laps
// newest first when trackID is empty
func (s *Store) ListLaps(_ context.Context, trackID string) ([]domain.LapTime, error) {
	laps, err := s.laps()
	if err != nil {
		return nil, err
	}

	if trackID != "" {
		laps = lo.Filter(laps, func(l domain.LapTime, _ int) bool { return l.TrackID == trackID })
		sort.SliceStable(laps, func(i, j int) bool {
			if laps[i].TotalMilliseconds != laps[j].TotalMilliseconds {
				return laps[i].TotalMilliseconds < laps[j].TotalMilliseconds
			}
			return laps[i].Timestamp.Before(laps[j].Timestamp)
		})
		return laps, nil
	}

	sort.SliceStable(laps, func(i, j int) bool {
		return laps[i].Timestamp.After(laps[j].Timestamp)
	})
	return laps, nil
}

// FindUserByEmail looks up a user case-insensitively
func (s *Store) FindUserByEmail(_ context.Context, email string) (*domain.User, error) {
	return s.findUser(func(u domain.User) bool { return domain.SameEmail(u.Email, email) })
}

// FindUserByUsername looks up a user case-insensitively
func (s *Store) FindUserByUsername(_ context.Context, username string) (*domain.User, error) {
	return s.findUser(func(u domain.User) bool { return domain.SameUsername(u.Username, username) })
}

func (s *Store) findUser(match func(domain.User) bool) (*domain.User, error) {
	var users []domain.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.read(tx, UsersKey, &users)
	})
	if err != nil {
		return nil, err
	}
	user, ok := lo.Find(users, match)
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &user, nil
}

// InsertUser appends a user, enforcing email and username uniqueness
func (s *Store) InsertUser(_ context.Context, user domain.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var users []domain.User
		if err := s.read(tx, UsersKey, &users); err != nil {
			return err
		}
		if lo.ContainsBy(users, func(u domain.User) bool { return domain.SameEmail(u.Email, user.Email) }) {
			return domain.ErrEmailTaken
		}
		if lo.ContainsBy(users, func(u domain.User) bool { return domain.SameUsername(u.Username, user.Username) }) {
			return domain.ErrUsernameTaken
		}
		users = append(users, user)
		return s.write(tx, UsersKey, users)
	})
}

// IsEmpty reports whether no users have been stored yet
func (s *Store) IsEmpty() (bool, error) {
	empty := true
	err := s.db.View(func(tx *bolt.Tx) error {
		empty = tx.Bucket(s.bucket).Get([]byte(UsersKey)) == nil
		return nil
	})
	return empty, err
}

func (s *Store) laps() ([]domain.LapTime, error) {
	laps := make([]domain.LapTime, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return s.read(tx, LapTimesKey, &laps)
	})
	if err != nil {
		return nil, err
	}
	return laps, nil
}

// read decodes the JSON array stored under key; a missing key is empty
func (s *Store) read(tx *bolt.Tx, key string, dst any) error {
	raw := tx.Bucket(s.bucket).Get([]byte(key))
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (s *Store) write(tx *bolt.Tx, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if s.quota > 0 && len(raw) > s.quota {
		return fmt.Errorf("writing %s (%d bytes): %w", key, len(raw), domain.ErrQuotaExceeded)
	}
	if err := tx.Bucket(s.bucket).Put([]byte(key), raw); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
