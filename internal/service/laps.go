package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acc-tracker/internal/catalog"
	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
	"github.com/acc-tracker/internal/redis"
	"github.com/acc-tracker/internal/storage"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// LeaderboardCache is the rank cache kept next to the storage backend
type LeaderboardCache interface {
	Put(ctx context.Context, lap domain.LapTime) error
	Remove(ctx context.Context, trackID, lapID string) error
	Rank(ctx context.Context, trackID, lapID string) (*redis.RankedLap, error)
}

// Broadcaster pushes accepted laps to live subscribers
type Broadcaster interface {
	BroadcastLapAccepted(result domain.SubmitResult)
	BroadcastLeaderboardUpdate(trackID string, entries []domain.LeaderboardEntry)
}

// Option configures a LapService
type Option func(*LapService)

// WithCache mirrors accepted laps into a rank cache
func WithCache(cache LeaderboardCache) Option {
	return func(s *LapService) { s.cache = cache }
}

// WithBroadcaster announces accepted laps to live subscribers
func WithBroadcaster(b Broadcaster) Option {
	return func(s *LapService) { s.hub = b }
}

// WithClock replaces time.Now for timestamps
func WithClock(now func() time.Time) Option {
	return func(s *LapService) { s.now = now }
}

// LapService applies the personal-best rule on top of a storage backend
type LapService struct {
	backend storage.Backend
	cache   LeaderboardCache
	hub     Broadcaster
	config  *config.LeaderboardConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewLapService creates a new lap service
func NewLapService(
	backend storage.Backend,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
	opts ...Option,
) *LapService {
	s := &LapService{
		backend: backend,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LeaderboardQuery selects and limits a track's leaderboard
type LeaderboardQuery struct {
	TrackID    string
	CarID      string
	Class      catalog.CarClass
	Conditions domain.Conditions
	Limit      int
}

// DriverProfile is the public view of a driver with lap statistics
type DriverProfile struct {
	User   domain.PublicUser `json:"user"`
	Laps   int               `json:"laps"`
	Tracks int               `json:"tracks"`
}

// Submit records a lap for the session's user
func (s *LapService) Submit(ctx context.Context, session domain.Session, submission domain.LapSubmission) (domain.SubmitResult, error) {
	return s.SubmitLap(ctx, submission.ToLap(session.User))
}

// SubmitLap stores the candidate if it is the first lap for its
// (username, track, car) slot or strictly faster than the stored one.
// Validation and backend failures come back as a rejected result together
// with the error; they are never retried.
func (s *LapService) SubmitLap(ctx context.Context, candidate domain.LapTime) (domain.SubmitResult, error) {
	if err := validateLap(&candidate); err != nil {
		return rejected(err), err
	}

	candidate.Normalize()
	if candidate.ID == "" {
		candidate.ID = uuid.NewString()
	}
	if candidate.Timestamp.IsZero() {
		candidate.Timestamp = s.now().UTC()
	}

	existing, err := s.backend.FindLap(ctx, candidate.Username, candidate.TrackID, candidate.CarID)
	switch {
	case errors.Is(err, domain.ErrLapNotFound):
		if err := s.backend.InsertLap(ctx, candidate); err != nil {
			err = fmt.Errorf("saving lap: %w", err)
			return rejected(err), err
		}
		return s.accepted(ctx, candidate, domain.MessageSaved), nil

	case err != nil:
		err = fmt.Errorf("looking up personal best: %w", err)
		return rejected(err), err
	}

	if candidate.TotalMilliseconds >= existing.TotalMilliseconds {
		return domain.SubmitResult{
			Accepted: false,
			Message:  domain.MessageSlower,
			Lap:      existing,
		}, nil
	}

	candidate.ID = existing.ID
	if err := s.backend.UpdateLap(ctx, existing.ID, candidate); err != nil {
		err = fmt.Errorf("updating personal best: %w", err)
		return rejected(err), err
	}
	return s.accepted(ctx, candidate, domain.MessagePersonalBest), nil
}

// EditLap overwrites a stored lap without the personal-best check. Only the
// owner or an admin may edit; the owner of the lap never changes.
func (s *LapService) EditLap(ctx context.Context, session domain.Session, id string, edit domain.LapSubmission) (*domain.LapTime, error) {
	existing, err := s.backend.GetLap(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.CanModify(*existing) {
		return nil, domain.ErrPermissionDenied
	}

	updated := *existing
	if edit.TrackID != "" {
		updated.TrackID = edit.TrackID
	}
	if edit.CarID != "" {
		updated.CarID = edit.CarID
	}
	updated.Minutes = edit.Minutes
	updated.Seconds = edit.Seconds
	updated.Milliseconds = edit.Milliseconds
	updated.TotalMilliseconds = 0
	if edit.Conditions != "" {
		updated.Conditions = edit.Conditions
	}
	if edit.TrackTemp != nil {
		updated.TrackTemp = edit.TrackTemp
	}
	if edit.InputDevice != nil {
		updated.InputDevice = edit.InputDevice
	}

	if err := validateLap(&updated); err != nil {
		return nil, err
	}
	updated.Normalize()

	if err := s.backend.UpdateLap(ctx, id, updated); err != nil {
		return nil, fmt.Errorf("editing lap: %w", err)
	}

	s.logger.Info("lap edited",
		"lap_id", id,
		"by", session.User.Username,
		"total_ms", updated.TotalMilliseconds,
	)

	if updated.TrackID != existing.TrackID {
		s.uncache(ctx, *existing)
		s.publishBoard(ctx, existing.TrackID)
	}
	s.recache(ctx, updated)
	s.publishBoard(ctx, updated.TrackID)
	return &updated, nil
}

// DeleteLap removes a lap owned by the session's user, or any lap for admins
func (s *LapService) DeleteLap(ctx context.Context, session domain.Session, id string) error {
	existing, err := s.backend.GetLap(ctx, id)
	if err != nil {
		return err
	}
	if !session.CanModify(*existing) {
		return domain.ErrPermissionDenied
	}

	if err := s.backend.DeleteLap(ctx, id); err != nil {
		return fmt.Errorf("deleting lap: %w", err)
	}

	s.logger.Info("lap deleted", "lap_id", id, "by", session.User.Username)
	s.uncache(ctx, *existing)
	s.publishBoard(ctx, existing.TrackID)
	return nil
}

// GetLap returns a lap by id
func (s *LapService) GetLap(ctx context.Context, id string) (*domain.LapTime, error) {
	return s.backend.GetLap(ctx, id)
}

// ListLaps returns a track's laps fastest first, or every lap newest first
// when trackID is empty
func (s *LapService) ListLaps(ctx context.Context, trackID string) ([]domain.LapTime, error) {
	if trackID != "" && !catalog.IsTrack(trackID) {
		return nil, domain.NewValidationError("trackId", "unknown track "+trackID)
	}
	laps, err := s.backend.ListLaps(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("listing laps: %w", err)
	}
	return laps, nil
}

// Leaderboard returns the ranked laps of a track
func (s *LapService) Leaderboard(ctx context.Context, q LeaderboardQuery) ([]domain.LeaderboardEntry, error) {
	if !catalog.IsTrack(q.TrackID) {
		return nil, domain.NewValidationError("trackId", "unknown track "+q.TrackID)
	}

	laps, err := s.backend.ListLaps(ctx, q.TrackID)
	if err != nil {
		return nil, fmt.Errorf("listing laps: %w", err)
	}

	laps = lo.Filter(laps, func(l domain.LapTime, _ int) bool {
		if q.CarID != "" && l.CarID != q.CarID {
			return false
		}
		if q.Conditions != "" && l.Conditions != q.Conditions {
			return false
		}
		if q.Class != "" {
			car, ok := catalog.CarByID(l.CarID)
			if !ok || car.Class != q.Class {
				return false
			}
		}
		return true
	})

	limit := s.clampLimit(q.Limit)
	if len(laps) > limit {
		laps = laps[:limit]
	}
	return domain.RankLaps(laps), nil
}

// Rank returns the 1-based position of a lap on its track. The cache is used
// when configured; otherwise the rank is computed from storage.
func (s *LapService) Rank(ctx context.Context, trackID, lapID string) (*redis.RankedLap, error) {
	if !catalog.IsTrack(trackID) {
		return nil, domain.NewValidationError("trackId", "unknown track "+trackID)
	}

	if s.cache != nil {
		ranked, err := s.cache.Rank(ctx, trackID, lapID)
		if err == nil {
			return ranked, nil
		}
		if !errors.Is(err, domain.ErrLapNotFound) {
			s.logger.Warn("rank cache lookup failed, falling back to storage", "track_id", trackID, "error", err)
		}
	}

	laps, err := s.backend.ListLaps(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("listing laps: %w", err)
	}
	_, idx, ok := lo.FindIndexOf(laps, func(l domain.LapTime) bool { return l.ID == lapID })
	if !ok {
		return nil, domain.ErrLapNotFound
	}
	return &redis.RankedLap{
		LapID:             lapID,
		Rank:              int64(idx + 1),
		TotalMilliseconds: laps[idx].TotalMilliseconds,
	}, nil
}

// PersonalBests returns every stored lap of a driver, newest first
func (s *LapService) PersonalBests(ctx context.Context, username string) ([]domain.LapTime, error) {
	user, err := s.backend.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	laps, err := s.backend.ListLaps(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing laps: %w", err)
	}
	return lo.Filter(laps, func(l domain.LapTime, _ int) bool {
		return domain.SameUsername(l.Username, user.Username)
	}), nil
}

// Profile returns a driver's public profile
func (s *LapService) Profile(ctx context.Context, username string) (*DriverProfile, error) {
	user, err := s.backend.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	bests, err := s.PersonalBests(ctx, user.Username)
	if err != nil {
		return nil, err
	}
	tracks := lo.Uniq(lo.Map(bests, func(l domain.LapTime, _ int) string { return l.TrackID }))
	return &DriverProfile{
		User:   user.Public(),
		Laps:   len(bests),
		Tracks: len(tracks),
	}, nil
}

func (s *LapService) clampLimit(n int) int {
	if n <= 0 {
		n = s.config.DefaultLimit
	}
	if n > s.config.MaxLimit {
		n = s.config.MaxLimit
	}
	return n
}

// accepted runs the best-effort side effects of an accepted write
func (s *LapService) accepted(ctx context.Context, lap domain.LapTime, message string) domain.SubmitResult {
	result := domain.SubmitResult{Accepted: true, Message: message, Lap: &lap}

	s.logger.Info("lap accepted",
		"lap_id", lap.ID,
		"username", lap.Username,
		"track_id", lap.TrackID,
		"car_id", lap.CarID,
		"time", lap.Formatted(),
		"message", message,
	)

	s.recache(ctx, lap)
	if s.hub != nil {
		s.hub.BroadcastLapAccepted(result)
	}
	s.publishBoard(ctx, lap.TrackID)
	return result
}

func (s *LapService) recache(ctx context.Context, lap domain.LapTime) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(ctx, lap); err != nil {
		s.logger.Warn("failed to update leaderboard cache", "lap_id", lap.ID, "error", err)
	}
}

func (s *LapService) uncache(ctx context.Context, lap domain.LapTime) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Remove(ctx, lap.TrackID, lap.ID); err != nil {
		s.logger.Warn("failed to remove lap from leaderboard cache", "lap_id", lap.ID, "error", err)
	}
}

// Board returns the top of a track's leaderboard as pushed to subscribers
func (s *LapService) Board(ctx context.Context, trackID string) ([]domain.LeaderboardEntry, error) {
	return s.Leaderboard(ctx, LeaderboardQuery{TrackID: trackID, Limit: s.config.BroadcastTop})
}

func (s *LapService) publishBoard(ctx context.Context, trackID string) {
	if s.hub == nil {
		return
	}
	entries, err := s.Board(ctx, trackID)
	if err != nil {
		s.logger.Warn("failed to build leaderboard update", "track_id", trackID, "error", err)
		return
	}
	s.hub.BroadcastLeaderboardUpdate(trackID, entries)
}

func validateLap(lap *domain.LapTime) error {
	if err := lap.Validate(); err != nil {
		return err
	}
	if !catalog.IsTrack(lap.TrackID) {
		return domain.NewValidationError("trackId", "unknown track "+lap.TrackID)
	}
	if !catalog.IsCar(lap.CarID) {
		return domain.NewValidationError("carId", "unknown car "+lap.CarID)
	}
	return nil
}

func rejected(err error) domain.SubmitResult {
	return domain.SubmitResult{Accepted: false, Message: err.Error()}
}
