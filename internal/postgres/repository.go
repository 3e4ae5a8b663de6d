package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres error codes the adapter translates
const (
	codeUniqueViolation       = "23505"
	codeInsufficientPrivilege = "42501"
)

const lapColumns = `id, username, user_email, track_id, car_id, total_milliseconds,
	timestamp, conditions, track_temp, input_device, is_verified`

const userColumns = `email, username, is_admin, created_at`

// Repository is the remote persistence backend backed by PostgreSQL
type Repository struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}
	poolConfig.MinConns = int32(cfg.MinConnections)
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		dsn:    cfg.ConnectionString(),
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return translate("pinging database", err)
	}
	return nil
}

// FindLap returns the stored lap for a (username, track, car) triple
func (r *Repository) FindLap(ctx context.Context, username, trackID, carID string) (*domain.LapTime, error) {
	query := `SELECT ` + lapColumns + `
		FROM lap_times
		WHERE username = $1 AND track_id = $2 AND car_id = $3
		LIMIT 1`
	lap, err := scanLap(r.pool.QueryRow(ctx, query, username, trackID, carID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLapNotFound
		}
		return nil, translate("finding lap", err)
	}
	return lap, nil
}

// GetLap returns a lap by id
func (r *Repository) GetLap(ctx context.Context, id string) (*domain.LapTime, error) {
	query := `SELECT ` + lapColumns + ` FROM lap_times WHERE id = $1`
	lap, err := scanLap(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLapNotFound
		}
		return nil, translate("getting lap", err)
	}
	return lap, nil
}

// InsertLap stores a new lap
func (r *Repository) InsertLap(ctx context.Context, lap domain.LapTime) error {
	query := `
		INSERT INTO lap_times (` + lapColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.pool.Exec(ctx, query, lapArgs(lap)...)
	if err != nil {
		return translate("inserting lap", err)
	}
	return nil
}

// UpdateLap overwrites every field of the lap with the given id
func (r *Repository) UpdateLap(ctx context.Context, id string, lap domain.LapTime) error {
	lap.ID = id
	query := `
		UPDATE lap_times SET
			username = $2,
			user_email = $3,
			track_id = $4,
			car_id = $5,
			total_milliseconds = $6,
			timestamp = $7,
			conditions = $8,
			track_temp = $9,
			input_device = $10,
			is_verified = $11
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query, lapArgs(lap)...)
	if err != nil {
		return translate("updating lap", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrLapNotFound
	}
	return nil
}

// DeleteLap removes a lap
func (r *Repository) DeleteLap(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM lap_times WHERE id = $1`, id)
	if err != nil {
		return translate("deleting lap", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrLapNotFound
	}
	return nil
}

// ListLaps returns the laps of a track in leaderboard order, or all laps
// newest first when trackID is empty
func (r *Repository) ListLaps(ctx context.Context, trackID string) ([]domain.LapTime, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if trackID != "" {
		query := `SELECT ` + lapColumns + `
			FROM lap_times
			WHERE track_id = $1
			ORDER BY total_milliseconds ASC, timestamp ASC`
		rows, err = r.pool.Query(ctx, query, trackID)
	} else {
		query := `SELECT ` + lapColumns + `
			FROM lap_times
			ORDER BY timestamp DESC`
		rows, err = r.pool.Query(ctx, query)
	}
	if err != nil {
		return nil, translate("listing laps", err)
	}
	defer rows.Close()

	laps := make([]domain.LapTime, 0)
	for rows.Next() {
		lap, err := scanLap(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning lap: %w", err)
		}
		laps = append(laps, *lap)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("listing laps", err)
	}
	return laps, nil
}

// FindUserByEmail looks up a user case-insensitively
func (r *Repository) FindUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`
	return r.findUser(ctx, query, strings.TrimSpace(email))
}

// FindUserByUsername looks up a user case-insensitively
func (r *Repository) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE lower(username) = lower($1)`
	return r.findUser(ctx, query, strings.TrimSpace(username))
}

func (r *Repository) findUser(ctx context.Context, query, arg string) (*domain.User, error) {
	var user domain.User
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&user.Email,
		&user.Username,
		&user.IsAdmin,
		&user.JoinedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, translate("finding user", err)
	}
	user.JoinedAt = user.JoinedAt.UTC()
	return &user, nil
}

// InsertUser stores a new user
func (r *Repository) InsertUser(ctx context.Context, user domain.User) error {
	query := `INSERT INTO users (` + userColumns + `) VALUES ($1, $2, $3, $4)`
	joined := user.JoinedAt
	if joined.IsZero() {
		joined = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, query, user.Email, user.Username, user.IsAdmin, joined)
	if err != nil {
		return translate("inserting user", err)
	}
	return nil
}

// rowScanner is satisfied by pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// scanLap maps a lap_times row to the domain type. The display components
// are derived from total_milliseconds.
func scanLap(row rowScanner) (*domain.LapTime, error) {
	var (
		lap        domain.LapTime
		userEmail  *string
		conditions string
	)
	err := row.Scan(
		&lap.ID,
		&lap.Username,
		&userEmail,
		&lap.TrackID,
		&lap.CarID,
		&lap.TotalMilliseconds,
		&lap.Timestamp,
		&conditions,
		&lap.TrackTemp,
		&lap.InputDevice,
		&lap.IsVerified,
	)
	if err != nil {
		return nil, err
	}
	if userEmail != nil {
		lap.UserEmail = *userEmail
	}
	lap.Conditions = domain.Conditions(conditions)
	lap.Timestamp = lap.Timestamp.UTC()
	lap.Minutes, lap.Seconds, lap.Milliseconds = domain.SplitTotal(lap.TotalMilliseconds)
	return &lap, nil
}

func lapArgs(lap domain.LapTime) []any {
	var userEmail *string
	if lap.UserEmail != "" {
		userEmail = &lap.UserEmail
	}
	return []any{
		lap.ID,
		lap.Username,
		userEmail,
		lap.TrackID,
		lap.CarID,
		lap.TotalMilliseconds,
		lap.Timestamp,
		string(lap.Conditions),
		lap.TrackTemp,
		lap.InputDevice,
		lap.IsVerified,
	}
}

// translate maps driver errors onto domain errors, keeping the cause
func translate(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			switch {
			case strings.Contains(pgErr.ConstraintName, "email"), pgErr.ConstraintName == "users_pkey":
				return fmt.Errorf("%s: %w", op, domain.ErrEmailTaken)
			case strings.Contains(pgErr.ConstraintName, "username"):
				return fmt.Errorf("%s: %w", op, domain.ErrUsernameTaken)
			default:
				return fmt.Errorf("%s: %w", op, domain.ErrLapExists)
			}
		case codeInsufficientPrivilege:
			return fmt.Errorf("%s: %w: %s", op, domain.ErrPermissionDenied, pgErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrBackendOffline, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
