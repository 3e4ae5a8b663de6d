package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/acc-tracker/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://u:p@h:5432/d?sslmode=disable", "pgx5://u:p@h:5432/d?sslmode=disable"},
		{"postgresql://u:p@h/d", "pgx5://u:p@h/d"},
		{"pgx5://u:p@h/d", "pgx5://u:p@h/d"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, migrateURL(tt.in))
	}
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "personal best slot taken",
			err:  &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "lap_times_personal_best_key"},
			want: domain.ErrLapExists,
		},
		{
			name: "email taken",
			err:  &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "users_email_lower_key"},
			want: domain.ErrEmailTaken,
		},
		{
			name: "email primary key",
			err:  &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "users_pkey"},
			want: domain.ErrEmailTaken,
		},
		{
			name: "username taken",
			err:  &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: "users_username_lower_key"},
			want: domain.ErrUsernameTaken,
		},
		{
			name: "row level security",
			err:  &pgconn.PgError{Code: codeInsufficientPrivilege, Message: "permission denied for table lap_times"},
			want: domain.ErrPermissionDenied,
		},
		{
			name: "deadline",
			err:  context.DeadlineExceeded,
			want: domain.ErrBackendOffline,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := translate("op", tt.err)
			require.ErrorIs(t, err, tt.want)
			require.ErrorContains(t, err, "op: ")
		})
	}

	t.Run("other errors pass through", func(t *testing.T) {
		cause := errors.New("boom")
		err := translate("op", cause)
		require.ErrorIs(t, err, cause)
		require.False(t, errors.Is(err, domain.ErrBackendOffline))
	})
}
