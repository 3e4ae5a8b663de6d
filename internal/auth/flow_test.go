package auth

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
	"github.com/acc-tracker/internal/local"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureNotifier keeps the last code sent to each address
type captureNotifier struct {
	mu    sync.Mutex
	codes map[string]string
	sent  int
}

func (n *captureNotifier) Notify(_ context.Context, email, code string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.codes == nil {
		n.codes = map[string]string{}
	}
	n.codes[email] = code
	n.sent++
	return nil
}

func (n *captureNotifier) code(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[email]
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

type fixture struct {
	svc      *Service
	store    *local.Store
	notifier *captureNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := local.Open(&config.LocalConfig{
		Path:      filepath.Join(t.TempDir(), "auth.db"),
		KeyPrefix: "acc_tracker",
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	notifier := &captureNotifier{}
	provider := NewLocalProvider("ACC Tracker", 5*time.Minute, notifier)
	sessions, err := NewSessionManager("test-secret", time.Hour, "acc-tracker", discardLogger())
	require.NoError(t, err)

	svc := NewService(store, provider, sessions, "admin@acc.com", 15*time.Minute, discardLogger())
	return &fixture{svc: svc, store: store, notifier: notifier}
}

func (f *fixture) register(t *testing.T, email, username string) domain.AuthResult {
	t.Helper()
	ctx := context.Background()

	res, err := f.svc.Start(domain.AuthModeRegister)
	require.NoError(t, err)
	res, err = f.svc.SubmitEmail(ctx, res.FlowID, email)
	require.NoError(t, err)
	require.Empty(t, res.Error)
	res, err = f.svc.SubmitCode(ctx, res.FlowID, f.notifier.code(email))
	require.NoError(t, err)
	require.Equal(t, domain.AuthStepDetails, res.Step)
	res, err = f.svc.SubmitUsername(ctx, res.FlowID, username)
	require.NoError(t, err)
	return res
}

func TestRegisterFlow(t *testing.T) {
	f := newFixture(t)

	res := f.register(t, "driver@example.com", "  Speedy ")
	require.Empty(t, res.Error)
	require.Equal(t, domain.AuthStepDone, res.Step)
	require.NotEmpty(t, res.Token)
	require.Equal(t, "Speedy", res.Session.User.Username)
	require.False(t, res.Session.User.IsAdmin)

	user, err := f.store.FindUserByEmail(context.Background(), "driver@example.com")
	require.NoError(t, err)
	require.Equal(t, "Speedy", user.Username)

	// finished flows are gone
	_, err = f.svc.State(res.FlowID)
	require.ErrorIs(t, err, domain.ErrFlowNotFound)

	session, err := f.svc.Authenticate(res.Token)
	require.NoError(t, err)
	require.Equal(t, res.Session.ID, session.ID)
}

func TestRegisterAdmin(t *testing.T) {
	f := newFixture(t)
	res := f.register(t, "Admin@ACC.com", "Admin")
	require.True(t, res.Session.User.IsAdmin)
}

func TestRegisterExistingEmailFailsBeforeCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.InsertUser(ctx, domain.NewUser("taken@example.com", "Taken", "", time.Now())))

	res, err := f.svc.Start(domain.AuthModeRegister)
	require.NoError(t, err)
	res, err = f.svc.SubmitEmail(ctx, res.FlowID, "TAKEN@example.com")
	require.NoError(t, err)
	require.Equal(t, MsgEmailRegistered, res.Error)
	require.Equal(t, domain.AuthStepEmail, res.Step)
	require.Zero(t, f.notifier.count())
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "driver@example.com", "Speedy")

	t.Run("unknown email", func(t *testing.T) {
		res, err := f.svc.Start(domain.AuthModeLogin)
		require.NoError(t, err)
		res, err = f.svc.SubmitEmail(ctx, res.FlowID, "ghost@example.com")
		require.NoError(t, err)
		require.Equal(t, MsgNoAccount, res.Error)
		require.Equal(t, domain.AuthStepEmail, res.Step)
	})

	t.Run("invalid email", func(t *testing.T) {
		res, err := f.svc.Start(domain.AuthModeLogin)
		require.NoError(t, err)
		for _, email := range []string{"", "   ", "no-at-sign", "two@@example.com"} {
			got, err := f.svc.SubmitEmail(ctx, res.FlowID, email)
			require.NoError(t, err)
			require.Equal(t, MsgInvalidEmail, got.Error, email)
		}
	})

	t.Run("wrong code then right code", func(t *testing.T) {
		res, err := f.svc.Start(domain.AuthModeLogin)
		require.NoError(t, err)
		res, err = f.svc.SubmitEmail(ctx, res.FlowID, " driver@example.com ")
		require.NoError(t, err)
		require.Equal(t, domain.AuthStepVerify, res.Step)
		require.Equal(t, "driver@example.com", res.Email)

		code := f.notifier.code("driver@example.com")
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		for i := 0; i < 5; i++ {
			res, err = f.svc.SubmitCode(ctx, res.FlowID, wrong)
			require.NoError(t, err)
			require.Equal(t, MsgInvalidCode, res.Error)
			require.Equal(t, domain.AuthStepVerify, res.Step)
		}

		res, err = f.svc.SubmitCode(ctx, res.FlowID, code)
		require.NoError(t, err)
		require.Empty(t, res.Error)
		require.Equal(t, domain.AuthStepDone, res.Step)
		require.Equal(t, "Speedy", res.Session.User.Username)
	})
}

func TestSubmitUsernameTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "first@example.com", "Speedy")

	res, err := f.svc.Start(domain.AuthModeRegister)
	require.NoError(t, err)
	res, err = f.svc.SubmitEmail(ctx, res.FlowID, "second@example.com")
	require.NoError(t, err)
	res, err = f.svc.SubmitCode(ctx, res.FlowID, f.notifier.code("second@example.com"))
	require.NoError(t, err)

	res, err = f.svc.SubmitUsername(ctx, res.FlowID, "SPEEDY")
	require.NoError(t, err)
	require.Equal(t, MsgUsernameTaken, res.Error)
	require.Equal(t, domain.AuthStepDetails, res.Step)

	res, err = f.svc.SubmitUsername(ctx, res.FlowID, "  ")
	require.NoError(t, err)
	require.Equal(t, MsgUsernameRequired, res.Error)

	res, err = f.svc.SubmitUsername(ctx, res.FlowID, "Slowpoke")
	require.NoError(t, err)
	require.Equal(t, domain.AuthStepDone, res.Step)
}

func TestSwitchModeClearsBuffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Start(domain.AuthModeRegister)
	require.NoError(t, err)
	res, err = f.svc.SubmitEmail(ctx, res.FlowID, "driver@example.com")
	require.NoError(t, err)
	require.Equal(t, domain.AuthStepVerify, res.Step)

	res, err = f.svc.SwitchMode(res.FlowID)
	require.NoError(t, err)
	require.Equal(t, domain.AuthModeLogin, res.Mode)
	require.Equal(t, domain.AuthStepEmail, res.Step)
	require.Empty(t, res.Email)

	// the pending code is no longer accepted by this flow
	_, err = f.svc.SubmitCode(ctx, res.FlowID, f.notifier.code("driver@example.com"))
	require.ErrorIs(t, err, domain.ErrWrongStep)
}

func TestFlowExpiry(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.svc.now = func() time.Time { return now }

	res, err := f.svc.Start(domain.AuthModeLogin)
	require.NoError(t, err)

	now = now.Add(16 * time.Minute)
	_, err = f.svc.SubmitEmail(context.Background(), res.FlowID, "driver@example.com")
	require.ErrorIs(t, err, domain.ErrFlowNotFound)
}

func TestAbandonedFlowsArePruned(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.svc.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := f.svc.Start(domain.AuthModeRegister)
		require.NoError(t, err)
	}

	now = now.Add(16 * time.Minute)
	fresh, err := f.svc.Start(domain.AuthModeLogin)
	require.NoError(t, err)

	f.svc.mu.Lock()
	defer f.svc.mu.Unlock()
	require.Len(t, f.svc.flows, 1)
	require.Contains(t, f.svc.flows, fresh.FlowID)
}

func TestStartRejectsUnknownMode(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Start("sso")
	require.True(t, domain.IsValidationError(err))
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	res := f.register(t, "driver@example.com", "Speedy")

	require.NoError(t, f.svc.Logout(res.Token))
	_, err := f.svc.Authenticate(res.Token)
	require.ErrorIs(t, err, domain.ErrSessionExpired)
}
