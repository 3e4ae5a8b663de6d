package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/acc-tracker/internal/auth"
	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
	"github.com/acc-tracker/internal/local"
	"github.com/acc-tracker/internal/service"
	"github.com/acc-tracker/internal/vision"
	"github.com/acc-tracker/internal/websocket"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureNotifier struct {
	mu    sync.Mutex
	codes map[string]string
}

func (n *captureNotifier) Notify(_ context.Context, email, code string, _ time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.codes == nil {
		n.codes = map[string]string{}
	}
	n.codes[email] = code
	return nil
}

func (n *captureNotifier) code(email string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.codes[email]
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testServer struct {
	handler  *Handler
	router   http.Handler
	store    *local.Store
	notifier *captureNotifier
}

// noWait fires as soon as a retry wait starts
type noWait struct{ c chan time.Time }

func (n *noWait) Start(time.Duration) {
	n.c = make(chan time.Time, 1)
	n.c <- time.Now()
}
func (n *noWait) Stop()               {}
func (n *noWait) C() <-chan time.Time { return n.c }

func newTestServer(t *testing.T, configure ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Local.Path = filepath.Join(t.TempDir(), "laps.db")
	cfg.Auth.AdminEmail = "admin@acc.com"
	for _, fn := range configure {
		fn(cfg)
	}
	logger := discardLogger()

	store, err := local.Open(&cfg.Local, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := websocket.NewHub(logger)
	laps := service.NewLapService(store, &cfg.Leaderboard, logger, service.WithBroadcaster(hub))

	sessions, err := auth.NewSessionManager("test-secret", cfg.Session.TTL, cfg.Session.Issuer, logger)
	require.NoError(t, err)
	notifier := &captureNotifier{}
	provider := auth.NewLocalProvider(cfg.Auth.Issuer, cfg.Auth.CodePeriod, notifier)
	flows := auth.NewService(store, provider, sessions, cfg.Auth.AdminEmail, cfg.Auth.FlowTTL, logger)

	visionClient := vision.NewClient(&cfg.Vision, logger,
		vision.WithTimer(func() backoff.Timer { return &noWait{} }),
	)
	h := NewHandler(laps, flows, visionClient, hub, store, &cfg.Server, logger)
	return &testServer{handler: h, router: h.Router(), store: store, notifier: notifier}
}

func (s *testServer) do(t *testing.T, method, path string, body any, token string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.serve(t, req)
}

func (s *testServer) serve(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// register runs the whole registration flow and returns the session token
func (s *testServer) register(t *testing.T, email, username string) string {
	t.Helper()
	status, env := s.do(t, http.MethodPost, "/api/v1/auth/flows", map[string]string{"mode": "register"}, "")
	require.Equal(t, http.StatusCreated, status)
	flowID := decode[domain.AuthResult](t, env).FlowID
	base := "/api/v1/auth/flows/" + flowID

	status, env = s.do(t, http.MethodPost, base+"/email", map[string]string{"email": email}, "")
	require.Equal(t, http.StatusOK, status, env.Error)
	require.Equal(t, domain.AuthStepVerify, decode[domain.AuthResult](t, env).Step)

	status, env = s.do(t, http.MethodPost, base+"/code", map[string]string{"code": s.notifier.code(email)}, "")
	require.Equal(t, http.StatusOK, status, env.Error)
	require.Equal(t, domain.AuthStepDetails, decode[domain.AuthResult](t, env).Step)

	status, env = s.do(t, http.MethodPost, base+"/username", map[string]string{"username": username}, "")
	require.Equal(t, http.StatusOK, status, env.Error)
	result := decode[domain.AuthResult](t, env)
	require.Equal(t, domain.AuthStepDone, result.Step)
	require.NotEmpty(t, result.Token)
	return result.Token
}

func lapBody(track, car string, m, s, ms int) domain.LapSubmission {
	return domain.LapSubmission{TrackID: track, CarID: car, Minutes: m, Seconds: s, Milliseconds: ms}
}

func TestHealthAndCatalog(t *testing.T) {
	srv := newTestServer(t)

	status, env := srv.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Success)

	status, _ = srv.do(t, http.MethodGet, "/ready", nil, "")
	require.Equal(t, http.StatusOK, status)

	status, env = srv.do(t, http.MethodGet, "/api/v1/catalog/tracks", nil, "")
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, decode[[]map[string]any](t, env))

	status, env = srv.do(t, http.MethodGet, "/api/v1/catalog/cars?class=GT4", nil, "")
	require.Equal(t, http.StatusOK, status)
	cars := decode[[]map[string]any](t, env)
	require.NotEmpty(t, cars)
	for _, car := range cars {
		require.Equal(t, "GT4", car["class"])
	}
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return domain.ErrBackendOffline }

func TestReadyWhenBackendDown(t *testing.T) {
	srv := newTestServer(t)
	srv.handler.backend = downPinger{}

	status, env := srv.do(t, http.MethodGet, "/ready", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.False(t, env.Success)
}

func TestReadyChecksCache(t *testing.T) {
	srv := newTestServer(t)

	status, _ := srv.do(t, http.MethodGet, "/ready", nil, "")
	require.Equal(t, http.StatusOK, status)

	srv.handler.SetCache(downPinger{})
	status, env := srv.do(t, http.MethodGet, "/ready", nil, "")
	require.Equal(t, http.StatusServiceUnavailable, status)
	require.Equal(t, errCacheOffline.Error(), env.Error)
}

func TestAuthFlow(t *testing.T) {
	t.Run("register then me and logout", func(t *testing.T) {
		srv := newTestServer(t)
		token := srv.register(t, "admin@acc.com", "Boss")

		status, env := srv.do(t, http.MethodGet, "/api/v1/auth/me", nil, token)
		require.Equal(t, http.StatusOK, status)
		session := decode[domain.Session](t, env)
		require.Equal(t, "Boss", session.User.Username)
		require.True(t, session.User.IsAdmin)

		status, _ = srv.do(t, http.MethodPost, "/api/v1/auth/logout", nil, token)
		require.Equal(t, http.StatusOK, status)

		status, _ = srv.do(t, http.MethodGet, "/api/v1/auth/me", nil, token)
		require.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("wrong code keeps the flow at verify", func(t *testing.T) {
		srv := newTestServer(t)
		_, env := srv.do(t, http.MethodPost, "/api/v1/auth/flows", map[string]string{"mode": "register"}, "")
		base := "/api/v1/auth/flows/" + decode[domain.AuthResult](t, env).FlowID

		srv.do(t, http.MethodPost, base+"/email", map[string]string{"email": "new@sim.com"}, "")
		status, env := srv.do(t, http.MethodPost, base+"/code", map[string]string{"code": "000000x"}, "")
		require.Equal(t, http.StatusUnprocessableEntity, status)
		require.Equal(t, auth.MsgInvalidCode, env.Error)
		require.Equal(t, domain.AuthStepVerify, decode[domain.AuthResult](t, env).Step)
	})

	t.Run("steps out of order", func(t *testing.T) {
		srv := newTestServer(t)
		_, env := srv.do(t, http.MethodPost, "/api/v1/auth/flows", map[string]string{"mode": "login"}, "")
		base := "/api/v1/auth/flows/" + decode[domain.AuthResult](t, env).FlowID

		status, _ := srv.do(t, http.MethodPost, base+"/username", map[string]string{"username": "X"}, "")
		require.Equal(t, http.StatusConflict, status)
	})

	t.Run("login without account", func(t *testing.T) {
		srv := newTestServer(t)
		_, env := srv.do(t, http.MethodPost, "/api/v1/auth/flows", map[string]string{"mode": "login"}, "")
		base := "/api/v1/auth/flows/" + decode[domain.AuthResult](t, env).FlowID

		status, env := srv.do(t, http.MethodPost, base+"/email", map[string]string{"email": "nobody@sim.com"}, "")
		require.Equal(t, http.StatusUnprocessableEntity, status)
		require.Equal(t, auth.MsgNoAccount, env.Error)
	})

	t.Run("unknown flow and bad mode", func(t *testing.T) {
		srv := newTestServer(t)
		status, _ := srv.do(t, http.MethodGet, "/api/v1/auth/flows/missing", nil, "")
		require.Equal(t, http.StatusNotFound, status)

		status, _ = srv.do(t, http.MethodPost, "/api/v1/auth/flows", map[string]string{"mode": "guest"}, "")
		require.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("garbage token", func(t *testing.T) {
		srv := newTestServer(t)
		status, _ := srv.do(t, http.MethodGet, "/api/v1/auth/me", nil, "not-a-token")
		require.Equal(t, http.StatusUnauthorized, status)
	})
}

func TestLaps(t *testing.T) {
	srv := newTestServer(t)
	token := srv.register(t, "x@sim.com", "X")
	car := "mclaren_720s_evo"

	status, _ := srv.do(t, http.MethodPost, "/api/v1/laps", lapBody("monza", car, 1, 47, 0), "")
	require.Equal(t, http.StatusUnauthorized, status)

	status, env := srv.do(t, http.MethodPost, "/api/v1/laps", lapBody("monza", car, 1, 47, 0), token)
	require.Equal(t, http.StatusCreated, status)
	saved := decode[domain.SubmitResult](t, env)
	require.True(t, saved.Accepted)
	require.Equal(t, domain.MessageSaved, saved.Message)
	lapID := saved.Lap.ID

	status, env = srv.do(t, http.MethodPost, "/api/v1/laps", lapBody("monza", car, 1, 48, 0), token)
	require.Equal(t, http.StatusOK, status)
	slower := decode[domain.SubmitResult](t, env)
	require.False(t, slower.Accepted)
	require.Equal(t, domain.MessageSlower, slower.Message)
	require.Equal(t, int64(107000), slower.Lap.TotalMilliseconds)

	status, env = srv.do(t, http.MethodPost, "/api/v1/laps", lapBody("monza", car, 1, 46, 500), token)
	require.Equal(t, http.StatusOK, status)
	best := decode[domain.SubmitResult](t, env)
	require.Equal(t, domain.MessagePersonalBest, best.Message)
	require.Equal(t, lapID, best.Lap.ID)

	status, env = srv.do(t, http.MethodPost, "/api/v1/laps", lapBody("le_mans", car, 1, 46, 500), token)
	require.Equal(t, http.StatusBadRequest, status)
	require.Contains(t, env.Error, "trackId")

	status, env = srv.do(t, http.MethodGet, "/api/v1/tracks/monza/leaderboard?limit=5", nil, "")
	require.Equal(t, http.StatusOK, status)
	entries := decode[[]domain.LeaderboardEntry](t, env)
	require.Len(t, entries, 1)
	require.Equal(t, "1:46.500", entries[0].Formatted)

	status, env = srv.do(t, http.MethodGet, "/api/v1/tracks/monza/rank/"+lapID, nil, "")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(env.Data), `"rank":1`)

	status, env = srv.do(t, http.MethodGet, "/api/v1/users/x/bests", nil, "")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, decode[[]domain.LapTime](t, env), 1)

	status, env = srv.do(t, http.MethodGet, "/api/v1/users/X", nil, "")
	require.Equal(t, http.StatusOK, status)
	require.NotContains(t, string(env.Data), "x@sim.com")

	t.Run("other drivers cannot modify", func(t *testing.T) {
		other := srv.register(t, "y@sim.com", "Y")
		status, _ := srv.do(t, http.MethodDelete, "/api/v1/laps/"+lapID, nil, other)
		require.Equal(t, http.StatusForbidden, status)
		status, _ = srv.do(t, http.MethodPut, "/api/v1/laps/"+lapID, lapBody("monza", car, 2, 0, 0), other)
		require.Equal(t, http.StatusForbidden, status)
	})

	t.Run("owner edits without the personal best check", func(t *testing.T) {
		status, env := srv.do(t, http.MethodPut, "/api/v1/laps/"+lapID, lapBody("monza", car, 1, 50, 0), token)
		require.Equal(t, http.StatusOK, status, env.Error)
		require.Equal(t, int64(110000), decode[domain.LapTime](t, env).TotalMilliseconds)
	})

	t.Run("owner deletes", func(t *testing.T) {
		status, _ := srv.do(t, http.MethodDelete, "/api/v1/laps/"+lapID, nil, token)
		require.Equal(t, http.StatusOK, status)
		status, _ = srv.do(t, http.MethodGet, "/api/v1/laps/"+lapID, nil, "")
		require.Equal(t, http.StatusNotFound, status)
	})
}

func TestVisionRoutesWithoutKey(t *testing.T) {
	srv := newTestServer(t)

	status, env := srv.do(t, http.MethodGet, "/api/v1/tips?track=spa&car=bmw_m4_gt3", nil, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, vision.TipsOffline, decode[map[string]string](t, env)["tips"])

	status, _ = srv.do(t, http.MethodGet, "/api/v1/tips?track=spa&car=c1", nil, "")
	require.Equal(t, http.StatusBadRequest, status)

	token := srv.register(t, "x@sim.com", "X")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition", `form-data; name="image"; filename="lap.png"`)
	partHeader.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(partHeader)
	require.NoError(t, err)
	_, err = part.Write([]byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analysis/screenshot", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	status, env = srv.serve(t, req)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Contains(t, env.Error, "not configured")
}

// fakeGemini answers generateContent with a fixed status and body and
// records the image MIME type of each request
type fakeGemini struct {
	status int
	body   string

	mu    sync.Mutex
	mimes []string
}

func (f *fakeGemini) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Contents []struct {
			Parts []struct {
				InlineData *struct {
					MimeType string `json:"mimeType"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"contents"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			if p.InlineData != nil {
				f.mimes = append(f.mimes, p.InlineData.MimeType)
			}
		}
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(f.status)
	_, _ = w.Write([]byte(f.body))
}

func (f *fakeGemini) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mimes...)
}

func screenshotRequest(t *testing.T, token, contentType string, image []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	partHeader := textproto.MIMEHeader{}
	partHeader.Set("Content-Disposition", `form-data; name="image"; filename="lap"`)
	partHeader.Set("Content-Type", contentType)
	part, err := mw.CreatePart(partHeader)
	require.NoError(t, err)
	_, err = part.Write(image)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analysis/screenshot", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAnalyzeScreenshot(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d}
	answer := `{"candidates":[{"content":{"parts":[{"text":"{\"minutes\":1,\"seconds\":47,\"milliseconds\":250,\"trackId\":\"monza\"}"}]}}]}`

	serverFor := func(t *testing.T, model *fakeGemini) *testServer {
		t.Helper()
		upstream := httptest.NewServer(model)
		t.Cleanup(upstream.Close)
		return newTestServer(t, func(cfg *config.Config) {
			cfg.Vision.APIKey = "test-key"
			cfg.Vision.BaseURL = upstream.URL
		})
	}

	t.Run("octet-stream upload is sniffed", func(t *testing.T) {
		model := &fakeGemini{status: http.StatusOK, body: answer}
		srv := serverFor(t, model)
		token := srv.register(t, "x@sim.com", "X")

		status, env := srv.serve(t, screenshotRequest(t, token, "application/octet-stream", png))
		require.Equal(t, http.StatusOK, status, env.Error)
		got := decode[vision.Analysis](t, env)
		require.Equal(t, int64(107250), got.TotalMilliseconds)
		require.Equal(t, "monza", got.TrackID)
		require.Equal(t, []string{"image/png"}, model.seen())
	})

	t.Run("unsupported type is rejected before the model", func(t *testing.T) {
		model := &fakeGemini{status: http.StatusOK, body: answer}
		srv := serverFor(t, model)
		token := srv.register(t, "x@sim.com", "X")

		status, _ := srv.serve(t, screenshotRequest(t, token, "application/octet-stream", []byte("plain text, not an image")))
		require.Equal(t, http.StatusBadRequest, status)
		require.Empty(t, model.seen())
	})

	t.Run("requires a session", func(t *testing.T) {
		srv := serverFor(t, &fakeGemini{status: http.StatusOK, body: answer})

		status, _ := srv.serve(t, screenshotRequest(t, "", "image/png", png))
		require.Equal(t, http.StatusUnauthorized, status)
	})

	errorCases := []struct {
		name   string
		status int
		body   string
		want   int
		calls  int
	}{
		{"quota", http.StatusTooManyRequests, `{"error":{"code":429,"message":"You exceeded your current quota","status":"RESOURCE_EXHAUSTED"}}`, http.StatusTooManyRequests, 1},
		{"permission", http.StatusForbidden, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`, http.StatusForbidden, 1},
		{"overloaded", http.StatusServiceUnavailable, `{"error":{"code":503,"message":"The model is overloaded","status":"UNAVAILABLE"}}`, http.StatusServiceUnavailable, 3},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			model := &fakeGemini{status: tc.status, body: tc.body}
			srv := serverFor(t, model)
			token := srv.register(t, "x@sim.com", "X")

			status, env := srv.serve(t, screenshotRequest(t, token, "image/png", png))
			require.Equal(t, tc.want, status)
			require.False(t, env.Success)
			require.NotEmpty(t, env.Error)
			require.Len(t, model.seen(), tc.calls)
		})
	}
}

func TestAuthRateLimit(t *testing.T) {
	rl := newIPRateLimiter(2, time.Minute)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	other := httptest.NewRequest(http.MethodPost, "/", nil)
	other.RemoteAddr = "198.51.100.7:4000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("seconds", "must be between 0 and 59"), http.StatusBadRequest},
		{fmt.Errorf("saving lap: %w", domain.ErrLapExists), http.StatusConflict},
		{domain.ErrWrongStep, http.StatusConflict},
		{domain.ErrFlowNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", domain.ErrPermissionDenied), http.StatusForbidden},
		{domain.ErrSessionExpired, http.StatusUnauthorized},
		{fmt.Errorf("writing: %w", domain.ErrQuotaExceeded), http.StatusInsufficientStorage},
		{fmt.Errorf("finding lap: %w", domain.ErrBackendOffline), http.StatusServiceUnavailable},
		{&vision.Error{Kind: vision.KindQuota}, http.StatusTooManyRequests},
		{&vision.Error{Kind: vision.KindOverloaded}, http.StatusServiceUnavailable},
		{&vision.Error{Kind: vision.KindPermission}, http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got, msg := statusFor(tt.err)
			require.Equal(t, tt.want, got)
			require.NotEmpty(t, msg)
		})
	}
}
