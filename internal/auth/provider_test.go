package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("code is single use", func(t *testing.T) {
		notifier := &captureNotifier{}
		p := NewLocalProvider("ACC Tracker", 5*time.Minute, notifier)

		ack, err := p.RequestCode(ctx, "driver@example.com")
		require.NoError(t, err)
		require.Equal(t, DeliveryLocal, ack.Delivery)
		code := notifier.code("driver@example.com")
		require.Len(t, code, 6)

		ok, err := p.VerifyCode(ctx, "Driver@Example.com", code)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = p.VerifyCode(ctx, "driver@example.com", code)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("expired code", func(t *testing.T) {
		notifier := &captureNotifier{}
		p := NewLocalProvider("ACC Tracker", time.Minute, notifier)
		now := time.Now()
		p.now = func() time.Time { return now }

		_, err := p.RequestCode(ctx, "driver@example.com")
		require.NoError(t, err)

		now = now.Add(2 * time.Minute)
		ok, err := p.VerifyCode(ctx, "driver@example.com", notifier.code("driver@example.com"))
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("new request replaces old code", func(t *testing.T) {
		notifier := &captureNotifier{}
		p := NewLocalProvider("ACC Tracker", 5*time.Minute, notifier)

		_, err := p.RequestCode(ctx, "driver@example.com")
		require.NoError(t, err)
		first := notifier.code("driver@example.com")
		_, err = p.RequestCode(ctx, "driver@example.com")
		require.NoError(t, err)
		second := notifier.code("driver@example.com")

		if first != second {
			ok, err := p.VerifyCode(ctx, "driver@example.com", first)
			require.NoError(t, err)
			require.False(t, ok)
		}
		ok, err := p.VerifyCode(ctx, "driver@example.com", second)
		require.NoError(t, err)
		require.True(t, ok)
	})

	t.Run("no pending code", func(t *testing.T) {
		p := NewLocalProvider("ACC Tracker", 5*time.Minute, &captureNotifier{})
		ok, err := p.VerifyCode(ctx, "nobody@example.com", "123456")
		require.NoError(t, err)
		require.False(t, ok)
	})
}

func TestRemoteProvider(t *testing.T) {
	ctx := context.Background()

	type call struct {
		path   string
		apiKey string
		body   map[string]any
	}
	var (
		mu    sync.Mutex
		calls []call
	)
	recorded := func() []call {
		mu.Lock()
		defer mu.Unlock()
		return append([]call(nil), calls...)
	}
	reset := func() {
		mu.Lock()
		calls = nil
		mu.Unlock()
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		calls = append(calls, call{path: r.URL.Path, apiKey: r.Header.Get("apikey"), body: body})
		mu.Unlock()

		switch r.URL.Path {
		case "/auth/v1/otp":
			if body["create_user"] == false && body["email"] == "new@example.com" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(`{"msg":"Signups not allowed for otp"}`))
				return
			}
			w.Write([]byte(`{}`))
		case "/auth/v1/verify":
			switch body["token"] {
			case "123456":
				w.Write([]byte(`{"access_token":"abc","token_type":"bearer"}`))
			case "500500":
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte(`upstream down`))
			default:
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error_description":"Token has expired or is invalid"}`))
			}
		}
	}))
	defer srv.Close()

	p := NewRemoteProvider(srv.URL+"/", "anon-key", time.Second, discardLogger())

	t.Run("request code for known user", func(t *testing.T) {
		reset()
		ack, err := p.RequestCode(ctx, "driver@example.com")
		require.NoError(t, err)
		require.Equal(t, DeliveryEmail, ack.Delivery)
		got := recorded()
		require.Len(t, got, 1)
		require.Equal(t, "/auth/v1/otp", got[0].path)
		require.Equal(t, "anon-key", got[0].apiKey)
	})

	t.Run("request code retries with user creation", func(t *testing.T) {
		reset()
		_, err := p.RequestCode(ctx, "new@example.com")
		require.NoError(t, err)
		got := recorded()
		require.Len(t, got, 2)
		require.Equal(t, true, got[1].body["create_user"])
	})

	t.Run("verify", func(t *testing.T) {
		ok, err := p.VerifyCode(ctx, "driver@example.com", "123456")
		require.NoError(t, err)
		require.True(t, ok)
		got := recorded()
		require.Equal(t, "email", got[len(got)-1].body["type"])

		ok, err = p.VerifyCode(ctx, "driver@example.com", "999999")
		require.NoError(t, err)
		require.False(t, ok)

		_, err = p.VerifyCode(ctx, "driver@example.com", "500500")
		require.ErrorContains(t, err, "upstream down")
	})
}
