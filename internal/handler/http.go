package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/acc-tracker/internal/auth"
	"github.com/acc-tracker/internal/catalog"
	"github.com/acc-tracker/internal/config"
	"github.com/acc-tracker/internal/domain"
	"github.com/acc-tracker/internal/service"
	"github.com/acc-tracker/internal/vision"
	"github.com/acc-tracker/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

var errCacheOffline = errors.New("leaderboard cache unavailable")

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the tracker API
type Handler struct {
	laps    *service.LapService
	flows   *auth.Service
	vision  *vision.Client
	hub     *websocket.Hub
	backend Pinger
	cache   Pinger
	config  *config.ServerConfig
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	laps *service.LapService,
	flows *auth.Service,
	visionClient *vision.Client,
	hub *websocket.Hub,
	backend Pinger,
	cfg *config.ServerConfig,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		laps:    laps,
		flows:   flows,
		vision:  visionClient,
		hub:     hub,
		backend: backend,
		config:  cfg,
		logger:  logger,
	}
}

// SetCache adds the leaderboard cache to the readiness check
func (h *Handler) SetCache(cache Pinger) {
	h.cache = cache
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	r.Get("/ws", h.HandleWebSocket)

	limit := newIPRateLimiter(h.config.AuthRateLimit, time.Minute)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/catalog", func(r chi.Router) {
			r.Get("/tracks", h.ListTracks)
			r.Get("/cars", h.ListCars)
		})

		r.Route("/auth", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(limit.Middleware)
				r.Post("/flows", h.StartFlow)
				r.Get("/flows/{flowID}", h.GetFlow)
				r.Post("/flows/{flowID}/email", h.SubmitEmail)
				r.Post("/flows/{flowID}/code", h.SubmitCode)
				r.Post("/flows/{flowID}/username", h.SubmitUsername)
				r.Post("/flows/{flowID}/switch", h.SwitchMode)
			})
			r.With(h.requireSession).Post("/logout", h.Logout)
			r.With(h.requireSession).Get("/me", h.Me)
		})

		r.Route("/laps", func(r chi.Router) {
			r.Get("/", h.ListLaps)
			r.Get("/{lapID}", h.GetLap)
			r.With(h.requireSession).Post("/", h.SubmitLap)
			r.With(h.requireSession).Put("/{lapID}", h.EditLap)
			r.With(h.requireSession).Delete("/{lapID}", h.DeleteLap)
		})

		r.Route("/tracks/{trackID}", func(r chi.Router) {
			r.Get("/leaderboard", h.GetLeaderboard)
			r.Get("/rank/{lapID}", h.GetRank)
		})

		r.Route("/users/{username}", func(r chi.Router) {
			r.Get("/", h.GetProfile)
			r.Get("/bests", h.GetPersonalBests)
		})

		r.With(h.requireSession).Post("/analysis/screenshot", h.AnalyzeScreenshot)
		r.Get("/tips", h.GetTips)

		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeFailure maps err onto a status and a message safe to show the driver
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed",
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	h.writeJSON(w, status, APIResponse{Success: false, Error: msg})
}

// statusFor classifies an error for the HTTP layer
func statusFor(err error) (int, string) {
	var verr *vision.Error
	if errors.As(err, &verr) {
		switch verr.Kind {
		case vision.KindQuota:
			return http.StatusTooManyRequests, verr.UserMessage()
		case vision.KindPermission:
			return http.StatusForbidden, verr.UserMessage()
		case vision.KindOverloaded:
			return http.StatusServiceUnavailable, verr.UserMessage()
		case vision.KindInvalidResponse:
			return http.StatusUnprocessableEntity, verr.UserMessage()
		case vision.KindConfiguration:
			return http.StatusInternalServerError, verr.UserMessage()
		default:
			return http.StatusBadGateway, verr.UserMessage()
		}
	}

	switch {
	case domain.IsValidationError(err), errors.Is(err, domain.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrUnauthorized), errors.Is(err, domain.ErrSessionExpired):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden, domain.ErrPermissionDenied.Error()
	case domain.IsNotFoundError(err):
		return http.StatusNotFound, err.Error()
	case domain.IsConflictError(err), errors.Is(err, domain.ErrWrongStep):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusInsufficientStorage, domain.ErrQuotaExceeded.Error()
	case errors.Is(err, domain.ErrBackendOffline):
		return http.StatusServiceUnavailable, domain.ErrBackendOffline.Error()
	}
	return http.StatusInternalServerError, domain.ErrInternalError.Error()
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]any{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports ready once the storage backend and, when configured,
// the leaderboard cache answer
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.backend.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "dependency", "storage", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrBackendOffline)
		return
	}
	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "dependency", "redis", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, errCacheOffline)
			return
		}
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// ListTracks returns the track catalog
func (h *Handler) ListTracks(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, catalog.Tracks())
}

// ListCars returns the car catalog, optionally for one class
func (h *Handler) ListCars(w http.ResponseWriter, r *http.Request) {
	if class := r.URL.Query().Get("class"); class != "" {
		h.writeSuccess(w, catalog.CarsByClass(catalog.CarClass(class)))
		return
	}
	h.writeSuccess(w, catalog.Cars())
}
