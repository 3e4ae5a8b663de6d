package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/acc-tracker/internal/domain"
	"github.com/go-chi/chi/v5"
)

type ctxKey int

const (
	sessionKey ctxKey = iota
	tokenKey
)

// sessionFrom returns the session attached by requireSession
func sessionFrom(ctx context.Context) (domain.Session, bool) {
	s, ok := ctx.Value(sessionKey).(*domain.Session)
	if !ok || s == nil {
		return domain.Session{}, false
	}
	return *s, true
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}

// requireSession rejects requests without a valid bearer session
func (h *Handler) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthorized)
			return
		}

		session, err := h.flows.Authenticate(token)
		if err != nil {
			h.writeFailure(w, r, "authenticate", err)
			return
		}

		ctx := context.WithValue(r.Context(), sessionKey, session)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type startFlowRequest struct {
	Mode domain.AuthMode `json:"mode"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type codeRequest struct {
	Code string `json:"code"`
}

type usernameRequest struct {
	Username string `json:"username"`
}

// writeFlow answers a flow step. A step that failed with a message for the
// driver keeps the flow alive and is reported as 422 with the flow state.
func (h *Handler) writeFlow(w http.ResponseWriter, r *http.Request, result domain.AuthResult, err error) {
	if err != nil {
		h.writeFailure(w, r, "auth flow", err)
		return
	}
	if result.Error != "" {
		h.writeJSON(w, http.StatusUnprocessableEntity, APIResponse{
			Success: false,
			Data:    result,
			Error:   result.Error,
		})
		return
	}
	h.writeSuccess(w, result)
}

// StartFlow opens a login or registration flow
func (h *Handler) StartFlow(w http.ResponseWriter, r *http.Request) {
	var req startFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.flows.Start(req.Mode)
	if err != nil {
		h.writeFailure(w, r, "start flow", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, APIResponse{Success: true, Data: result})
}

// GetFlow returns the current step of a flow
func (h *Handler) GetFlow(w http.ResponseWriter, r *http.Request) {
	result, err := h.flows.State(chi.URLParam(r, "flowID"))
	h.writeFlow(w, r, result, err)
}

// SubmitEmail handles the email step
func (h *Handler) SubmitEmail(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	result, err := h.flows.SubmitEmail(r.Context(), chi.URLParam(r, "flowID"), req.Email)
	h.writeFlow(w, r, result, err)
}

// SubmitCode handles the verification step
func (h *Handler) SubmitCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	result, err := h.flows.SubmitCode(r.Context(), chi.URLParam(r, "flowID"), req.Code)
	h.writeFlow(w, r, result, err)
}

// SubmitUsername completes a registration
func (h *Handler) SubmitUsername(w http.ResponseWriter, r *http.Request) {
	var req usernameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	result, err := h.flows.SubmitUsername(r.Context(), chi.URLParam(r, "flowID"), req.Username)
	h.writeFlow(w, r, result, err)
}

// SwitchMode toggles between login and registration
func (h *Handler) SwitchMode(w http.ResponseWriter, r *http.Request) {
	result, err := h.flows.SwitchMode(chi.URLParam(r, "flowID"))
	h.writeFlow(w, r, result, err)
}

// Logout revokes the caller's session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token, _ := r.Context().Value(tokenKey).(string)
	if err := h.flows.Logout(token); err != nil {
		h.writeFailure(w, r, "logout", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "logged out"})
}

// Me returns the caller's session
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())
	h.writeSuccess(w, session)
}
