package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/acc-tracker/internal/catalog"
	"github.com/acc-tracker/internal/domain"
	"github.com/acc-tracker/internal/service"
	"github.com/go-chi/chi/v5"
)

// ListLaps returns a track's laps in leaderboard order, or all laps newest first
func (h *Handler) ListLaps(w http.ResponseWriter, r *http.Request) {
	laps, err := h.laps.ListLaps(r.Context(), r.URL.Query().Get("track"))
	if err != nil {
		h.writeFailure(w, r, "list laps", err)
		return
	}
	h.writeSuccess(w, laps)
}

// GetLap returns a lap by id
func (h *Handler) GetLap(w http.ResponseWriter, r *http.Request) {
	lap, err := h.laps.GetLap(r.Context(), chi.URLParam(r, "lapID"))
	if err != nil {
		h.writeFailure(w, r, "get lap", err)
		return
	}
	h.writeSuccess(w, lap)
}

// SubmitLap records a lap for the caller. A lap slower than the stored
// personal best is not an error: it comes back with accepted=false.
func (h *Handler) SubmitLap(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())

	var submission domain.LapSubmission
	if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	result, err := h.laps.Submit(r.Context(), session, submission)
	if err != nil {
		h.writeFailure(w, r, "submit lap", err)
		return
	}

	status := http.StatusOK
	if result.Accepted && result.Message == domain.MessageSaved {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, APIResponse{Success: true, Data: result})
}

// EditLap overwrites a lap the caller owns, or any lap for an admin
func (h *Handler) EditLap(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())

	var edit domain.LapSubmission
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	lap, err := h.laps.EditLap(r.Context(), session, chi.URLParam(r, "lapID"), edit)
	if err != nil {
		h.writeFailure(w, r, "edit lap", err)
		return
	}
	h.writeSuccess(w, lap)
}

// DeleteLap removes a lap the caller owns, or any lap for an admin
func (h *Handler) DeleteLap(w http.ResponseWriter, r *http.Request) {
	session, _ := sessionFrom(r.Context())

	if err := h.laps.DeleteLap(r.Context(), session, chi.URLParam(r, "lapID")); err != nil {
		h.writeFailure(w, r, "delete lap", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "deleted"})
}

// GetLeaderboard returns the ranked laps of a track
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	q := service.LeaderboardQuery{
		TrackID:    chi.URLParam(r, "trackID"),
		CarID:      query.Get("car"),
		Class:      catalog.CarClass(query.Get("class")),
		Conditions: domain.Conditions(query.Get("conditions")),
	}
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			q.Limit = l
		}
	}

	entries, err := h.laps.Leaderboard(r.Context(), q)
	if err != nil {
		h.writeFailure(w, r, "get leaderboard", err)
		return
	}
	h.writeSuccess(w, entries)
}

// GetRank returns a lap's position on its track
func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	ranked, err := h.laps.Rank(r.Context(), chi.URLParam(r, "trackID"), chi.URLParam(r, "lapID"))
	if err != nil {
		h.writeFailure(w, r, "get rank", err)
		return
	}
	h.writeSuccess(w, ranked)
}

// GetProfile returns a driver's public profile
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.laps.Profile(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.writeFailure(w, r, "get profile", err)
		return
	}
	h.writeSuccess(w, profile)
}

// GetPersonalBests returns every stored lap of a driver
func (h *Handler) GetPersonalBests(w http.ResponseWriter, r *http.Request) {
	laps, err := h.laps.PersonalBests(r.Context(), chi.URLParam(r, "username"))
	if err != nil {
		h.writeFailure(w, r, "get personal bests", err)
		return
	}
	h.writeSuccess(w, laps)
}
