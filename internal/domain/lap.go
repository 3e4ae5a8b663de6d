package domain

import (
	"fmt"
	"strings"
	"time"
)

// Conditions is the track surface condition of a lap
type Conditions string

const (
	ConditionsDry Conditions = "Dry"
	ConditionsWet Conditions = "Wet"
)

// Valid reports whether c is a known condition
func (c Conditions) Valid() bool {
	return c == ConditionsDry || c == ConditionsWet
}

// Submission outcome messages
const (
	MessageSaved        = "saved"
	MessagePersonalBest = "personal best updated"
	MessageSlower       = "slower than personal best"
)

// LapTime represents a driver's recorded lap for a track and car
type LapTime struct {
	ID                string     `json:"id"`
	Username          string     `json:"username"`
	UserEmail         string     `json:"userEmail,omitempty"`
	TrackID           string     `json:"trackId"`
	CarID             string     `json:"carId"`
	Minutes           int        `json:"minutes"`
	Seconds           int        `json:"seconds"`
	Milliseconds      int        `json:"milliseconds"`
	TotalMilliseconds int64      `json:"totalMilliseconds"`
	Timestamp         time.Time  `json:"timestamp"`
	Conditions        Conditions `json:"conditions"`
	TrackTemp         *float64   `json:"trackTemp,omitempty"`
	InputDevice       *string    `json:"inputDevice,omitempty"`
	IsVerified        *bool      `json:"isVerified,omitempty"`
}

// ComposeTotal converts lap time components into total milliseconds
func ComposeTotal(minutes, seconds, milliseconds int) int64 {
	return int64(minutes)*60000 + int64(seconds)*1000 + int64(milliseconds)
}

// SplitTotal converts total milliseconds into display components
func SplitTotal(total int64) (minutes, seconds, milliseconds int) {
	minutes = int(total / 60000)
	seconds = int((total % 60000) / 1000)
	milliseconds = int(total % 1000)
	return minutes, seconds, milliseconds
}

// FormatLapTime renders total milliseconds as m:ss.mmm
func FormatLapTime(total int64) string {
	m, s, ms := SplitTotal(total)
	return fmt.Sprintf("%d:%02d.%03d", m, s, ms)
}

// Key identifies the personal-best slot of a lap
func (l LapTime) Key() LapKey {
	return LapKey{Username: l.Username, TrackID: l.TrackID, CarID: l.CarID}
}

// Formatted returns the lap time as m:ss.mmm
func (l LapTime) Formatted() string {
	return FormatLapTime(l.TotalMilliseconds)
}

// Normalize makes TotalMilliseconds canonical. When no total is set it is
// composed from the components; the components are then always re-derived
// from the total.
func (l *LapTime) Normalize() {
	if l.TotalMilliseconds == 0 {
		l.TotalMilliseconds = ComposeTotal(l.Minutes, l.Seconds, l.Milliseconds)
	}
	l.Minutes, l.Seconds, l.Milliseconds = SplitTotal(l.TotalMilliseconds)
	l.Username = strings.TrimSpace(l.Username)
	l.UserEmail = strings.TrimSpace(l.UserEmail)
	if l.Conditions == "" {
		l.Conditions = ConditionsDry
	}
}

// Validate checks the lap fields that do not need a catalog lookup
func (l *LapTime) Validate() error {
	if strings.TrimSpace(l.Username) == "" {
		return NewValidationError("username", "is required")
	}
	if strings.TrimSpace(l.TrackID) == "" {
		return NewValidationError("trackId", "is required")
	}
	if strings.TrimSpace(l.CarID) == "" {
		return NewValidationError("carId", "is required")
	}
	if l.TotalMilliseconds == 0 {
		if l.Minutes < 0 {
			return NewValidationError("minutes", "must not be negative")
		}
		if l.Seconds < 0 || l.Seconds > 59 {
			return NewValidationError("seconds", "must be between 0 and 59")
		}
		if l.Milliseconds < 0 || l.Milliseconds > 999 {
			return NewValidationError("milliseconds", "must be between 0 and 999")
		}
		if ComposeTotal(l.Minutes, l.Seconds, l.Milliseconds) <= 0 {
			return NewValidationError("time", "must be greater than zero")
		}
	} else if l.TotalMilliseconds < 0 {
		return NewValidationError("totalMilliseconds", "must be greater than zero")
	}
	if l.Conditions != "" && !l.Conditions.Valid() {
		return NewValidationError("conditions", "must be Dry or Wet")
	}
	return nil
}

// LapKey is the (username, track, car) triple a personal best is kept for
type LapKey struct {
	Username string
	TrackID  string
	CarID    string
}

// SubmitResult is the outcome of a lap submission
type SubmitResult struct {
	Accepted bool     `json:"accepted"`
	Message  string   `json:"message"`
	Lap      *LapTime `json:"lap,omitempty"`
}

// LapSubmission represents a request to submit a lap time
type LapSubmission struct {
	TrackID      string     `json:"trackId"`
	CarID        string     `json:"carId"`
	Minutes      int        `json:"minutes"`
	Seconds      int        `json:"seconds"`
	Milliseconds int        `json:"milliseconds"`
	Conditions   Conditions `json:"conditions"`
	TrackTemp    *float64   `json:"trackTemp,omitempty"`
	InputDevice  *string    `json:"inputDevice,omitempty"`
}

// ToLap builds a candidate lap for the given user
func (s LapSubmission) ToLap(user User) LapTime {
	return LapTime{
		Username:     user.Username,
		UserEmail:    user.Email,
		TrackID:      strings.TrimSpace(s.TrackID),
		CarID:        strings.TrimSpace(s.CarID),
		Minutes:      s.Minutes,
		Seconds:      s.Seconds,
		Milliseconds: s.Milliseconds,
		Conditions:   s.Conditions,
		TrackTemp:    s.TrackTemp,
		InputDevice:  s.InputDevice,
	}
}

// LeaderboardEntry represents a single ranked lap on a track
type LeaderboardEntry struct {
	Rank      int64   `json:"rank"`
	Lap       LapTime `json:"lap"`
	Formatted string  `json:"formatted"`
	GapMillis int64   `json:"gapMillis"`
}

// RankLaps annotates laps already in leaderboard order with ranks and gaps
func RankLaps(laps []LapTime) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, len(laps))
	for i, lap := range laps {
		entries[i] = LeaderboardEntry{
			Rank:      int64(i + 1),
			Lap:       lap,
			Formatted: lap.Formatted(),
			GapMillis: lap.TotalMilliseconds - laps[0].TotalMilliseconds,
		}
	}
	return entries
}
