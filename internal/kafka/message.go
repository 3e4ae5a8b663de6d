package kafka

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/acc-tracker/internal/domain"
)

// LapMessage is the wire format of a lap recorded outside the web app
type LapMessage struct {
	Username          string   `json:"username"`
	UserEmail         string   `json:"user_email,omitempty"`
	TrackID           string   `json:"track_id"`
	CarID             string   `json:"car_id"`
	TotalMilliseconds int64    `json:"total_milliseconds"`
	Conditions        string   `json:"conditions,omitempty"`
	TrackTemp         *float64 `json:"track_temp,omitempty"`
	InputDevice       *string  `json:"input_device,omitempty"`
}

// DecodeLapMessage parses and checks a message value
func DecodeLapMessage(value []byte) (LapMessage, error) {
	var msg LapMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return msg, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
	}
	msg.Username = strings.TrimSpace(msg.Username)
	if msg.Username == "" || msg.TrackID == "" || msg.CarID == "" {
		return msg, fmt.Errorf("%w: username, track_id and car_id are required", domain.ErrInvalidRequest)
	}
	if msg.TotalMilliseconds <= 0 {
		return msg, fmt.Errorf("%w: total_milliseconds must be positive", domain.ErrInvalidRequest)
	}
	return msg, nil
}

// Encode serializes the message for publishing
func (m LapMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Lap builds the candidate lap for a registered user. The stored username
// and email win over the ones in the message.
func (m LapMessage) Lap(user domain.User) domain.LapTime {
	return domain.LapTime{
		Username:          user.Username,
		UserEmail:         user.Email,
		TrackID:           strings.TrimSpace(m.TrackID),
		CarID:             strings.TrimSpace(m.CarID),
		TotalMilliseconds: m.TotalMilliseconds,
		Conditions:        domain.Conditions(m.Conditions),
		TrackTemp:         m.TrackTemp,
		InputDevice:       m.InputDevice,
	}
}
