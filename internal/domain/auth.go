package domain

import "time"

// AuthMode selects between the login and registration paths
type AuthMode string

const (
	AuthModeLogin    AuthMode = "login"
	AuthModeRegister AuthMode = "register"
)

// Valid reports whether m is a known mode
func (m AuthMode) Valid() bool {
	return m == AuthModeLogin || m == AuthModeRegister
}

// Other returns the opposite mode
func (m AuthMode) Other() AuthMode {
	if m == AuthModeRegister {
		return AuthModeLogin
	}
	return AuthModeRegister
}

// AuthStep is the current step of an auth flow
type AuthStep string

const (
	AuthStepEmail   AuthStep = "EMAIL"
	AuthStepVerify  AuthStep = "VERIFY"
	AuthStepDetails AuthStep = "DETAILS"
	AuthStepDone    AuthStep = "DONE"
)

// Session is the identity context passed to operations that need a user
type Session struct {
	ID        string    `json:"id"`
	User      User      `json:"user"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CanModify reports whether the session may edit or delete the lap
func (s Session) CanModify(lap LapTime) bool {
	return s.User.IsAdmin || SameUsername(s.User.Username, lap.Username)
}

// AuthResult is returned after every auth flow step
type AuthResult struct {
	FlowID  string   `json:"flowId"`
	Mode    AuthMode `json:"mode"`
	Step    AuthStep `json:"step"`
	Email   string   `json:"email,omitempty"`
	Error   string   `json:"error,omitempty"`
	Token   string   `json:"token,omitempty"`
	Session *Session `json:"session,omitempty"`
}
