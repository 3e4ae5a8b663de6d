package domain

import (
	"strings"
	"time"
)

// User represents a registered driver
type User struct {
	Username string    `json:"username"`
	Email    string    `json:"email"`
	IsAdmin  bool      `json:"isAdmin"`
	JoinedAt time.Time `json:"joinedAt"`
}

// PublicUser is the view of a user exposed to other drivers
type PublicUser struct {
	Username string    `json:"username"`
	IsAdmin  bool      `json:"isAdmin"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Public strips the email address
func (u User) Public() PublicUser {
	return PublicUser{
		Username: u.Username,
		IsAdmin:  u.IsAdmin,
		JoinedAt: u.JoinedAt,
	}
}

// IsAdmin reports whether email matches the configured admin email.
// It is evaluated once, when the user registers.
func IsAdmin(adminEmail, email string) bool {
	adminEmail = strings.TrimSpace(adminEmail)
	if adminEmail == "" {
		return false
	}
	return strings.EqualFold(adminEmail, strings.TrimSpace(email))
}

// NewUser builds a user record for a completed registration
func NewUser(email, username, adminEmail string, now time.Time) User {
	email = strings.TrimSpace(email)
	return User{
		Username: strings.TrimSpace(username),
		Email:    email,
		IsAdmin:  IsAdmin(adminEmail, email),
		JoinedAt: now.UTC(),
	}
}

// SameUsername compares usernames the way uniqueness is enforced
func SameUsername(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// SameEmail compares email addresses the way uniqueness is enforced
func SameEmail(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
