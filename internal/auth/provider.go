// Package auth implements the email one-time-passcode flow, the code
// providers behind it and the session tokens it hands out.
package auth

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Ack describes how a requested code was dispatched
type Ack struct {
	Delivery  string    `json:"delivery"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Delivery channels reported in an Ack
const (
	DeliveryEmail = "email"
	DeliveryLocal = "local"
)

// Provider issues and checks one-time codes for an email address
type Provider interface {
	RequestCode(ctx context.Context, email string) (Ack, error)
	// VerifyCode reports false for a wrong or expired code; errors are
	// reserved for provider failures.
	VerifyCode(ctx context.Context, email, code string) (bool, error)
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// newID returns a lexicographically sortable ULID for flows and sessions
func newID(t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), idEntropy).String()
}
