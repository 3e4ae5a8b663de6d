package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Notifier hands a generated code to the driver
type Notifier interface {
	Notify(ctx context.Context, email, code string, expiresAt time.Time) error
}

// LogNotifier writes codes to the log. It stands in for an email sender on
// installations without an auth provider.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the code
func (n LogNotifier) Notify(ctx context.Context, email, code string, expiresAt time.Time) error {
	n.Logger.InfoContext(ctx, "verification code issued",
		"email", email,
		"code", code,
		"expires_at", expiresAt,
	)
	return nil
}

type pendingCode struct {
	secret    string
	expiresAt time.Time
}

// LocalProvider generates TOTP codes from a fresh secret per request. A code
// is valid for one period and can be used once.
type LocalProvider struct {
	issuer   string
	period   time.Duration
	notifier Notifier
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]pendingCode
}

// NewLocalProvider creates a provider that issues codes valid for period
func NewLocalProvider(issuer string, period time.Duration, notifier Notifier) *LocalProvider {
	if period < time.Second {
		period = 5 * time.Minute
	}
	return &LocalProvider{
		issuer:   issuer,
		period:   period,
		notifier: notifier,
		now:      time.Now,
		pending:  make(map[string]pendingCode),
	}
}

func (p *LocalProvider) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    uint(p.period / time.Second),
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// RequestCode replaces any outstanding code for email and notifies it
func (p *LocalProvider) RequestCode(ctx context.Context, email string) (Ack, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: email,
		Period:      uint(p.period / time.Second),
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return Ack{}, fmt.Errorf("generating code secret: %w", err)
	}

	now := p.now()
	code, err := totp.GenerateCodeCustom(key.Secret(), now, p.opts())
	if err != nil {
		return Ack{}, fmt.Errorf("generating code: %w", err)
	}
	expiresAt := now.Add(p.period)

	p.mu.Lock()
	p.pending[normalizeEmail(email)] = pendingCode{secret: key.Secret(), expiresAt: expiresAt}
	p.mu.Unlock()

	if err := p.notifier.Notify(ctx, email, code, expiresAt); err != nil {
		return Ack{}, fmt.Errorf("delivering code: %w", err)
	}
	return Ack{Delivery: DeliveryLocal, ExpiresAt: expiresAt}, nil
}

// VerifyCode checks and consumes the outstanding code for email
func (p *LocalProvider) VerifyCode(_ context.Context, email, code string) (bool, error) {
	key := normalizeEmail(email)
	now := p.now()

	p.mu.Lock()
	defer p.mu.Unlock()

	pending, ok := p.pending[key]
	if !ok {
		return false, nil
	}
	if now.After(pending.expiresAt) {
		delete(p.pending, key)
		return false, nil
	}

	valid, err := totp.ValidateCustom(strings.TrimSpace(code), pending.secret, now, p.opts())
	if err != nil || !valid {
		return false, nil
	}
	delete(p.pending, key)
	return true, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
