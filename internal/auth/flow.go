package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/acc-tracker/internal/domain"
)

// Messages shown to the driver when a step fails
const (
	MsgInvalidEmail      = "Please enter a valid email address."
	MsgEmailRegistered   = "This email is already registered. Please login."
	MsgNoAccount         = "No account found with this email. Please register."
	MsgDeliveryFailed    = "Connection error or invalid email. Please try again."
	MsgInvalidCode       = "Invalid verification code. Please try again."
	MsgProfileMissing    = "User profile not found. Please register."
	MsgUsernameRequired  = "Username is required."
	MsgUsernameTaken     = "Username already taken"
	MsgRegistrationError = "Registration failed."
)

// UserStore is the part of the storage backend the flow needs
type UserStore interface {
	FindUserByEmail(ctx context.Context, email string) (*domain.User, error)
	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	InsertUser(ctx context.Context, user domain.User) error
}

// flow is the server-side state of one login or registration attempt
type flow struct {
	mu        sync.Mutex
	id        string
	mode      domain.AuthMode
	step      domain.AuthStep
	email     string
	ack       *Ack
	expiresAt time.Time
}

func (f *flow) result(errMsg string) domain.AuthResult {
	return domain.AuthResult{
		FlowID: f.id,
		Mode:   f.mode,
		Step:   f.step,
		Email:  f.email,
		Error:  errMsg,
	}
}

// reset puts the flow back to the email step, dropping entered data
func (f *flow) reset(mode domain.AuthMode) {
	f.mode = mode
	f.step = domain.AuthStepEmail
	f.email = ""
	f.ack = nil
}

// Service drives the EMAIL -> VERIFY -> DETAILS/DONE state machine
type Service struct {
	users      UserStore
	provider   Provider
	sessions   *SessionManager
	adminEmail string
	flowTTL    time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu    sync.Mutex
	flows map[string]*flow
}

// NewService creates the auth flow service
func NewService(
	users UserStore,
	provider Provider,
	sessions *SessionManager,
	adminEmail string,
	flowTTL time.Duration,
	logger *slog.Logger,
) *Service {
	if flowTTL <= 0 {
		flowTTL = 15 * time.Minute
	}
	return &Service{
		users:      users,
		provider:   provider,
		sessions:   sessions,
		adminEmail: adminEmail,
		flowTTL:    flowTTL,
		logger:     logger,
		now:        time.Now,
		flows:      make(map[string]*flow),
	}
}

// Start opens a new flow in the given mode
func (s *Service) Start(mode domain.AuthMode) (domain.AuthResult, error) {
	if !mode.Valid() {
		return domain.AuthResult{}, domain.NewValidationError("mode", "must be login or register")
	}

	now := s.now()
	f := &flow{
		id:        newID(now),
		expiresAt: now.Add(s.flowTTL),
	}
	f.reset(mode)

	s.mu.Lock()
	s.pruneLocked(now)
	s.flows[f.id] = f
	s.mu.Unlock()

	return f.result(""), nil
}

// State returns the current state of a flow
func (s *Service) State(flowID string) (domain.AuthResult, error) {
	f, err := s.lookup(flowID)
	if err != nil {
		return domain.AuthResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result(""), nil
}

// SubmitEmail checks the address against the flow's mode and requests a code.
// Registration with a known address fails here, before any code is sent.
func (s *Service) SubmitEmail(ctx context.Context, flowID, email string) (domain.AuthResult, error) {
	f, err := s.lookup(flowID)
	if err != nil {
		return domain.AuthResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step != domain.AuthStepEmail {
		return f.result(""), domain.ErrWrongStep
	}

	email = strings.TrimSpace(email)
	if !plausibleEmail(email) {
		return f.result(MsgInvalidEmail), nil
	}

	exists, err := s.emailExists(ctx, email)
	if err != nil {
		s.logger.Error("checking email failed", "error", err)
		return f.result(MsgDeliveryFailed), nil
	}
	if f.mode == domain.AuthModeRegister && exists {
		return f.result(MsgEmailRegistered), nil
	}
	if f.mode == domain.AuthModeLogin && !exists {
		return f.result(MsgNoAccount), nil
	}

	ack, err := s.provider.RequestCode(ctx, email)
	if err != nil {
		s.logger.Error("requesting verification code failed", "flow_id", f.id, "error", err)
		return f.result(MsgDeliveryFailed), nil
	}

	f.email = email
	f.ack = &ack
	f.step = domain.AuthStepVerify
	s.logger.Info("verification code requested", "flow_id", f.id, "mode", f.mode, "delivery", ack.Delivery)
	return f.result(""), nil
}

// SubmitCode verifies the code. Wrong codes keep the flow in VERIFY with no
// attempt limit. A verified login finishes the flow with a session.
func (s *Service) SubmitCode(ctx context.Context, flowID, code string) (domain.AuthResult, error) {
	f, err := s.lookup(flowID)
	if err != nil {
		return domain.AuthResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step != domain.AuthStepVerify {
		return f.result(""), domain.ErrWrongStep
	}

	ok, err := s.provider.VerifyCode(ctx, f.email, code)
	if err != nil {
		s.logger.Error("verifying code failed", "flow_id", f.id, "error", err)
		return f.result(MsgInvalidCode), nil
	}
	if !ok {
		return f.result(MsgInvalidCode), nil
	}

	if f.mode == domain.AuthModeRegister {
		f.step = domain.AuthStepDetails
		return f.result(""), nil
	}

	user, err := s.users.FindUserByEmail(ctx, f.email)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return f.result(MsgProfileMissing), nil
		}
		return f.result(""), fmt.Errorf("loading user: %w", err)
	}
	return s.finish(f, *user)
}

// SubmitUsername completes a registration
func (s *Service) SubmitUsername(ctx context.Context, flowID, username string) (domain.AuthResult, error) {
	f, err := s.lookup(flowID)
	if err != nil {
		return domain.AuthResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.step != domain.AuthStepDetails {
		return f.result(""), domain.ErrWrongStep
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return f.result(MsgUsernameRequired), nil
	}

	_, err = s.users.FindUserByUsername(ctx, username)
	switch {
	case err == nil:
		return f.result(MsgUsernameTaken), nil
	case !errors.Is(err, domain.ErrUserNotFound):
		s.logger.Error("checking username failed", "error", err)
		return f.result(MsgRegistrationError), nil
	}

	user := domain.NewUser(f.email, username, s.adminEmail, s.now())
	if err := s.users.InsertUser(ctx, user); err != nil {
		switch {
		case errors.Is(err, domain.ErrUsernameTaken):
			return f.result(MsgUsernameTaken), nil
		case errors.Is(err, domain.ErrEmailTaken):
			return f.result(MsgEmailRegistered), nil
		}
		s.logger.Error("registering user failed", "error", err)
		return f.result(err.Error()), nil
	}

	s.logger.Info("user registered", "username", user.Username, "admin", user.IsAdmin)
	return s.finish(f, user)
}

// SwitchMode restarts the flow in the other mode with empty buffers
func (s *Service) SwitchMode(flowID string) (domain.AuthResult, error) {
	f, err := s.lookup(flowID)
	if err != nil {
		return domain.AuthResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reset(f.mode.Other())
	return f.result(""), nil
}

// Authenticate resolves a bearer token to its session
func (s *Service) Authenticate(token string) (*domain.Session, error) {
	return s.sessions.Verify(token)
}

// Logout revokes the session carried by token
func (s *Service) Logout(token string) error {
	return s.sessions.Revoke(token)
}

func (s *Service) finish(f *flow, user domain.User) (domain.AuthResult, error) {
	token, session, err := s.sessions.Issue(user)
	if err != nil {
		return f.result(""), err
	}

	f.step = domain.AuthStepDone
	s.mu.Lock()
	delete(s.flows, f.id)
	s.mu.Unlock()

	result := f.result("")
	result.Token = token
	result.Session = session
	s.logger.Info("session started", "username", user.Username, "session_id", session.ID)
	return result, nil
}

func (s *Service) emailExists(ctx context.Context, email string) (bool, error) {
	_, err := s.users.FindUserByEmail(ctx, email)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, domain.ErrUserNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *Service) lookup(flowID string) (*flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[flowID]
	if !ok {
		return nil, domain.ErrFlowNotFound
	}
	if s.now().After(f.expiresAt) {
		delete(s.flows, flowID)
		return nil, domain.ErrFlowNotFound
	}
	return f, nil
}

func (s *Service) pruneLocked(now time.Time) {
	for id, f := range s.flows {
		if now.After(f.expiresAt) {
			delete(s.flows, id)
		}
	}
}

// plausibleEmail accepts a bare address with a local part and a domain
func plausibleEmail(email string) bool {
	if !strings.Contains(email, "@") {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}
