package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// RemoteProvider delegates codes to a GoTrue-compatible auth API, which
// emails the code itself
type RemoteProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemoteProvider creates a provider for the auth API at baseURL
func NewRemoteProvider(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *RemoteProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type otpRequest struct {
	Email      string `json:"email"`
	CreateUser bool   `json:"create_user"`
}

type verifyRequest struct {
	Type  string `json:"type"`
	Email string `json:"email"`
	Token string `json:"token"`
}

type verifyResponse struct {
	AccessToken string `json:"access_token"`
}

// APIError is a non-2xx answer from the auth API
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("auth api status %d: %s", e.Status, e.Message)
}

// RequestCode asks the API to email a code. Addresses the API does not know
// yet are retried with user creation enabled; the profile row is still
// created by the registration flow.
func (p *RemoteProvider) RequestCode(ctx context.Context, email string) (Ack, error) {
	err := p.post(ctx, "/auth/v1/otp", otpRequest{Email: email, CreateUser: false}, nil)
	if err != nil {
		p.logger.Debug("otp request without user creation failed, retrying", "error", err)
		if err := p.post(ctx, "/auth/v1/otp", otpRequest{Email: email, CreateUser: true}, nil); err != nil {
			return Ack{}, fmt.Errorf("requesting code: %w", err)
		}
	}
	return Ack{Delivery: DeliveryEmail}, nil
}

// VerifyCode exchanges the code for an API session. Client errors mean the
// code was wrong or expired.
func (p *RemoteProvider) VerifyCode(ctx context.Context, email, code string) (bool, error) {
	var resp verifyResponse
	err := p.post(ctx, "/auth/v1/verify", verifyRequest{
		Type:  "email",
		Email: email,
		Token: strings.TrimSpace(code),
	}, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			p.logger.Info("otp verification rejected", "status", apiErr.Status, "message", apiErr.Message)
			return false, nil
		}
		return false, fmt.Errorf("verifying code: %w", err)
	}
	return resp.AccessToken != "", nil
}

func (p *RemoteProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", p.apiKey)
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: apiMessage(raw)}
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// apiMessage picks the human readable part of a GoTrue error body
func apiMessage(raw []byte) string {
	var body struct {
		Msg              string `json:"msg"`
		Message          string `json:"message"`
		ErrorDescription string `json:"error_description"`
		Error            string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		for _, s := range []string{body.Msg, body.Message, body.ErrorDescription, body.Error} {
			if s != "" {
				return s
			}
		}
	}
	return strings.TrimSpace(string(raw))
}
