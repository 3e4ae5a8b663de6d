// Package vision talks to the Gemini API: it reads lap times off game
// screenshots and asks for race engineer advice.
package vision

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

	"github.com/acc-tracker/internal/config"
	"github.com/cenkalti/backoff/v4"
)

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimer replaces the timer used to wait between attempts. The factory is
// called once per request.
func WithTimer(newTimer func() backoff.Timer) Option {
	return func(c *Client) { c.newTimer = newTimer }
}

// Client calls the generateContent endpoint of one model
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	maxAttempts int
	baseBackoff time.Duration
	maxImage    int
	httpClient  *http.Client
	newTimer    func() backoff.Timer
	logger      *slog.Logger
}

// NewClient creates a vision client
func NewClient(cfg *config.VisionConfig, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       cfg.Model,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxImage:    cfg.MaxImageMB << 20,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether an API key is set
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
	Temperature      *float64       `json:"temperature,omitempty"`
}

type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

// generate runs one request with retries on overload and returns the text
// of the first candidate
func (c *Client) generate(ctx context.Context, req generateRequest) (string, int, error) {
	if !c.Configured() {
		return "", 0, &Error{Kind: KindConfiguration, Detail: "API key missing"}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", 0, fmt.Errorf("encoding request: %w", err)
	}

	var (
		text     string
		attempts int
	)
	operation := func() error {
		attempts++
		var err error
		text, err = c.once(ctx, payload)
		if err == nil {
			return nil
		}
		var verr *Error
		if !errors.As(err, &verr) || !verr.Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		var verr *Error
		errors.As(err, &verr)
		c.logger.Warn("vision model overloaded, retrying",
			"attempt", attempts,
			"backoff", wait,
			"status", verr.Status,
		)
	}

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}
	if err := backoff.RetryNotifyWithTimer(operation, c.retryPolicy(ctx), notify, timer); err != nil {
		var verr *Error
		if !errors.As(err, &verr) {
			err = &Error{Kind: KindUnknown, Err: err}
		}
		return "", attempts, err
	}
	return text, attempts, nil
}

// retryPolicy doubles the wait from baseBackoff without jitter and allows
// maxAttempts calls in total
func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	if c.maxAttempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.baseBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = c.baseBackoff << uint(c.maxAttempts)
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.maxAttempts-1)), ctx)
}

func (c *Client) once(ctx context.Context, payload []byte) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Kind: KindConfiguration, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Kind: KindUnknown, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Error{Kind: KindUnknown, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classify(resp.StatusCode, body)
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", &Error{Kind: KindInvalidResponse, Status: resp.StatusCode, Err: err}
	}
	if len(parsed.Candidates) == 0 {
		return "", &Error{Kind: KindInvalidResponse, Status: resp.StatusCode, Detail: "no candidates"}
	}

	var text strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return strings.TrimSpace(text.String()), nil
}
