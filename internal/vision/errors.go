package vision

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a failed vision call for the caller
type Kind string

const (
	KindQuota           Kind = "quota"
	KindPermission      Kind = "permission"
	KindOverloaded      Kind = "overloaded"
	KindConfiguration   Kind = "configuration"
	KindInvalidResponse Kind = "invalid_response"
	KindUnknown         Kind = "unknown"
)

var userMessages = map[Kind]string{
	KindQuota:           "AI quota exceeded or billing is not enabled for this API key. Enter the lap time manually or try again later.",
	KindPermission:      "The AI service rejected the API key. Check that the key is valid and allowed to use the model.",
	KindOverloaded:      "The AI service is overloaded right now. Please try again in a moment.",
	KindConfiguration:   "Screenshot analysis is not configured correctly (missing API key, bad request or unknown model).",
	KindInvalidResponse: "Could not read a lap time from this screenshot. Please enter it manually.",
	KindUnknown:         "Screenshot analysis failed. Please try again or enter the lap time manually.",
}

// Error is a classified vision failure
type Error struct {
	Kind   Kind
	Status int
	// Detail is the provider's own message
	Detail string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vision %s", e.Kind)
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UserMessage is the explanation shown to the driver
func (e *Error) UserMessage() string {
	return userMessages[e.Kind]
}

// Retryable reports whether another attempt may succeed
func (e *Error) Retryable() bool {
	return e.Kind == KindOverloaded
}

// apiError is the error body returned by the Gemini API
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// classify maps a non-2xx response onto a Kind
func classify(status int, body []byte) *Error {
	var parsed apiError
	detail := strings.TrimSpace(string(body))
	apiStatus := ""
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		detail = parsed.Error.Message
		apiStatus = parsed.Error.Status
	}
	lower := strings.ToLower(detail)

	kind := KindUnknown
	switch {
	case status == http.StatusTooManyRequests,
		apiStatus == "RESOURCE_EXHAUSTED",
		strings.Contains(lower, "quota"),
		strings.Contains(lower, "billing"):
		kind = KindQuota
	case status == http.StatusServiceUnavailable,
		apiStatus == "UNAVAILABLE",
		strings.Contains(lower, "overloaded"):
		kind = KindOverloaded
	case status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		apiStatus == "PERMISSION_DENIED",
		apiStatus == "UNAUTHENTICATED":
		kind = KindPermission
	case status == http.StatusBadRequest,
		status == http.StatusNotFound,
		apiStatus == "INVALID_ARGUMENT",
		apiStatus == "NOT_FOUND":
		kind = KindConfiguration
	}

	return &Error{Kind: kind, Status: status, Detail: detail}
}
