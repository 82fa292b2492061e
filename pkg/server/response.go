package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"mercator-hq/ipquota/pkg/limits"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	// Error contains the error details.
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains detailed error information.
type ErrorDetail struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// ResetTime is set on quota errors.
	ResetTime *time.Time `json:"reset_time,omitempty"`
}

// Error codes returned by the HTTP surface. Usage errors reuse the codes of
// the limits package.
const (
	CodeUsageLimitExceeded = string(limits.CodeUsageLimitExceeded)
	CodeDatabaseError      = string(limits.CodeDatabaseError)

	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidJSON      = "INVALID_JSON"
	CodeRequestTooLarge  = "REQUEST_TOO_LARGE"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeProviderError    = "PROVIDER_ERROR"
	CodeProviderTimeout  = "PROVIDER_TIMEOUT"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Rate limit headers set on quota-gated responses.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// GenerateResponse is the successful response of POST /v1/generate.
type GenerateResponse struct {
	Text  string    `json:"text"`
	Usage UsageInfo `json:"usage"`
}

// UsageInfo describes the caller's quota.
type UsageInfo struct {
	Limit          int64     `json:"limit"`
	UsageCount     int64     `json:"usage_count"`
	RemainingCount int64     `json:"remaining_count"`
	ResetTime      time.Time `json:"reset_time"`
	CanUse         bool      `json:"can_use"`
	Degraded       bool      `json:"degraded,omitempty"`
}

// writeJSON writes data as a JSON response with statusCode.
func writeJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON response: %w", err)
	}
	return nil
}

func errorBody(code, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Code: code, Message: message}}
}

// setLimitHeaders sets the X-RateLimit-* headers.
func setLimitHeaders(w http.ResponseWriter, limit, remaining int64, reset time.Time) {
	w.Header().Set(HeaderRateLimitLimit, strconv.FormatInt(limit, 10))
	w.Header().Set(HeaderRateLimitRemaining, strconv.FormatInt(remaining, 10))
	if !reset.IsZero() {
		w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(reset.Unix(), 10))
	}
}

// retryAfterSeconds rounds the wait until reset up to whole seconds, at
// least one.
func retryAfterSeconds(reset, now time.Time) int64 {
	wait := reset.Sub(now).Seconds()
	if wait < 1 {
		return 1
	}
	return int64(math.Ceil(wait))
}
