package limits

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a failed usage operation.
type ErrorCode string

const (
	// CodeUsageLimitExceeded means the key has no uses left in its window.
	CodeUsageLimitExceeded ErrorCode = "USAGE_LIMIT_EXCEEDED"

	// CodeDatabaseError means the durable store failed while serving as fallback.
	CodeDatabaseError ErrorCode = "DATABASE_ERROR"
)

// Common errors matched by UsageError.Is.
var (
	// ErrUsageLimitExceeded matches errors with CodeUsageLimitExceeded.
	ErrUsageLimitExceeded = errors.New("usage limit exceeded")

	// ErrDatabase matches errors with CodeDatabaseError.
	ErrDatabase = errors.New("durable store error")
)

// UsageError is the error carried by a failed result.
type UsageError struct {
	// Code is the machine-readable classification.
	Code ErrorCode `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *UsageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *UsageError) Unwrap() error {
	return e.Err
}

// Is matches the package sentinel for the error's code.
func (e *UsageError) Is(target error) bool {
	switch target {
	case ErrUsageLimitExceeded:
		return e.Code == CodeUsageLimitExceeded
	case ErrDatabase:
		return e.Code == CodeDatabaseError
	}
	return false
}

func limitExceeded(max int64, resetAt time.Time) *UsageError {
	return &UsageError{
		Code:    CodeUsageLimitExceeded,
		Message: fmt.Sprintf("usage limit of %d reached; resets at %s", max, resetAt.UTC().Format(time.RFC3339)),
	}
}

func databaseError(err error) *UsageError {
	return &UsageError{
		Code:    CodeDatabaseError,
		Message: "durable usage store failed",
		Err:     err,
	}
}

// QuotaResult is returned by CheckQuota.
type QuotaResult struct {
	// CanUse reports whether another use is available.
	CanUse bool `json:"can_use"`

	// UsageCount is the number of uses consumed in the current window.
	UsageCount int64 `json:"usage_count"`

	// RemainingCount is MaxUsage minus UsageCount.
	RemainingCount int64 `json:"remaining_count"`

	// ResetTime is when the window ends.
	ResetTime time.Time `json:"reset_time"`

	// Degraded is set when the decision was made without the cache.
	Degraded bool `json:"degraded,omitempty"`

	// Error is set when the decision could not be made reliably.
	Error *UsageError `json:"error,omitempty"`
}

// IncrementResult is returned by IncrementUsage.
type IncrementResult struct {
	// Success reports whether a use was consumed.
	Success bool `json:"success"`

	// UsageCount is the post-increment count.
	UsageCount int64 `json:"usage_count"`

	// RemainingCount is the number of uses left after this one.
	RemainingCount int64 `json:"remaining_count"`

	// ResetTime is when the window ends.
	ResetTime time.Time `json:"reset_time"`

	// Degraded is set when the cache was bypassed.
	Degraded bool `json:"degraded,omitempty"`

	// Error explains a failure.
	Error *UsageError `json:"error,omitempty"`
}

// RollbackResult is returned by RollbackUsage.
type RollbackResult struct {
	// Success reports whether the rollback was applied or nothing needed undoing.
	Success bool `json:"success"`

	// UsageCount is the post-rollback count.
	UsageCount int64 `json:"usage_count"`

	// RemainingCount is the number of uses left after the rollback.
	RemainingCount int64 `json:"remaining_count"`

	// Degraded is set when the cache was bypassed.
	Degraded bool `json:"degraded,omitempty"`

	// Error explains a failure.
	Error *UsageError `json:"error,omitempty"`
}

// window is the metadata stored next to each counter.
type window struct {
	Start   time.Time `json:"window_start"`
	ResetAt time.Time `json:"reset_at"`
}

func (w window) expired(now time.Time) bool {
	return !now.Before(w.ResetAt)
}

func remaining(max, count int64) int64 {
	if count >= max {
		return 0
	}
	if count < 0 {
		return max
	}
	return max - count
}
