package textgen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// StatusError is a non-2xx answer from a generation endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("generation endpoint returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("generation endpoint returned HTTP %d: %s", e.StatusCode, e.Body)
}

type ErrorClass string

const (
	ClassRateLimit ErrorClass = "RATE_LIMIT"
	ClassTimeout   ErrorClass = "TIMEOUT"
	ClassAuth      ErrorClass = "AUTH"
	ClassClient    ErrorClass = "CLIENT"
	ClassTransient ErrorClass = "TRANSIENT"
)

// Classify decides how a failed attempt is retried. Typed status errors are
// trusted first; provider errors are matched on their message.
func Classify(err error) ErrorClass {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return ClassRateLimit
		case statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden:
			return ClassAuth
		case statusErr.StatusCode == http.StatusRequestTimeout:
			return ClassTimeout
		case statusErr.StatusCode >= 400 && statusErr.StatusCode < 500:
			return ClassClient
		default:
			return ClassTransient
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests"):
		return ClassRateLimit
	case strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key"):
		return ClassAuth
	case strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out"):
		return ClassTimeout
	}
	return ClassTransient
}

func retryable(class ErrorClass) bool {
	return class != ClassAuth && class != ClassClient
}
