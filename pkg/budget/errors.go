package budget

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorCode identifies a class of failure reported by the budgeting API.
// Codes are strings so they serialize naturally into history records and notifications.
type ErrorCode string

const (
	CodeRateLimit    ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeNetwork      ErrorCode = "NETWORK_ERROR"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeConflict     ErrorCode = "CONFLICT"
	CodeCanceled     ErrorCode = "CANCELED"
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
	CodeUnknown      ErrorCode = "UNKNOWN"
)

// APIError is returned by Client implementations when the remote side rejects a call
type APIError struct {
	Op         string
	StatusCode int
	Code       ErrorCode
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

// NewAPIError builds an APIError from an HTTP status code
func NewAPIError(op string, statusCode int, message string) *APIError {
	return &APIError{
		Op:         op,
		StatusCode: statusCode,
		Code:       codeForStatus(statusCode),
		Message:    message,
	}
}

func codeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusNotFound:
		return CodeNotFound
	case status == http.StatusConflict:
		return CodeConflict
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return CodeInvalidInput
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return CodeTimeout
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return CodeNetwork
	case status >= 500:
		return CodeInternal
	}
	return CodeUnknown
}

// CodeOf maps any error returned by a Client to an ErrorCode
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}

	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeNetwork
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return CodeNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}

	// errors surfaced as text by the bridge or a proxy
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return CodeRateLimit
	case strings.Contains(msg, "econnreset") || strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "enotfound") || strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network-failure") || strings.Contains(msg, "network error"):
		return CodeNetwork
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid password"):
		return CodeUnauthorized
	}

	return CodeUnknown
}
