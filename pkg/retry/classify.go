package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/autosync-hq/actual-autosync/pkg/budget"
)

// Error types reported by Classify
const (
	ErrorTypeRateLimit       = "rate_limit"
	ErrorTypeNetwork         = "network_error"
	ErrorTypeConnectionReset = "connection_reset"
	ErrorTypeDNS             = "dns_error"
	ErrorTypeTimeout         = "timeout"
	ErrorTypeCanceled        = "canceled"
	ErrorTypeUnauthorized    = "unauthorized"
	ErrorTypeNotFound        = "not_found"
	ErrorTypeInvalidInput    = "invalid_input"
	ErrorTypeConflict        = "conflict"
	ErrorTypeInternal        = "internal_error"
	ErrorTypeUnknown         = "unknown_error"
)

// Classify determines whether a failed remote call should be retried.
// Returns (shouldRetry, errorType). Only transient failures are retried:
// rate limiting, network failures, connection resets and DNS resolution errors.
// Timeouts (a per-call deadline, HTTP 408 or 504) count as network failures
// and are retried as well.
func Classify(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// Cancellation comes from our own shutdown, never from the remote side
	if errors.Is(err, context.Canceled) {
		return false, ErrorTypeCanceled
	}

	if isConnectionReset(err) {
		return true, ErrorTypeConnectionReset
	}
	if isDNSFailure(err) {
		return true, ErrorTypeDNS
	}

	switch budget.CodeOf(err) {
	case budget.CodeRateLimit:
		return true, ErrorTypeRateLimit
	case budget.CodeNetwork:
		return true, ErrorTypeNetwork
	case budget.CodeTimeout:
		return true, ErrorTypeTimeout
	case budget.CodeUnauthorized:
		return false, ErrorTypeUnauthorized
	case budget.CodeNotFound:
		return false, ErrorTypeNotFound
	case budget.CodeInvalidInput:
		return false, ErrorTypeInvalidInput
	case budget.CodeConflict:
		return false, ErrorTypeConflict
	case budget.CodeInternal:
		return false, ErrorTypeInternal
	}

	return false, ErrorTypeUnknown
}

func isConnectionReset(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "econnreset") ||
		strings.Contains(errStr, "connection reset")
}

func isDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "enotfound") ||
		strings.Contains(errStr, "eai_again") ||
		strings.Contains(errStr, "no such host")
}
