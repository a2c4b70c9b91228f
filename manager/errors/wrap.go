package errors

import (
	"errors"
	"strings"
)

// WrapServiceError wraps an error as a ServiceError if it isn't already one
func WrapServiceError(err error, code ErrorCode, component, message string) *ServiceError {
	if err == nil {
		return nil
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		svcErr.Context["wrapped_message"] = message
		if component != "" && svcErr.Component == "" {
			svcErr.Component = component
		}
		return svcErr
	}

	return NewServiceError(code, component, message, err)
}

// IsServiceError checks if an error is a ServiceError with specific code
func IsServiceError(err error, code ErrorCode) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.IsRetryable()
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"channel/connection is not open",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
