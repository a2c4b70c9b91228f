package errors

import (
	"fmt"
)

// ErrorCode represents different categories of errors
type ErrorCode string

const (
	// ErrCodeValidation indicates input validation errors
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeNetwork indicates relay, broker or peer connectivity errors
	ErrCodeNetwork ErrorCode = "NETWORK"

	// ErrCodeDatabase indicates database operation errors
	ErrCodeDatabase ErrorCode = "DATABASE"

	// ErrCodeStorage indicates secret store errors
	ErrCodeStorage ErrorCode = "STORAGE"

	// ErrCodeConfig indicates configuration errors
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeTimeout indicates timeout errors
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeInternal indicates internal system errors
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// ServiceError is an error raised by one of the manager's collaborators
// (broker, secret store, database) that carries a retry classification.
type ServiceError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Cause     error                  `json:"-"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// NewServiceError creates a new ServiceError
func NewServiceError(code ErrorCode, component, message string, cause error) *ServiceError {
	return &ServiceError{
		Code:      code,
		Message:   message,
		Component: component,
		Cause:     cause,
		Context:   make(map[string]interface{}),
	}
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Component != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error is retryable
func (e *ServiceError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNetwork, ErrCodeTimeout, ErrCodeDatabase, ErrCodeStorage:
		return true
	default:
		return false
	}
}

// NewValidationError creates a validation error
func NewValidationError(component, message string) *ServiceError {
	return NewServiceError(ErrCodeValidation, component, message, nil)
}

// NewNetworkError creates a network error
func NewNetworkError(component, message string, cause error) *ServiceError {
	return NewServiceError(ErrCodeNetwork, component, message, cause)
}

// NewStorageError creates a secret store error
func NewStorageError(component, message string, cause error) *ServiceError {
	return NewServiceError(ErrCodeStorage, component, message, cause)
}

// NewDatabaseError creates a database error
func NewDatabaseError(component, message string, cause error) *ServiceError {
	return NewServiceError(ErrCodeDatabase, component, message, cause)
}
