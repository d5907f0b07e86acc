// Package errors provides the structured error taxonomy shared by the
// orchestrator, the queue workers and the workflow event intake.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeTemplateValidationFailed ErrorCode = "TEMPLATE_VALIDATION_FAILED"
	ErrCodeValidation               ErrorCode = "VALIDATION_ERROR"
	ErrCodeResourceNotFound         ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeUnknownEvent             ErrorCode = "UNKNOWN_EVENT"

	ErrCodePublishFailed ErrorCode = "PUBLISH_FAILED"
	ErrCodeRenderFailed  ErrorCode = "RENDER_FAILED"
	ErrCodeSendFailed    ErrorCode = "SEND_FAILED"

	ErrCodeDatabase        ErrorCode = "DATABASE_ERROR"
	ErrCodeExternalService ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeTimeout         ErrorCode = "TIMEOUT_ERROR"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error { return e.cause }

// Is matches another StandardError by code, so errors.Is(err, &StandardError{Code: X}) works.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMetadata attaches a key to the error and returns it.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for job fail/throw variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// NewTemplateValidationFailedError is returned when a template body fails sandbox checks.
func NewTemplateValidationFailedError(cause error) *StandardError {
	return newError(ErrCodeTemplateValidationFailed, "Template failed validation", cause.Error(), false, cause)
}

// NewValidationError covers malformed requests other than template bodies.
func NewValidationError(details string) *StandardError {
	return newError(ErrCodeValidation, "Invalid request", details, false, nil)
}

// NewResourceNotFoundError reports a missing template, recipient or notification.
func NewResourceNotFoundError(resource, id string) *StandardError {
	return newError(ErrCodeResourceNotFound,
		fmt.Sprintf("%s not found", resource),
		fmt.Sprintf("%sId: %s", strings.ToLower(resource), id),
		false, nil)
}

// NewUnknownEventError rejects an event type that has no route.
func NewUnknownEventError(eventType string) *StandardError {
	return newError(ErrCodeUnknownEvent, "Unknown event type", fmt.Sprintf("eventType: %s", eventType), false, nil)
}

// NewPublishFailedError wraps a broker failure at dispatch time.
func NewPublishFailedError(queue string, err error) *StandardError {
	return newError(ErrCodePublishFailed, "Failed to publish notification job",
		fmt.Sprintf("queue: %s, error: %s", queue, err.Error()), true, err)
}

// NewRenderFailedError wraps a sandbox render failure. Retrying does not help.
func NewRenderFailedError(err error) *StandardError {
	return newError(ErrCodeRenderFailed, "Failed to render notification", err.Error(), false, err)
}

// NewSendFailedError wraps a channel transport failure.
func NewSendFailedError(channel string, err error) *StandardError {
	return newError(ErrCodeSendFailed, "Notification delivery failed",
		fmt.Sprintf("channel: %s, error: %s", channel, err.Error()), true, err)
}

// NewDatabaseError wraps a store failure.
func NewDatabaseError(operation string, err error) *StandardError {
	return newError(ErrCodeDatabase, "Database operation failed",
		fmt.Sprintf("operation: %s, error: %s", operation, err.Error()), true, err)
}

func NewExternalServiceError(service string, err error) *StandardError {
	return newError(ErrCodeExternalService, fmt.Sprintf("External service '%s' error", service), err.Error(), true, err)
}

func NewTimeoutError(service string, err error) *StandardError {
	return newError(ErrCodeTimeout, fmt.Sprintf("Service '%s' timeout", service), err.Error(), true, err)
}

func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", err.Error(), false, err)
}

// ==========================
// 4. Classification
// ==========================

// GetRetryCount returns the retry budget for an error code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodePublishFailed,
		ErrCodeSendFailed,
		ErrCodeDatabase,
		ErrCodeExternalService:
		return 3

	case ErrCodeTimeout:
		return 2

	default:
		return 0
	}
}

// AsStandard extracts a *StandardError from err's chain, or wraps err as internal.
func AsStandard(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return NewInternalError(err)
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	stdErr := AsStandard(err)
	return stdErr.Retryable && GetRetryCount(stdErr.Code) > 0
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var stdErr *StandardError
	return stderrors.As(err, &stdErr) && stdErr.Code == code
}

// ConvertToBPMNError converts a StandardError to a BPMNError.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}
	return &BPMNError{
		Code:      string(stdErr.Code),
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"timestamp": stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

// GetErrorCategory groups codes for logs and metrics.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeTemplateValidationFailed, ErrCodeRenderFailed:
		return "TEMPLATE"
	case ErrCodeValidation, ErrCodeUnknownEvent:
		return "VALIDATION"
	case ErrCodeResourceNotFound:
		return "NOT_FOUND"
	case ErrCodePublishFailed:
		return "QUEUE"
	case ErrCodeSendFailed:
		return "CHANNEL"
	case ErrCodeDatabase:
		return "DATABASE"
	case ErrCodeExternalService, ErrCodeTimeout:
		return "EXTERNAL"
	default:
		return "OTHER"
	}
}
