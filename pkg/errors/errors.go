// Package errors provides the structured error taxonomy used across the attachments service.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode is a stable, programmatically checkable error code.
type ErrorCode string

// Error codes grouped by category.
const (
	// Configuration
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// Validation
	ErrCodeValidationFailed    ErrorCode = "VALIDATION_FAILED"
	ErrCodeAttachmentIDMissing ErrorCode = "ATTACHMENT_ID_MISSING"

	// Credentials
	ErrCodeCredentialsInvalid ErrorCode = "CREDENTIALS_INVALID"
	ErrCodeCredentialsMissing ErrorCode = "CREDENTIALS_MISSING"

	// Storage
	ErrCodeMetadataWriteFailed    ErrorCode = "METADATA_WRITE_FAILED"
	ErrCodeStorageWriteFailed     ErrorCode = "STORAGE_WRITE_FAILED"
	ErrCodeStorageReadFailed      ErrorCode = "STORAGE_READ_FAILED"
	ErrCodeStorageDeleteFailed    ErrorCode = "STORAGE_DELETE_FAILED"
	ErrCodeObjectNotFound         ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeObjectStoreUnavailable ErrorCode = "OBJECT_STORE_UNAVAILABLE"
	ErrCodeUploadFailed           ErrorCode = "ATTACHMENT_UPLOAD_FAILED"

	// Provisioning
	ErrCodeNoSupportedPlan      ErrorCode = "NO_SUPPORTED_PLAN"
	ErrCodeProvisioningFailed   ErrorCode = "PROVISIONING_FAILED"
	ErrCodeDeprovisioningFailed ErrorCode = "DEPROVISIONING_FAILED"
	ErrCodeBrokerRequestFailed  ErrorCode = "BROKER_REQUEST_FAILED"

	// Operation
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationFailed  ErrorCode = "OPERATION_FAILED"
	ErrCodeNetworkError     ErrorCode = "NETWORK_ERROR"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"

	// Internal
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory is the broad class an error code belongs to.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryValidation    ErrorCategory = "validation"
	CategoryAuth          ErrorCategory = "auth"
	CategoryStorage       ErrorCategory = "storage"
	CategoryProvisioning  ErrorCategory = "provisioning"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// AttachmentError is a structured error with context for diagnostics.
type AttachmentError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Target    string `json:"target,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`
}

// Error implements the error interface.
func (e *AttachmentError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, msg)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *AttachmentError) Unwrap() error {
	return e.Cause
}

// Is matches another AttachmentError by code.
func (e *AttachmentError) Is(target error) bool {
	if t, ok := target.(*AttachmentError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed representation for logging.
func (e *AttachmentError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if len(e.Context) > 0 {
		ctx, _ := json.Marshal(e.Context)
		parts = append(parts, fmt.Sprintf("Context=%s", ctx))
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("AttachmentError{%s}", strings.Join(parts, ", "))
}

// NewError creates an error with category, retryability and HTTP status derived from the code.
func NewError(code ErrorCode, message string) *AttachmentError {
	return &AttachmentError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Context:    make(map[string]string),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Wrap creates an error with the given code around cause.
func Wrap(code ErrorCode, message string, cause error) *AttachmentError {
	return NewError(code, message).WithCause(cause)
}

// New is a sentinel constructor for use with errors.Is.
func New(code ErrorCode) *AttachmentError {
	return &AttachmentError{Code: code}
}

// GetCategory determines the category of a code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig:
		return CategoryConfiguration
	case ErrCodeValidationFailed, ErrCodeAttachmentIDMissing:
		return CategoryValidation
	case ErrCodeCredentialsInvalid, ErrCodeCredentialsMissing:
		return CategoryAuth
	case ErrCodeMetadataWriteFailed, ErrCodeStorageWriteFailed, ErrCodeStorageReadFailed,
		ErrCodeStorageDeleteFailed, ErrCodeObjectNotFound, ErrCodeObjectStoreUnavailable,
		ErrCodeUploadFailed:
		return CategoryStorage
	case ErrCodeNoSupportedPlan, ErrCodeProvisioningFailed, ErrCodeDeprovisioningFailed,
		ErrCodeBrokerRequestFailed:
		return CategoryProvisioning
	case ErrCodeOperationTimeout, ErrCodeOperationFailed, ErrCodeNetworkError, ErrCodeCircuitOpen:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault reports whether a code is transient.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNetworkError, ErrCodeOperationTimeout, ErrCodeBrokerRequestFailed:
		return true
	default:
		return false
	}
}

// GetDefaultHTTPStatus returns the HTTP status for a code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	statusMap := map[ErrorCode]int{
		ErrCodeInvalidConfig:          400,
		ErrCodeValidationFailed:       400,
		ErrCodeAttachmentIDMissing:    400,
		ErrCodeCredentialsInvalid:     401,
		ErrCodeCredentialsMissing:     401,
		ErrCodeObjectNotFound:         404,
		ErrCodeObjectStoreUnavailable: 503,
		ErrCodeCircuitOpen:            503,
		ErrCodeOperationTimeout:       504,
		ErrCodeNetworkError:           502,
		ErrCodeBrokerRequestFailed:    502,
	}

	if status, ok := statusMap[code]; ok {
		return status
	}
	return 500
}

// WithContext adds a diagnostic context entry (tenant, bucket, key, ...).
func (e *AttachmentError) WithContext(key, value string) *AttachmentError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds a detail value.
func (e *AttachmentError) WithDetail(key string, value interface{}) *AttachmentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *AttachmentError) WithComponent(component string) *AttachmentError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *AttachmentError) WithOperation(operation string) *AttachmentError {
	e.Operation = operation
	return e
}

// WithTarget sets the target reported to API callers.
func (e *AttachmentError) WithTarget(target string) *AttachmentError {
	e.Target = target
	return e
}

// WithCause sets the underlying cause.
func (e *AttachmentError) WithCause(cause error) *AttachmentError {
	e.Cause = cause
	return e
}

// As extracts the first AttachmentError in err's chain.
func As(err error) (*AttachmentError, bool) {
	var ae *AttachmentError
	if stderr.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	return stderr.Is(err, New(code))
}

// HTTPStatus returns the HTTP status for err, 500 when unknown.
func HTTPStatus(err error) int {
	if ae, ok := As(err); ok && ae.HTTPStatus != 0 {
		return ae.HTTPStatus
	}
	return 500
}
