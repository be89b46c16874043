// Package errors provides the structured error taxonomy shared by the driver, the remote clients and the mount layer.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"
	"time"
)

// ErrorCode represents a structured error code for boxfs operations.
type ErrorCode string

// Error code constants. Every failing filesystem call reports exactly one of these.
const (
	// Lookup
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Conflicts and type mismatches
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeIsDirectory   ErrorCode = "IS_DIRECTORY"
	ErrCodeNotDirectory  ErrorCode = "NOT_DIRECTORY"
	ErrCodeNotEmpty      ErrorCode = "NOT_EMPTY"

	// Authorization and capability
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeUnsupported      ErrorCode = "UNSUPPORTED"

	// Remote failures
	ErrCodeTransient ErrorCode = "TRANSIENT"
	ErrCodeFatal     ErrorCode = "FATAL"

	// Local validation
	ErrCodeInvalidPath   ErrorCode = "INVALID_PATH"
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeClosed        ErrorCode = "CLOSED"
)

// ErrorCategory groups codes the way the consuming layer reasons about them.
type ErrorCategory string

const (
	CategoryNotFound     ErrorCategory = "not_found"
	CategoryConflict     ErrorCategory = "conflict"
	CategoryTypeMismatch ErrorCategory = "type_mismatch"
	CategoryPrecondition ErrorCategory = "precondition"
	CategoryPermission   ErrorCategory = "permission"
	CategoryCapability   ErrorCategory = "capability"
	CategoryTransient    ErrorCategory = "transient"
	CategoryFatal        ErrorCategory = "fatal"
	CategoryValidation   ErrorCategory = "validation"
)

// FSError represents a structured error with context and metadata.
type FSError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Path     string                 `json:"path,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *FSError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Path)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		}
		return fmt.Sprintf("[%s] %s", e.Component, msg)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *FSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code.
func (e *FSError) Is(target error) bool {
	if fsErr, ok := target.(*FSError); ok {
		return e.Code == fsErr.Code
	}
	return false
}

// JSON returns a JSON representation of the error.
func (e *FSError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with default values for the code.
func NewError(code ErrorCode, message string) *FSError {
	return &FSError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNotFound:
		return CategoryNotFound
	case ErrCodeAlreadyExists:
		return CategoryConflict
	case ErrCodeIsDirectory, ErrCodeNotDirectory:
		return CategoryTypeMismatch
	case ErrCodeNotEmpty, ErrCodeClosed:
		return CategoryPrecondition
	case ErrCodePermissionDenied:
		return CategoryPermission
	case ErrCodeUnsupported:
		return CategoryCapability
	case ErrCodeTransient:
		return CategoryTransient
	case ErrCodeInvalidPath, ErrCodeInvalidConfig:
		return CategoryValidation
	default:
		return CategoryFatal
	}
}

// IsRetryableByDefault returns whether errors with this code are retryable.
func IsRetryableByDefault(code ErrorCode) bool {
	return code == ErrCodeTransient
}

// WithPath sets the filesystem path the error refers to.
func (e *FSError) WithPath(path string) *FSError {
	e.Path = path
	return e
}

// WithDetail adds a detail field to the error.
func (e *FSError) WithDetail(key string, value interface{}) *FSError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component that raised the error.
func (e *FSError) WithComponent(component string) *FSError {
	e.Component = component
	return e
}

// WithOperation sets the operation that failed.
func (e *FSError) WithOperation(operation string) *FSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *FSError) WithCause(cause error) *FSError {
	e.Cause = cause
	return e
}

func NotFound(path string) *FSError {
	return NewError(ErrCodeNotFound, "no such file or directory").WithPath(path)
}

func AlreadyExists(path string) *FSError {
	return NewError(ErrCodeAlreadyExists, "file exists").WithPath(path)
}

func IsDirectory(path string) *FSError {
	return NewError(ErrCodeIsDirectory, "is a directory").WithPath(path)
}

func NotDirectory(path string) *FSError {
	return NewError(ErrCodeNotDirectory, "not a directory").WithPath(path)
}

func NotEmpty(path string) *FSError {
	return NewError(ErrCodeNotEmpty, "directory not empty").WithPath(path)
}

func PermissionDenied(path string) *FSError {
	return NewError(ErrCodePermissionDenied, "permission denied").WithPath(path)
}

// Unsupported reports an operation or option combination the driver refuses up front.
func Unsupported(format string, args ...interface{}) *FSError {
	return NewError(ErrCodeUnsupported, fmt.Sprintf(format, args...))
}

// Transient wraps a retryable remote failure.
func Transient(message string, cause error) *FSError {
	return NewError(ErrCodeTransient, message).WithCause(cause)
}

// Fatal wraps an unrecoverable failure such as rejected credentials.
func Fatal(message string, cause error) *FSError {
	return NewError(ErrCodeFatal, message).WithCause(cause)
}

func InvalidPath(path, reason string) *FSError {
	return NewError(ErrCodeInvalidPath, reason).WithPath(path)
}

// As returns the first *FSError in err's chain.
func As(err error) (*FSError, bool) {
	var fsErr *FSError
	if stderrors.As(err, &fsErr) {
		return fsErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first *FSError in err's chain, or "" when there is none.
func CodeOf(err error) ErrorCode {
	if fsErr, ok := As(err); ok {
		return fsErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return IsCode(err, ErrCodeNotFound)
}

// IsRetryable reports whether err is marked retryable.
func IsRetryable(err error) bool {
	if fsErr, ok := As(err); ok {
		return fsErr.Retryable
	}
	return false
}

// Translate maps an arbitrary error into the taxonomy. Errors that already
// carry a code are returned unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}

	var netErr net.Error
	switch {
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return Transient("operation interrupted", err)
	case stderrors.Is(err, fs.ErrNotExist):
		return NewError(ErrCodeNotFound, "no such file or directory").WithCause(err)
	case stderrors.Is(err, fs.ErrExist):
		return NewError(ErrCodeAlreadyExists, "file exists").WithCause(err)
	case stderrors.Is(err, fs.ErrPermission):
		return NewError(ErrCodePermissionDenied, "permission denied").WithCause(err)
	case stderrors.Is(err, fs.ErrClosed):
		return NewError(ErrCodeClosed, "file already closed").WithCause(err)
	case stderrors.Is(err, io.ErrUnexpectedEOF):
		return Transient("unexpected end of stream", err)
	case stderrors.As(err, &netErr):
		return Transient("network error", err)
	default:
		return Fatal("remote operation failed", err)
	}
}

// Errno maps err onto the errno vocabulary of the mount layer.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	switch CodeOf(Translate(err)) {
	case ErrCodeNotFound:
		return syscall.ENOENT
	case ErrCodeAlreadyExists:
		return syscall.EEXIST
	case ErrCodeIsDirectory:
		return syscall.EISDIR
	case ErrCodeNotDirectory:
		return syscall.ENOTDIR
	case ErrCodeNotEmpty:
		return syscall.ENOTEMPTY
	case ErrCodePermissionDenied:
		return syscall.EACCES
	case ErrCodeUnsupported:
		return syscall.ENOTSUP
	case ErrCodeTransient:
		return syscall.EAGAIN
	case ErrCodeInvalidPath, ErrCodeInvalidConfig:
		return syscall.EINVAL
	case ErrCodeClosed:
		return syscall.EBADF
	default:
		return syscall.EIO
	}
}
