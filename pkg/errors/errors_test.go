package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with defaults", func(t *testing.T) {
		err := NewError(ErrCodeNotEmpty, "directory not empty")
		if err.Code != ErrCodeNotEmpty {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeNotEmpty)
		}
		if err.Category != CategoryPrecondition {
			t.Errorf("Category = %v, want %v", err.Category, CategoryPrecondition)
		}
		if err.Details == nil {
			t.Error("Details map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("only transient errors are retryable", func(t *testing.T) {
		if !NewError(ErrCodeTransient, "rate limited").Retryable {
			t.Error("Transient should be retryable")
		}
		if NewError(ErrCodeFatal, "bad token").Retryable {
			t.Error("Fatal should not be retryable")
		}
	})
}

func TestFSError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *FSError
		want string
	}{
		{
			name: "code and message",
			err:  NewError(ErrCodeUnsupported, "append is not supported"),
			want: "UNSUPPORTED: append is not supported",
		},
		{
			name: "with path",
			err:  NotFound("/docs/a.txt"),
			want: `NOT_FOUND: no such file or directory: "/docs/a.txt"`,
		},
		{
			name: "with component and operation",
			err:  AlreadyExists("/docs").WithComponent("driver").WithOperation("mkdir"),
			want: `[driver:mkdir] ALREADY_EXISTS: file exists: "/docs"`,
		},
		{
			name: "with cause",
			err:  Transient("download failed", fmt.Errorf("connection reset")),
			want: "TRANSIENT: download failed: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFSError_IsAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("socket closed")
	err := fmt.Errorf("listing /docs: %w", Transient("list failed", cause))

	if !errors.Is(err, NewError(ErrCodeTransient, "")) {
		t.Error("errors.Is should match on code through wrapping")
	}
	if errors.Is(err, NewError(ErrCodeFatal, "")) {
		t.Error("errors.Is should not match a different code")
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable through Unwrap")
	}
	if got := CodeOf(err); got != ErrCodeTransient {
		t.Errorf("CodeOf = %v, want %v", got, ErrCodeTransient)
	}
	if CodeOf(cause) != "" {
		t.Error("CodeOf should be empty for foreign errors")
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestTranslate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   error
		want ErrorCode
	}{
		{"keeps coded errors", NotEmpty("/x"), ErrCodeNotEmpty},
		{"not exist", fs.ErrNotExist, ErrCodeNotFound},
		{"exist", fs.ErrExist, ErrCodeAlreadyExists},
		{"permission", fs.ErrPermission, ErrCodePermissionDenied},
		{"closed", fs.ErrClosed, ErrCodeClosed},
		{"canceled", context.Canceled, ErrCodeTransient},
		{"net error", timeoutError{}, ErrCodeTransient},
		{"anything else", fmt.Errorf("boom"), ErrCodeFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(Translate(tt.in)); got != tt.want {
				t.Errorf("Translate(%v) code = %v, want %v", tt.in, got, tt.want)
			}
		})
	}

	if Translate(nil) != nil {
		t.Error("Translate(nil) should be nil")
	}
}

func TestErrno(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{NotFound("/a"), syscall.ENOENT},
		{AlreadyExists("/a"), syscall.EEXIST},
		{IsDirectory("/a"), syscall.EISDIR},
		{NotDirectory("/a"), syscall.ENOTDIR},
		{NotEmpty("/a"), syscall.ENOTEMPTY},
		{PermissionDenied("/a"), syscall.EACCES},
		{Unsupported("append"), syscall.ENOTSUP},
		{Transient("x", nil), syscall.EAGAIN},
		{Fatal("x", nil), syscall.EIO},
		{fmt.Errorf("unknown"), syscall.EIO},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			if got := Errno(tt.err); got != tt.want {
				t.Errorf("Errno() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFSError_JSON(t *testing.T) {
	t.Parallel()

	err := PermissionDenied("/secret").WithDetail("mode", "write")
	var decoded map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(err.JSON()), &decoded); jsonErr != nil {
		t.Fatalf("JSON() produced invalid JSON: %v", jsonErr)
	}
	if decoded["code"] != string(ErrCodePermissionDenied) {
		t.Errorf("code = %v", decoded["code"])
	}
	if decoded["path"] != "/secret" {
		t.Errorf("path = %v", decoded["path"])
	}
	if !strings.Contains(err.JSON(), `"mode":"write"`) {
		t.Error("details missing from JSON")
	}
}
