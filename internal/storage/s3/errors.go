package s3

import (
	"context"
	stderrors "errors"
	"net/http"

	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/objectfs/boxfs/pkg/errors"
)

// translateError maps an S3 SDK error onto the error taxonomy.
func translateError(err error, operation, key string) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}

	var (
		apiErr smithy.APIError
		status interface{ HTTPStatusCode() int }
	)
	switch {
	case isErrorType[*s3types.NoSuchKey](err), isErrorType[*s3types.NotFound](err):
		return errors.NotFound(key).WithOperation(operation).WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return errors.Fatal("bucket not found", err).WithOperation(operation)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Transient("request interrupted", err).WithOperation(operation)
	case stderrors.As(err, &apiErr):
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return errors.NotFound(key).WithOperation(operation).WithCause(err)
		case "AccessDenied", "Forbidden":
			return errors.PermissionDenied(key).WithOperation(operation).WithCause(err)
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout",
			"InternalError", "ServiceUnavailable", "RequestTimeTooSkewed":
			return errors.Transient(apiErr.ErrorMessage(), err).WithOperation(operation)
		case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return errors.Fatal("credentials rejected", err).WithOperation(operation)
		}
	}

	if stderrors.As(err, &status) {
		switch code := status.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return errors.NotFound(key).WithOperation(operation).WithCause(err)
		case code == http.StatusForbidden:
			return errors.PermissionDenied(key).WithOperation(operation).WithCause(err)
		case code == http.StatusTooManyRequests, code >= 500:
			return errors.Transient(http.StatusText(code), err).WithOperation(operation)
		}
	}

	if fsErr, ok := errors.As(errors.Translate(err)); ok {
		return fsErr.WithOperation(operation)
	}
	return err
}

// isErrorType checks if an error is of a specific type
func isErrorType[T error](err error) bool {
	var target T
	return stderrors.As(err, &target)
}
