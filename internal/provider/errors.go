package provider

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ConnError is a classified provider connection error. Retryable errors are
// worth a reconnect with backoff; fatal ones surface and drop the
// interaction.
type ConnError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *ConnError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provider %s error (code=%s): %v", kind, e.Code, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// RetryableErr wraps err as a retryable connection error.
func RetryableErr(code string, err error) *ConnError {
	return &ConnError{Code: code, Retryable: true, Err: err}
}

// FatalErr wraps err as a fatal connection error.
func FatalErr(code string, err error) *ConnError {
	return &ConnError{Code: code, Retryable: false, Err: err}
}

// IsRetryable classifies an error. Unclassified errors are treated as
// retryable: transient network failure is the common case, and a true fatal
// condition will re-fail the retry and trip the circuit breaker.
func IsRetryable(err error) bool {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	if s, ok := status.FromError(err); ok && s.Code() != codes.Unknown {
		return grpcRetryable(s.Code())
	}
	return true
}

func grpcRetryable(c codes.Code) bool {
	switch c {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	default:
		return false
	}
}
