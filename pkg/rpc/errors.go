package rpc

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownMethod    = errors.New("unknown method")
	ErrInternal         = errors.New("internal error")
)

// wireError maps a handler error to the fixed string sent to the caller.
// Nothing else about the failure leaves the process.
func wireError(err error) string {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return ErrMalformedPayload.Error()
	case errors.Is(err, ErrUnknownMethod):
		return ErrUnknownMethod.Error()
	default:
		return ErrInternal.Error()
	}
}

// RemoteError is a failure reported by the remote endpoint.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string { return fmt.Sprintf("rpc %s: remote: %s", e.Method, e.Msg) }

// Is lets callers match remote failures against the package sentinels.
func (e *RemoteError) Is(target error) bool {
	return target != nil && target.Error() == e.Msg &&
		(target == ErrMalformedPayload || target == ErrUnknownMethod || target == ErrInternal)
}

// Malformed wraps a decode error so it is reported as ErrMalformedPayload.
func Malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
}
