package bws

import (
	"errors"
	"fmt"
)

// BusinessError is returned for a non-retryable BWS rejection that is not a
// plain transport failure — "no face found", "multiple faces", etc. It is
// errors.As-targetable so callers can recover the raw code BWS reported.
type BusinessError struct {
	Code    string
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("bws business error %s: %s", e.Code, e.Message)
}

// Transport-level sentinels (spec §4.1.3, §7): retryable vs not.
var (
	ErrUnavailable      = errors.New("bws: service unavailable")
	ErrDeadlineExceeded = errors.New("bws: deadline exceeded")
	ErrUnknown          = errors.New("bws: unknown transport error")

	ErrInvalidArgument = errors.New("bws: invalid argument")
	ErrNotFound        = errors.New("bws: template not found")
	ErrUnauthenticated = errors.New("bws: unauthenticated")
	ErrInternal        = errors.New("bws: internal error")

	// errChannelTransport marks a failure at the channel's own transport
	// (connection refused, reset, etc.) rather than an HTTP-level rejection,
	// so the channel pool can mark the channel unhealthy and retry once on a
	// different one (spec §4.1.1).
	errChannelTransport = errors.New("bws: channel transport failure")
)

// Retryable reports whether err is one of the transient transport sentinels
// that the retry layer (spec §4.1.3) is allowed to retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrDeadlineExceeded) || errors.Is(err, ErrUnknown)
}
