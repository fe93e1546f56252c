// Package errdefs defines the error classes shared between the control
// plane and agents. Callers classify failures with errors.Is so wrapped
// context added along the way does not hide the class.
package errdefs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken marks a registration attempt with a bad, expired,
	// or inactive token. Fatal to that attempt; never auto-retried by
	// the control plane.
	ErrInvalidToken = errors.New("invalid registration token")

	// ErrNotFound marks a lookup miss (unknown worker id, service, or
	// token). During identity reconciliation a miss is not an error at
	// all; elsewhere it triggers agent re-registration.
	ErrNotFound = errors.New("not found")

	// ErrValidation marks a malformed instruction or request. Rejects
	// the single unit of work; the surrounding queue continues.
	ErrValidation = errors.New("validation failed")

	// ErrTransport marks a dropped or unusable connection. Triggers
	// reconnect plus re-registration on the agent.
	ErrTransport = errors.New("transport unavailable")

	// ErrRuntime marks a container engine failure. Reported as a failed
	// deployment; the queue continues.
	ErrRuntime = errors.New("container runtime error")

	// ErrPersistence marks a storage failure. During a sweep it skips
	// that worker's check for the current cycle only.
	ErrPersistence = errors.New("persistence error")
)

// IsNotFound reports whether err is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidToken reports whether err is or wraps ErrInvalidToken
func IsInvalidToken(err error) bool {
	return errors.Is(err, ErrInvalidToken)
}

// IsValidation reports whether err is or wraps ErrValidation
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsTransport reports whether err is or wraps ErrTransport
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// NotFoundf wraps ErrNotFound with formatted context
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Validationf wraps ErrValidation with formatted context
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}
