package platform

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors shared by every platform. Wrap them with fmt.Errorf("...: %w")
// and match with errors.Is.
var (
	ErrNetwork          = errors.New("network error")
	ErrAuth             = errors.New("authentication failed")
	ErrRateLimited      = errors.New("rate limited")
	ErrNotFound         = errors.New("game not found")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrUpdateFailed     = errors.New("update failed")
)

// ErrorClass is the normalized failure category attached to an Outcome.
type ErrorClass int

const (
	// ClassNone means the attempt succeeded.
	ClassNone ErrorClass = iota
	// ClassNetwork covers transport failures (no HTTP status).
	ClassNetwork
	// ClassAuth is a rejected or expired credential.
	ClassAuth
	// ClassRateLimited is an HTTP 429 from the platform.
	ClassRateLimited
	// ClassNotFound means the game has no matching category.
	ClassNotFound
	// ClassNotAuthenticated means no credential was available.
	ClassNotAuthenticated
	// ClassUpdateFailed is any other non-success response.
	ClassUpdateFailed
)

// String returns a human-readable name for the error class.
func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassNetwork:
		return "network"
	case ClassAuth:
		return "auth"
	case ClassRateLimited:
		return "rate_limited"
	case ClassNotFound:
		return "not_found"
	case ClassNotAuthenticated:
		return "not_authenticated"
	case ClassUpdateFailed:
		return "update_failed"
	default:
		return "unknown"
	}
}

// ClassOf maps an error produced by a session into its ErrorClass.
func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrNetwork):
		return ClassNetwork
	case errors.Is(err, ErrAuth):
		return ClassAuth
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrNotAuthenticated):
		return ClassNotAuthenticated
	default:
		return ClassUpdateFailed
	}
}

// StatusError converts an HTTP status into a classified error. Status 0 is a
// transport failure. 2xx returns nil.
func StatusError(status int) error {
	switch {
	case status == 0:
		return ErrNetwork
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return ErrAuth
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpdateFailed, status)
	}
}
