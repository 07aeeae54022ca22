package ssehub

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAccessDenied is returned when a request carries an invalid or
	// insufficient credential, or none when one is required.
	ErrAccessDenied = errors.New("access denied")

	// ErrBadRequest is returned for malformed or incomplete requests.
	ErrBadRequest = errors.New("bad request")

	// ErrStorageUnavailable wraps failures of the storage backend. It only
	// ever fails the unit of work that hit it.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrHubClosed is returned once the hub has been shut down.
	ErrHubClosed = errors.New("hub closed")
)

var (
	errAnonymous    = errors.New("anonymous subscriptions are not allowed on this hub")
	errNoCredential = errors.New("a credential is required")
	errMissingTopic = errors.New(`missing "topic" parameter`)
)

func accessDenied(err error) error { return fmt.Errorf("%w: %w", ErrAccessDenied, err) }
func badRequest(err error) error   { return fmt.Errorf("%w: %w", ErrBadRequest, err) }
func storageError(err error) error { return fmt.Errorf("%w: %w", ErrStorageUnavailable, err) }

// statusCode maps an error to the HTTP status reported to clients.
func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrHubClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func httpError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), statusCode(err))
}
