package apperrors

import (
	"errors"
	"net/http"
)

var statusBySentinel = []struct {
	sentinel error
	status   int
}{
	{ErrValidation, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrUnavailable, http.StatusServiceUnavailable},
}

// HTTPStatus maps an error to the status the API answers with.
// Unclassified errors are 500.
func HTTPStatus(err error) int {
	for _, m := range statusBySentinel {
		if errors.Is(err, m.sentinel) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// FromStatus is the inverse of HTTPStatus for a peer's response: a status the
// taxonomy knows becomes the matching *Error about resource, anything else
// returns nil so the caller keeps its own error.
func FromStatus(status int, resource, message string) error {
	for _, m := range statusBySentinel {
		if m.status == status {
			return &Error{Sentinel: m.sentinel, Message: message, Resource: resource}
		}
	}
	return nil
}
