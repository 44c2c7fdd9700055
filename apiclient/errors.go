package apiclient

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the server rejects the credentials
	// and they cannot be refreshed. The caller should log out.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when the account may not perform the
	// request.
	ErrForbidden = errors.New("forbidden")

	// ErrRetriesExhausted is returned when a request failed transiently
	// more than the configured number of attempts.
	ErrRetriesExhausted = errors.New("request retries exhausted")
)

// StatusError is returned for HTTP statuses that this client does not
// handle.
type StatusError struct {
	Code int
	Body string
}

func (err StatusError) Error() string {
	if err.Body == "" {
		return fmt.Sprintf("unexpected HTTP status %d", err.Code)
	}
	return fmt.Sprintf("unexpected HTTP status %d: %s", err.Code, err.Body)
}

func (err StatusError) Is(target error) bool {
	t, ok := target.(StatusError)
	return ok && (t.Code == 0 || t.Code == err.Code)
}
