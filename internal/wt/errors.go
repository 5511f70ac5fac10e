package wt

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a record addressed by id does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyCompleted is returned when closing a time entry twice.
	ErrAlreadyCompleted = errors.New("time entry already completed")

	// ErrBudgetExhausted is returned when the daily API-call budget is spent.
	ErrBudgetExhausted = errors.New("daily api call budget exhausted")

	// ErrUnknownTable is returned for table names outside the four record kinds.
	ErrUnknownTable = errors.New("unknown table")
)

// RemoteError is a non-2xx response from the remote service.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("remote returned %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
// Client errors are permanent except request timeouts and rate limiting.
func (e *RemoteError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err wraps a permanent RemoteError.
func IsPermanent(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Permanent()
	}
	return false
}
