package sync

import (
	"errors"
	"fmt"
)

// ErrRetriesExhausted is returned once every attempt of a retried call has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ValidationError reports a missing or malformed input parameter.
// Triggers map it to HTTP 400 before any remote call is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

// RemoteError is a classified non-success outcome from a remote API.
type RemoteError struct {
	Outcome    Outcome
	StatusCode int
	Body       string
	URL        string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s calling %s: %v", e.Outcome, e.URL, e.Err)
	}
	return fmt.Sprintf("%s calling %s: status %d: %s", e.Outcome, e.URL, e.StatusCode, truncate(e.Body, 512))
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func (e *RemoteError) IsRateLimited() bool {
	return e.Outcome == RateLimited
}

func (e *RemoteError) IsServerError() bool {
	return e.Outcome == ServerError
}

func (e *RemoteError) IsClientError() bool {
	return e.Outcome == ClientError
}

// IsClientError reports whether err carries a non-retryable 4xx.
func IsClientError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.IsClientError()
}

// UpsertError is a failed CRM query or write, carrying the response body.
type UpsertError struct {
	EntitySet  string
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpsertError) Error() string {
	if e.StatusCode == 0 && e.Err != nil {
		return fmt.Sprintf("failed to %s %s record: %v", e.Op, e.EntitySet, e.Err)
	}
	return fmt.Sprintf("failed to %s %s record: %d %s", e.Op, e.EntitySet, e.StatusCode, truncate(e.Body, 1024))
}

func (e *UpsertError) Unwrap() error {
	return e.Err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
