package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// ErrNotFound reports that the server has no record for the entity. The
// sync engine treats absence plus a CREATE action as the create path.
var ErrNotFound = errors.New("entity not found on server")

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: server returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: server returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// Transient reports whether a failure may clear on retry: 5xx responses,
// timeouts, and connection errors. Cancellation and 4xx responses are not
// transient.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// IsConflict reports whether the server rejected a write because of
// version skew, which routes the item into conflict detection rather than
// the retry schedule.
func IsConflict(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusConflict || se.StatusCode == http.StatusPreconditionFailed
}
