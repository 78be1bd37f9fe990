package provider

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

var (
	// ErrRateLimited means calls are paused; the caller should back off and retry later.
	ErrRateLimited = errors.New("provider rate limit reached")
	// ErrUnauthorized means the credentials were rejected even after a refresh.
	ErrUnauthorized = errors.New("provider rejected credentials")
	// ErrResourceUnavailable means an optional detail sub-resource does not exist for the record.
	ErrResourceUnavailable = errors.New("resource not available")
)

// APIError is any other non-2xx response. It is treated as transient.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("provider HTTP %d: %s", e.StatusCode, body)
}

// StatusCode extracts the HTTP status from an *APIError in err's chain, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsTransient reports whether err should be retried with the ordinary linear backoff.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrRateLimited) && !errors.Is(err, ErrResourceUnavailable)
}

// detailNotFound maps "this record has no such sub-resource" statuses onto ErrResourceUnavailable.
func detailNotFound(err error) error {
	switch StatusCode(err) {
	case http.StatusNotFound, http.StatusForbidden:
		return errors.Mark(err, ErrResourceUnavailable)
	}
	return err
}
