package feishu

import (
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrRetriesExhausted wraps the last failure after the retry budget is spent.
var ErrRetriesExhausted = errors.New("feishu retries exhausted")

// APIError is a Feishu open platform error response.
type APIError struct {
	HTTPStatus int
	Code       int
	Msg        string
}

// Error implements the error interface for APIError.
func (e *APIError) Error() string {
	return fmt.Sprintf("feishu api error: code=%d msg=%q (http %d)", e.Code, e.Msg, e.HTTPStatus)
}

// IsTransient reports whether an error is worth retrying. Network and
// timeout failures are transient, as are server-side HTTP statuses (5xx)
// and rate limiting (429). Feishu application errors (auth, permissions,
// malformed fields) are permanent: they will not succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatus >= 500 || apiErr.HTTPStatus == 429
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
