package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tunesync/tunesync/internal/resilience"
)

// ErrEmptyURL is returned by [Client.ProcessYouTube] when no URL is given.
var ErrEmptyURL = errors.New("backend: youtube url is empty")

// APIError is returned when the backend answers with a non-2xx status, or
// with a 2xx body that carries an "error" field.
type APIError struct {
	// Op is the client operation, e.g. "process_youtube".
	Op string

	// StatusCode is the HTTP status returned by the backend.
	StatusCode int

	// Message is the backend's "error" field, or the raw body when the
	// response was not JSON.
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s: status %d %s", e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("backend: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request later might succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsFailure classifies errors for the backend circuit breaker. Rejections
// caused by the request itself (4xx) do not count against the backend.
func IsFailure(err error) bool {
	if !resilience.CountsAsFailure(err) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

// maxErrorMessage caps how much of a non-JSON error body is kept.
const maxErrorMessage = 512

func newAPIError(op string, status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
	}
	msg := ""
	if json.Unmarshal(body, &payload) == nil {
		msg = payload.Error
	} else {
		msg = strings.TrimSpace(string(body))
		if len(msg) > maxErrorMessage {
			n := maxErrorMessage
			for n > 0 && !utf8.RuneStart(msg[n]) {
				n--
			}
			msg = msg[:n] + "..."
		}
	}
	return &APIError{Op: op, StatusCode: status, Message: msg}
}
