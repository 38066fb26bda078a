package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ashita-ai/autolog/internal/model"
	"github.com/ashita-ai/autolog/internal/tracking"
)

// Error is a failed tracking-server call, with the HTTP status and the
// server's error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rest: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Is maps server errors onto the sentinel errors of the tracking layer.
func (e *Error) Is(target error) bool {
	switch target {
	case model.ErrNotFound:
		return e.StatusCode == http.StatusNotFound || e.Code == "RESOURCE_DOES_NOT_EXIST"
	case tracking.ErrParamConflict:
		return e.Code == "INVALID_PARAMETER_VALUE" && strings.Contains(e.Message, "Changing param values is not allowed")
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

// IsRetryable reports whether a call failed with a status worth retrying
// (429 or 5xx).
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	}
	return false
}
