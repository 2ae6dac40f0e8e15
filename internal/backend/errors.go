package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ErrEmptyBody is returned when the backend answers a prompt with a success
// status but an empty or non-JSON body, or an event stream that ends before
// the first chunk.
var ErrEmptyBody = errors.New("backend: empty response body")

// StatusError is a non-2xx answer from the backend.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *StatusError) HTTPStatus() int { return e.StatusCode }

// errorMessage extracts a human readable message from an error body. The
// backend uses several shapes: {"error":{"message":..}}, {"error":".."},
// {"message":".."} and plain text.
func errorMessage(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "no error body"
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &env); err == nil {
		if raw, ok := env["error"]; ok {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(raw, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var s string
			if json.Unmarshal(raw, &s) == nil && s != "" {
				return s
			}
		}
		if s := pickString(env, "message", "Message", "detail"); s != "" {
			return s
		}
	}

	const maxLen = 512
	if len(trimmed) > maxLen {
		return trimmed[:maxLen]
	}
	return trimmed
}
