package ollama

import (
	"errors"
	"fmt"
)

// ErrEmptyResponse means the server answered 200 but generated no text.
var ErrEmptyResponse = errors.New("ollama: empty response")

// APIError is a non-200 answer from the inference server. Body is the
// response text, truncated.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("ollama: HTTP %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether retrying later could succeed.
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case 429, 500, 502, 503, 504:
		return true
	}
	return false
}
