package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidTile rejects a 2xx body that is not an image (error pages, empty
// or oversized payloads). Retrying does not help.
var ErrInvalidTile = errors.New("invalid tile payload")

// HTTPError is a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsRetryable reports whether another attempt may succeed: 5xx, 408, 429 and
// transport errors are retried; other 4xx and invalid payloads are not.
// Caller cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidTile) || errors.Is(err, context.Canceled) {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode >= http.StatusInternalServerError:
			return true
		case httpErr.StatusCode == http.StatusRequestTimeout,
			httpErr.StatusCode == http.StatusTooManyRequests:
			return true
		}
		return false
	}

	// 超时, 连接重置, EOF 等传输层错误
	return true
}
