package reliability

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

type statusCoder interface {
	HTTPStatus() int
}

// Classify maps an error into a short code and whether the client may simply try again.
// Nothing in the service retries on its own; the flag only feeds client-facing error events.
func Classify(err error) (code string, retryable bool) {
	if err == nil {
		return "", false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return "upstream_status_" + strconv.Itoa(status), IsRetryableHTTPStatus(status)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", true
	}
	if errors.Is(err, context.Canceled) {
		return "canceled", false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return "network", true
	}
	return "internal", false
}
