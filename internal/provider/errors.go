package provider

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotConfigured is returned when the provider credential is missing.
var ErrNotConfigured = errors.New("provider credential is not set")

// UpstreamError carries a failed provider response so it can be passed through verbatim.
type UpstreamError struct {
	Op          string
	Status      int
	ContentType string
	Body        []byte
}

func (e *UpstreamError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("elevenlabs %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("elevenlabs %s: status %d: %s", e.Op, e.Status, body)
}

// HTTPStatus exposes the upstream status for error classification.
func (e *UpstreamError) HTTPStatus() int { return e.Status }
