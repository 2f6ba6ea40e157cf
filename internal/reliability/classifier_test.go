package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

type fakeStatusErr int

func (e fakeStatusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e fakeStatusErr) HTTPStatus() int { return int(e) }

func TestClassify(t *testing.T) {
	code, retryable := Classify(fmt.Errorf("synthesize: %w", fakeStatusErr(503)))
	if code != "upstream_status_503" || !retryable {
		t.Fatalf("Classify(503) = (%q, %v), want (upstream_status_503, true)", code, retryable)
	}
	code, retryable = Classify(fakeStatusErr(401))
	if code != "upstream_status_401" || retryable {
		t.Fatalf("Classify(401) = (%q, %v), want (upstream_status_401, false)", code, retryable)
	}
	code, retryable = Classify(context.DeadlineExceeded)
	if code != "timeout" || !retryable {
		t.Fatalf("Classify(deadline) = (%q, %v), want (timeout, true)", code, retryable)
	}
	code, _ = Classify(errors.New("boom"))
	if code != "internal" {
		t.Fatalf("Classify(plain) = %q, want internal", code)
	}
	if code, _ := Classify(nil); code != "" {
		t.Fatalf("Classify(nil) = %q, want empty", code)
	}
}
