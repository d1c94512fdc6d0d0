package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		expect Kind
	}{
		{name: "nil", err: nil, expect: ""},
		{name: "transient", err: Transient("p", errors.New("boom")), expect: KindTransient},
		{name: "wrapped permanent", err: fmt.Errorf("call: %w", Permanent("p", errors.New("denied"))), expect: KindPermanent},
		{name: "invalid response", err: InvalidResponse("p", errors.New("bad json")), expect: KindInvalidResponse},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), expect: KindTransient},
		{name: "net error", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, expect: KindTransient},
		{name: "unknown", err: errors.New("mystery"), expect: KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := KindOf(tt.err); got != tt.expect {
				t.Fatalf("expected %q, got %q", tt.expect, got)
			}
		})
	}
}

func TestKindForStatus(t *testing.T) {
	t.Parallel()

	expected := map[int]Kind{
		400: KindPermanent,
		401: KindPermanent,
		403: KindPermanent,
		404: KindPermanent,
		408: KindTransient,
		429: KindTransient,
		500: KindTransient,
		503: KindTransient,
	}
	for code, kind := range expected {
		if got := KindForStatus(code); got != kind {
			t.Fatalf("status %d: expected %q, got %q", code, kind, got)
		}
	}
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("attempt: %w", &Error{Provider: "p", Kind: KindTransient, StatusCode: 429, RetryAfter: 7 * time.Second})
	if got := RetryAfter(err); got != 7*time.Second {
		t.Fatalf("expected 7s, got %v", got)
	}
	if got := RetryAfter(errors.New("plain")); got != 0 {
		t.Fatalf("expected no retry-after, got %v", got)
	}
}

func TestConfidenceDowngrade(t *testing.T) {
	t.Parallel()

	if ConfidenceHigh.Downgrade() != ConfidenceMedium || ConfidenceMedium.Downgrade() != ConfidenceLow || ConfidenceLow.Downgrade() != ConfidenceLow {
		t.Fatal("unexpected downgrade chain")
	}
	if c, ok := ParseConfidence(" MEDIUM "); !ok || c != ConfidenceMedium {
		t.Fatalf("expected medium, got %q", c)
	}
	if _, ok := ParseConfidence("sure"); ok {
		t.Fatal("expected unknown label to be rejected")
	}
}
