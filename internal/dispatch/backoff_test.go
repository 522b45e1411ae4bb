package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Parallel()
	base, max := 200*time.Millisecond, 5*time.Second
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{2, 800 * time.Millisecond},
		{4, 3200 * time.Millisecond},
		{5, 5 * time.Second},
		{60, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(base, max, tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if got := Backoff(0, max, 3); got != 0 {
		t.Errorf("zero base = %v", got)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleep(ctx, time.Hour); err == nil {
		t.Error("sleep ignored cancellation")
	}
}

func TestStatus_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[Status]string{
		StatusSuccess:   "success",
		StatusFailed:    "failed",
		StatusTimedOut:  "timed_out",
		StatusDropped:   "dropped",
		StatusCancelled: "cancelled",
		Status(99):      "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
