package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

// failPrimary returns "primary" failures and echoes every other entry.
func failPrimary(v string) (string, error) {
	if v == "primary" {
		return "", errTest
	}
	return v, nil
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  2,
			ResetTimeout: time.Hour,
		},
	})
	fg.AddFallback("secondary", "secondary")

	for range 2 {
		_, _ = ExecuteWithResult(fg, failPrimary)
	}

	var tried []string
	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		tried = append(tried, v)
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary" || len(tried) != 1 {
		t.Fatalf("got %q after trying %v, want secondary only (primary circuit open)", got, tried)
	}
}

func TestFallbackGroup_StatesAndReset(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	if _, err := ExecuteWithResult(fg, failPrimary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []BreakerState{{"primary", "open"}, {"secondary", "closed"}}
	if got := fg.States(); !slices.Equal(got, want) {
		t.Fatalf("States() = %v, want %v", got, want)
	}

	fg.Reset()
	want[0].State = "closed"
	if got := fg.States(); !slices.Equal(got, want) {
		t.Fatalf("after Reset States() = %v, want %v", got, want)
	}
	got, err := ExecuteWithResult(fg, func(v string) (string, error) { return v, nil })
	if err != nil || got != "primary" {
		t.Fatalf("after Reset got %q, %v; want primary", got, err)
	}
}

func TestExecuteWithResult_Success(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "from-ten", nil
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-ten" {
		t.Fatalf("result = %q, want from-ten", result)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}

func TestExecuteWithResult_AllFail(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})

	_, err := ExecuteWithResult(fg, func(v int) (string, error) {
		return "", errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestExecuteWithResult_StopsWhenCallerGone(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	var called []string
	_, err := ExecuteWithResult(fg, func(name string) (int, error) {
		called = append(called, name)
		return 0, context.DeadlineExceeded
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if errors.Is(err, ErrAllFailed) {
		t.Error("caller timeout reported as ErrAllFailed")
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want only primary", called)
	}
}

func TestExecuteWithResult_AllFailKeepsCause(t *testing.T) {
	cause := errors.New("upstream 503")
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	_, err := ExecuteWithResult(fg, func(string) (int, error) { return 0, cause })
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want both ErrAllFailed and the cause", err)
	}
}
