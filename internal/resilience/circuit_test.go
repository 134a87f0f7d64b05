package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func transientFail(_ context.Context) (int, error) {
	return 0, NewTransientError(errors.New("upstream 503"), 503)
}

func succeed(_ context.Context) (int, error) {
	return 1, nil
}

func trip(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, _ = ExecuteVal(context.Background(), cb, transientFail)
	}
}

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	v, err := ExecuteVal(context.Background(), cb, succeed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 1 {
		t.Errorf("expected 1, got %d", v)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	trip(t, cb, 3)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	_, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
		t.Error("should not be called when circuit is open")
		return 0, nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if KindOf(err) != KindTransient {
		t.Errorf("open circuit should surface as transient, got %s", KindOf(err))
	}
	hint := RetryAfterOf(err)
	if hint == nil || *hint <= 0 || *hint > time.Minute {
		t.Errorf("expected retry-after within the reset timeout, got %v", hint)
	}
}

func TestCircuitBreaker_IgnoresNonTransientFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	for i := 0; i < 5; i++ {
		_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
			return 0, NewRateLimitedError(errors.New("429"), nil)
		})
		_, _ = ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) {
			return 0, NewMalformedError(errors.New("not json"))
		})
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_DisabledWithZeroThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	trip(t, cb, 50)
	if cb.State() != CircuitClosed {
		t.Errorf("expected disabled breaker to stay closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	trip(t, cb, 2)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(10 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	if _, err := ExecuteVal(context.Background(), cb, succeed); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailure_Reopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 5 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	trip(t, cb, 1)
	now = now.Add(5 * time.Second)
	trip(t, cb, 1)

	if cb.State() != CircuitOpen {
		t.Errorf("expected open after failed probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	trip(t, cb, 1)
	cb.Reset()

	if len(transitions) != 2 || transitions[0] != "closed->open" || transitions[1] != "open->closed" {
		t.Errorf("unexpected transitions %v", transitions)
	}
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1000, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = ExecuteVal(context.Background(), cb, transientFail)
			} else {
				_, _ = ExecuteVal(context.Background(), cb, succeed)
			}
		}(i)
	}
	wg.Wait()

	if failures, _ := cb.Counters(); failures < 0 || failures > 50 {
		t.Errorf("unexpected failure count %d", failures)
	}
}

func TestExecuteVal_NilBreaker(t *testing.T) {
	v, err := ExecuteVal(context.Background(), nil, succeed)
	if err != nil || v != 1 {
		t.Errorf("nil breaker should pass through, got %d %v", v, err)
	}
}

func TestCircuitState_String(t *testing.T) {
	tests := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(99): "unknown",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", state, got, want)
		}
	}
}
