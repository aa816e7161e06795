package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRecover_Success(t *testing.T) {
	out := Recover(context.Background(), "greet", "fallback", func(ctx context.Context) (string, error) {
		return "hello there", nil
	})
	if out.Degraded {
		t.Fatal("outcome should not be degraded")
	}
	if out.Err != nil {
		t.Fatalf("unexpected err: %v", out.Err)
	}
	if out.Value != "hello there" {
		t.Errorf("value = %q, want %q", out.Value, "hello there")
	}
}

func TestRecover_Failure(t *testing.T) {
	out := Recover(context.Background(), "greet", "fallback", func(ctx context.Context) (string, error) {
		return "", errTest
	})
	if !out.Degraded {
		t.Fatal("outcome should be degraded")
	}
	if !errors.Is(out.Err, errTest) {
		t.Fatalf("err = %v, want errTest", out.Err)
	}
	if out.Value != "fallback" {
		t.Errorf("value = %q, want fallback", out.Value)
	}
}

func TestRecoverWithBreaker_SkipsCallWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})

	// First failure opens the breaker.
	out := RecoverWithBreaker(context.Background(), cb, "score", 42, func(ctx context.Context) (int, error) {
		return 0, errTest
	})
	if !out.Degraded || out.Value != 42 {
		t.Fatalf("outcome = %+v, want degraded fallback 42", out)
	}

	// While open, fn must not run and we still get the fallback.
	called := false
	out = RecoverWithBreaker(context.Background(), cb, "score", 42, func(ctx context.Context) (int, error) {
		called = true
		return 7, nil
	})
	if called {
		t.Fatal("fn ran while breaker open")
	}
	if !out.Degraded || out.Value != 42 {
		t.Fatalf("outcome = %+v, want degraded fallback 42", out)
	}
	if !errors.Is(out.Err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", out.Err)
	}
}
