package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/retina-check/internal/logging"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var fastPolicy = Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

func TestDoRetriesTransientErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy, zap.NewNop(), "cache.set", "req-1", func() error {
		attempts++
		if attempts < 3 {
			return timeoutError{}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy, zap.NewNop(), "cache.set", "req-2", func() error {
		attempts++
		return errors.New("boom")
	})
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set" || opErr.RequestID != "req-2" {
		t.Fatalf("unexpected operation error: %+v", opErr)
	}
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy, zap.NewNop(), "op", "", func() error {
		attempts++
		return timeoutError{}
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if attempts != fastPolicy.Attempts {
		t.Fatalf("expected %d attempts, got %d", fastPolicy.Attempts, attempts)
	}
}

func TestDoHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Attempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	attempts := 0
	err := Do(ctx, policy, zap.NewNop(), "op", "", func() error {
		attempts++
		cancel()
		return timeoutError{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestIsTransient(t *testing.T) {
	if IsTransient(nil) {
		t.Fatal("nil must not be transient")
	}
	if !IsTransient(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Fatal("deadline exceeded must be transient")
	}
	if !IsTransient(fmt.Errorf("wrapped: %w", timeoutError{})) {
		t.Fatal("timeout errors must be transient")
	}
	if IsTransient(errors.New("nope")) {
		t.Fatal("plain errors must not be transient")
	}
}
