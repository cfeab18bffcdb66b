package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whale-copy-trader/config"
	"whale-copy-trader/internal/exchange"
)

func newTestRegistry(threshold, successes int, reset time.Duration) *Registry {
	return NewRegistry(config.CircuitBreakerConfig{
		FailureThreshold: threshold,
		FailureWindow:    time.Minute,
		ResetTimeout:     reset,
		SuccessThreshold: successes,
	}, nil, zerolog.Nop())
}

var errUpstream = errors.New("connection reset")

// ===== STATE TRANSITIONS =====

func TestBreakerFullCycle(t *testing.T) {
	r := newTestRegistry(3, 2, 100*time.Millisecond)
	svc := "binance:fetch"

	// Three consecutive failures trip the circuit
	for i := 0; i < 3; i++ {
		if err := r.Allow(svc); err != nil {
			t.Fatalf("call %d should be allowed: %v", i, err)
		}
		r.RecordFailure(svc, errUpstream)
	}
	if got := r.StateOf(svc); got != StateOpen {
		t.Fatalf("state = %s, want OPEN", got)
	}

	// Open circuit rejects with remaining cool-down
	err := r.Allow(svc)
	if err == nil {
		t.Fatal("open circuit should reject")
	}
	var cbErr *exchange.CircuitOpenError
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected CircuitOpenError, got %T", err)
	}
	if cbErr.Service != svc || cbErr.RetryIn <= 0 {
		t.Errorf("bad rejection: service=%s retry_in=%s", cbErr.Service, cbErr.RetryIn)
	}

	// After reset_timeout the circuit probes
	time.Sleep(120 * time.Millisecond)
	if err := r.Allow(svc); err != nil {
		t.Fatalf("expired open window should admit probe: %v", err)
	}
	if got := r.StateOf(svc); got != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN", got)
	}

	// Two successes close it
	r.RecordSuccess(svc)
	if got := r.StateOf(svc); got != StateHalfOpen {
		t.Fatalf("one success should not close: state = %s", got)
	}
	r.RecordSuccess(svc)
	if got := r.StateOf(svc); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED", got)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	r := newTestRegistry(3, 2, 50*time.Millisecond)
	svc := "okx:trade"

	for i := 0; i < 3; i++ {
		r.RecordFailure(svc, errUpstream)
	}
	time.Sleep(60 * time.Millisecond)
	if err := r.Allow(svc); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}

	r.RecordFailure(svc, errUpstream)
	if got := r.StateOf(svc); got != StateOpen {
		t.Fatalf("state = %s, want OPEN after failed probe", got)
	}
	if err := r.Allow(svc); err == nil {
		t.Fatal("reopened circuit should reject immediately")
	}
}

func TestClosedSuccessResetsFailureCount(t *testing.T) {
	r := newTestRegistry(3, 2, time.Second)
	svc := "bybit:fetch"

	r.RecordFailure(svc, errUpstream)
	r.RecordFailure(svc, errUpstream)
	r.RecordSuccess(svc)
	r.RecordFailure(svc, errUpstream)
	r.RecordFailure(svc, errUpstream)

	if got := r.StateOf(svc); got != StateClosed {
		t.Fatalf("state = %s, want CLOSED after interleaved success", got)
	}
}

func TestValidationErrorsDoNotTrip(t *testing.T) {
	r := newTestRegistry(2, 1, time.Second)
	svc := "binance:trade"

	for i := 0; i < 10; i++ {
		r.RecordFailure(svc, &exchange.ValidationError{Field: "quantity", Reason: "zero"})
	}
	if got := r.StateOf(svc); got != StateClosed {
		t.Fatalf("state = %s, validation errors must not trip the breaker", got)
	}
}

func TestServicesAreIndependent(t *testing.T) {
	r := newTestRegistry(2, 1, time.Second)

	r.RecordFailure("binance:fetch", errUpstream)
	r.RecordFailure("binance:fetch", errUpstream)

	if got := r.StateOf("binance:fetch"); got != StateOpen {
		t.Fatalf("binance:fetch = %s, want OPEN", got)
	}
	if err := r.Allow("bybit:fetch"); err != nil {
		t.Fatalf("bybit:fetch should be unaffected: %v", err)
	}
}

func TestExecuteRecordsOutcome(t *testing.T) {
	r := newTestRegistry(2, 1, time.Second)
	svc := "bitget:trade"

	if err := r.Execute(svc, func() error { return errUpstream }); !errors.Is(err, errUpstream) {
		t.Fatalf("Execute should surface fn error, got %v", err)
	}
	_ = r.Execute(svc, func() error { return errUpstream })

	err := r.Execute(svc, func() error {
		t.Fatal("fn must not run when circuit is open")
		return nil
	})
	var cbErr *exchange.CircuitOpenError
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected CircuitOpenError, got %v", err)
	}
}
