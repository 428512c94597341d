package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/delivery"
	"github.com/lalithlochan/ledgerdesk/internal/errs"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cb := New(Config{Name: "test", MaxFailures: maxFailures, RecoveryTimeout: 30 * time.Second}, zap.NewNop())
	cb.now = clock.Now
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.GetState())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("should stay closed below the threshold")
	}
	trip(cb, 1)
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}
	if cb.Allow() {
		t.Fatal("open breaker must reject")
	}
}

func TestCircuitBreaker_ProbeLifecycle(t *testing.T) {
	tests := []struct {
		name  string
		probe func(cb *CircuitBreaker)
		want  State
	}{
		{"successful probe closes", (*CircuitBreaker).RecordSuccess, StateClosed},
		{"failed probe reopens", (*CircuitBreaker).RecordFailure, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newTestBreaker(2)
			trip(cb, 2)

			clock.Advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("should reject before the recovery timeout")
			}

			clock.Advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow a probe after the recovery timeout")
			}
			if cb.GetState() != StateHalfOpen {
				t.Fatalf("expected half-open, got %s", cb.GetState())
			}
			if cb.Allow() {
				t.Fatal("only one probe may be in flight")
			}

			tt.probe(cb)
			if cb.GetState() != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, cb.GetState())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3)
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.GetState() != StateClosed {
		t.Fatal("success should have reset the failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(2)
	trip(cb, 2)
	cb.Reset()
	if cb.GetState() != StateClosed || !cb.Allow() {
		t.Fatal("reset should close the breaker")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(5)
	cb.Allow()
	cb.RecordSuccess()
	cb.Allow()
	cb.RecordFailure()
	cb.Allow()
	cb.RecordSuccess()

	stats := cb.Stats()
	if stats.Name != "test" || stats.TotalRequests != 3 || stats.TotalSuccesses != 2 || stats.TotalFailures != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Error("last failure should be set")
	}
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb, _ := newTestBreaker(2)
	ctx := context.Background()

	permanent := func(context.Context) error { return errs.Permanent("send", errors.New("bad address")) }
	for i := 0; i < 5; i++ {
		cb.Execute(ctx, permanent)
	}
	if cb.GetState() != StateClosed {
		t.Fatal("permanent errors must not trip the breaker")
	}

	down := func(context.Context) error { return errors.New("connection refused") }
	cb.Execute(ctx, down)
	cb.Execute(ctx, down)

	called := false
	err := cb.Execute(ctx, func(context.Context) error { called = true; return nil })
	if called {
		t.Fatal("open breaker must not call through")
	}
	if !errors.Is(err, ErrCircuitOpen) || !errs.IsRetryable(err) {
		t.Fatalf("expected retryable ErrCircuitOpen, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockSender struct {
	sendErr   error
	channel   string
	sendCalls int
}

func (m *mockSender) Send(ctx context.Context, msg *delivery.Message) error {
	m.sendCalls++
	return m.sendErr
}

func (m *mockSender) SupportsChannel(channel string) bool {
	return channel == m.channel
}

func testMessage() *delivery.Message {
	return &delivery.Message{ID: "wf-1-email", Channel: delivery.ChannelEmail, To: "ada@example.com"}
}

func TestProtectedSender_FullLifecycle(t *testing.T) {
	mock := &mockSender{channel: delivery.ChannelEmail}
	cb, clock := newTestBreaker(3)
	ps := NewProtectedSender(mock, cb, zap.NewNop())
	ctx := context.Background()

	if err := ps.Send(ctx, testMessage()); err != nil {
		t.Fatalf("healthy send failed: %v", err)
	}

	mock.sendErr = errors.New("gateway down")
	for i := 0; i < 3; i++ {
		ps.Send(ctx, testMessage())
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("expected open, got %s", cb.GetState())
	}

	mock.sendCalls = 0
	if err := ps.Send(ctx, testMessage()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected fail fast, got %v", err)
	}
	if mock.sendCalls != 0 {
		t.Fatal("sender should not be called while open")
	}

	clock.Advance(30 * time.Second)
	mock.sendErr = nil
	if err := ps.Send(ctx, testMessage()); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("expected closed after recovery, got %s", cb.GetState())
	}
}

func TestProtectedSender_SupportsChannel(t *testing.T) {
	mock := &mockSender{channel: delivery.ChannelSMS}
	ps := NewProtectedSender(mock, New(DefaultConfig("sms"), zap.NewNop()), zap.NewNop())
	if !ps.SupportsChannel(delivery.ChannelSMS) || ps.SupportsChannel(delivery.ChannelEmail) {
		t.Fatal("SupportsChannel should delegate")
	}
}
