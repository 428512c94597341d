package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func TestBus_RunsHandlersInOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var calls []string
	for _, name := range []string{"first", "second", "third"} {
		bus.On(TypePaymentReceived, name, func(ctx context.Context, e Event) error {
			calls = append(calls, name)
			return nil
		})
	}

	bus.Emit(context.Background(), PaymentReceived{Base: NewBase(uuid.New(), uuid.New()), Amount: 100, Currency: "EUR"})

	if len(calls) != 3 || calls[0] != "first" || calls[1] != "second" || calls[2] != "third" {
		t.Errorf("expected handlers in registration order, got %v", calls)
	}
}

func TestBus_IsolatesFailingHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var reached int
	bus.On(TypeInvoiceSent, "errors", func(context.Context, Event) error {
		return errors.New("database down")
	})
	bus.On(TypeInvoiceSent, "panics", func(context.Context, Event) error {
		panic("nil map")
	})
	bus.On(TypeInvoiceSent, "works", func(context.Context, Event) error {
		reached++
		return nil
	})

	// Must not panic.
	bus.Emit(context.Background(), InvoiceSent{Base: NewBase(uuid.New(), uuid.New())})

	if reached != 1 {
		t.Error("a failing handler must not stop its siblings")
	}
}

func TestBus_OnlyMatchingType(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var got int
	bus.On(TypeDailySummary, "summary", func(context.Context, Event) error {
		got++
		return nil
	})

	bus.Emit(context.Background(), TransactionCreated{Base: NewBase(uuid.New(), uuid.New())})
	bus.Emit(context.Background(), DailySummary{Base: NewBase(uuid.New(), uuid.New())})

	if got != 1 {
		t.Errorf("expected 1 call, got %d", got)
	}
}

func TestSubscribe_Typed(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var amount float64
	Subscribe(bus, "typed", func(ctx context.Context, e PaymentReceived) error {
		amount = e.Amount
		return nil
	})

	bus.Emit(context.Background(), PaymentReceived{Base: NewBase(uuid.New(), uuid.New()), Amount: 42.5, Currency: "USD"})

	if amount != 42.5 {
		t.Errorf("typed handler did not receive the event, amount=%v", amount)
	}
}

func TestEmit_NoHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())
	bus.Emit(context.Background(), MessageSent{Base: NewBase(uuid.New(), uuid.New())})
}
