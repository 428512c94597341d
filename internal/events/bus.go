package events

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/lalithlochan/ledgerdesk/internal/metrics"
)

// Handler reacts to one event. Its error is logged by the bus and never
// reaches the emitter.
type Handler func(ctx context.Context, e Event) error

type subscription struct {
	name    string
	handler Handler
}

// Bus dispatches events synchronously to handlers registered at startup.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]subscription
	logger   *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[Type][]subscription),
		logger:   logger,
	}
}

// On registers h for events of type t. Handlers run in registration order.
func (b *Bus) On(t Type, name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], subscription{name: name, handler: h})
}

// Subscribe registers a handler typed to one event struct.
func Subscribe[E Event](b *Bus, name string, fn func(ctx context.Context, e E) error) {
	var zero E
	b.On(zero.Type(), name, func(ctx context.Context, e Event) error {
		typed, ok := e.(E)
		if !ok {
			return fmt.Errorf("unexpected event %T for %s", e, zero.Type())
		}
		return fn(ctx, typed)
	})
}

// Emit runs every handler for e's type in order. A failing or panicking
// handler is logged and the remaining handlers still run.
func (b *Bus) Emit(ctx context.Context, e Event) {
	b.mu.RLock()
	subs := b.handlers[e.Type()]
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug("no handlers for event", zap.String("event", string(e.Type())))
		return
	}

	for _, s := range subs {
		b.run(ctx, s, e)
	}
}

func (b *Bus) run(ctx context.Context, s subscription, e Event) {
	meta := e.Meta()
	log := b.logger.With(
		zap.String("event", string(e.Type())),
		zap.String("event_id", meta.ID.String()),
		zap.String("handler", s.name),
	)

	defer func() {
		if r := recover(); r != nil {
			metrics.RecordEventHandled(string(e.Type()), "panic")
			log.Error("event handler panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	if err := s.handler(ctx, e); err != nil {
		metrics.RecordEventHandled(string(e.Type()), "error")
		log.Error("event handler failed", zap.Error(err))
		return
	}
	metrics.RecordEventHandled(string(e.Type()), "ok")
}
