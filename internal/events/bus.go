package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/notebook-fleet/notebook-fleet/pkg/models"
)

// Name identifies an event on the bus.
type Name string

const (
	WorkerAdded       Name = "WORKER_ADDED"
	WorkerDeleted     Name = "WORKER_DELETED"
	SessionStarted    Name = "SESSION_STARTED"
	SessionTerminated Name = "SESSION_TERMINATED"
	QuotaWarning      Name = "QUOTA_WARNING"
	QuotaExhausted    Name = "QUOTA_EXHAUSTED"
)

// Event carries a cross-component notification.
type Event struct {
	Name     Name
	WorkerID int64
	Provider models.Provider
	Reason   string  // shutdown reason for SESSION_TERMINATED
	Percent  float64 // utilization for QUOTA_WARNING
}

// Handler receives published events. Handlers must tolerate being called
// from any goroutine.
type Handler func(ctx context.Context, event Event)

// Bus is an in-process publish/subscribe hub. Publish is fire-and-forget
// from the caller's point of view: handlers run in registration order and
// a panicking handler does not take down the others.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]Handler
	logger   *slog.Logger
}

// NewBus creates a new event bus
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers: make(map[Name][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for an event name. Handlers are invoked in
// registration order.
func (b *Bus) Subscribe(name Name, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], handler)
}

// Publish delivers the event to every subscribed handler, each awaited in
// registration order. Handler panics are recovered and logged so one bad
// subscriber cannot block the rest.
func (b *Bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := b.handlers[event.Name]
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.invoke(ctx, event, handler)
	}
}

func (b *Bus) invoke(ctx context.Context, event Event, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				slog.String("event", string(event.Name)),
				slog.Any("panic", r))
		}
	}()
	handler(ctx, event)
}
