package events

import (
	"sync"
	"time"

	"voicelink/internal/core/domain"

	"go.uber.org/zap"
)

// Listener receives events synchronously, in emission order
type Listener func(domain.Event)

type registration struct {
	id int
	fn Listener
}

// Bus provides typed, synchronous fan-out of events to registered
// listeners. A listener that panics is recovered and logged so one faulty
// listener cannot break dispatch to the others.
type Bus struct {
	mu        sync.RWMutex
	nextID    int
	listeners []registration
	logger    *zap.SugaredLogger
}

// NewBus creates a new event bus
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a listener and returns its handle for Unsubscribe.
// Listeners are invoked in registration order.
func (b *Bus) Subscribe(fn Listener) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners = append(b.listeners, registration{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes the listener registered under id. Unknown ids are
// ignored.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, reg := range b.listeners {
		if reg.id == id {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Reset removes every registered listener
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = nil
}

// Emit delivers the event to every listener synchronously. The timestamp
// is stamped here if the caller left it zero.
func (b *Bus) Emit(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	regs := make([]registration, len(b.listeners))
	copy(regs, b.listeners)
	b.mu.RUnlock()

	for _, reg := range regs {
		b.dispatch(reg, event)
	}
}

func (b *Bus) dispatch(reg registration, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event listener panicked",
				"event_type", event.Type,
				"listener_id", reg.id,
				"panic", r,
			)
		}
	}()
	reg.fn(event)
}
