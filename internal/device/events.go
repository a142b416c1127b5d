package device

import (
	"log/slog"
	"sync"
)

// UpdateBus fans the single device subscriber out to many consumers.
// Register it with d.Subscribe(bus.Emit).
type UpdateBus struct {
	mu          sync.RWMutex
	handlers    map[UpdateType]map[uint64]UpdateFunc
	allHandlers map[uint64]UpdateFunc
	nextID      uint64
	logger      *slog.Logger
}

// NewUpdateBus creates an empty bus.
func NewUpdateBus(logger *slog.Logger) *UpdateBus {
	return &UpdateBus{
		handlers:    make(map[UpdateType]map[uint64]UpdateFunc),
		allHandlers: make(map[uint64]UpdateFunc),
		logger:      logger,
	}
}

// On registers fn for one update type and returns an unsubscribe function.
func (b *UpdateBus) On(update UpdateType, fn UpdateFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[update] == nil {
		b.handlers[update] = make(map[uint64]UpdateFunc)
	}
	b.handlers[update][id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[update], id)
	}
}

// OnAll registers fn for every update.
func (b *UpdateBus) OnAll(fn UpdateFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandlers[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allHandlers, id)
	}
}

// Emit calls every matching handler in turn. A panicking handler is logged
// and does not stop the others.
func (b *UpdateBus) Emit(d *Device, update UpdateType) {
	b.mu.RLock()
	fns := make([]UpdateFunc, 0, len(b.handlers[update])+len(b.allHandlers))
	for _, fn := range b.handlers[update] {
		fns = append(fns, fn)
	}
	for _, fn := range b.allHandlers {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("update handler panic", "update", update.String(), "panic", r)
				}
			}()
			fn(d, update)
		}()
	}
}
