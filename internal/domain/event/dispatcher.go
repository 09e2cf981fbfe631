package event

import (
	"sync"
)

// EventHandler handles domain events
type EventHandler interface {
	// Handle processes the event
	Handle(event DomainEvent) error
	// HandledEvents returns the event names this handler handles
	HandledEvents() []string
}

// EventDispatcher dispatches domain events to registered handlers
type EventDispatcher interface {
	// Dispatch sends an event to all registered handlers
	Dispatch(event DomainEvent)
	// Subscribe registers a handler for events
	Subscribe(handler EventHandler)
	// Unsubscribe removes a handler
	Unsubscribe(handler EventHandler)
}

// HandlerFunc adapts a function into an EventHandler for the given event names.
// Use "*" to receive every event.
func HandlerFunc(fn func(DomainEvent) error, names ...string) EventHandler {
	if len(names) == 0 {
		names = []string{"*"}
	}
	return &funcHandler{fn: fn, names: names}
}

type funcHandler struct {
	fn    func(DomainEvent) error
	names []string
}

func (h *funcHandler) Handle(event DomainEvent) error { return h.fn(event) }
func (h *funcHandler) HandledEvents() []string       { return h.names }

// InMemoryDispatcher is an in-memory implementation of EventDispatcher.
// In async mode events are delivered in dispatch order by a single goroutine
// and dropped when the queue is full.
type InMemoryDispatcher struct {
	handlers map[string][]EventHandler
	mu       sync.RWMutex

	queue     chan DomainEvent
	done      chan struct{}
	closeOnce sync.Once

	droppedMu sync.Mutex
	dropped   int64
}

// NewInMemoryDispatcher creates a synchronous dispatcher
func NewInMemoryDispatcher() *InMemoryDispatcher {
	return &InMemoryDispatcher{
		handlers: make(map[string][]EventHandler),
	}
}

// NewAsyncDispatcher creates a dispatcher that delivers events from a
// background goroutine with a queue of the given capacity
func NewAsyncDispatcher(queueSize int) *InMemoryDispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &InMemoryDispatcher{
		handlers: make(map[string][]EventHandler),
		queue:    make(chan DomainEvent, queueSize),
		done:     make(chan struct{}),
	}
	go d.deliverLoop()
	return d
}

// Dispatch sends an event to all registered handlers
func (d *InMemoryDispatcher) Dispatch(event DomainEvent) {
	if d.queue == nil {
		d.deliver(event)
		return
	}

	select {
	case <-d.done:
		return
	default:
	}

	select {
	case d.queue <- event:
	default:
		d.droppedMu.Lock()
		d.dropped++
		d.droppedMu.Unlock()
	}
}

// Dropped returns how many events were discarded because the queue was full
func (d *InMemoryDispatcher) Dropped() int64 {
	d.droppedMu.Lock()
	defer d.droppedMu.Unlock()
	return d.dropped
}

// Close stops the delivery goroutine after draining queued events
func (d *InMemoryDispatcher) Close() {
	if d.queue == nil {
		return
	}
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

func (d *InMemoryDispatcher) deliverLoop() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		case <-d.done:
			for {
				select {
				case event := <-d.queue:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *InMemoryDispatcher) deliver(event DomainEvent) {
	d.mu.RLock()
	handlers := make([]EventHandler, 0, len(d.handlers[event.EventName()])+len(d.handlers["*"]))
	handlers = append(handlers, d.handlers[event.EventName()]...)
	// Also get handlers registered for all events
	handlers = append(handlers, d.handlers["*"]...)
	d.mu.RUnlock()

	for _, handler := range handlers {
		_ = handler.Handle(event)
	}
}

// Subscribe registers a handler for events
func (d *InMemoryDispatcher) Subscribe(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, eventName := range handler.HandledEvents() {
		d.handlers[eventName] = append(d.handlers[eventName], handler)
	}
}

// Unsubscribe removes a handler
func (d *InMemoryDispatcher) Unsubscribe(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, eventName := range handler.HandledEvents() {
		handlers := d.handlers[eventName]
		for i, h := range handlers {
			if h == handler {
				d.handlers[eventName] = append(handlers[:i:i], handlers[i+1:]...)
				break
			}
		}
	}
}

// NullDispatcher is a no-op dispatcher for when events are not needed
type NullDispatcher struct{}

// NewNullDispatcher creates a new NullDispatcher
func NewNullDispatcher() *NullDispatcher {
	return &NullDispatcher{}
}

// Dispatch does nothing
func (d *NullDispatcher) Dispatch(event DomainEvent) {}

// Subscribe does nothing
func (d *NullDispatcher) Subscribe(handler EventHandler) {}

// Unsubscribe does nothing
func (d *NullDispatcher) Unsubscribe(handler EventHandler) {}
