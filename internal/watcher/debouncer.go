package watcher

import (
	"sync"
	"time"
)

// BatchDebouncer collects events and emits them once no new event has
// arrived for the delay. Repeated events for one path collapse into the
// latest, keeping the position of the first.
type BatchDebouncer struct {
	delay  time.Duration
	timer  *time.Timer
	mu     sync.Mutex
	order  []string
	events map[string]Event
	emit   func([]Event)
}

// NewBatchDebouncer creates a new batch debouncer
func NewBatchDebouncer(delay time.Duration, emit func([]Event)) *BatchDebouncer {
	return &BatchDebouncer{
		delay:  delay,
		events: make(map[string]Event),
		emit:   emit,
	}
}

// Add adds an event to the batch and restarts the quiet period.
func (b *BatchDebouncer) Add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, seen := b.events[event.Path]; !seen {
		b.order = append(b.order, event.Path)
	}
	b.events[event.Path] = event

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, b.flush)
}

func (b *BatchDebouncer) flush() {
	b.mu.Lock()
	batch := make([]Event, 0, len(b.order))
	for _, p := range b.order {
		batch = append(batch, b.events[p])
	}
	b.order = nil
	b.events = make(map[string]Event)
	b.timer = nil
	b.mu.Unlock()

	if len(batch) > 0 && b.emit != nil {
		b.emit(batch)
	}
}

// Cancel drops pending events without emitting them.
func (b *BatchDebouncer) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.order = nil
	b.events = make(map[string]Event)
}

// Flush immediately emits any pending events
func (b *BatchDebouncer) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.flush()
}

// EventCount returns the number of pending paths
func (b *BatchDebouncer) EventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}
