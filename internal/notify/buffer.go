package notify

import "sync"

// EventBuffer keeps the most recent events for replay.
type EventBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

// NewEventBuffer creates a buffer holding at most capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &EventBuffer{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// Add appends an event, evicting the oldest when full.
func (b *EventBuffer) Add(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)
	if len(b.events) > b.capacity {
		b.events = b.events[1:]
	}
}

// After returns the buffered events with an id above lastID.
func (b *EventBuffer) After(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events {
		if event.ID > lastID {
			result = append(result, event)
		}
	}
	return result
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
