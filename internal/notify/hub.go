// Package notify fans bridge events out to connected clients. Every event
// gets a monotonic id and is kept in a ring buffer so reconnecting clients
// can resume with Last-Event-ID. Subscribers are served over SSE here and
// over WebSocket by the api package.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/robot-control/rbc/internal/config"
)

// Event is one published message.
type Event struct {
	ID   int64       `json:"-"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Subscriber receives events until its context ends.
type Subscriber struct {
	ID     string
	Events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Done is closed when the subscriber is removed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.Events)
	})
}

// Hub distributes events to subscribers.
//
// Lock ordering: h.mu before EventBuffer.mu. Subscriber channels are
// closed only under h.mu, after removal from the map.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	nextID      int64
	buffer      *EventBuffer

	timing config.TimingConfig
	logger *slog.Logger

	heartbeatTicker *time.Ticker
	stopHeartbeat   chan struct{}

	done    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewHub creates a hub with buffer size and heartbeat from timing.
func NewHub(timing config.TimingConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		buffer:      NewEventBuffer(timing.EventBufferSize),
		timing:      timing,
		logger:      logger.With("component", "notify"),
		done:        make(chan struct{}),
	}
}

// Subscribe registers a subscriber and returns the buffered events after
// lastEventID for replay.
func (h *Hub) Subscribe(ctx context.Context, lastEventID int64) (*Subscriber, []Event) {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscriber{
		ID:     uuid.NewString(),
		Events: make(chan Event, 16),
		ctx:    subCtx,
		cancel: cancel,
	}

	var replay []Event
	if lastEventID > 0 {
		replay = h.buffer.After(lastEventID)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		sub.close()
		return sub, nil
	}
	h.subscribers[sub.ID] = sub
	if h.heartbeatTicker == nil && h.timing.HeartbeatInterval > 0 {
		h.startHeartbeat()
	}
	h.logger.Debug("subscriber added", "subscriber", sub.ID, "replay", len(replay))
	return sub, replay
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subscribers[id]
	if !ok {
		return
	}
	delete(h.subscribers, id)
	sub.close()

	if len(h.subscribers) == 0 {
		h.stopHeartbeatLocked()
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish assigns an id, buffers the event and delivers it. A subscriber
// that does not accept the event within 100ms misses it.
func (h *Hub) Publish(eventType string, data interface{}) Event {
	event := Event{
		ID:   atomic.AddInt64(&h.nextID, 1),
		Type: eventType,
		Data: data,
	}
	if eventType != TypeHeartbeat {
		h.buffer.Add(event)
	}
	h.deliver(event)
	return event
}

func (h *Hub) deliver(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		select {
		case sub.Events <- event:
			continue
		default:
		}

		timer := time.NewTimer(100 * time.Millisecond)
		select {
		case sub.Events <- event:
		case <-sub.ctx.Done():
		case <-h.done:
			timer.Stop()
			return
		case <-timer.C:
			h.logger.Warn("slow subscriber missed event", "subscriber", sub.ID, "event_id", event.ID, "type", event.Type)
		}
		timer.Stop()
	}
}

// Caller must hold h.mu and have checked h.heartbeatTicker == nil.
func (h *Hub) startHeartbeat() {
	// Jitter spreads heartbeats of co-located bridges.
	interval := h.timing.HeartbeatInterval + time.Duration(float64(h.timing.HeartbeatJitter)*0.5)

	h.heartbeatTicker = time.NewTicker(interval)
	h.stopHeartbeat = make(chan struct{})
	ticker := h.heartbeatTicker
	stop := h.stopHeartbeat

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ticker.C:
				h.Publish(TypeHeartbeat, map[string]interface{}{
					"ts": time.Now().UTC().Format(time.RFC3339),
				})
			case <-stop:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// Caller must hold h.mu.
func (h *Hub) stopHeartbeatLocked() {
	if h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
		h.heartbeatTicker = nil
	}
	if h.stopHeartbeat != nil {
		close(h.stopHeartbeat)
		h.stopHeartbeat = nil
	}
}

// Stop disconnects every subscriber and stops the heartbeat.
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.done)
	h.stopHeartbeatLocked()
	for id, sub := range h.subscribers {
		sub.close()
		delete(h.subscribers, id)
	}
	h.mu.Unlock()

	h.wg.Wait()
}
