package archive

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventKind discriminates archiver events.
type EventKind string

const (
	EventProgress      EventKind = "progress"
	EventStageComplete EventKind = "stage_complete"
	EventError         EventKind = "error"
	EventCancelled     EventKind = "cancelled"
)

// Event is one archiver notification. Percent is meaningful for progress
// events, Attempt for retry re-emissions, Error for error events.
type Event struct {
	Kind      EventKind `json:"kind"`
	URL       string    `json:"url"`
	Stage     string    `json:"stage,omitempty"`
	Percent   int       `json:"percent"`
	Attempt   int       `json:"attempt,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Listener receives archiver events. A panicking listener is isolated and
// never aborts delivery to the others.
type Listener interface {
	HandleEvent(e Event)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(e Event)

func (f ListenerFunc) HandleEvent(e Event) { f(e) }

// Hub fans archiver events out to subscribed listeners.
type Hub struct {
	mu        sync.RWMutex
	listeners map[Listener]struct{}
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[Listener]struct{})}
}

// Subscribe registers a listener. Subscribing the same listener twice is
// a no-op.
func (h *Hub) Subscribe(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[l] = struct{}{}
}

// Unsubscribe removes a listener; unknown listeners are ignored.
func (h *Hub) Unsubscribe(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, l)
}

func (h *Hub) publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	listeners := make([]Listener, 0, len(h.listeners))
	for l := range h.listeners {
		listeners = append(listeners, l)
	}
	h.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					zap.L().Error("archive: event listener panicked",
						zap.String("kind", string(e.Kind)),
						zap.Any("panic", r),
					)
				}
			}()
			l.HandleEvent(e)
		}()
	}
}
