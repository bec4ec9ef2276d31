package app

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Event types published on the hub, in addition to the tunnel_* kinds.
const (
	EventServerStarted    = "server_started"
	EventServerReady      = "server_ready"
	EventServerStopped    = "server_stopped"
	EventServerExited     = "server_exited"
	EventServerCrashed    = "server_crashed"
	EventServerSpawnError = "server_spawn_error"
	EventServerRestarting = "server_restarting"
	EventReadinessTimeout = "readiness_timeout"
)

const historySize = 64

// Event is one status change reported to the UI layer.
type Event struct {
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	URL      string    `json:"url,omitempty"`
	PID      int       `json:"pid,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Hub fans events out to subscribers. Publishing never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	history []Event
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Publish stamps ev and delivers it to every subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, ev)
	if len(h.history) > historySize {
		h.history = h.history[len(h.history)-historySize:]
	}
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			log.WithField("subscriber", id).Debugf("dropping %s event for slow subscriber", ev.Type)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel function closes the
// channel and is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Recent returns up to n of the latest events, oldest first.
func (h *Hub) Recent(n int) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	out := make([]Event, n)
	copy(out, h.history[len(h.history)-n:])
	return out
}
