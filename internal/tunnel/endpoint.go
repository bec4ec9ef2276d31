package tunnel

import (
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of the public endpoint.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusDisabled    Status = "disabled"
	StatusUnavailable Status = "unavailable"
	StatusStarting    Status = "starting"
	StatusReady       Status = "ready"
	StatusExited      Status = "exited"
	StatusCrashed     Status = "crashed"
	StatusError       Status = "error"
	StatusStopped     Status = "stopped"
)

// Snapshot is an immutable view of the endpoint.
type Snapshot struct {
	URL        string    `json:"url,omitempty"`
	Executable string    `json:"executable,omitempty"`
	Status     Status    `json:"status"`
	InstanceID string    `json:"instance_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Endpoint holds the current public URL. Readers never block: they load a
// pointer to a snapshot that is replaced whole on every change.
type Endpoint struct {
	v atomic.Pointer[Snapshot]
}

// NewEndpoint returns an idle endpoint.
func NewEndpoint() *Endpoint {
	e := &Endpoint{}
	e.store(Snapshot{Status: StatusIdle})
	return e
}

// Load returns the current snapshot.
func (e *Endpoint) Load() Snapshot {
	if s := e.v.Load(); s != nil {
		return *s
	}
	return Snapshot{Status: StatusIdle}
}

// URL returns the public URL when one is assigned.
func (e *Endpoint) URL() (string, bool) {
	s := e.Load()
	return s.URL, s.URL != ""
}

func (e *Endpoint) store(s Snapshot) {
	s.UpdatedAt = time.Now()
	e.v.Store(&s)
}

// SetStatus records a status without a URL, used when no tunnel is launched.
func (e *Endpoint) SetStatus(status Status, reason string) {
	e.store(Snapshot{Status: status, Error: reason})
}
