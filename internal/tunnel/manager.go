// Package tunnel finds a cloudflared executable, runs a quick tunnel for the
// local server and publishes the URL it announces.
package tunnel

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/ShareTunnel/internal/supervisor"
	log "github.com/sirupsen/logrus"
)

// DefaultSuffix is the domain quick tunnels are assigned under.
const DefaultSuffix = "trycloudflare.com"

// EventKind names a tunnel lifecycle event.
type EventKind string

const (
	EventReady       EventKind = "tunnel_ready"
	EventUnavailable EventKind = "tunnel_unavailable"
	EventError       EventKind = "tunnel_error"
	EventExited      EventKind = "tunnel_exited"
	EventCrashed     EventKind = "tunnel_crashed"
	EventStopped     EventKind = "tunnel_stopped"
)

// Event is delivered to Options.Notify.
type Event struct {
	Kind       EventKind `json:"type"`
	URL        string    `json:"url,omitempty"`
	InstanceID string    `json:"instance_id,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	// HadURL is set on exit events when the process announced a URL first.
	HadURL  bool   `json:"had_url,omitempty"`
	Message string `json:"message,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// Executable skips discovery when set.
	Executable string
	Candidates []string
	// Name is looked up on PATH after the candidates. Defaults to DefaultName.
	Name   string
	Suffix string
	// Env is appended to the inherited environment of the tunnel process.
	Env []string
	// Notify receives lifecycle events. It must not block.
	Notify func(Event)
}

// instance is one tunnel process. Each output stream has its own scraper so
// interleaved writes cannot split a URL; the first URL from either wins.
type instance struct {
	proc     *supervisor.Process
	scrapers map[string]*Scraper
	url      string
}

func newInstance(suffix string) *instance {
	return &instance{scrapers: map[string]*Scraper{
		"stdout": NewScraper(suffix),
		"stderr": NewScraper(suffix),
	}}
}

// Manager owns at most one tunnel process.
type Manager struct {
	sup      *supervisor.Supervisor
	endpoint *Endpoint
	opts     Options

	mu      sync.Mutex
	current *instance
}

// NewManager wires a manager to the supervisor that runs its process.
func NewManager(sup *supervisor.Supervisor, endpoint *Endpoint, opts Options) *Manager {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Suffix == "" {
		opts.Suffix = DefaultSuffix
	}
	if endpoint == nil {
		endpoint = NewEndpoint()
	}
	return &Manager{sup: sup, endpoint: endpoint, opts: opts}
}

// Endpoint returns the endpoint the manager publishes to.
func (m *Manager) Endpoint() *Endpoint {
	return m.endpoint
}

// Running reports whether a tunnel process is live.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

// Start launches `<exe> tunnel --url <localURL>`. It is a no-op while a
// tunnel is running. ErrUnavailable and spawn errors are also reported
// through Notify; neither affects the local server.
func (m *Manager) Start(localURL string) error {
	m.mu.Lock()
	if m.current != nil {
		m.mu.Unlock()
		return nil
	}

	path := m.opts.Executable
	if path == "" {
		found, err := Locate(m.opts.Candidates, m.opts.Name)
		if err != nil {
			m.endpoint.SetStatus(StatusUnavailable, err.Error())
			m.mu.Unlock()
			log.Info("cloudflared not found; sharing stays local")
			m.notify(Event{Kind: EventUnavailable, Message: err.Error()})
			return err
		}
		path = found
	}

	inst := newInstance(m.opts.Suffix)
	proc, err := m.sup.Start(supervisor.Spec{
		Role: supervisor.RoleTunnel,
		Path: path,
		Args: []string{"tunnel", "--url", localURL},
		Env:  m.opts.Env,
		OnOutput: func(stream string, chunk []byte) {
			scraper, ok := inst.scrapers[stream]
			if !ok {
				return
			}
			if url, assigned := scraper.Feed(chunk); assigned {
				m.assign(inst, url)
			}
		},
	})
	if err != nil {
		m.endpoint.store(Snapshot{Status: StatusError, Executable: path, Error: err.Error()})
		m.mu.Unlock()
		log.WithError(err).Warn("tunnel failed to start")
		m.notify(Event{Kind: EventError, Message: err.Error()})
		return err
	}
	inst.proc = proc
	m.current = inst
	m.endpoint.store(Snapshot{Status: StatusStarting, Executable: proc.Path(), InstanceID: proc.ID()})
	m.mu.Unlock()

	log.WithFields(log.Fields{"path": proc.Path(), "local": localURL}).Info("tunnel starting")
	return nil
}

func (m *Manager) assign(inst *instance, url string) {
	m.mu.Lock()
	if m.current != inst || inst.proc == nil || inst.url != "" {
		m.mu.Unlock()
		return
	}
	inst.url = url
	id := inst.proc.ID()
	m.endpoint.store(Snapshot{URL: url, Status: StatusReady, Executable: inst.proc.Path(), InstanceID: id})
	m.mu.Unlock()

	log.WithField("url", url).Info("tunnel ready")
	m.notify(Event{Kind: EventReady, URL: url, InstanceID: id})
}

// HandleExit consumes the supervisor's exit event for the tunnel role. Events
// of earlier instances are ignored.
func (m *Manager) HandleExit(ev supervisor.ExitEvent) {
	if ev.Role != supervisor.RoleTunnel {
		return
	}
	m.mu.Lock()
	inst := m.current
	if inst == nil || inst.proc == nil || inst.proc.ID() != ev.InstanceID {
		m.mu.Unlock()
		return
	}
	m.current = nil
	hadURL := inst.url != ""

	out := Event{InstanceID: ev.InstanceID, ExitCode: ev.ExitCode, HadURL: hadURL}
	var status Status
	switch {
	case ev.Requested:
		status, out.Kind = StatusStopped, EventStopped
	case ev.Clean():
		status, out.Kind = StatusExited, EventExited
		if !hadURL {
			out.Message = "tunnel exited cleanly without announcing a URL"
		} else {
			out.Message = "tunnel exited"
		}
	default:
		status, out.Kind = StatusCrashed, EventCrashed
		out.Message = describeCrash(ev, hadURL)
	}
	m.endpoint.store(Snapshot{Status: status, Executable: inst.proc.Path(), InstanceID: ev.InstanceID, Error: out.Message})
	m.mu.Unlock()

	m.notify(out)
}

func describeCrash(ev supervisor.ExitEvent, hadURL bool) string {
	msg := fmt.Sprintf("tunnel exited with code %d", ev.ExitCode)
	if !hadURL {
		msg += " before announcing a URL"
	}
	if tail := lastLine(ev.Tail); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// Stop terminates the running tunnel, if any. The endpoint is cleared when
// the resulting exit event reaches HandleExit.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	inst := m.current
	m.mu.Unlock()
	if inst == nil || inst.proc == nil {
		return nil
	}
	return inst.proc.Stop(timeout)
}

func (m *Manager) notify(ev Event) {
	if m.opts.Notify != nil {
		m.opts.Notify(ev)
	}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
