// Package app owns one running ShareTunnel instance: the backend server
// process, its readiness state, the public tunnel and the share broker.
//
// All lifecycle decisions are taken on a single control goroutine that
// consumes process exit events and prober results, so tunnel discovery and
// server respawns never overlap.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/ShareTunnel/internal/api/middleware"
	"github.com/router-for-me/ShareTunnel/internal/config"
	apperrors "github.com/router-for-me/ShareTunnel/internal/errors"
	"github.com/router-for-me/ShareTunnel/internal/readiness"
	"github.com/router-for-me/ShareTunnel/internal/share"
	"github.com/router-for-me/ShareTunnel/internal/supervisor"
	"github.com/router-for-me/ShareTunnel/internal/tunnel"
	log "github.com/sirupsen/logrus"
)

const loopShutdownTimeout = 5 * time.Second

// ServerStatus describes the backend server for status reporting.
type ServerStatus struct {
	Running    bool              `json:"running"`
	PID        int               `json:"pid,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	Restarts   int               `json:"restarts"`
	Ready      bool              `json:"ready"`
	ReadySince *time.Time        `json:"ready_since,omitempty"`
	BaseURL    string            `json:"base_url"`
	Usage      *supervisor.Usage `json:"usage,omitempty"`
}

type probeResult struct {
	instance string
	at       time.Time
	err      error
}

// App is the coordinating context object. It is single-use: once stopped it
// cannot be started again.
type App struct {
	cfg      *config.Config
	sup      *supervisor.Supervisor
	ready    *readiness.State
	endpoint *tunnel.Endpoint
	tunnels  *tunnel.Manager
	broker   *share.Broker
	hub      *Hub

	probeResults chan probeResult

	mu          sync.Mutex
	running     bool
	stopped     bool
	cancel      context.CancelFunc
	done        chan struct{}
	server      *supervisor.Process
	probeCancel context.CancelFunc
	restarts    int
}

// New wires the components described by cfg. Nothing is started.
func New(cfg *config.Config) *App {
	a := &App{
		cfg:          cfg,
		sup:          supervisor.New(),
		ready:        &readiness.State{},
		endpoint:     tunnel.NewEndpoint(),
		hub:          NewHub(),
		probeResults: make(chan probeResult, 1),
	}
	if cfg.IsTunnelEnabled() {
		candidates := cfg.Tunnel.Candidates
		if len(candidates) == 0 {
			candidates = tunnel.DefaultCandidates(runtime.GOOS)
		}
		a.tunnels = tunnel.NewManager(a.sup, a.endpoint, tunnel.Options{
			Executable: cfg.Tunnel.Executable,
			Candidates: candidates,
			Suffix:     cfg.Tunnel.Suffix,
			Env:        envList(cfg.Tunnel.Env),
			Notify:     a.onTunnelEvent,
		})
	} else {
		a.endpoint.SetStatus(tunnel.StatusDisabled, "")
	}
	a.broker = share.NewBroker(cfg.ServerBaseURL(), a.ready, a.endpoint, share.WithTimeout(cfg.Share.Timeout))
	return a
}

// Start spawns the backend server and the control goroutine. A server that
// cannot be spawned is returned as a SPAWN_ERROR AppError.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return errors.New("app is already running")
	}
	if a.stopped {
		return errors.New("app has been stopped")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := a.spawnServerLocked(runCtx); err != nil {
		cancel()
		return err
	}
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true

	go a.loop(runCtx, a.done)
	return nil
}

func (a *App) spawnServerLocked(ctx context.Context) error {
	srv := a.cfg.Server
	if srv.DataDir != "" {
		if err := os.MkdirAll(srv.DataDir, 0o755); err != nil {
			a.hub.Publish(Event{Type: EventServerSpawnError, Message: err.Error()})
			return apperrors.New(http.StatusInternalServerError, apperrors.CodeSpawn, "failed to create data directory", err)
		}
	}

	env := append([]string{"PORT=" + strconv.Itoa(srv.Port)}, envList(srv.Env)...)
	proc, err := a.sup.Start(supervisor.Spec{
		Role: supervisor.RoleServer,
		Path: srv.Executable,
		Args: srv.Args,
		Dir:  srv.DataDir,
		Env:  env,
	})
	if err != nil {
		log.WithError(err).Error("server failed to start")
		a.hub.Publish(Event{Type: EventServerSpawnError, Message: err.Error()})
		return apperrors.New(http.StatusInternalServerError, apperrors.CodeSpawn, "failed to start server", err)
	}

	a.server = proc
	a.ready.Reset()
	middleware.SetServerReady(false)
	a.hub.Publish(Event{Type: EventServerStarted, PID: proc.PID(), URL: a.cfg.ServerBaseURL()})
	a.startProberLocked(ctx, proc.ID())
	return nil
}

func (a *App) startProberLocked(ctx context.Context, instance string) {
	probeCtx, cancel := context.WithCancel(ctx)
	a.probeCancel = cancel

	r := a.cfg.Readiness
	prober := readiness.NewProber(a.cfg.ServerBaseURL()+"/",
		readiness.WithGrace(r.Grace),
		readiness.WithInterval(r.Interval),
		readiness.WithAttemptTimeout(r.AttemptTimeout),
		readiness.WithMaxWait(r.MaxWait),
		readiness.WithAttemptHook(func(_ int, err error) {
			middleware.RecordProbe(err == nil)
		}),
	)

	go func() {
		at, err := prober.Run(probeCtx)
		if probeCtx.Err() != nil {
			return
		}
		select {
		case a.probeResults <- probeResult{instance: instance, at: at, err: err}:
		case <-probeCtx.Done():
		}
	}()
}

func (a *App) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var (
		restartTimer *time.Timer
		restartC     <-chan time.Time
	)
	defer func() {
		if restartTimer != nil {
			restartTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.sup.Events():
			if ev.Role == supervisor.RoleTunnel {
				middleware.RecordProcessExit(string(ev.Role), exitKind(ev))
				if a.tunnels != nil {
					a.tunnels.HandleExit(ev)
				}
				continue
			}
			if a.handleServerExit(ev) {
				restartTimer = time.NewTimer(a.cfg.Server.RestartDelay)
				restartC = restartTimer.C
			}
		case res := <-a.probeResults:
			a.handleProbe(res)
		case <-restartC:
			restartC = nil
			a.restart(ctx)
		}
	}
}

// handleServerExit reports the exit and returns true when a respawn should
// be scheduled.
func (a *App) handleServerExit(ev supervisor.ExitEvent) bool {
	a.mu.Lock()
	if a.server == nil || a.server.ID() != ev.InstanceID {
		a.mu.Unlock()
		return false
	}
	a.server = nil
	if a.probeCancel != nil {
		a.probeCancel()
		a.probeCancel = nil
	}
	a.mu.Unlock()

	a.ready.Reset()
	middleware.SetServerReady(false)

	kind := exitKind(ev)
	middleware.RecordProcessExit(string(ev.Role), kind)

	code := ev.ExitCode
	out := Event{PID: ev.PID, ExitCode: &code}
	switch kind {
	case "stopped":
		out.Type = EventServerStopped
	case "exited":
		out.Type = EventServerExited
	default:
		out.Type = EventServerCrashed
		out.Message = crashMessage(ev)
	}
	a.hub.Publish(out)

	if ev.Requested {
		return false
	}
	// The tunnel points at a dead backend. Its exit clears the public URL and
	// frees the manager so the next ready transition runs discovery again.
	if a.tunnels != nil {
		if err := a.tunnels.Stop(a.cfg.Tunnel.StopTimeout); err != nil {
			log.WithError(err).Warn("failed to stop tunnel after server exit")
		}
	}
	if a.cfg.Server.RestartOnExit {
		a.hub.Publish(Event{Type: EventServerRestarting, Message: fmt.Sprintf("restarting in %s", a.cfg.Server.RestartDelay)})
		return true
	}
	return false
}

func (a *App) restart(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ctx.Err() != nil || !a.running || a.server != nil {
		return
	}
	a.restarts++
	middleware.RecordServerRestart()
	log.WithField("restarts", a.restarts).Info("restarting server")
	if err := a.spawnServerLocked(ctx); err != nil {
		log.WithError(err).Error("server restart failed")
	}
}

func (a *App) handleProbe(res probeResult) {
	a.mu.Lock()
	current := a.server
	a.mu.Unlock()
	if current == nil || current.ID() != res.instance {
		return
	}

	if res.err != nil {
		log.WithError(res.err).Warn("server did not become ready; stopping it")
		a.hub.Publish(Event{Type: EventReadinessTimeout, PID: current.PID(), Message: res.err.Error()})
		if err := current.Stop(a.cfg.Server.StopTimeout); err != nil {
			log.WithError(err).Warn("failed to stop unready server")
		}
		return
	}

	if !a.ready.MarkReady(res.at) {
		return
	}
	middleware.SetServerReady(true)
	log.WithField("url", a.cfg.ServerBaseURL()).Info("server ready")
	a.hub.Publish(Event{Type: EventServerReady, PID: current.PID(), URL: a.cfg.ServerBaseURL()})

	if a.tunnels != nil {
		if err := a.tunnels.Start(a.cfg.ServerBaseURL()); err != nil {
			log.WithError(err).Debug("tunnel not started")
		}
	}
}

func (a *App) onTunnelEvent(ev tunnel.Event) {
	middleware.RecordTunnelEvent(string(ev.Kind), ev.Kind == tunnel.EventReady)
	out := Event{Type: string(ev.Kind), URL: ev.URL, Message: ev.Message}
	switch ev.Kind {
	case tunnel.EventExited, tunnel.EventCrashed, tunnel.EventStopped:
		code := ev.ExitCode
		out.ExitCode = &code
	}
	a.hub.Publish(out)
}

// Stop cancels readiness polling, stops the tunnel and then the server, and
// waits for the control goroutine. In-flight share requests are left to
// finish on their own timeout.
func (a *App) Stop() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.stopped = true
	cancel, done := a.cancel, a.done
	if a.probeCancel != nil {
		a.probeCancel()
		a.probeCancel = nil
	}
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(loopShutdownTimeout):
		log.Warn("control loop shutdown timeout")
	}

	var errs []error
	if a.tunnels != nil {
		if err := a.tunnels.Stop(a.cfg.Tunnel.StopTimeout); err != nil {
			errs = append(errs, err)
		}
		a.endpoint.SetStatus(tunnel.StatusStopped, "")
		middleware.RecordTunnelEvent(string(tunnel.EventStopped), false)
	}
	if err := a.sup.Stop(supervisor.RoleServer, a.cfg.Server.StopTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := a.sup.Close(a.cfg.Server.StopTimeout); err != nil {
		errs = append(errs, err)
	}

	a.mu.Lock()
	pid := 0
	if a.server != nil {
		pid = a.server.PID()
		a.server = nil
	}
	a.mu.Unlock()

	a.ready.Reset()
	middleware.SetServerReady(false)
	a.hub.Publish(Event{Type: EventServerStopped, PID: pid})
	log.Info("shutdown complete")
	return errors.Join(errs...)
}

// Running reports whether Start succeeded and Stop has not been called.
func (a *App) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// CreateShare forwards to the share broker and records the outcome.
func (a *App) CreateShare(ctx context.Context, req share.Request) (*share.Result, error) {
	start := time.Now()
	res, err := a.broker.CreateShare(ctx, req)
	result := "ok"
	if err != nil {
		result = apperrors.From(err).Code
	}
	middleware.RecordShare(result, time.Since(start))
	return res, err
}

// Ready reports the readiness flag of the current server process.
func (a *App) Ready() bool {
	return a.ready.Ready()
}

// Tunnel returns the current tunnel snapshot.
func (a *App) Tunnel() tunnel.Snapshot {
	return a.endpoint.Load()
}

// Hub returns the status event hub.
func (a *App) Hub() *Hub {
	return a.hub
}

// Config returns the configuration the app was built with.
func (a *App) Config() *config.Config {
	return a.cfg
}

// ServerStatus reports the backend server, including resource usage when the
// process can be inspected.
func (a *App) ServerStatus() ServerStatus {
	a.mu.Lock()
	proc := a.server
	restarts := a.restarts
	a.mu.Unlock()

	st := ServerStatus{Restarts: restarts, BaseURL: a.cfg.ServerBaseURL()}
	if ready, since := a.ready.Snapshot(); ready {
		st.Ready = true
		st.ReadySince = &since
	}
	if proc == nil || proc.State() == supervisor.StateExited {
		return st
	}
	started := proc.StartedAt()
	st.Running = true
	st.PID = proc.PID()
	st.StartedAt = &started
	if usage, err := proc.Usage(); err == nil {
		st.Usage = &usage
	} else {
		log.WithError(err).Debug("process usage unavailable")
	}
	return st
}

func exitKind(ev supervisor.ExitEvent) string {
	switch {
	case ev.Requested:
		return "stopped"
	case ev.Clean():
		return "exited"
	default:
		return "crashed"
	}
}

func crashMessage(ev supervisor.ExitEvent) string {
	msg := fmt.Sprintf("server exited with code %d", ev.ExitCode)
	tail := strings.TrimSpace(ev.Tail)
	if i := strings.LastIndexByte(tail, '\n'); i >= 0 {
		tail = strings.TrimSpace(tail[i+1:])
	}
	if tail != "" {
		msg += ": " + tail
	}
	return msg
}

// envList renders env as KEY=VALUE pairs in a stable order.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
