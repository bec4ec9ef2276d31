// Package supervisor spawns and supervises child processes. Each child has a
// role; the supervisor keeps at most one live process per role, streams its
// output to the log and to an optional hook, and reports exits on a channel
// instead of failing the caller.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned when a role already has a live process.
var ErrAlreadyRunning = errors.New("process already running for role")

// waitDelay bounds how long Wait keeps copying output after the child exited,
// in case a grandchild still holds the pipes.
const waitDelay = 2 * time.Second

// Supervisor owns the child processes of one application instance.
type Supervisor struct {
	mu          sync.Mutex
	procs       map[Role]*Process
	events      chan ExitEvent
	closed      chan struct{}
	closeOnce   sync.Once
	outputLimit int
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithOutputLimit sets how many trailing output bytes are kept per stream.
func WithOutputLimit(limit int) Option {
	return func(s *Supervisor) {
		s.outputLimit = limit
	}
}

// New creates a Supervisor with no running children.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		procs:       make(map[Role]*Process),
		events:      make(chan ExitEvent, 8),
		closed:      make(chan struct{}),
		outputLimit: DefaultOutputLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events delivers one ExitEvent per terminated child.
func (s *Supervisor) Events() <-chan ExitEvent {
	return s.events
}

// Start launches spec. Failures to locate or start the executable are returned
// as *SpawnError; anything that happens after a successful start is reported
// through Events.
func (s *Supervisor) Start(spec Spec) (*Process, error) {
	if spec.Role == "" {
		return nil, errors.New("process role is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return nil, errors.New("supervisor is closed")
	default:
	}
	if existing, ok := s.procs[spec.Role]; ok && existing.State() != StateExited {
		return nil, fmt.Errorf("%w: %s (pid %d)", ErrAlreadyRunning, spec.Role, existing.PID())
	}

	path, err := resolveExecutable(spec.Path)
	if err != nil {
		return nil, &SpawnError{Role: spec.Role, Path: spec.Path, Err: err}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = waitDelay
	setSysProcAttr(cmd)

	p := &Process{
		role:   spec.Role,
		id:     uuid.NewString(),
		path:   path,
		cmd:    cmd,
		stdout: NewOutputBuffer(s.outputLimit),
		stderr: NewOutputBuffer(s.outputLimit),
		done:   make(chan struct{}),
		state:  StateRunning,
	}
	entry := log.WithFields(log.Fields{"role": spec.Role, "instance": p.id[:8]})
	stdout := newStreamWriter("stdout", p.stdout, entry, spec.OnOutput)
	stderr := newStreamWriter("stderr", p.stderr, entry, spec.OnOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Role: spec.Role, Path: path, Err: err}
	}
	p.startedAt = time.Now()
	s.procs[spec.Role] = p

	log.WithFields(log.Fields{"role": spec.Role, "pid": p.PID(), "path": path}).Info("process started")

	go func() {
		waitErr := cmd.Wait()
		stdout.flush()
		stderr.flush()
		ev := p.finish(waitErr)
		close(p.done)

		s.mu.Lock()
		if s.procs[p.role] == p {
			delete(s.procs, p.role)
		}
		s.mu.Unlock()

		fields := log.Fields{"role": ev.Role, "pid": ev.PID, "exit_code": ev.ExitCode}
		switch {
		case ev.Requested:
			log.WithFields(fields).Info("process stopped")
		case ev.Clean():
			log.WithFields(fields).Info("process exited")
		default:
			log.WithFields(fields).WithError(ev.Err).Warn("process exited unexpectedly")
		}
		s.publish(ev)
	}()

	return p, nil
}

func (s *Supervisor) publish(ev ExitEvent) {
	select {
	case s.events <- ev:
	case <-s.closed:
	}
}

// Get returns the live process for role, or nil.
func (s *Supervisor) Get(role Role) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[role]
}

// Stop stops the live process for role, if any.
func (s *Supervisor) Stop(role Role, timeout time.Duration) error {
	p := s.Get(role)
	if p == nil {
		return nil
	}
	return p.Stop(timeout)
}

// StopAll stops every live process concurrently and waits for all of them.
func (s *Supervisor) StopAll(timeout time.Duration) error {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range procs {
		wg.Add(1)
		go func(p *Process) {
			defer wg.Done()
			if err := p.Stop(timeout); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close stops every child and releases pending event publishers. The
// supervisor rejects new processes afterwards.
func (s *Supervisor) Close(timeout time.Duration) error {
	err := s.StopAll(timeout)
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		s.mu.Unlock()
	})
	return err
}

// resolveExecutable checks that path can be executed. Bare names are looked
// up on PATH.
func resolveExecutable(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("executable path is empty")
	}
	if !strings.ContainsAny(path, `/\`) {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return "", err
		}
		return resolved, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%s is not executable", path)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return path, nil
}
