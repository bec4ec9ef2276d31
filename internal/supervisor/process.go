package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Role identifies what a supervised process is for. At most one live process
// exists per role.
type Role string

const (
	RoleServer Role = "server"
	RoleTunnel Role = "tunnel"
)

// State is the lifecycle state of a managed process.
type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
)

// forceKillWait bounds how long Stop waits after the hard kill.
const forceKillWait = 2 * time.Second

// Spec describes a process to launch.
type Spec struct {
	Role Role
	// Path is an executable path or a bare command name resolved via PATH.
	Path string
	Args []string
	// Dir is the working directory. Empty inherits the supervisor's.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
	// OnOutput receives every raw chunk the child writes, tagged with
	// "stdout" or "stderr". Chunks may split lines. It is called from the
	// output copying goroutines and must be safe for concurrent use.
	OnOutput func(stream string, chunk []byte)
}

// SpawnError is returned synchronously when a process could not be started.
type SpawnError struct {
	Role Role
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s %q: %v", e.Role, e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// ExitEvent is published once per process after it terminates.
type ExitEvent struct {
	Role       Role
	InstanceID string
	PID        int
	// ExitCode is -1 when the process was terminated by a signal.
	ExitCode int
	Err      error
	// Requested is true when the exit followed a Stop call.
	Requested bool
	ExitedAt  time.Time
	// Tail holds the last bytes of combined output for diagnostics.
	Tail string
}

// Clean reports whether the process exited on its own with status zero.
func (e ExitEvent) Clean() bool {
	return e.Err == nil && e.ExitCode == 0
}

// Process is a running or finished child owned by a Supervisor.
type Process struct {
	role      Role
	id        string
	path      string
	cmd       *exec.Cmd
	startedAt time.Time
	stdout    *OutputBuffer
	stderr    *OutputBuffer
	done      chan struct{}

	mu            sync.Mutex
	state         State
	exitCode      int
	exitErr       error
	exitedAt      time.Time
	stopRequested bool
}

// Role returns the logical role of the process.
func (p *Process) Role() Role { return p.role }

// ID returns the unique instance identifier assigned at spawn.
func (p *Process) ID() string { return p.id }

// Path returns the resolved executable path.
func (p *Process) Path() string { return p.path }

// PID returns the OS process ID.
func (p *Process) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// StartedAt returns the spawn time.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Done is closed once the process has exited and its output is drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitCode returns the exit code and whether the process has exited.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.state == StateExited
}

// Stdout returns the buffered tail of standard output.
func (p *Process) Stdout() string { return p.stdout.String() }

// Stderr returns the buffered tail of standard error.
func (p *Process) Stderr() string { return p.stderr.String() }

// Stop asks the process to terminate and waits up to timeout before killing
// it. It returns once the process is gone or the kill itself timed out.
func (p *Process) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state == StateExited {
		p.mu.Unlock()
		return nil
	}
	p.stopRequested = true
	p.state = StateStopping
	p.mu.Unlock()

	entry := log.WithFields(log.Fields{"role": p.role, "pid": p.PID()})
	if err := terminate(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		entry.WithError(err).Debug("terminate signal failed")
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
	}

	entry.Warnf("process did not exit within %s, killing", timeout)
	if err := kill(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		entry.WithError(err).Warn("kill failed")
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(forceKillWait):
		return fmt.Errorf("%s process %d did not exit after kill", p.role, p.PID())
	}
}

func (p *Process) finish(waitErr error) ExitEvent {
	code := -1
	if ps := p.cmd.ProcessState; ps != nil {
		code = ps.ExitCode()
	}
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}
	if waitErr == nil && code != 0 {
		waitErr = fmt.Errorf("exit status %d", code)
	}

	p.mu.Lock()
	p.state = StateExited
	p.exitCode = code
	p.exitErr = waitErr
	p.exitedAt = time.Now()
	requested := p.stopRequested
	exitedAt := p.exitedAt
	p.mu.Unlock()

	tail := p.stderr.Tail(2048)
	if tail == "" {
		tail = p.stdout.Tail(2048)
	}
	return ExitEvent{
		Role:       p.role,
		InstanceID: p.id,
		PID:        p.PID(),
		ExitCode:   code,
		Err:        waitErr,
		Requested:  requested,
		ExitedAt:   exitedAt,
		Tail:       tail,
	}
}
