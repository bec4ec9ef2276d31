//go:build !windows

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSysProcAttr puts the child in its own process group so stop signals
// reach anything it spawned as well.
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

func kill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return os.ErrProcessDone
	}
	err := unix.Kill(-p.Pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		// Group already gone; fall back to the leader in case it never
		// became a group leader.
		if errSig := p.Signal(sig); errSig != nil {
			return errSig
		}
		return nil
	}
	return p.Signal(sig)
}
