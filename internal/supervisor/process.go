package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Process is the supervisor's handle on one child command.
type Process interface {
	Start() error
	// Poll reports the exit code if the child has exited, without blocking.
	Poll() (code int, exited bool)
	// Signal delivers sig to the child. Implementations may widen delivery
	// to the child's whole process group.
	Signal(sig syscall.Signal) error
	// Wait blocks until the child exits and returns its exit code.
	Wait() int
	PID() int
}

// ExecProcess runs a command via os/exec with the parent's stdio passed
// through. The child is placed in its own process group so termination
// signals reach everything it spawned. argv must be non-empty.
type ExecProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	code   int
	exited bool
}

func NewExecProcess(argv []string) *ExecProcess {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return &ExecProcess{cmd: cmd, done: make(chan struct{})}
}

func (p *ExecProcess) Start() error {
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %s: %w", p.cmd.Path, err)
	}
	go func() {
		_ = p.cmd.Wait()
		code := exitCode(p.cmd.ProcessState)
		p.mu.Lock()
		p.code = code
		p.exited = true
		p.mu.Unlock()
		close(p.done)
	}()
	return nil
}

func (p *ExecProcess) Poll() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.exited
}

func (p *ExecProcess) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited || p.cmd.Process == nil {
		return nil
	}
	// Negative pid addresses the whole process group.
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

func (p *ExecProcess) Wait() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *ExecProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// exitCode maps a wait result to a shell-style code: signal deaths become
// 128+signum.
func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return 1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
