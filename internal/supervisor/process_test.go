package supervisor

import (
	"strings"
	"syscall"
	"testing"
)

func TestExecProcess_ReportsChildExitCode(t *testing.T) {
	t.Parallel()

	proc := NewExecProcess([]string{"sh", "-c", "exit 7"})
	if err := proc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if proc.PID() <= 0 {
		t.Fatalf("pid: got=%d", proc.PID())
	}
	if code := proc.Wait(); code != 7 {
		t.Fatalf("exit code: got=%d want=7", code)
	}

	code, exited := proc.Poll()
	if !exited || code != 7 {
		t.Fatalf("poll after exit: got=(%d,%v) want=(7,true)", code, exited)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal after exit: %v", err)
	}
}

func TestExecProcess_SignalDeathMapsTo128PlusSignum(t *testing.T) {
	t.Parallel()

	proc := NewExecProcess([]string{"sleep", "30"})
	if err := proc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, exited := proc.Poll(); exited {
		t.Fatalf("child reported exited immediately")
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if code := proc.Wait(); code != 137 {
		t.Fatalf("exit code: got=%d want=137", code)
	}
}

func TestExecProcess_StartFailsForMissingBinary(t *testing.T) {
	t.Parallel()

	proc := NewExecProcess([]string{"/definitely/not/a/real/binary"})
	err := proc.Start()
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "start") {
		t.Fatalf("unexpected error: %v", err)
	}
	if proc.PID() != 0 {
		t.Fatalf("pid after failed start: got=%d want=0", proc.PID())
	}
}
