package supervisor

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// TermStep is one stage of an escalating shutdown: send Signal, then give
// the child Timeout to exit before the next stage.
type TermStep struct {
	Signal  syscall.Signal
	Timeout time.Duration
}

// DefaultTermSeq asks politely with SIGTERM, waits 200ms, then kills.
func DefaultTermSeq() []TermStep {
	return []TermStep{
		{Signal: syscall.SIGTERM, Timeout: 200 * time.Millisecond},
		{Signal: syscall.SIGKILL},
	}
}

// ParseTermSeq parses a sequence like "TERM:200,KILL" into ordered steps:
// comma-separated NAME[:timeout_ms], signal names accepted with or without
// the SIG prefix. The last step should be unconditionally fatal; the
// supervisor waits indefinitely after it.
func ParseTermSeq(s string) ([]TermStep, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty termination sequence", ErrInvalidConfig)
	}

	var steps []TermStep
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			return nil, fmt.Errorf("%w: empty step in %q", ErrInvalidConfig, s)
		}
		name, timeoutStr, hasTimeout := strings.Cut(item, ":")
		name = strings.ToUpper(strings.TrimSpace(name))
		if !strings.HasPrefix(name, "SIG") {
			name = "SIG" + name
		}
		sig := unix.SignalNum(name)
		if sig == 0 {
			return nil, fmt.Errorf("%w: unknown signal in %q", ErrInvalidConfig, item)
		}
		step := TermStep{Signal: sig}
		if hasTimeout {
			ms, err := strconv.Atoi(strings.TrimSpace(timeoutStr))
			if err != nil || ms < 0 {
				return nil, fmt.Errorf("%w: bad timeout in %q", ErrInvalidConfig, item)
			}
			step.Timeout = time.Duration(ms) * time.Millisecond
		}
		steps = append(steps, step)
	}
	return steps, nil
}
