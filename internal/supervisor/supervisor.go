package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/juno-intents/redlock-cli/internal/audit"
	"github.com/juno-intents/redlock-cli/internal/redlock"
)

var (
	ErrInvalidConfig = errors.New("supervisor: invalid config")

	// ErrStopped reports a stop request observed before any child started.
	ErrStopped = errors.New("supervisor: stopped before child start")
)

const (
	defaultRetryDelay = 200 * time.Millisecond

	// pollCeiling bounds the RUNNING sleep so stop requests and child exits
	// are observed promptly even under long validities.
	pollCeiling = 100 * time.Millisecond

	// termPollInterval is the exit-poll cadence inside a termination step.
	termPollInterval = 50 * time.Millisecond

	// detachTimeout bounds best-effort cleanup once the run context is gone.
	detachTimeout = 5 * time.Second
)

// LockClient is the quorum lock surface the supervisor drives. Satisfied by
// *redlock.Manager.
type LockClient interface {
	Acquire(ctx context.Context, resource, token string, ttl time.Duration, opts ...redlock.AcquireOption) (redlock.Lock, error)
	Release(ctx context.Context, lock redlock.Lock) error
}

type Config struct {
	Resource string

	// Token is the fencing token used for every acquire and renewal over the
	// supervisor's lifetime, including restarts. Empty means a fresh random
	// token.
	Token string

	// TTL is the lock validity requested on every acquire.
	TTL time.Duration

	// RetryDelay spaces acquisition attempts while the lock is held
	// elsewhere. 0 means 200ms.
	RetryDelay time.Duration

	// TermSeq is the escalating signal sequence used to stop the child.
	// Empty means SIGTERM, 200ms grace, then SIGKILL.
	TermSeq []TermStep

	// Restart re-enters acquisition with a fresh child after each exit,
	// until a stop request is observed.
	Restart bool

	// Quorum is the node majority behind the lock, stamped on every audit
	// event. Zero omits it from the stream.
	Quorum int

	Now func() time.Time
}

// Supervisor holds a quorum lock for the lifetime of a child command: it
// acquires, starts the child, renews at every half-validity mark, and runs
// the termination sequence the moment the lock is lost or a stop request
// arrives. Lock loss is never silent.
type Supervisor struct {
	cfg     Config
	locks   LockClient
	newProc func() Process
	log     *slog.Logger
	rec     audit.Recorder
}

func New(cfg Config, locks LockClient, newProc func() Process, log *slog.Logger) (*Supervisor, error) {
	if locks == nil || newProc == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Resource == "" {
		return nil, fmt.Errorf("%w: missing resource", ErrInvalidConfig)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("%w: TTL must be > 0", ErrInvalidConfig)
	}
	if cfg.Token == "" {
		cfg.Token = redlock.NewToken()
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RetryDelay < 0 {
		return nil, fmt.Errorf("%w: RetryDelay must be > 0", ErrInvalidConfig)
	}
	if cfg.Quorum < 0 {
		return nil, fmt.Errorf("%w: negative quorum", ErrInvalidConfig)
	}
	if len(cfg.TermSeq) == 0 {
		cfg.TermSeq = DefaultTermSeq()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Supervisor{
		cfg:     cfg,
		locks:   locks,
		newProc: newProc,
		log:     log,
		rec:     audit.NopRecorder{},
	}, nil
}

// WithRecorder configures an optional lock-lifecycle event stream.
func (s *Supervisor) WithRecorder(rec audit.Recorder) *Supervisor {
	if rec != nil {
		s.rec = rec
	}
	return s
}

// Token returns the fencing token the supervisor acquires with.
func (s *Supervisor) Token() string { return s.cfg.Token }

// Run drives the acquire/supervise cycle until the child exits or, in
// restart mode, until ctx is cancelled. The returned code is the child's
// exit code; signal deaths surface as 128+signum through the Process
// implementation. ErrStopped is returned only when ctx was cancelled before
// any child ever started.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	lastCode := 0
	ran := false
	for {
		code, err := s.cycle(ctx)
		if err != nil {
			if errors.Is(err, ErrStopped) && ran {
				return lastCode, nil
			}
			return 0, err
		}
		ran = true
		lastCode = code
		if !s.cfg.Restart || ctx.Err() != nil {
			return code, nil
		}
	}
}

func (s *Supervisor) cycle(ctx context.Context) (int, error) {
	lock, err := s.acquireLoop(ctx)
	if err != nil {
		return 0, err
	}
	s.record(ctx, audit.Event{Type: audit.EventAcquired, ValidityMS: lock.Validity.Milliseconds()})

	proc := s.newProc()
	if err := proc.Start(); err != nil {
		s.release(ctx, lock)
		return 0, err
	}
	s.log.Info("child started", "pid", proc.PID(), "resource", s.cfg.Resource)

	return s.supervise(ctx, lock, proc)
}

// acquireLoop blocks until the lock is held, retrying every RetryDelay while
// it is unavailable. Any other acquire error is fatal: no child exists yet,
// so failing fast is safe.
func (s *Supervisor) acquireLoop(ctx context.Context) (redlock.Lock, error) {
	for {
		if ctx.Err() != nil {
			return redlock.Lock{}, ErrStopped
		}
		lock, err := s.locks.Acquire(ctx, s.cfg.Resource, s.cfg.Token, s.cfg.TTL)
		if err == nil {
			s.log.Debug("lock acquired", "resource", s.cfg.Resource, "validity", lock.Validity)
			return lock, nil
		}
		if !errors.Is(err, redlock.ErrUnavailable) {
			return redlock.Lock{}, err
		}
		s.log.Debug("lock unavailable, retrying", "resource", s.cfg.Resource, "retry_delay", s.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			return redlock.Lock{}, ErrStopped
		case <-time.After(s.cfg.RetryDelay):
		}
	}
}

// supervise is the RUNNING/RENEWING loop. It returns the child's exit code;
// by the time it returns the child has exited, whatever the cause.
func (s *Supervisor) supervise(ctx context.Context, lock redlock.Lock, proc Process) (int, error) {
	validity := lock.Validity
	epoch := s.cfg.Now()

	for {
		// RUNNING: poll the child in bounded increments until half the
		// validity window is spent.
		for {
			remaining := validity/2 - s.cfg.Now().Sub(epoch)
			if remaining <= 0 {
				break
			}
			select {
			case <-ctx.Done():
				s.log.Info("stop requested, terminating child", "pid", proc.PID(), "resource", s.cfg.Resource)
				code := s.terminate(proc)
				s.release(ctx, lock)
				s.recordExit(ctx, proc, code)
				return code, nil
			case <-time.After(min(remaining, validity/10, pollCeiling)):
			}
			if code, exited := proc.Poll(); exited {
				s.log.Info("child exited", "pid", proc.PID(), "code", code)
				s.release(ctx, lock)
				s.recordExit(ctx, proc, code)
				return code, nil
			}
		}

		// RENEWING: the epoch starts before the attempt so the fresh
		// validity window is measured from its own beginning.
		epoch = s.cfg.Now()
		renewed, err := s.locks.Acquire(ctx, s.cfg.Resource, s.cfg.Token, s.cfg.TTL)
		if err != nil {
			s.log.Warn("lock lost, terminating child", "resource", s.cfg.Resource, "pid", proc.PID(), "err", err)
			s.record(ctx, audit.Event{Type: audit.EventLost, Detail: err.Error()})
			code := s.terminate(proc)
			s.recordExit(ctx, proc, code)
			return code, nil
		}
		validity = renewed.Validity
		s.log.Debug("lock renewed", "resource", s.cfg.Resource, "validity", renewed.Validity)
		s.record(ctx, audit.Event{Type: audit.EventRenewed, ValidityMS: renewed.Validity.Milliseconds()})
	}
}

// terminate drives the escalating signal sequence and returns the child's
// exit code. Each step polls every 50ms for its grace period; the final
// step's signal is assumed unconditionally fatal, so after it the wait is
// unbounded.
func (s *Supervisor) terminate(proc Process) int {
	if code, exited := proc.Poll(); exited {
		return code
	}
	for _, step := range s.cfg.TermSeq {
		if code, exited := proc.Poll(); exited {
			return code
		}
		s.log.Info("signaling child", "pid", proc.PID(), "signal", unix.SignalName(step.Signal), "grace", step.Timeout)
		if err := proc.Signal(step.Signal); err != nil {
			s.log.Warn("signal failed", "pid", proc.PID(), "signal", unix.SignalName(step.Signal), "err", err)
		}
		for waited := time.Duration(0); waited < step.Timeout; waited += termPollInterval {
			time.Sleep(termPollInterval)
			if code, exited := proc.Poll(); exited {
				return code
			}
		}
	}
	return proc.Wait()
}

// release is best-effort: a failure is logged and otherwise ignored, since
// the nodes' TTLs expire the hold regardless.
func (s *Supervisor) release(ctx context.Context, lock redlock.Lock) {
	rctx, cancel := detach(ctx)
	defer cancel()
	if err := s.locks.Release(rctx, lock); err != nil {
		s.log.Warn("lock release failed", "resource", lock.Resource, "err", err)
		return
	}
	s.log.Debug("lock released", "resource", lock.Resource)
	s.record(rctx, audit.Event{Type: audit.EventReleased})
}

func (s *Supervisor) record(ctx context.Context, ev audit.Event) {
	rctx, cancel := detach(ctx)
	defer cancel()
	ev.Resource = s.cfg.Resource
	ev.TokenDigest = audit.Digest(s.cfg.Token)
	ev.Quorum = s.cfg.Quorum
	if err := s.rec.Record(rctx, ev); err != nil {
		s.log.Warn("audit record failed", "type", ev.Type, "err", err)
	}
}

func (s *Supervisor) recordExit(ctx context.Context, proc Process, code int) {
	c := code
	s.record(ctx, audit.Event{Type: audit.EventChildExited, PID: proc.PID(), ExitCode: &c})
}

// detach substitutes a bounded background context once ctx is cancelled, so
// cleanup work after a stop request still reaches the nodes.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), detachTimeout)
}
