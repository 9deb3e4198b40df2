package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juno-intents/redlock-cli/internal/audit"
	"github.com/juno-intents/redlock-cli/internal/lockstore"
	lockpg "github.com/juno-intents/redlock-cli/internal/lockstore/postgres"
	lockredis "github.com/juno-intents/redlock-cli/internal/lockstore/redis"
	"github.com/juno-intents/redlock-cli/internal/redlock"
	"github.com/juno-intents/redlock-cli/internal/supervisor"
)

const (
	defaultEndpoint     = "redis://localhost:6379"
	defaultRetryDelayMS = 200
	defaultTermSeq      = "TERM:200,KILL"
)

// Exit codes. run propagates the child's own exit code instead.
const (
	exitOK            = 0
	exitFailure       = 1
	exitUsage         = 2
	exitUnlockFailure = 3
)

type stringListFlag []string

func (f *stringListFlag) String() string {
	if f == nil {
		return ""
	}
	return strings.Join(*f, ",")
}

func (f *stringListFlag) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("value must not be empty")
	}
	*f = append(*f, v)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		redisURLs stringListFlag
		storeURLs stringListFlag
	)
	root := flag.NewFlagSet("redlock", flag.ContinueOnError)
	root.SetOutput(stderr)
	root.Var(&redisURLs, "redis", "redis node URL, repeatable (default redis://localhost:6379)")
	root.Var(&storeURLs, "store", "store node URL: redis://, rediss://, postgres://, or postgresql://, repeatable")
	verbose := root.Bool("verbose", false, "show debug log")
	auditBrokers := root.String("audit-brokers", "", "comma-separated kafka brokers for lock lifecycle events")
	auditTopic := root.String("audit-topic", "", "kafka topic for lock lifecycle events")
	auditStdio := root.Bool("audit-stdio", false, "write lock lifecycle events to stderr as JSON lines")
	root.Usage = func() {
		fmt.Fprintln(root.Output(), "Usage: redlock [flags] <lock|unlock|run> [command flags]")
		root.PrintDefaults()
	}

	if err := root.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if root.NArg() == 0 {
		fmt.Fprintln(stderr, "error: expected a command: lock, unlock, or run")
		root.Usage()
		return exitUsage
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	endpoints := append([]string(nil), redisURLs...)
	endpoints = append(endpoints, storeURLs...)
	if len(endpoints) == 0 {
		endpoints = []string{defaultEndpoint}
	}

	recorder, err := newRecorder(*auditBrokers, *auditTopic, *auditStdio, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = recorder.Close() }()

	a := &app{
		endpoints: endpoints,
		recorder:  recorder,
		log:       log,
		stdout:    stdout,
		stderr:    stderr,
	}

	cmd, rest := root.Arg(0), root.Args()[1:]
	switch cmd {
	case "lock":
		return a.runLock(ctx, rest)
	case "unlock":
		return a.runUnlock(ctx, rest)
	case "run":
		return a.runCommand(ctx, rest)
	default:
		fmt.Fprintf(stderr, "error: unknown command %q (expected lock, unlock, or run)\n", cmd)
		return exitUsage
	}
}

func newRecorder(brokers, topic string, stdio bool, stderr io.Writer) (audit.Recorder, error) {
	brokerList := audit.SplitCommaList(brokers)
	switch {
	case len(brokerList) > 0:
		return audit.NewRecorder(audit.Config{
			Driver:  audit.DriverKafka,
			Brokers: brokerList,
			Topic:   topic,
		})
	case stdio:
		return audit.NewRecorder(audit.Config{
			Driver: audit.DriverStdio,
			Writer: stderr,
		})
	default:
		return audit.NopRecorder{}, nil
	}
}

type app struct {
	endpoints []string
	recorder  audit.Recorder
	log       *slog.Logger
	stdout    io.Writer
	stderr    io.Writer
}

func (a *app) runLock(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("redlock lock", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var (
		name       = fs.String("name", "", "lock resource name (required)")
		key        = fs.String("key", "", "lock resource value (default: random token)")
		validityMS = fs.Int64("validity", 0, "number of milliseconds the lock will be valid (required)")
		timeoutMS  = fs.Int64("timeout", 0, "milliseconds to keep retrying, 0 for a single try, -1 for infinite")
		retryMS    = fs.Int64("retry-delay", defaultRetryDelayMS, "milliseconds between retries")
		force      = fs.Bool("force", false, "forcibly take over the lock, even if someone else holds it")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *name == "" || *validityMS <= 0 {
		fmt.Fprintln(a.stderr, "error: --name is required and --validity must be > 0")
		return exitUsage
	}
	if *retryMS <= 0 {
		fmt.Fprintln(a.stderr, "error: --retry-delay must be > 0")
		return exitUsage
	}

	token := *key
	if token == "" {
		token = redlock.NewToken()
	}

	manager, closeStores, err := a.newManager(ctx)
	if err != nil {
		a.log.Error("init lock manager", "err", err)
		return exitFailure
	}
	defer closeStores()

	ttl := time.Duration(*validityMS) * time.Millisecond
	retryDelay := time.Duration(*retryMS) * time.Millisecond
	var opts []redlock.AcquireOption
	if *force {
		opts = append(opts, redlock.WithForce())
	}

	deadline := time.Now().Add(time.Duration(*timeoutMS) * time.Millisecond)
	for {
		lock, err := manager.Acquire(ctx, *name, token, ttl, opts...)
		if err == nil {
			fmt.Fprintf(a.stdout, "Locked name:%s, key:%s, validity:%d\n", lock.Resource, lock.Token, *validityMS)
			a.record(ctx, audit.Event{
				Type:        audit.EventAcquired,
				Resource:    lock.Resource,
				TokenDigest: audit.Digest(lock.Token),
				ValidityMS:  lock.Validity.Milliseconds(),
				Quorum:      a.quorum(),
			})
			return exitOK
		}
		if !errors.Is(err, redlock.ErrUnavailable) {
			a.log.Error("acquire lock", "resource", *name, "err", err)
			return exitFailure
		}
		a.log.Debug("lock unavailable", "resource", *name, "err", err)
		if *timeoutMS >= 0 && !time.Now().Before(deadline) {
			a.log.Info("lock timeout", "resource", *name)
			return exitFailure
		}
		select {
		case <-ctx.Done():
			a.log.Info("stopped while waiting for lock", "resource", *name)
			return exitFailure
		case <-time.After(retryDelay):
		}
	}
}

func (a *app) runUnlock(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("redlock unlock", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var (
		name = fs.String("name", "", "lock resource name (required)")
		key  = fs.String("key", "", "key printed by a prior lock command (required)")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *name == "" || *key == "" {
		fmt.Fprintln(a.stderr, "error: --name and --key are required")
		return exitUsage
	}

	manager, closeStores, err := a.newManager(ctx)
	if err != nil {
		a.log.Error("init lock manager", "err", err)
		return exitUnlockFailure
	}
	defer closeStores()

	if err := manager.Release(ctx, redlock.Lock{Resource: *name, Token: *key}); err != nil {
		a.log.Error("release lock", "resource", *name, "err", err)
		return exitUnlockFailure
	}
	a.record(ctx, audit.Event{
		Type:        audit.EventReleased,
		Resource:    *name,
		TokenDigest: audit.Digest(*key),
		Quorum:      a.quorum(),
	})
	a.log.Info("ok")
	return exitOK
}

func (a *app) runCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("redlock run", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	var (
		name       = fs.String("name", "", "lock resource name (required)")
		key        = fs.String("key", "", "lock resource value (default: random token)")
		validityMS = fs.Int64("validity", 0, "number of milliseconds the lock will be valid (required)")
		retryMS    = fs.Int64("retry-delay", defaultRetryDelayMS, "milliseconds between retries")
		restart    = fs.Bool("restart-cmd", false, "run the command again when the lock is acquired again")
		termseq    = fs.String("termseq", defaultTermSeq, "termination sequence, e.g. TERM:200,KILL")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *name == "" || *validityMS <= 0 {
		fmt.Fprintln(a.stderr, "error: --name is required and --validity must be > 0")
		return exitUsage
	}
	if *retryMS <= 0 {
		fmt.Fprintln(a.stderr, "error: --retry-delay must be > 0")
		return exitUsage
	}
	argv := fs.Args()
	if len(argv) == 0 {
		fmt.Fprintln(a.stderr, "error: missing command, e.g. redlock run --name job --validity 10000 -- sleep 30")
		return exitUsage
	}
	steps, err := supervisor.ParseTermSeq(*termseq)
	if err != nil {
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		return exitUsage
	}

	manager, closeStores, err := a.newManager(ctx)
	if err != nil {
		a.log.Error("init lock manager", "err", err)
		return exitFailure
	}
	defer closeStores()

	sup, err := supervisor.New(supervisor.Config{
		Resource:   *name,
		Token:      *key,
		TTL:        time.Duration(*validityMS) * time.Millisecond,
		RetryDelay: time.Duration(*retryMS) * time.Millisecond,
		TermSeq:    steps,
		Restart:    *restart,
		Quorum:     a.quorum(),
	}, manager, func() supervisor.Process {
		return supervisor.NewExecProcess(argv)
	}, a.log)
	if err != nil {
		a.log.Error("init supervisor", "err", err)
		return exitFailure
	}
	sup.WithRecorder(a.recorder)

	code, err := sup.Run(ctx)
	if err != nil {
		if errors.Is(err, supervisor.ErrStopped) {
			a.log.Info("stopped before the command started", "resource", *name)
			return exitFailure
		}
		a.log.Error("supervise command", "resource", *name, "err", err)
		return exitFailure
	}
	return code
}

// quorum is computed over the requested node count, so nodes that fail to
// construct make acquisition strictly harder instead of shrinking the majority.
func (a *app) quorum() int {
	return len(a.endpoints)/2 + 1
}

func (a *app) newManager(ctx context.Context) (*redlock.Manager, func(), error) {
	stores := make([]lockstore.Store, 0, len(a.endpoints))
	var nodeErrs []error
	for _, endpoint := range a.endpoints {
		st, err := openStore(ctx, endpoint)
		if err != nil {
			a.log.Warn("skipping store node", "url", endpoint, "err", err)
			nodeErrs = append(nodeErrs, err)
			continue
		}
		stores = append(stores, st)
	}

	closeAll := func() {
		for _, st := range stores {
			if err := st.Close(); err != nil {
				a.log.Warn("close store node", "addr", st.Addr(), "err", err)
			}
		}
	}

	quorum := a.quorum()
	if len(stores) < quorum {
		closeAll()
		return nil, nil, fmt.Errorf("%d of %d store nodes usable, quorum needs %d: %w",
			len(stores), len(a.endpoints), quorum, errors.Join(nodeErrs...))
	}

	manager, err := redlock.New(redlock.Config{Quorum: quorum}, stores...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return manager, closeAll, nil
}

func openStore(ctx context.Context, rawURL string) (lockstore.Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse store url: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return lockredis.FromURL(rawURL)
	case "postgres", "postgresql":
		st, err := lockpg.FromURL(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureSchema(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q (expected redis, rediss, postgres, or postgresql)", u.Scheme)
	}
}

func (a *app) record(ctx context.Context, ev audit.Event) {
	if err := a.recorder.Record(ctx, ev); err != nil {
		a.log.Warn("record audit event", "type", ev.Type, "err", err)
	}
}
