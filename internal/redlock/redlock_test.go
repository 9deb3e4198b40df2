package redlock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/juno-intents/redlock-cli/internal/lockstore"
)

type failStore struct {
	addr string
	err  error
}

func (f *failStore) TrySet(_ context.Context, _, _ string, _ time.Duration) (bool, error) {
	return false, f.err
}

func (f *failStore) ForceSet(_ context.Context, _, _ string, _ time.Duration) error {
	return f.err
}

func (f *failStore) TryDelete(_ context.Context, _, _ string) (bool, error) {
	return false, f.err
}

func (f *failStore) Addr() string { return f.addr }

func (f *failStore) Close() error { return nil }

func memoryNodes(n int, nowFn func() time.Time) ([]*lockstore.MemoryStore, []lockstore.Store) {
	mems := make([]*lockstore.MemoryStore, n)
	stores := make([]lockstore.Store, n)
	for i := range mems {
		mems[i] = lockstore.NewMemoryStore(nowFn)
		stores[i] = mems[i]
	}
	return mems, stores
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	mem := lockstore.NewMemoryStore(nil)

	cases := []struct {
		name   string
		cfg    Config
		stores []lockstore.Store
	}{
		{name: "no stores", cfg: Config{}, stores: nil},
		{name: "nil store", cfg: Config{}, stores: []lockstore.Store{mem, nil}},
		{name: "quorum too large", cfg: Config{Quorum: 2}, stores: []lockstore.Store{mem}},
		{name: "negative quorum", cfg: Config{Quorum: -1}, stores: []lockstore.Store{mem}},
		{name: "negative drift factor", cfg: Config{DriftFactor: -0.5}, stores: []lockstore.Store{mem}},
		{name: "drift factor ge one", cfg: Config{DriftFactor: 1.5}, stores: []lockstore.Store{mem}},
		{name: "negative drift padding", cfg: Config{DriftPadding: -time.Millisecond}, stores: []lockstore.Store{mem}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.cfg, tc.stores...); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("got %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestManager_AcquireAndReleaseSingleNode(t *testing.T) {
	t.Parallel()

	mems, stores := memoryNodes(1, nil)
	m, err := New(Config{}, stores...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "jobA", "a", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if lock.Resource != "jobA" || lock.Token != "a" {
		t.Fatalf("unexpected lock: %+v", lock)
	}
	if lock.Validity <= 0 || lock.Validity >= time.Second {
		t.Fatalf("validity out of range: %v", lock.Validity)
	}
	if tok, held := mems[0].Peek("jobA"); !held || tok != "a" {
		t.Fatalf("node state: held=%v tok=%q", held, tok)
	}

	if _, err := m.Acquire(ctx, "jobA", "b", time.Second); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("conflicting acquire: got %v, want ErrUnavailable", err)
	}

	if err := m.Release(ctx, lock); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := m.Acquire(ctx, "jobA", "b", time.Second); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestManager_QuorumUnderNodeFailures(t *testing.T) {
	t.Parallel()

	const n = 5
	quorum := n/2 + 1
	nodeErr := errors.New("node down")

	for failing := 0; failing <= n; failing++ {
		failing := failing
		t.Run(fmt.Sprintf("%d_failing", failing), func(t *testing.T) {
			t.Parallel()

			stores := make([]lockstore.Store, 0, n)
			for i := 0; i < failing; i++ {
				stores = append(stores, &failStore{addr: "down", err: nodeErr})
			}
			for i := failing; i < n; i++ {
				stores = append(stores, lockstore.NewMemoryStore(nil))
			}

			m, err := New(Config{}, stores...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			lock, err := m.Acquire(context.Background(), "jobA", "a", time.Minute)
			healthy := n - failing
			if healthy >= quorum {
				if err != nil {
					t.Fatalf("expected success with %d healthy nodes: %v", healthy, err)
				}
				if lock.Validity <= 0 {
					t.Fatalf("non-positive validity: %v", lock.Validity)
				}
				return
			}

			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected ErrUnavailable, got %v", err)
			}
			if !errors.Is(err, nodeErr) {
				t.Fatalf("node error not reachable through %v", err)
			}
			var ue *UnavailableError
			if !errors.As(err, &ue) {
				t.Fatalf("expected *UnavailableError, got %T", err)
			}
			if ue.Acquired != healthy || ue.Quorum != quorum || len(ue.Errs) != failing {
				t.Fatalf("aggregate mismatch: %+v (want acquired=%d quorum=%d errs=%d)", ue, healthy, quorum, failing)
			}
		})
	}
}

func TestManager_FailedAttemptRollsBackPartialHolds(t *testing.T) {
	t.Parallel()

	mems, stores := memoryNodes(3, nil)
	m, err := New(Config{}, stores...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	// Two nodes already belong to another holder; only one set can land.
	for _, mem := range mems[:2] {
		if _, err := mem.TrySet(ctx, "jobA", "other", time.Minute); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	_, err = m.Acquire(ctx, "jobA", "mine", time.Minute)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	var ue *UnavailableError
	if !errors.As(err, &ue) || ue.Acquired != 1 || len(ue.Errs) != 0 {
		t.Fatalf("aggregate mismatch: %+v", ue)
	}

	// The partial hold must not linger on the free node.
	if tok, held := mems[2].Peek("jobA"); held {
		t.Fatalf("partial hold not rolled back: tok=%q", tok)
	}
	// The other holder keeps its nodes.
	for i, mem := range mems[:2] {
		if tok, held := mem.Peek("jobA"); !held || tok != "other" {
			t.Fatalf("node %d disturbed: held=%v tok=%q", i, held, tok)
		}
	}
}

func TestManager_RefreshExtendsHold(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }

	_, stores := memoryNodes(3, nowFn)
	m, err := New(Config{Now: nowFn}, stores...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "jobA", "a", time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Re-acquiring with the held token is the renewal path.
	now = now.Add(800 * time.Millisecond)
	if _, err := m.Acquire(ctx, "jobA", "a", time.Second); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	// 800ms later the first TTL would have lapsed; the refresh keeps
	// other tokens out.
	now = now.Add(800 * time.Millisecond)
	if _, err := m.Acquire(ctx, "jobA", "b", time.Second); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable while refreshed, got %v", err)
	}

	// Once the refreshed TTL lapses the lock is up for grabs.
	now = now.Add(1100 * time.Millisecond)
	if _, err := m.Acquire(ctx, "jobA", "b", time.Second); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestManager_ReleaseRequiresMatchingToken(t *testing.T) {
	t.Parallel()

	mems, stores := memoryNodes(3, nil)
	m, err := New(Config{}, stores...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "jobA", "a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	err = m.Release(ctx, Lock{Resource: "jobA", Token: "b"})
	if !errors.Is(err, ErrReleaseQuorum) {
		t.Fatalf("got %v, want ErrReleaseQuorum", err)
	}
	var re *ReleaseError
	if !errors.As(err, &re) || re.Released != 0 {
		t.Fatalf("aggregate mismatch: %+v", re)
	}
	// The stored tokens are untouched.
	for i, mem := range mems {
		if tok, held := mem.Peek("jobA"); !held || tok != "a" {
			t.Fatalf("node %d disturbed: held=%v tok=%q", i, held, tok)
		}
	}

	if err := m.Release(ctx, lock); err != nil {
		t.Fatalf("Release by holder: %v", err)
	}
	// A second release finds nothing to delete.
	if err := m.Release(ctx, lock); !errors.Is(err, ErrReleaseQuorum) {
		t.Fatalf("got %v, want ErrReleaseQuorum", err)
	}
}

func TestManager_WithForceStealsHeldLock(t *testing.T) {
	t.Parallel()

	mems, stores := memoryNodes(3, nil)
	m, err := New(Config{}, stores...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "jobA", "a", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "jobA", "b", time.Minute); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable without force, got %v", err)
	}

	lock, err := m.Acquire(ctx, "jobA", "b", time.Minute, WithForce())
	if err != nil {
		t.Fatalf("forced acquire: %v", err)
	}
	if lock.Token != "b" {
		t.Fatalf("unexpected token: %q", lock.Token)
	}
	for i, mem := range mems {
		if tok, held := mem.Peek("jobA"); !held || tok != "b" {
			t.Fatalf("node %d not overridden: held=%v tok=%q", i, held, tok)
		}
	}
}

func TestManager_ValidityAccountsElapsedAndDrift(t *testing.T) {
	t.Parallel()

	// The manager reads the clock twice per attempt; each read advances it
	// 10ms, so elapsed is exactly 10ms.
	cur := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	nowFn := func() time.Time {
		t := cur
		cur = cur.Add(10 * time.Millisecond)
		return t
	}

	_, stores := memoryNodes(1, nil)
	m, err := New(Config{Now: nowFn}, stores...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	lock, err := m.Acquire(context.Background(), "jobA", "a", time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// validity = 1000ms - 10ms elapsed - (10ms drift + 2ms padding).
	if want := 978 * time.Millisecond; lock.Validity != want {
		t.Fatalf("validity = %v, want %v", lock.Validity, want)
	}
}

func TestManager_RejectsInvalidInput(t *testing.T) {
	t.Parallel()

	_, stores := memoryNodes(1, nil)
	m, err := New(Config{}, stores...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := m.Acquire(ctx, "", "a", time.Second); !errors.Is(err, lockstore.ErrInvalidInput) {
		t.Fatalf("empty resource: got %v", err)
	}
	if _, err := m.Acquire(ctx, "jobA", "", time.Second); !errors.Is(err, lockstore.ErrInvalidInput) {
		t.Fatalf("empty token: got %v", err)
	}
	if _, err := m.Acquire(ctx, "jobA", "a", 0); !errors.Is(err, lockstore.ErrInvalidInput) {
		t.Fatalf("zero ttl: got %v", err)
	}
	if err := m.Release(ctx, Lock{Resource: "jobA"}); !errors.Is(err, lockstore.ErrInvalidInput) {
		t.Fatalf("empty token on release: got %v", err)
	}
}

func TestNewToken(t *testing.T) {
	t.Parallel()

	a := NewToken()
	b := NewToken()
	if a == b {
		t.Fatal("tokens not unique")
	}
	if len(a) != 32 {
		t.Fatalf("token length = %d, want 32", len(a))
	}
	for _, c := range a {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("token %q is not lowercase hex", a)
		}
	}
}
