package redlock

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/juno-intents/redlock-cli/internal/lockstore"
)

var ErrInvalidConfig = errors.New("redlock: invalid config")

const (
	// DefaultDriftFactor compensates for store clocks ticking faster than
	// ours, as a fraction of the requested TTL.
	DefaultDriftFactor = 0.01

	// DefaultDriftPadding absorbs sub-millisecond expiry precision plus a
	// minimum drift for small TTLs.
	DefaultDriftPadding = 2 * time.Millisecond
)

// Lock is proof of a held quorum lock. It is produced by Acquire only and
// must be passed back verbatim to Release.
type Lock struct {
	// Validity is the estimated window the holder may safely assume
	// exclusivity for, drift already subtracted.
	Validity time.Duration
	Resource string
	// Token is the fencing token stored on every node; only the matching
	// token can release or refresh the lock.
	Token string
}

type Config struct {
	// Quorum is the number of nodes that must accept a set for the lock to
	// be held. 0 means majority: len(stores)/2 + 1.
	Quorum int

	// DriftFactor scales the requested TTL into a clock-drift allowance.
	// 0 means DefaultDriftFactor.
	DriftFactor float64

	// DriftPadding is added to the scaled drift. 0 means DefaultDriftPadding.
	DriftPadding time.Duration

	Now func() time.Time
}

// Manager coordinates one lock protocol instance over a fixed node set.
//
// It holds no per-lock state: every Acquire is independent, and re-acquiring
// a resource with the token already stored refreshes the TTL on each node.
// That refresh is how renewal works; there is no separate extend operation.
type Manager struct {
	cfg    Config
	stores []lockstore.Store
}

func New(cfg Config, stores ...lockstore.Store) (*Manager, error) {
	if len(stores) == 0 {
		return nil, fmt.Errorf("%w: no stores", ErrInvalidConfig)
	}
	for _, s := range stores {
		if s == nil {
			return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
		}
	}
	if cfg.Quorum == 0 {
		cfg.Quorum = len(stores)/2 + 1
	}
	if cfg.Quorum < 1 || cfg.Quorum > len(stores) {
		return nil, fmt.Errorf("%w: quorum %d out of range for %d stores", ErrInvalidConfig, cfg.Quorum, len(stores))
	}
	if cfg.DriftFactor == 0 {
		cfg.DriftFactor = DefaultDriftFactor
	}
	if cfg.DriftFactor < 0 || cfg.DriftFactor >= 1 {
		return nil, fmt.Errorf("%w: drift factor %v out of range", ErrInvalidConfig, cfg.DriftFactor)
	}
	if cfg.DriftPadding == 0 {
		cfg.DriftPadding = DefaultDriftPadding
	}
	if cfg.DriftPadding < 0 {
		return nil, fmt.Errorf("%w: negative drift padding", ErrInvalidConfig)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Manager{cfg: cfg, stores: stores}, nil
}

// NewToken returns a fresh fencing token: a random UUID rendered as 32 hex
// digits.
func NewToken() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

type acquireOptions struct {
	force bool
}

type AcquireOption func(*acquireOptions)

// WithForce overwrites whatever token each node currently holds instead of
// the conditional set. Quorum and validity accounting are unchanged. Operator
// override; it steals locks.
func WithForce() AcquireOption {
	return func(o *acquireOptions) { o.force = true }
}

// Acquire attempts to take (or refresh) resource=token on a quorum of nodes
// within ttl. All nodes are tried concurrently; per-node errors never abort
// the attempt and are collected into the returned *UnavailableError on
// failure. On failure every node is asked, best effort, to drop the token so
// a partial hold does not linger for a full TTL.
func (m *Manager) Acquire(ctx context.Context, resource, token string, ttl time.Duration, opts ...AcquireOption) (Lock, error) {
	if err := lockstore.Validate(resource, token, ttl); err != nil {
		return Lock{}, err
	}
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := m.cfg.Now()

	var (
		mu       sync.Mutex
		acquired int
		errs     []error
	)
	var wg sync.WaitGroup
	for _, s := range m.stores {
		wg.Add(1)
		go func(s lockstore.Store) {
			defer wg.Done()
			ok, err := trySetNode(ctx, s, resource, token, ttl, o.force)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				acquired++
			}
		}(s)
	}
	wg.Wait()

	elapsed := m.cfg.Now().Sub(start)
	validity := ttl - elapsed - m.drift(ttl)

	if validity > 0 && acquired >= m.cfg.Quorum {
		return Lock{Validity: validity, Resource: resource, Token: token}, nil
	}

	m.dropAll(ctx, resource, token)

	return Lock{}, &UnavailableError{
		Resource: resource,
		Acquired: acquired,
		Quorum:   m.cfg.Quorum,
		Errs:     errs,
	}
}

// Release deletes the lock's token from every node concurrently. nil means a
// quorum of nodes confirmed the delete; otherwise a *ReleaseError reports how
// many confirmed, and the holder must assume stale entries persist until the
// TTL runs out. Nodes erroring, or reporting the key absent or held by a
// different token, do not count toward the quorum.
func (m *Manager) Release(ctx context.Context, lock Lock) error {
	if lock.Resource == "" || lock.Token == "" {
		return fmt.Errorf("%w: release needs a resource and token", lockstore.ErrInvalidInput)
	}

	var (
		mu       sync.Mutex
		released int
		errs     []error
	)
	var wg sync.WaitGroup
	for _, s := range m.stores {
		wg.Add(1)
		go func(s lockstore.Store) {
			defer wg.Done()
			ok, err := s.TryDelete(ctx, lock.Resource, lock.Token)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if ok {
				released++
			}
		}(s)
	}
	wg.Wait()

	if released >= m.cfg.Quorum {
		return nil
	}
	return &ReleaseError{
		Resource: lock.Resource,
		Released: released,
		Quorum:   m.cfg.Quorum,
		Errs:     errs,
	}
}

func trySetNode(ctx context.Context, s lockstore.Store, resource, token string, ttl time.Duration, force bool) (bool, error) {
	if force {
		if err := s.ForceSet(ctx, resource, token, ttl); err != nil {
			return false, err
		}
		return true, nil
	}
	return s.TrySet(ctx, resource, token, ttl)
}

// drift floors the scaled TTL to whole milliseconds before padding, so small
// TTLs never round their allowance up.
func (m *Manager) drift(ttl time.Duration) time.Duration {
	driftMS := int64(float64(ttl.Milliseconds()) * m.cfg.DriftFactor)
	return time.Duration(driftMS)*time.Millisecond + m.cfg.DriftPadding
}

func (m *Manager) dropAll(ctx context.Context, resource, token string) {
	var wg sync.WaitGroup
	for _, s := range m.stores {
		wg.Add(1)
		go func(s lockstore.Store) {
			defer wg.Done()
			_, _ = s.TryDelete(ctx, resource, token)
		}(s)
	}
	wg.Wait()
}
