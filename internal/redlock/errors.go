package redlock

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable marks failed acquisition attempts: quorum missed or
	// validity exhausted before the fanout finished.
	ErrUnavailable = errors.New("redlock: lock unavailable")

	// ErrReleaseQuorum marks releases acknowledged by fewer than quorum nodes.
	ErrReleaseQuorum = errors.New("redlock: release below quorum")
)

// UnavailableError reports one failed acquisition attempt. Per-node store
// errors are carried in Errs; nodes that merely reported the key held by
// another token contribute a missing count, not an error.
type UnavailableError struct {
	Resource string
	Acquired int
	Quorum   int
	Errs     []error
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("redlock: lock %q unavailable: acquired on %d nodes, quorum %d", e.Resource, e.Acquired, e.Quorum)
	if len(e.Errs) > 0 {
		msg += ": " + joinErrs(e.Errs)
	}
	return msg
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *UnavailableError) Unwrap() []error { return e.Errs }

// ReleaseError reports a release acknowledged by fewer than quorum nodes.
// The holder cannot assume the lock is free for others before its TTL runs out.
type ReleaseError struct {
	Resource string
	Released int
	Quorum   int
	Errs     []error
}

func (e *ReleaseError) Error() string {
	msg := fmt.Sprintf("redlock: release of %q below quorum: released on %d nodes, quorum %d", e.Resource, e.Released, e.Quorum)
	if len(e.Errs) > 0 {
		msg += ": " + joinErrs(e.Errs)
	}
	return msg
}

func (e *ReleaseError) Is(target error) bool { return target == ErrReleaseQuorum }

func (e *ReleaseError) Unwrap() []error { return e.Errs }

func joinErrs(errs []error) string {
	parts := make([]string, 0, len(errs))
	for _, err := range errs {
		parts = append(parts, err.Error())
	}
	return strings.Join(parts, "; ")
}
