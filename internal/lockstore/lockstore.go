package lockstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidInput = errors.New("lockstore: invalid input")

// Store is one key-value node consulted by the quorum lock protocol.
//
// Both conditional primitives must execute as a single atomic store-side
// operation; a read followed by a separate write is racy and breaks mutual
// exclusion across processes.
type Store interface {
	// TrySet sets resource=token with expiry ttl iff the key is absent or
	// already holds token, and reports whether the set happened. Re-setting
	// the token the key already holds refreshes the expiry; that is how
	// lock renewal works.
	TrySet(ctx context.Context, resource, token string, ttl time.Duration) (bool, error)

	// ForceSet unconditionally sets resource=token with expiry ttl,
	// regardless of the current holder. Operator override; the caller's
	// quorum accounting is unchanged.
	ForceSet(ctx context.Context, resource, token string, ttl time.Duration) error

	// TryDelete deletes resource iff it currently holds token, and reports
	// whether the delete happened. An absent or expired key reports false.
	TryDelete(ctx context.Context, resource, token string) (bool, error)

	// Addr identifies the node in logs and aggregate errors.
	Addr() string

	Close() error
}

func Validate(resource, token string, ttl time.Duration) error {
	if resource == "" || token == "" || ttl <= 0 {
		return fmt.Errorf("%w: resource/token must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
