package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/juno-intents/redlock-cli/internal/lockstore"
)

var ErrInvalidConfig = errors.New("lockstore/redis: invalid config")

// Conditional set: take the key when it is absent or already holds our
// token, refreshing the expiry either way.
var lockScript = goredis.NewScript(`local current_value = redis.call("get",KEYS[1])
if current_value == ARGV[1] or current_value == false then
    return redis.call("set",KEYS[1],ARGV[1],"PX",ARGV[2])
else
    return 0
end`)

// Conditional delete: remove the key only while it still holds our token.
var unlockScript = goredis.NewScript(`if redis.call("get",KEYS[1]) == ARGV[1] then
    return redis.call("del",KEYS[1])
else
    return false
end`)

// Store is a single Redis lock node.
type Store struct {
	client *goredis.Client
	addr   string
}

func New(client *goredis.Client) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}
	return &Store{client: client, addr: client.Options().Addr}, nil
}

// FromURL builds a Store from a redis:// or rediss:// URL.
func FromURL(rawURL string) (*Store, error) {
	opts, err := goredis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Store{client: goredis.NewClient(opts), addr: opts.Addr}, nil
}

func (s *Store) TrySet(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := lockstore.Validate(resource, token, ttl); err != nil {
		return false, err
	}

	res, err := lockScript.Run(ctx, s.client, []string{resource}, token, ttlMilliseconds(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("lockstore/redis: try set %s: %w", s.addr, err)
	}
	// The script returns the status reply from SET when it took the key
	// and 0 when another token holds it.
	switch v := res.(type) {
	case string:
		return v == "OK", nil
	case int64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("lockstore/redis: try set %s: unexpected reply %T", s.addr, res)
	}
}

func (s *Store) ForceSet(ctx context.Context, resource, token string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := lockstore.Validate(resource, token, ttl); err != nil {
		return err
	}

	if err := s.client.Set(ctx, resource, token, ttl).Err(); err != nil {
		return fmt.Errorf("lockstore/redis: force set %s: %w", s.addr, err)
	}
	return nil
}

func (s *Store) TryDelete(ctx context.Context, resource, token string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if resource == "" || token == "" {
		return false, lockstore.ErrInvalidInput
	}

	res, err := unlockScript.Run(ctx, s.client, []string{resource}, token).Result()
	if errors.Is(err, goredis.Nil) {
		// Lua false comes back as a nil reply: the key is absent or held
		// by another token.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lockstore/redis: try delete %s: %w", s.addr, err)
	}
	n, ok := res.(int64)
	return ok && n > 0, nil
}

func (s *Store) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}
