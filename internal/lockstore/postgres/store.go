package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juno-intents/redlock-cli/internal/lockstore"
)

var ErrInvalidConfig = errors.New("lockstore/postgres: invalid config")

// Store is a single Postgres lock node. Expiry rides on the server clock,
// so both conditional primitives run as one statement and never read before
// writing.
type Store struct {
	pool *pgxpool.Pool
	addr string
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	cfg := pool.Config().ConnConfig
	return &Store{pool: pool, addr: describe(cfg.Host, cfg.Port, cfg.Database)}, nil
}

// FromURL builds a Store from a postgres:// or postgresql:// URL.
func FromURL(ctx context.Context, rawURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("lockstore/postgres: connect: %w", err)
	}
	cc := cfg.ConnConfig
	return &Store{pool: pool, addr: describe(cc.Host, cc.Port, cc.Database)}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	_, err := s.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("lockstore/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TrySet(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := lockstore.Validate(resource, token, ttl); err != nil {
		return false, err
	}

	var gotToken string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO locks (resource, token, expires_at, created_at, updated_at)
		VALUES ($1,$2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (resource) DO UPDATE
		SET token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE locks.expires_at <= now() OR locks.token = EXCLUDED.token
		RETURNING token
	`, resource, token, ttlMilliseconds(ttl)).Scan(&gotToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Live row held by another token.
			return false, nil
		}
		return false, fmt.Errorf("lockstore/postgres: try set %s: %w", s.addr, err)
	}
	return true, nil
}

func (s *Store) ForceSet(ctx context.Context, resource, token string, ttl time.Duration) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := lockstore.Validate(resource, token, ttl); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO locks (resource, token, expires_at, created_at, updated_at)
		VALUES ($1,$2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (resource) DO UPDATE
		SET token = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
	`, resource, token, ttlMilliseconds(ttl))
	if err != nil {
		return fmt.Errorf("lockstore/postgres: force set %s: %w", s.addr, err)
	}
	return nil
}

func (s *Store) TryDelete(ctx context.Context, resource, token string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if resource == "" || token == "" {
		return false, lockstore.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM locks
		WHERE resource = $1 AND token = $2 AND expires_at > now()
	`, resource, token)
	if err != nil {
		return false, fmt.Errorf("lockstore/postgres: try delete %s: %w", s.addr, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func describe(host string, port uint16, database string) string {
	return fmt.Sprintf("%s:%d/%s", host, port, database)
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}
