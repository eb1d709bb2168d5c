// Package redis implements the fragmenta stores and a distributed
// per-stream lock on Redis.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aretw0/fragmenta/pkg/core"
)

// Options holds configuration for connecting to Redis and laying out keys.
type Options struct {
	// Address is the host:port of the Redis server.
	Address  string
	Password string
	DB       int
	// TLSConfig enables TLS when set.
	TLSConfig *tls.Config

	// Prefix namespaces every key. Defaults to "fragmenta".
	Prefix string

	// LockTTL bounds how long a crashed owner can hold a stream.
	LockTTL time.Duration
	// LockBackoff is the first wait of the Fibonacci backoff used while a
	// stream lock is held elsewhere, capped at LockMaxWait per attempt.
	LockBackoff time.Duration
	LockMaxWait time.Duration
	// LockRetries bounds the attempts before Lock gives up.
	LockRetries uint64

	Logger *slog.Logger
}

// DefaultOptions returns Options with localhost defaults.
func DefaultOptions() Options {
	return Options{
		Address:     "localhost:6379",
		Prefix:      "fragmenta",
		LockTTL:     30 * time.Second,
		LockBackoff: 10 * time.Millisecond,
		LockMaxWait: 500 * time.Millisecond,
		LockRetries: 100,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Address == "" {
		o.Address = d.Address
	}
	if o.Prefix == "" {
		o.Prefix = d.Prefix
	}
	if o.LockTTL <= 0 {
		o.LockTTL = d.LockTTL
	}
	if o.LockBackoff <= 0 {
		o.LockBackoff = d.LockBackoff
	}
	if o.LockMaxWait <= 0 {
		o.LockMaxWait = d.LockMaxWait
	}
	if o.LockRetries == 0 {
		o.LockRetries = d.LockRetries
	}
	return o
}

// Store implements the fragmenta stores on a Redis connection.
type Store struct {
	client *redis.Client
	opts   Options
	keys   keyspace
}

// NewStore opens a client for opts. The connection is established lazily.
func NewStore(opts Options) *Store {
	opts = opts.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:      opts.Address,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	})
	return NewStoreWithClient(client, opts)
}

// NewStoreWithURL opens a client from a redis:// or rediss:// URL.
func NewStoreWithURL(url string, opts Options) (*Store, error) {
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %v", core.ErrConfiguration, err)
	}
	opts.Address = parsed.Addr
	opts.Password = parsed.Password
	opts.DB = parsed.DB
	opts.TLSConfig = parsed.TLSConfig
	return NewStore(opts), nil
}

// NewStoreWithClient uses an existing client.
func NewStoreWithClient(client *redis.Client, opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{client: client, opts: opts, keys: keyspace{prefix: opts.Prefix}}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis at %s: %w", s.opts.Address, err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Stores returns the store wired as every engine collaborator.
func (s *Store) Stores() core.Stores {
	return core.Stores{Buckets: s, Members: s, Meta: s, Locker: s}
}
