// Package redis backs the GPU dispatch channel and the dead-letter
// store with Redis. Work messages go over a Stream so the worker pool
// can consume with consumer groups; dispatch dedupe keys use SET NX
// with a TTL; dead-letter entries are stored as Hash-indexed blobs.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/darkroom/deadletter"
	"github.com/xraph/darkroom/gpuq"
)

// Compile-time interface checks.
var (
	_ deadletter.Store = (*Store)(nil)
	_ gpuq.Channel     = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithCodec sets the wire codec for work messages. Defaults to JSON.
func WithCodec(c gpuq.Codec) Option {
	return func(s *Store) { s.codec = c }
}

// Store implements gpuq.Channel and deadletter.Store backed by Redis.
type Store struct {
	client       redis.Cmdable
	codec        gpuq.Codec
	dedupeWindow time.Duration
	logger       *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client: client,
		codec:  gpuq.GetCodec(gpuq.CodecNameJSON),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close(_ context.Context) error { return nil }
