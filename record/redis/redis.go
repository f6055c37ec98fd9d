// Package redis provides a Redis record.Backend.
//
// A collection is a single Redis hash: field is the record key, value is the
// JSON document. HSET replaces a field atomically, so readers never see a
// partial document.
package redis

import (
	"context"
	"errors"
	"fmt"
	"iter"

	goredis "github.com/redis/go-redis/v9"

	"github.com/meigma/fastpull/record"
)

const defaultScanCount = 256

// Backend implements record.Backend on a Redis hash.
type Backend struct {
	client    goredis.UniversalClient
	hash      string
	scanCount int64
	ownsConn  bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithScanCount sets the HSCAN COUNT hint.
func WithScanCount(n int64) Option {
	return func(b *Backend) {
		if n > 0 {
			b.scanCount = n
		}
	}
}

// Open connects to the Redis server at url (redis://[:password@]host:port/db)
// and returns a backend for collection. The backend closes the connection on
// Close.
func Open(ctx context.Context, url, collection string, opts ...Option) (*Backend, error) {
	o, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	b, err := New(client, collection, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	b.ownsConn = true
	return b, nil
}

// New returns a backend storing documents in the hash named collection.
// The caller retains ownership of client.
func New(client goredis.UniversalClient, collection string, opts ...Option) (*Backend, error) {
	if client == nil {
		return nil, errors.New("redis: client is nil")
	}
	if collection == "" {
		return nil, errors.New("redis: collection is empty")
	}
	b := &Backend{
		client:    client,
		hash:      "fastpull:" + collection,
		scanCount: defaultScanCount,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Put implements record.Backend.
func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	if err := b.client.HSet(ctx, b.hash, key, data).Err(); err != nil {
		return fmt.Errorf("redis: put %s: %w", key, err)
	}
	return nil
}

// Get implements record.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := b.client.HGet(ctx, b.hash, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: get %s: %w", key, err)
	}
	return data, nil
}

// Delete implements record.Backend.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.client.HDel(ctx, b.hash, key).Err(); err != nil {
		return fmt.Errorf("redis: delete %s: %w", key, err)
	}
	return nil
}

// Scan implements record.Backend. HSCAN may return a field more than once
// when the hash is rehashed mid-scan; duplicates are dropped.
func (b *Backend) Scan(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		seen := make(map[string]struct{})
		var cursor uint64
		for {
			kvs, next, err := b.client.HScan(ctx, b.hash, cursor, "", b.scanCount).Result()
			if err != nil {
				yield(nil, fmt.Errorf("redis: scan: %w", err))
				return
			}
			for i := 0; i+1 < len(kvs); i += 2 {
				if _, dup := seen[kvs[i]]; dup {
					continue
				}
				seen[kvs[i]] = struct{}{}
				if !yield([]byte(kvs[i+1]), nil) {
					return
				}
			}
			if next == 0 {
				return
			}
			cursor = next
		}
	}
}

// Close implements record.Backend.
func (b *Backend) Close() error {
	if b.ownsConn {
		return b.client.Close()
	}
	return nil
}
