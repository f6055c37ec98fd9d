// Package record provides a keyed document store.
//
// A [Store] persists JSON documents under a key derived from a declared,
// ordered list of field paths (a [KeySpec]). The same logical entity always
// derives the same key, so writes are idempotent overwrites rather than
// duplicates. Storage is delegated to a [Backend]; see the disk, sqlite and
// redis subpackages.
package record

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/maphash"
	"iter"
	"log/slog"
	"sync"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when no record matches a query.
	ErrNotFound = errors.New("record: not found")

	// ErrMissingField is returned when a record lacks a key spec field.
	ErrMissingField = errors.New("record: missing key field")

	// ErrInvalidKey is returned when a key is malformed.
	ErrInvalidKey = errors.New("record: invalid key")
)

// MissingFieldError names the absent key field. It matches ErrMissingField.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("record: missing key field %q", e.Field)
}

// Unwrap returns ErrMissingField.
func (e *MissingFieldError) Unwrap() error {
	return ErrMissingField
}

// Backend stores opaque documents by key.
//
// Implementations must make Put atomic with respect to Get: a reader sees
// either the previous document or the new one, never a partial write.
type Backend interface {
	// Put stores data under key, replacing any existing document.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the document stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the document under key. Missing keys are a no-op.
	Delete(ctx context.Context, key string) error

	// Scan yields every stored document once.
	Scan(ctx context.Context) iter.Seq2[[]byte, error]

	// Close releases backend resources.
	Close() error
}

const lockStripes = 64

// Store is a typed view over a Backend.
// It is safe for concurrent use.
type Store[T any] struct {
	backend Backend
	spec    KeySpec
	seed    maphash.Seed
	locks   [lockStripes]sync.Mutex
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a Store over backend using spec to derive keys.
func New[T any](backend Backend, spec KeySpec, opts ...Option) (*Store[T], error) {
	if backend == nil {
		return nil, errors.New("record: backend is nil")
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Store[T]{
		backend: backend,
		spec:    spec,
		seed:    maphash.MakeSeed(),
		logger:  o.logger,
	}, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store[T]) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Spec returns the key spec.
func (s *Store[T]) Spec() KeySpec {
	return s.spec
}

// Key derives the storage key for rec.
func (s *Store[T]) Key(rec T) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("record: encode: %w", err)
	}
	return s.spec.KeyOf(data)
}

// Write stores rec under its derived key and returns the key.
// Writes to the same key are serialized; the last writer wins.
func (s *Store[T]) Write(ctx context.Context, rec T) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("record: encode: %w", err)
	}
	key, err := s.spec.KeyOf(data)
	if err != nil {
		return "", err
	}

	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if err := s.backend.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("record: put %s: %w", key, err)
	}
	s.log().Debug("record written", slog.String("key", key))
	return key, nil
}

// Read returns the record matching q, or ErrNotFound.
func (s *Store[T]) Read(ctx context.Context, q Query) (T, error) {
	var zero T
	key, direct, err := s.resolve(q)
	if err != nil {
		return zero, err
	}
	if direct {
		data, err := s.backend.Get(ctx, key)
		if err != nil {
			return zero, err
		}
		return decode[T](data)
	}
	for rec, err := range s.scanMatching(ctx, q) {
		if err != nil {
			return zero, err
		}
		return rec, nil
	}
	return zero, ErrNotFound
}

// Delete removes the record matching q. Absent records are not an error.
func (s *Store[T]) Delete(ctx context.Context, q Query) error {
	key, direct, err := s.resolve(q)
	if err != nil {
		return err
	}
	if !direct {
		// Resolve the key by scanning, then delete by key.
		var found bool
		for data, err := range s.backend.Scan(ctx) {
			if err != nil {
				return err
			}
			if q.matches(data) {
				key, err = s.spec.KeyOf(data)
				if err != nil {
					return err
				}
				found = true
				break
			}
		}
		if !found {
			return nil
		}
	}

	mu := s.lock(key)
	mu.Lock()
	defer mu.Unlock()
	return s.backend.Delete(ctx, key)
}

// Scan lazily yields every record in the collection.
// It is restartable only by calling Scan again.
func (s *Store[T]) Scan(ctx context.Context) iter.Seq2[T, error] {
	return s.scanMatching(ctx, Query{})
}

// Close closes the backend.
func (s *Store[T]) Close() error {
	return s.backend.Close()
}

func (s *Store[T]) scanMatching(ctx context.Context, q Query) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		for data, err := range s.backend.Scan(ctx) {
			if err != nil {
				yield(zero, err)
				return
			}
			if !q.matches(data) {
				continue
			}
			rec, err := decode[T](data)
			if !yield(rec, err) {
				return
			}
		}
	}
}

// resolve turns q into a direct key when possible.
func (s *Store[T]) resolve(q Query) (key string, direct bool, err error) {
	if q.key != "" {
		if err := validKey(q.key); err != nil {
			return "", false, err
		}
		return q.key, true, nil
	}
	if s.spec.covers(q.match) {
		key, err := s.spec.keyOfMatch(q.match)
		if err != nil {
			return "", false, err
		}
		return key, true, nil
	}
	return "", false, nil
}

func (s *Store[T]) lock(key string) *sync.Mutex {
	return &s.locks[maphash.String(s.seed, key)%lockStripes]
}

func decode[T any](data []byte) (T, error) {
	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("record: decode: %w", err)
	}
	return rec, nil
}
