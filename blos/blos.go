// Package blos implements a content-addressed store for distfiles.
//
// Every blob is stored once under its SHA-512 digest at
//
//	<root>/<h[0:2]>/<h[2:4]>/<h[4:6]>/<h>
//
// and described by a [Record] kept in a [record.Store]. The blob file is
// always renamed into place before its record is written, so a record never
// refers to missing or partially written content.
package blos

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meigma/fastpull/hashes"
	"github.com/meigma/fastpull/record"
	"github.com/meigma/fastpull/record/disk"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
	incomingDir     = ".incoming"
)

// RecordKey is the key spec of the record collection: records are keyed by
// their SHA-512 digest.
var RecordKey = record.HashKey("hashes.sha512")

// Record describes one stored blob. It is created once per unique SHA-512
// and never modified afterwards.
type Record struct {
	Hashes    hashes.Set `json:"hashes"`
	Size      int64      `json:"size"`
	Path      string     `json:"path"`
	SrcURI    []string   `json:"src_uri,omitempty"`
	Refs      []Ref      `json:"refs,omitempty"`
	Filename  string     `json:"filename,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// SHA512 returns the canonical digest of the blob.
func (r *Record) SHA512() string {
	return r.Hashes.Canonical()
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Hashes = r.Hashes.Clone()
	c.SrcURI = append([]string(nil), r.SrcURI...)
	c.Refs = append([]Ref(nil), r.Refs...)
	return &c
}

// Ref names a package that referenced the blob when it was first stored.
type Ref struct {
	CatPkg string `json:"catpkg,omitempty"`
	Kit    string `json:"kit,omitempty"`
	Branch string `json:"branch,omitempty"`
	Scope  string `json:"scope,omitempty"`
}

// Store is a content-addressed blob store.
// It is safe for concurrent use.
type Store struct {
	dir          string
	records      *record.Store[Record]
	algs         []hashes.Algorithm
	verifyOnRead bool
	dirPerm      os.FileMode
	filePerm     os.FileMode
	logger       *slog.Logger
	now          func() time.Time
	inserts      singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithHashes sets the algorithms computed on insert. SHA-512 is always
// included.
func WithHashes(algs ...hashes.Algorithm) Option {
	return func(s *Store) {
		s.algs = hashes.Normalize(algs)
	}
}

// WithVerifyOnRead makes Get and Open re-hash the blob on every read.
// Corrupt blobs are removed and reported as ErrCorrupt.
func WithVerifyOnRead(enabled bool) Option {
	return func(s *Store) {
		s.verifyOnRead = enabled
	}
}

// WithDirPerm sets the permissions used for shard directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// WithFilePerm sets the permissions of stored blobs.
func WithFilePerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.filePerm = mode
	}
}

// New creates a store rooted at root whose records live in records.
func New(root string, records *record.Store[Record], opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("blos: root is empty")
	}
	if records == nil {
		return nil, errors.New("blos: record store is nil")
	}
	s := &Store{
		dir:      root,
		records:  records,
		algs:     hashes.Normalize(hashes.Default()),
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Join(root, incomingDir), s.dirPerm); err != nil {
		return nil, fmt.Errorf("blos: create root: %w", err)
	}
	return s, nil
}

// Open creates a store rooted at root with a disk record index at
// indexRoot. An empty indexRoot defaults to root + "-index".
func Open(root, indexRoot string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("blos: root is empty")
	}
	if indexRoot == "" {
		indexRoot = filepath.Clean(root) + "-index"
	}
	backend, err := disk.New(indexRoot)
	if err != nil {
		return nil, fmt.Errorf("blos: open index: %w", err)
	}
	records, err := record.New[Record](backend, RecordKey)
	if err != nil {
		return nil, err
	}
	return New(root, records, opts...)
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Root returns the blob tree root directory.
func (s *Store) Root() string {
	return s.dir
}

// Records returns the underlying record store.
func (s *Store) Records() *record.Store[Record] {
	return s.records
}

// Hashes returns the algorithms computed on insert.
func (s *Store) Hashes() []hashes.Algorithm {
	return append([]hashes.Algorithm(nil), s.algs...)
}

// RelativePath returns the sharded path of a blob, relative to the store
// root, using forward slashes.
func RelativePath(sha512 string) string {
	return path.Join(sha512[0:2], sha512[2:4], sha512[4:6], sha512)
}

// ValidHash reports whether h is a lowercase hex SHA-512 digest.
func ValidHash(h string) bool {
	return len(h) == hashes.SHA512.HexLen() && hashes.IsHex(h)
}

// BlobPath returns the absolute path of the blob with digest sha512.
func (s *Store) BlobPath(sha512 string) (string, error) {
	if !ValidHash(sha512) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, sha512)
	}
	return filepath.Join(s.dir, filepath.FromSlash(RelativePath(sha512))), nil
}

// Read returns the record matching q.
func (s *Store) Read(ctx context.Context, q record.Query) (*Record, error) {
	rec, err := s.records.Read(ctx, q)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the record for sha512, or record.ErrNotFound.
// With verify-on-read enabled the blob is re-hashed first.
func (s *Store) Get(ctx context.Context, sha512 string) (*Record, error) {
	if !ValidHash(sha512) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHash, sha512)
	}
	rec, err := s.Read(ctx, record.ByKey(sha512))
	if err != nil {
		return nil, err
	}
	if s.verifyOnRead {
		if err := s.verify(ctx, rec); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// Open returns the blob file for sha512 together with its record.
// The caller must close the file.
func (s *Store) Open(ctx context.Context, sha512 string) (*os.File, *Record, error) {
	rec, err := s.Get(ctx, sha512)
	if err != nil {
		return nil, nil, err
	}
	root, err := os.OpenRoot(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("blos: open root: %w", err)
	}
	defer root.Close()
	f, err := root.Open(filepath.FromSlash(RelativePath(sha512)))
	if err != nil {
		return nil, nil, fmt.Errorf("blos: open blob %s: %w", sha512, err)
	}
	return f, rec, nil
}

// Delete removes the record and then the blob. Absent blobs are not an error.
func (s *Store) Delete(ctx context.Context, sha512 string) error {
	p, err := s.BlobPath(sha512)
	if err != nil {
		return err
	}
	if err := s.records.Delete(ctx, record.ByKey(sha512)); err != nil {
		return fmt.Errorf("blos: delete record %s: %w", sha512, err)
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blos: delete blob %s: %w", sha512, err)
	}
	s.log().Info("blob deleted", slog.String("sha512", sha512))
	return nil
}

// Scan lazily yields every record in the store.
func (s *Store) Scan(ctx context.Context) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		for rec, err := range s.records.Scan(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(&rec, nil) {
				return
			}
		}
	}
}

// Close closes the record store.
func (s *Store) Close() error {
	return s.records.Close()
}

// verify re-hashes the blob behind rec. Corrupt or missing blobs are
// removed along with their record.
func (s *Store) verify(ctx context.Context, rec *Record) error {
	h := rec.SHA512()
	p, err := s.BlobPath(h)
	if err != nil {
		return err
	}
	sum, size, err := hashes.File(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blos: verify %s: %w", h, err)
	}
	var actual string
	if err == nil {
		actual = sum.Canonical()
		if actual == h && size == rec.Size {
			return nil
		}
	}

	cerr := &CorruptionError{Hash: h, Actual: actual, Size: rec.Size, ActualSize: size, Missing: err != nil}
	s.log().Error("corrupt blob removed", slog.String("sha512", h), slog.String("error", cerr.Error()))
	if derr := s.Delete(ctx, h); derr != nil {
		return errors.Join(cerr, derr)
	}
	return cerr
}
