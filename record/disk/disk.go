// Package disk provides a filesystem record.Backend.
//
// Documents are stored as JSON files sharded by key prefix:
//
//	<root>/<k[0:2]>/<k[2:4]>/<k[4:6]>/<key>.json
//
// Writes go to a temporary file in the shard directory and are renamed into
// place, so readers never observe a partially written document.
package disk

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/fastpull/record"
)

const (
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
	docSuffix       = ".json"
	tempPrefix      = ".rec-"
)

// Backend implements record.Backend on the local filesystem.
// It is safe for concurrent use.
type Backend struct {
	dir      string
	dirPerm  os.FileMode
	filePerm os.FileMode
	fsync    bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithDirPerm sets the permissions used for shard directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(b *Backend) {
		b.dirPerm = mode
	}
}

// WithFilePerm sets the permissions of stored documents.
func WithFilePerm(mode os.FileMode) Option {
	return func(b *Backend) {
		b.filePerm = mode
	}
}

// WithoutSync skips fsync before rename. Faster, but a crash may leave an
// empty document behind.
func WithoutSync() Option {
	return func(b *Backend) {
		b.fsync = false
	}
}

// New creates a disk backend rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Backend, error) {
	if dir == "" {
		return nil, errors.New("disk: record dir is empty")
	}
	b := &Backend{
		dir:      dir,
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
		fsync:    true,
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := os.MkdirAll(dir, b.dirPerm); err != nil {
		return nil, err
	}
	return b, nil
}

// Dir returns the root directory.
func (b *Backend) Dir() string {
	return b.dir
}

// Put implements record.Backend.
func (b *Backend) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := docPath(key)
	if err != nil {
		return err
	}
	root, err := os.OpenRoot(b.dir)
	if err != nil {
		return fmt.Errorf("open record root: %w", err)
	}
	defer root.Close()

	dir := filepath.Dir(path)
	if err := root.MkdirAll(dir, b.dirPerm); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	tmp, tmpPath, err := createTemp(root, dir, b.filePerm)
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = root.Remove(tmpPath)
		return fmt.Errorf("write record: %w", err)
	}
	if b.fsync {
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = root.Remove(tmpPath)
			return fmt.Errorf("sync record: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		_ = root.Remove(tmpPath)
		return fmt.Errorf("close record: %w", err)
	}
	if err := root.Rename(tmpPath, path); err != nil {
		_ = root.Remove(tmpPath)
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

// Get implements record.Backend.
func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := docPath(key)
	if err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(b.dir)
	if err != nil {
		return nil, fmt.Errorf("open record root: %w", err)
	}
	defer root.Close()

	data, err := root.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, record.ErrNotFound
	}
	return data, err
}

// Delete implements record.Backend.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := docPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(b.dir, path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Scan implements record.Backend. Documents are yielded in lexical key
// order. Temporary files from in-progress writes are skipped.
func (b *Backend) Scan(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		stop := errors.New("stop")
		err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			name := d.Name()
			if !d.Type().IsRegular() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, docSuffix) {
				return nil
			}
			data, err := os.ReadFile(path) //nolint:gosec // path comes from walking our own root
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			if !yield(data, err) {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) && !errors.Is(err, fs.ErrNotExist) {
			yield(nil, err)
		}
	}
}

// Close implements record.Backend.
func (b *Backend) Close() error {
	return nil
}

// docPath returns the sharded relative path for key.
func docPath(key string) (string, error) {
	if len(key) < 6 || strings.ContainsAny(key, `/\.`) {
		return "", fmt.Errorf("%w: %q", record.ErrInvalidKey, key)
	}
	return filepath.Join(key[0:2], key[2:4], key[4:6], key+docSuffix), nil
}

func createTemp(root *os.Root, dir string, perm os.FileMode) (*os.File, string, error) {
	for tries := 0; tries < 10000; tries++ {
		var randBytes [8]byte
		if _, err := rand.Read(randBytes[:]); err != nil {
			return nil, "", err
		}
		path := filepath.Join(dir, tempPrefix+hex.EncodeToString(randBytes[:]))
		f, err := root.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return f, path, nil
	}
	return nil, "", errors.New("failed to create temp file")
}
