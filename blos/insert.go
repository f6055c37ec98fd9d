package blos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/meigma/fastpull/hashes"
	"github.com/meigma/fastpull/record"
)

// Fetched describes a downloaded file that has already been hashed.
type Fetched struct {
	// Path is the temporary file holding the content. It is not removed.
	Path string

	// Hashes are the digests computed while downloading. SHA-512 is required.
	Hashes hashes.Set

	// Size is the content length in bytes.
	Size int64

	// URL is where the content came from.
	URL string
}

// InsertOption configures a single insert.
type InsertOption func(*insertOptions)

type insertOptions struct {
	srcURI   []string
	refs     []Ref
	filename string
	size     int64
}

// WithSourceURI records where the blob was obtained.
func WithSourceURI(uris ...string) InsertOption {
	return func(o *insertOptions) {
		o.srcURI = append(o.srcURI, uris...)
	}
}

// WithRef records a package that references the blob.
func WithRef(ref Ref) InsertOption {
	return func(o *insertOptions) {
		o.refs = append(o.refs, ref)
	}
}

// WithFilename sets the blob's original filename.
func WithFilename(name string) InsertOption {
	return func(o *insertOptions) {
		o.filename = name
	}
}

// WithExpectedSize makes InsertBlob reject content of a different length.
func WithExpectedSize(n int64) InsertOption {
	return func(o *insertOptions) {
		o.size = n
	}
}

// InsertBlob copies the file at sourcePath into the store.
//
// The source is read once, hashed with every configured algorithm while it
// is copied. Digests in known must all match, otherwise a
// *hashes.MismatchError is returned and nothing is stored. If the blob is
// already stored its existing record is returned unchanged.
func (s *Store) InsertBlob(ctx context.Context, sourcePath string, known hashes.Set, opts ...InsertOption) (*Record, error) {
	o := insertOptions{filename: filepath.Base(sourcePath)}
	for _, opt := range opts {
		opt(&o)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := os.Open(sourcePath) //nolint:gosec // caller-controlled path
	if err != nil {
		return nil, fmt.Errorf("blos: open source: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Join(s.dir, incomingDir), "blob-*")
	if err != nil {
		return nil, fmt.Errorf("blos: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // already renamed on success

	h, err := hashes.NewHasher(s.algs...)
	if err != nil {
		tmp.Close()
		return nil, err
	}
	if _, err := io.Copy(io.MultiWriter(tmp, h), src); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("blos: copy source: %w", err)
	}
	if err := s.finishTemp(tmp); err != nil {
		return nil, err
	}

	sum := h.Sum()
	if err := hashes.Compare(known, sum, o.size, h.Size()); err != nil {
		s.log().Warn("insert rejected", slog.String("source", sourcePath), slog.String("error", err.Error()))
		return nil, err
	}
	return s.commit(ctx, tmpPath, sum, h.Size(), o)
}

// InsertDownload moves a downloaded file into the store using the digests
// computed during the download. The file is hard-linked when source and
// store share a filesystem and copied otherwise; f.Path itself is left for
// the caller to remove.
func (s *Store) InsertDownload(ctx context.Context, f Fetched, opts ...InsertOption) (*Record, error) {
	var o insertOptions
	if f.URL != "" {
		o.srcURI = []string{f.URL}
		o.filename = filenameFromURL(f.URL)
	}
	for _, opt := range opts {
		opt(&o)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidHash(f.Hashes.Canonical()) {
		return nil, fmt.Errorf("%w: download has no sha512", ErrInvalidHash)
	}

	tmpPath, err := s.stage(f.Path)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath) //nolint:errcheck // already renamed on success

	return s.commit(ctx, tmpPath, f.Hashes.Clone(), f.Size, o)
}

// stage places a copy or hard link of src in the incoming directory.
func (s *Store) stage(src string) (string, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.dir, incomingDir), "blob-*")
	if err != nil {
		return "", fmt.Errorf("blos: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()
	_ = os.Remove(tmpPath)

	if err := os.Link(src, tmpPath); err == nil {
		linked, err := os.OpenFile(tmpPath, os.O_RDWR, 0) //nolint:gosec // path inside store root
		if err != nil {
			_ = os.Remove(tmpPath)
			return "", fmt.Errorf("blos: open staged download: %w", err)
		}
		if err := s.finishTemp(linked); err != nil {
			_ = os.Remove(tmpPath)
			return "", err
		}
		return tmpPath, nil
	}

	in, err := os.Open(src) //nolint:gosec // path owned by the downloader
	if err != nil {
		return "", fmt.Errorf("blos: open download: %w", err)
	}
	defer in.Close()
	out, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, s.filePerm) //nolint:gosec // path inside store root
	if err != nil {
		return "", fmt.Errorf("blos: create temp: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmpPath)
		return "", fmt.Errorf("blos: copy download: %w", err)
	}
	if err := s.finishTemp(out); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

func (s *Store) finishTemp(f *os.File) error {
	if err := f.Chmod(s.filePerm); err != nil {
		f.Close()
		return fmt.Errorf("blos: chmod temp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("blos: sync temp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("blos: close temp: %w", err)
	}
	return nil
}

// commit renames tmpPath into place and writes the record. Concurrent
// commits of the same digest share one execution; the losers' temp files
// are removed by their callers.
func (s *Store) commit(ctx context.Context, tmpPath string, sum hashes.Set, size int64, o insertOptions) (*Record, error) {
	h := sum.Canonical()
	v, err, shared := s.inserts.Do(h, func() (any, error) {
		return s.commitOnce(ctx, tmpPath, sum, size, o)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.log().Debug("insert shared", slog.String("sha512", h))
	}
	return v.(*Record).clone(), nil
}

func (s *Store) commitOnce(ctx context.Context, tmpPath string, sum hashes.Set, size int64, o insertOptions) (*Record, error) {
	h := sum.Canonical()
	final, err := s.BlobPath(h)
	if err != nil {
		return nil, err
	}

	if existing, err := s.records.Read(ctx, record.ByKey(h)); err == nil {
		if _, err := os.Stat(final); errors.Is(err, fs.ErrNotExist) {
			// Record without a blob: the new content restores it.
			if err := s.place(tmpPath, final); err != nil {
				return nil, err
			}
			s.log().Warn("missing blob restored", slog.String("sha512", h))
			return &existing, nil
		}
		s.log().Debug("blob already stored", slog.String("sha512", h))
		return &existing, nil
	} else if !errors.Is(err, record.ErrNotFound) {
		return nil, fmt.Errorf("blos: read record %s: %w", h, err)
	}

	switch info, err := os.Stat(final); {
	case err == nil:
		// Blob without a record: keep it if it is intact, otherwise replace it.
		onDisk, n, herr := hashes.File(final, s.algs...)
		if herr == nil && onDisk.Canonical() == h && n == info.Size() {
			s.log().Info("record back-filled", slog.String("sha512", h))
			for alg, d := range onDisk {
				sum[alg] = d
			}
			size = n
			break
		}
		s.log().Warn("replacing corrupt orphan blob", slog.String("sha512", h))
		if err := os.Rename(tmpPath, final); err != nil {
			return nil, fmt.Errorf("blos: replace blob %s: %w", h, err)
		}
		if err := syncDir(filepath.Dir(final)); err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := s.place(tmpPath, final); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("blos: stat blob %s: %w", h, err)
	}

	rec := &Record{
		Hashes:    sum,
		Size:      size,
		Path:      RelativePath(h),
		SrcURI:    o.srcURI,
		Refs:      o.refs,
		Filename:  o.filename,
		CreatedAt: s.now().UTC(),
	}
	if _, err := s.records.Write(ctx, *rec); err != nil {
		return nil, fmt.Errorf("blos: write record %s: %w", h, err)
	}
	s.log().Info("blob stored",
		slog.String("sha512", h),
		slog.Int64("size", size),
		slog.Any("src_uri", o.srcURI),
	)
	return rec, nil
}

// place renames a finished temp file to its final blob path.
func (s *Store) place(tmpPath, final string) error {
	if err := os.MkdirAll(filepath.Dir(final), s.dirPerm); err != nil {
		return fmt.Errorf("blos: create shard dir: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("blos: rename blob %s: %w", filepath.Base(final), err)
	}
	return syncDir(filepath.Dir(final))
}

// syncDir flushes a directory so a rename into it survives a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir) //nolint:gosec // path inside store root
	if err != nil {
		return fmt.Errorf("blos: open dir: %w", err)
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return fmt.Errorf("blos: sync dir %s: %w", dir, err)
	}
	return d.Close()
}

func filenameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}
