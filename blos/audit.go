package blos

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"

	"github.com/meigma/fastpull/hashes"
	"github.com/meigma/fastpull/record"
)

// ProblemKind classifies an audit finding.
type ProblemKind string

// Audit findings.
const (
	// MissingBlob is a record whose blob file does not exist.
	MissingBlob ProblemKind = "missing-blob"
	// SizeMismatch is a blob whose length differs from its record.
	SizeMismatch ProblemKind = "size-mismatch"
	// HashMismatch is a blob whose content no longer hashes to its key.
	HashMismatch ProblemKind = "hash-mismatch"
	// OrphanBlob is a blob file with no record.
	OrphanBlob ProblemKind = "orphan-blob"
	// Misplaced is a file in the blob tree that is not at a valid blob path.
	Misplaced ProblemKind = "misplaced"
)

// Problem is one inconsistency found by Audit.
type Problem struct {
	Kind   ProblemKind
	Hash   string
	Path   string
	Detail string
}

func (p Problem) String() string {
	if p.Detail == "" {
		return fmt.Sprintf("%s %s", p.Kind, p.Path)
	}
	return fmt.Sprintf("%s %s: %s", p.Kind, p.Path, p.Detail)
}

// Audit cross-checks records against the blob tree. Every record must have
// a blob of the recorded size (and, when deep is set, the recorded SHA-512);
// every blob must have a record. Audit reports problems and never repairs.
func (s *Store) Audit(ctx context.Context, deep bool) iter.Seq2[Problem, error] {
	return func(yield func(Problem, error) bool) {
		for rec, err := range s.Scan(ctx) {
			if err != nil {
				yield(Problem{}, err)
				return
			}
			p, ok, err := s.auditRecord(rec, deep)
			if err != nil {
				yield(Problem{}, err)
				return
			}
			if ok && !yield(p, nil) {
				return
			}
		}

		stop := errors.New("stop")
		walkErr := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() && d.Name() == incomingDir {
				return filepath.SkipDir
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(s.dir, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			h := d.Name()
			if !ValidHash(h) || RelativePath(h) != rel {
				if !yield(Problem{Kind: Misplaced, Path: rel}, nil) {
					return stop
				}
				return nil
			}
			_, err = s.records.Read(ctx, record.ByKey(h))
			if errors.Is(err, record.ErrNotFound) {
				if !yield(Problem{Kind: OrphanBlob, Hash: h, Path: rel}, nil) {
					return stop
				}
				return nil
			}
			return err
		})
		if walkErr != nil && !errors.Is(walkErr, stop) {
			yield(Problem{}, walkErr)
		}
	}
}

func (s *Store) auditRecord(rec *Record, deep bool) (Problem, bool, error) {
	h := rec.SHA512()
	p := Problem{Hash: h, Path: rec.Path}
	final, err := s.BlobPath(h)
	if err != nil {
		p.Kind, p.Detail = Misplaced, err.Error()
		return p, true, nil
	}
	info, err := os.Stat(final)
	if errors.Is(err, fs.ErrNotExist) {
		p.Kind = MissingBlob
		return p, true, nil
	}
	if err != nil {
		return p, false, err
	}
	if info.Size() != rec.Size {
		p.Kind, p.Detail = SizeMismatch, fmt.Sprintf("record %d bytes, file %d bytes", rec.Size, info.Size())
		return p, true, nil
	}
	if !deep {
		return p, false, nil
	}
	sum, _, err := hashes.File(final)
	if err != nil {
		return p, false, err
	}
	if got := sum.Canonical(); got != h {
		p.Kind, p.Detail = HashMismatch, "content hashes to "+got
		return p, true, nil
	}
	return p, false, nil
}

// Usage returns the number of blobs and their total size on disk.
func (s *Store) Usage(ctx context.Context) (count int, bytes int64, err error) {
	err = filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() && d.Name() == incomingDir {
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		bytes += info.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, 0, nil
	}
	return count, bytes, err
}
