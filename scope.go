package fastpull

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"

	"github.com/meigma/fastpull/blos"
	"github.com/meigma/fastpull/hashes"
	"github.com/meigma/fastpull/mirror"
	"github.com/meigma/fastpull/pipeline"
	"github.com/meigma/fastpull/record"
	"github.com/meigma/fastpull/spider"
)

// Scope is a named store: a blob store, its URL index, the spider that
// fills it and an optional OCI mirror. Scopes are independent of each
// other.
type Scope struct {
	name   string
	store  *blos.Store
	refs   *record.Store[Ref]
	spider *spider.Spider
	mirror *mirror.Mirror
	logger *slog.Logger

	closeBackends func() error
}

// Result is the outcome of one fetch.
type Result struct {
	Request Request

	// Record is the stored blob. Nil when the fetch failed.
	Record *blos.Record

	// Download is the spider's view of the transfer. Nil when the blob was
	// found through the URL index without network access.
	Download *spider.Download

	// FromRef reports that the URL index answered the request.
	FromRef bool

	// Attempts is the number of fetch attempts, including retries.
	Attempts int

	Err error
}

// Name returns the scope name.
func (s *Scope) Name() string {
	return s.name
}

// Store returns the scope's blob store.
func (s *Scope) Store() *blos.Store {
	return s.store
}

// Spider returns the scope's spider.
func (s *Scope) Spider() *spider.Spider {
	return s.spider
}

// Pipeline returns the stages run on every download: verify, commit,
// record the URL ref and, with a mirror configured, publish.
func (s *Scope) Pipeline() []spider.Stage {
	extra := []spider.Stage{pipeline.Ref(s)}
	if s.mirror != nil {
		extra = append(extra, pipeline.Publish(s.mirror, s.logger))
	}
	return pipeline.New(s.store, s.spider, extra...)
}

// Fetch returns the blob for req, downloading it if needed.
//
// The URL index is consulted first: a ref to a stored blob that satisfies
// req's expected digests answers the request without network access. A ref
// whose blob has vanished or is corrupt is dropped and the URL is fetched
// again. The returned Result is non-nil whenever the spider ran.
func (s *Scope) Fetch(ctx context.Context, req Request) (*Result, error) {
	rec, err := s.lookup(ctx, req)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return &Result{Request: req, Record: rec, FromRef: true, Attempts: 1}, nil
	}

	d, rec, err := s.download(ctx, req)
	if err == nil {
		if _, perr := s.present(ctx, rec.SHA512()); stale(perr) {
			// The spider cached a download whose blob has since gone.
			s.logger.Info("dropping stale fetch cache entry",
				slog.String("url", req.URL),
				slog.String("sha512", rec.SHA512()),
			)
			s.spider.Forget(req.URL)
			d, rec, err = s.download(ctx, req)
		} else if perr != nil {
			err = perr
		}
	}
	res := &Result{Request: req, Download: d, Attempts: 1}
	if err != nil {
		return res, err
	}
	res.Record = rec
	return res, nil
}

// download runs the spider and the scope pipeline for req.
func (s *Scope) download(ctx context.Context, req Request) (*spider.Download, *blos.Record, error) {
	d, err := s.spider.Download(ctx, req, s.Pipeline()...)
	if err != nil {
		return d, nil, err
	}
	rec, ok := d.Result.(*blos.Record)
	if !ok {
		return d, nil, pipeline.ErrUncommitted
	}
	return d, rec, nil
}

// stale reports whether err means a stored blob is gone or unusable.
func stale(err error) bool {
	return errors.Is(err, record.ErrNotFound) || errors.Is(err, blos.ErrCorrupt)
}

// GetFileByURL returns the stored blob the URL last resolved to, or
// ErrNotFound. Stale refs are dropped.
func (s *Scope) GetFileByURL(ctx context.Context, url string) (*blos.Record, error) {
	ref, err := s.Ref(ctx, url)
	if err != nil {
		return nil, err
	}
	rec, err := s.present(ctx, ref.SHA512)
	if stale(err) {
		s.logger.Info("dropping stale ref",
			slog.String("url", url),
			slog.String("sha512", ref.SHA512),
			slog.String("reason", err.Error()),
		)
		s.spider.Forget(url)
		if derr := s.DeleteRef(ctx, url); derr != nil {
			return nil, derr
		}
		return nil, record.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// lookup answers req from the URL index. It returns nil, nil when the
// network must be used.
func (s *Scope) lookup(ctx context.Context, req Request) (*blos.Record, error) {
	rec, err := s.GetFileByURL(ctx, req.URL)
	if errors.Is(err, record.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := hashes.Compare(req.Expected, rec.Hashes, req.ExpectedSize, rec.Size); err != nil {
		s.logger.Debug("ref does not satisfy request",
			slog.String("url", req.URL),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return rec, nil
}

// present returns the record for sha512 if its blob file exists.
func (s *Scope) present(ctx context.Context, sha512 string) (*blos.Record, error) {
	rec, err := s.store.Get(ctx, sha512)
	if err != nil {
		return nil, err
	}
	p, err := s.store.BlobPath(sha512)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: blob %s missing", record.ErrNotFound, sha512)
	} else if err != nil {
		return nil, err
	}
	return rec, nil
}

// Insert stores a local file and, with a mirror configured, publishes it.
// Publishing is best-effort.
func (s *Scope) Insert(ctx context.Context, path string, opts ...blos.InsertOption) (*blos.Record, error) {
	rec, err := s.store.InsertBlob(ctx, path, nil, opts...)
	if err != nil {
		return nil, err
	}
	if s.mirror != nil {
		if err := s.mirror.Publish(ctx, rec); err != nil {
			s.logger.Warn("publish failed",
				slog.String("sha512", rec.SHA512()),
				slog.String("error", err.Error()),
			)
		}
	}
	return rec, nil
}

// Audit reports inconsistencies in the blob store followed by refs that
// point at blobs the store does not have.
func (s *Scope) Audit(ctx context.Context, deep bool) iter.Seq2[blos.Problem, error] {
	return func(yield func(blos.Problem, error) bool) {
		for p, err := range s.store.Audit(ctx, deep) {
			if !yield(p, err) || err != nil {
				return
			}
		}
		for ref, err := range s.Refs(ctx) {
			if err != nil {
				yield(blos.Problem{}, err)
				return
			}
			if _, err := s.present(ctx, ref.SHA512); err == nil {
				continue
			} else if !stale(err) {
				yield(blos.Problem{}, err)
				return
			}
			if !yield(blos.Problem{
				Kind:   DanglingRef,
				Hash:   ref.SHA512,
				Path:   ref.URL,
				Detail: "scope " + ref.Scope,
			}, nil) {
				return
			}
		}
	}
}

// Close stops the scope's spider and closes its record stores.
func (s *Scope) Close() error {
	if s.spider != nil {
		s.spider.Stop()
	}
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.refs != nil {
		errs = append(errs, s.refs.Close())
	}
	if s.closeBackends != nil {
		errs = append(errs, s.closeBackends())
	}
	return errors.Join(errs...)
}
