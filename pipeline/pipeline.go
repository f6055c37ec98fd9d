// Package pipeline provides the spider stages that turn a fetched Download
// into a stored blob.
//
// The standard pipeline is [Verify] followed by [Commit]: content is
// compared with the request's expected digests before it can reach the
// blob store. Extra stages such as [Publish] and [Ref] run after commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meigma/fastpull/blos"
	"github.com/meigma/fastpull/hashes"
	"github.com/meigma/fastpull/spider"
)

// Sentinel errors.
var (
	// ErrUnverified is returned by Commit for a Download that did not pass Verify.
	ErrUnverified = errors.New("pipeline: download not verified")

	// ErrUncommitted is returned by post-commit stages when no record is available.
	ErrUncommitted = errors.New("pipeline: download not committed")
)

// Inserter stores downloaded content.
type Inserter interface {
	InsertDownload(ctx context.Context, f blos.Fetched, opts ...blos.InsertOption) (*blos.Record, error)
}

// Cleaner releases a Download's temporary file.
type Cleaner interface {
	Cleanup(d *spider.Download) error
}

// Publisher copies a stored blob somewhere else.
type Publisher interface {
	Publish(ctx context.Context, rec *blos.Record) error
}

// Indexer records which blob a URL resolved to within a scope.
type Indexer interface {
	PutRef(ctx context.Context, url, sha512 string) error
}

// New returns the standard pipeline: Verify, Commit, then extra.
func New(store Inserter, cleaner Cleaner, extra ...spider.Stage) []spider.Stage {
	return append([]spider.Stage{Verify(), Commit(store, cleaner)}, extra...)
}

// Verify compares the Download's digests and size with the request's
// expectations and marks it verified. With no expectations the computed
// digests are authoritative and the Download passes.
func Verify() spider.Stage {
	return func(_ context.Context, d *spider.Download) (any, error) {
		req := d.Request
		if err := hashes.Compare(req.Expected, d.Hashes, req.ExpectedSize, d.Size); err != nil {
			return nil, err
		}
		d.MarkVerified()
		return nil, nil
	}
}

// Commit inserts a verified Download into store and then releases its
// temporary file. It returns the *blos.Record.
func Commit(store Inserter, cleaner Cleaner, opts ...blos.InsertOption) spider.Stage {
	return func(ctx context.Context, d *spider.Download) (any, error) {
		if !d.Verified() {
			return nil, ErrUnverified
		}
		rec, err := store.InsertDownload(ctx, blos.Fetched{
			Path:   d.TempPath,
			Hashes: d.Hashes,
			Size:   d.Size,
			URL:    d.SourceURL,
		}, opts...)
		if err != nil {
			return nil, fmt.Errorf("pipeline: commit: %w", err)
		}
		if cleaner != nil {
			if err := cleaner.Cleanup(d); err != nil {
				return nil, fmt.Errorf("pipeline: cleanup: %w", err)
			}
		}
		return rec, nil
	}
}

// Publish pushes the committed blob to p. Publishing is best-effort: a
// failure is logged and counted under "publish_errors" but does not fail
// the Download, since the blob is already safely stored.
func Publish(p Publisher, logger *slog.Logger) spider.Stage {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(ctx context.Context, d *spider.Download) (any, error) {
		rec, ok := d.Result.(*blos.Record)
		if !ok {
			return nil, ErrUncommitted
		}
		if err := p.Publish(ctx, rec); err != nil {
			d.Counters.Add("publish_errors", 1)
			logger.Warn("publish failed",
				slog.String("sha512", rec.SHA512()),
				slog.String("error", err.Error()),
			)
		}
		return nil, nil
	}
}

// Ref records that the request URL resolved to the committed blob.
func Ref(index Indexer) spider.Stage {
	return func(ctx context.Context, d *spider.Download) (any, error) {
		rec, ok := d.Result.(*blos.Record)
		if !ok {
			return nil, ErrUncommitted
		}
		if err := index.PutRef(ctx, d.Request.URL, rec.SHA512()); err != nil {
			return nil, fmt.Errorf("pipeline: ref: %w", err)
		}
		return nil, nil
	}
}
