// Package mirror publishes stored blobs to an OCI registry.
//
// Each blob is pushed as a plain OCI blob under its sha512 digest, so any
// registry that accepts sha512 digests becomes a second copy of the store
// that can be read back by hash alone.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/fastpull/blos"
	"github.com/meigma/fastpull/hashes"
)

// MediaType is the media type of mirrored distfiles.
const MediaType = "application/vnd.fastpull.distfile.v1"

// ErrNotFound is returned when the registry does not have a blob.
var ErrNotFound = errors.New("mirror: blob not found")

// Opener opens stored blobs by sha512.
type Opener interface {
	Open(ctx context.Context, sha512 string) (*os.File, *blos.Record, error)
}

// Mirror pushes blobs to one OCI repository.
type Mirror struct {
	repo      *remote.Repository
	blobs     Opener
	plainHTTP bool
	userAgent string
	credStore credentials.Store
	logger    *slog.Logger
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithPlainHTTP talks to the registry over plain HTTP.
func WithPlainHTTP(enabled bool) Option {
	return func(m *Mirror) {
		m.plainHTTP = enabled
	}
}

// WithCredentials sets the credential store used for registry auth.
// Without one, requests are anonymous.
func WithCredentials(store credentials.Store) Option {
	return func(m *Mirror) {
		m.credStore = store
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(m *Mirror) {
		m.userAgent = ua
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mirror) {
		m.logger = logger
	}
}

// New creates a mirror for repository (for example
// "registry.example.com/distfiles") reading blobs from blobs.
func New(repository string, blobs Opener, opts ...Option) (*Mirror, error) {
	if blobs == nil {
		return nil, errors.New("mirror: blob opener is nil")
	}
	m := &Mirror{blobs: blobs, userAgent: "fastpull"}
	for _, opt := range opts {
		opt(m)
	}
	repo, err := remote.NewRepository(repository)
	if err != nil {
		return nil, fmt.Errorf("mirror: parse repository %q: %w", repository, err)
	}
	repo.PlainHTTP = m.plainHTTP
	repo.Client = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if m.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return m.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{m.userAgent},
		},
	}
	m.repo = repo
	return m, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (m *Mirror) log() *slog.Logger {
	if m.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return m.logger
}

// Descriptor returns the OCI descriptor of a stored blob.
func Descriptor(sha512 string, size int64) (ocispec.Descriptor, error) {
	d, err := hashes.Set{hashes.SHA512: sha512}.OCIDigest()
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return ocispec.Descriptor{MediaType: MediaType, Digest: d, Size: size}, nil
}

// Exists reports whether the registry already has the blob.
func (m *Mirror) Exists(ctx context.Context, sha512 string, size int64) (bool, error) {
	desc, err := Descriptor(sha512, size)
	if err != nil {
		return false, err
	}
	ok, err := m.repo.Blobs().Exists(ctx, desc)
	if err != nil {
		return false, fmt.Errorf("mirror: exists %s: %w", sha512, err)
	}
	return ok, nil
}

// Publish pushes the blob described by rec unless the registry has it.
func (m *Mirror) Publish(ctx context.Context, rec *blos.Record) error {
	h := rec.SHA512()
	desc, err := Descriptor(h, rec.Size)
	if err != nil {
		return err
	}
	if ok, err := m.repo.Blobs().Exists(ctx, desc); err == nil && ok {
		m.log().Debug("blob already mirrored", slog.String("sha512", h))
		return nil
	}

	f, _, err := m.blobs.Open(ctx, h)
	if err != nil {
		return fmt.Errorf("mirror: open %s: %w", h, err)
	}
	defer f.Close()

	if err := m.repo.Blobs().Push(ctx, desc, f); err != nil {
		if errors.Is(err, errdef.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("mirror: push %s: %w", h, err)
	}
	m.log().Info("blob mirrored",
		slog.String("sha512", h),
		slog.Int64("size", rec.Size),
		slog.String("repository", m.repo.Reference.String()),
	)
	return nil
}

// Fetch streams a mirrored blob. The content is verified against its
// digest as it is read. The caller must close the reader.
func (m *Mirror) Fetch(ctx context.Context, sha512 string, size int64) (io.ReadCloser, error) {
	desc, err := Descriptor(sha512, size)
	if err != nil {
		return nil, err
	}
	rc, err := m.repo.Blobs().Fetch(ctx, desc)
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sha512)
		}
		return nil, fmt.Errorf("mirror: fetch %s: %w", sha512, err)
	}
	return rc, nil
}
