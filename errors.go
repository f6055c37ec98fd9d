package fastpull

import (
	"errors"

	"github.com/meigma/fastpull/blos"
	"github.com/meigma/fastpull/hashes"
	"github.com/meigma/fastpull/pipeline"
	"github.com/meigma/fastpull/record"
	"github.com/meigma/fastpull/spider"
)

// ErrUnknownScope is returned when a scope name is not configured.
var ErrUnknownScope = errors.New("fastpull: unknown scope")

// Errors re-exported from record.
var (
	// ErrNotFound is returned when no record matches a query.
	ErrNotFound = record.ErrNotFound

	// ErrMissingField is returned when a record lacks a key field.
	ErrMissingField = record.ErrMissingField
)

// Errors re-exported from hashes.
var (
	// ErrHashMismatch is returned when content disagrees with expected digests.
	ErrHashMismatch = hashes.ErrHashMismatch
)

// Errors re-exported from spider.
var (
	// ErrFetch is returned for network and HTTP failures.
	ErrFetch = spider.ErrFetch

	// ErrTLS is returned for certificate and handshake failures.
	ErrTLS = spider.ErrTLS

	// ErrStopped is returned once the client has been closed.
	ErrStopped = spider.ErrStopped

	// ErrInvalidRequest is returned for malformed fetch requests.
	ErrInvalidRequest = spider.ErrInvalidRequest
)

// Errors re-exported from blos and pipeline.
var (
	// ErrCorrupt is returned when a stored blob no longer matches its record.
	ErrCorrupt = blos.ErrCorrupt

	// ErrUnverified is returned when unverified content reaches commit.
	ErrUnverified = pipeline.ErrUnverified
)

// Typed errors re-exported for errors.As.
type (
	// FetchError describes a failed transfer.
	FetchError = spider.FetchError

	// TLSError describes a TLS failure.
	TLSError = spider.TLSError

	// MismatchError lists digests that disagreed.
	MismatchError = hashes.MismatchError

	// CorruptionError describes a corrupt blob.
	CorruptionError = blos.CorruptionError
)
