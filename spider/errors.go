package spider

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	nethttp "net/http"
)

// Sentinel errors.
var (
	// ErrFetch is returned when content could not be transferred.
	ErrFetch = errors.New("spider: fetch failed")

	// ErrTLS is returned when a TLS handshake or certificate check fails.
	ErrTLS = errors.New("spider: tls failure")

	// ErrStopped is returned by Download after Stop.
	ErrStopped = errors.New("spider: stopped")

	// ErrInvalidRequest is returned for requests that cannot be fetched.
	ErrInvalidRequest = errors.New("spider: invalid request")

	errUnsupportedScheme = errors.New("unsupported scheme")
	errMissingHost       = errors.New("missing host")
)

// nonRetryable lists statuses for which another attempt cannot succeed.
var nonRetryable = map[int]bool{
	nethttp.StatusBadRequest: true,
	nethttp.StatusNotFound:   true,
	nethttp.StatusGone:       true,
}

// FetchError describes a failed transfer. It matches ErrFetch.
type FetchError struct {
	URL string

	// Status is the HTTP status code, or 0 when no response was received.
	Status int

	// Retryable is false when retrying the same URL is pointless.
	Retryable bool

	Err error
}

func (e *FetchError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("spider: fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("spider: fetch %s: status %d %s", e.URL, e.Status, nethttp.StatusText(e.Status))
	default:
		return fmt.Sprintf("spider: fetch %s: %v", e.URL, e.Err)
	}
}

// Is reports ErrFetch.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

// Unwrap returns the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// TLSError describes a TLS failure. It matches both ErrTLS and ErrFetch.
type TLSError struct {
	URL string
	Err error
}

func (e *TLSError) Error() string {
	return fmt.Sprintf("spider: tls %s: %v", e.URL, e.Err)
}

// Is reports ErrTLS and ErrFetch.
func (e *TLSError) Is(target error) bool {
	return target == ErrTLS || target == ErrFetch
}

// Unwrap returns the underlying cause.
func (e *TLSError) Unwrap() error {
	return e.Err
}

// classify wraps a transport error as a *TLSError or *FetchError.
func classify(url string, err error) error {
	var (
		verr    *tls.CertificateVerificationError
		rerr    tls.RecordHeaderError
		aerr    tls.AlertError
		unknown x509.UnknownAuthorityError
		host    x509.HostnameError
		invalid x509.CertificateInvalidError
	)
	if errors.As(err, &verr) || errors.As(err, &rerr) || errors.As(err, &aerr) ||
		errors.As(err, &unknown) || errors.As(err, &host) || errors.As(err, &invalid) {
		return &TLSError{URL: url, Err: err}
	}
	return &FetchError{URL: url, Retryable: true, Err: err}
}

// Retryable reports whether err is a fetch failure worth retrying.
// Integrity failures, TLS failures and permanent HTTP statuses are not.
// A transfer that hit the spider timeout is.
func Retryable(err error) bool {
	if errors.Is(err, ErrTLS) || errors.Is(err, ErrStopped) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
