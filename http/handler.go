// Package http serves stored blobs by content hash.
//
// Routes:
//
//	GET /up                                  liveness probe
//	GET /layout.conf                         mirror layout description
//	GET /distfiles/layout.conf               same
//	GET /metadata/layout.conf                same
//	GET /{h0}/{h1}/{h2}/{sha512}             blob by hash
//
// A blob path must be the sharded form of a lowercase SHA-512: h0, h1 and
// h2 are the first three byte pairs of the digest. Malformed paths get 503,
// unknown digests 404. Known blobs redirect to the configured base URL, or
// are streamed directly when none is set.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"log/slog"
	nethttp "net/http"
	"os"
	"strings"
	"time"

	"github.com/meigma/fastpull/blos"
	"github.com/meigma/fastpull/record"
)

// LayoutConf is served at the layout.conf routes.
const LayoutConf = "[structure]\n0=content-hash SHA512 8:8:8\n1=flat\n"

// Blobs resolves stored blobs by sha512.
type Blobs interface {
	Get(ctx context.Context, sha512 string) (*blos.Record, error)
	Open(ctx context.Context, sha512 string) (*os.File, *blos.Record, error)
}

// Handler is the hash-keyed read path.
type Handler struct {
	blobs        Blobs
	redirectBase string
	logger       *slog.Logger
	mux          *nethttp.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithRedirectBase makes blob requests redirect to base + the blob's
// relative path instead of streaming the content.
func WithRedirectBase(base string) Option {
	return func(h *Handler) {
		if base != "" && !strings.HasSuffix(base, "/") {
			base += "/"
		}
		h.redirectBase = base
	}
}

// WithLogger sets the logger used for request logging.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler returns a Handler serving blobs.
func NewHandler(blobs Blobs, opts ...Option) *Handler {
	h := &Handler{blobs: blobs}
	for _, opt := range opts {
		opt(h)
	}
	mux := nethttp.NewServeMux()
	mux.HandleFunc("GET /up", h.up)
	mux.HandleFunc("GET /layout.conf", h.layout)
	mux.HandleFunc("GET /distfiles/layout.conf", h.layout)
	mux.HandleFunc("GET /metadata/layout.conf", h.layout)
	mux.HandleFunc("GET /{h0}/{h1}/{h2}/{hash}", h.blob)
	h.mux = mux
	return h
}

// log returns the logger, falling back to a discard logger if nil.
func (h *Handler) log() *slog.Logger {
	if h.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.logger
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	start := time.Now()
	rw := &statusWriter{ResponseWriter: w, status: nethttp.StatusOK}
	h.mux.ServeHTTP(rw, r)
	h.log().Debug("request",
		slog.Any("request", r),
		slog.Int("status", rw.status),
		slog.Duration("duration", time.Since(start)),
	)
}

func (h *Handler) up(w nethttp.ResponseWriter, _ *nethttp.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (h *Handler) layout(w nethttp.ResponseWriter, _ *nethttp.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(LayoutConf))
}

func (h *Handler) blob(w nethttp.ResponseWriter, r *nethttp.Request) {
	hash := r.PathValue("hash")
	if !ValidPath(r.PathValue("h0"), r.PathValue("h1"), r.PathValue("h2"), hash) {
		nethttp.Error(w, "invalid hash path", nethttp.StatusServiceUnavailable)
		return
	}

	if h.redirectBase != "" {
		if _, err := h.blobs.Get(r.Context(), hash); err != nil {
			h.fail(w, r, hash, err)
			return
		}
		nethttp.Redirect(w, r, h.redirectBase+blos.RelativePath(hash), nethttp.StatusFound)
		return
	}

	f, rec, err := h.blobs.Open(r.Context(), hash)
	if err != nil {
		h.fail(w, r, hash, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if rec.Filename != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+strings.ReplaceAll(rec.Filename, `"`, "")+`"`)
	}
	nethttp.ServeContent(w, r, "", rec.CreatedAt, f)
}

func (h *Handler) fail(w nethttp.ResponseWriter, r *nethttp.Request, hash string, err error) {
	switch {
	case errors.Is(err, record.ErrNotFound), errors.Is(err, blos.ErrCorrupt):
		nethttp.NotFound(w, r)
	default:
		h.log().Error("blob lookup failed", slog.String("sha512", hash), slog.String("error", err.Error()))
		nethttp.Error(w, "internal error", nethttp.StatusInternalServerError)
	}
}

// ValidPath reports whether h0/h1/h2/hash is the sharded path of a
// lowercase hex SHA-512.
func ValidPath(h0, h1, h2, hash string) bool {
	if !blos.ValidHash(hash) {
		return false
	}
	return h0 == hash[0:2] && h1 == hash[2:4] && h2 == hash[4:6]
}

// statusWriter records the response status for logging.
type statusWriter struct {
	nethttp.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() nethttp.ResponseWriter {
	return w.ResponseWriter
}
