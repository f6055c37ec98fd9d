// Package spider fetches remote content into private temporary files.
//
// A [Spider] streams each URL to disk while hashing it, then hands the
// resulting [Download] to a caller-supplied pipeline of [Stage] functions
// (typically verify then commit). It deduplicates concurrent requests for
// the same content, answers repeated requests from a short-lived cache,
// bounds concurrency globally and per host, and can be stopped as a whole.
// Apart from resuming a body that breaks off mid-transfer, the spider never
// retries; callers own retry policy.
package spider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	nethttp "net/http"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/meigma/fastpull/hashes"
)

// Defaults.
const (
	DefaultCacheInterval = 15 * time.Minute
	DefaultGlobalSlots   = 200
	DefaultHostSlots     = 8
	DefaultChunkSize     = 256 << 10
)

// Stage is one pipeline step run on a fetched Download. A non-nil value
// becomes the Download's Result; an error aborts the remaining stages.
type Stage func(ctx context.Context, d *Download) (any, error)

// Spider orchestrates downloads. It is safe for concurrent use.
type Spider struct {
	tempDir       string
	client        *nethttp.Client
	headers       map[string]string
	userAgent     string
	timeout       time.Duration
	cacheInterval time.Duration
	algs          []hashes.Algorithm
	chunkSize     int
	globalSlots   int64
	hostSlots     int64
	hostRate      rate.Limit
	hostBurst     int
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	now           func() time.Time

	global  *semaphore.Weighted
	flight  singleflight.Group
	stats   stats
	metrics *instruments

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool

	mu    sync.Mutex
	hosts map[string]*host
	cache map[string]*Download
	temps map[string]struct{}
}

type host struct {
	slots   *semaphore.Weighted
	limiter *rate.Limiter
}

// Option configures a Spider.
type Option func(*Spider)

// WithClient sets the HTTP client used for transfers.
func WithClient(client *nethttp.Client) Option {
	return func(s *Spider) {
		s.client = client
	}
}

// WithHeader sets a header sent with every request.
func WithHeader(key, value string) Option {
	return func(s *Spider) {
		if s.headers == nil {
			s.headers = make(map[string]string)
		}
		s.headers[key] = value
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(s *Spider) {
		s.userAgent = ua
	}
}

// WithTimeout bounds each transfer, including every mirror attempt.
// Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(s *Spider) {
		s.timeout = d
	}
}

// WithCacheInterval sets the default cache window. Zero disables caching.
func WithCacheInterval(d time.Duration) Option {
	return func(s *Spider) {
		s.cacheInterval = d
	}
}

// WithHashes sets the algorithms computed while downloading. SHA-512 is
// always included.
func WithHashes(algs ...hashes.Algorithm) Option {
	return func(s *Spider) {
		s.algs = hashes.Normalize(algs)
	}
}

// WithChunkSize sets the read buffer size.
func WithChunkSize(n int) Option {
	return func(s *Spider) {
		s.chunkSize = n
	}
}

// WithConcurrency sets the global and per-host transfer limits.
func WithConcurrency(global, perHost int) Option {
	return func(s *Spider) {
		s.globalSlots = int64(global)
		s.hostSlots = int64(perHost)
	}
}

// WithHostRate limits request starts per host. Zero disables limiting.
func WithHostRate(perSecond float64, burst int) Option {
	return func(s *Spider) {
		s.hostRate = rate.Limit(perSecond)
		s.hostBurst = burst
	}
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Spider) {
		s.logger = logger
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider. Defaults to the
// global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Spider) {
		s.meterProvider = mp
	}
}

// WithClock overrides the time source used for the cache window.
func WithClock(now func() time.Time) Option {
	return func(s *Spider) {
		s.now = now
	}
}

// New creates a Spider that writes temporary files to tempDir.
func New(tempDir string, opts ...Option) (*Spider, error) {
	if tempDir == "" {
		return nil, errors.New("spider: temp dir is empty")
	}
	s := &Spider{
		tempDir:       tempDir,
		client:        nethttp.DefaultClient,
		userAgent:     "fastpull",
		cacheInterval: DefaultCacheInterval,
		algs:          hashes.Normalize(hashes.Default()),
		chunkSize:     DefaultChunkSize,
		globalSlots:   DefaultGlobalSlots,
		hostSlots:     DefaultHostSlots,
		now:           time.Now,
		hosts:         make(map[string]*host),
		cache:         make(map[string]*Download),
		temps:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	if s.globalSlots <= 0 || s.hostSlots <= 0 {
		return nil, errors.New("spider: concurrency limits must be > 0")
	}
	if s.chunkSize <= 0 {
		return nil, errors.New("spider: chunk size must be > 0")
	}
	if s.cacheInterval < 0 {
		return nil, errors.New("spider: cache interval must be >= 0")
	}
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return nil, fmt.Errorf("spider: create temp dir: %w", err)
	}
	m, err := newInstruments(s.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("spider: metrics: %w", err)
	}
	s.metrics = m
	s.global = semaphore.NewWeighted(s.globalSlots)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Spider) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Download fetches req and runs pipeline on the result.
//
// A successful download of the same URL inside the cache window is
// returned without network access; its digests are still checked against
// req.Expected. Concurrent calls for the same URL and expected digests
// share one transfer and one pipeline run. ctx bounds only this caller's
// wait: a shared transfer keeps going until it finishes or Stop is called.
//
// The returned Download is non-nil whenever a transfer or cache lookup
// took place. The error is the Download's Err.
func (s *Spider) Download(ctx context.Context, req Request, pipeline ...Stage) (*Download, error) {
	if s.stopped.Load() {
		return nil, ErrStopped
	}
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if d, ok := s.cached(req); ok {
		s.stats.cacheHits.Add(1)
		s.metrics.cacheHits.Add(ctx, 1)
		s.log().Debug("fetch cache hit", slog.String("url", req.URL), slog.String("id", d.ID.String()))
		if err := hashes.Compare(req.Expected, d.Hashes, req.ExpectedSize, d.Size); err != nil {
			s.stats.mismatches.Add(1)
			return s.rejected(req, d, err), err
		}
		return d, nil
	}

	ch := s.flight.DoChan(req.key(), func() (any, error) {
		d := s.run(req, pipeline)
		return d, d.Err
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		d, _ := res.Val.(*Download)
		return d, res.Err
	}
}

// Cleanup removes the Download's temporary file. It is idempotent and safe
// to call from several goroutines.
func (s *Spider) Cleanup(d *Download) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.TempPath == "" {
		return nil
	}
	err := s.removeTemp(d.TempPath)
	d.TempPath = ""
	return err
}

// Stop cancels every in-flight transfer and removes their temporary files.
// Later Download calls fail with ErrStopped. Stop is idempotent.
func (s *Spider) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.cancel()

	s.mu.Lock()
	paths := make([]string, 0, len(s.temps))
	for p := range s.temps {
		paths = append(paths, p)
	}
	s.mu.Unlock()
	for _, p := range paths {
		_ = s.removeTemp(p)
	}
	s.log().Info("spider stopped", slog.Int("temp_files_removed", len(paths)))
}

// Stats returns spider-wide totals.
func (s *Spider) Stats() Stats {
	return s.stats.snapshot()
}

// Forget drops url from the fetch cache.
func (s *Spider) Forget(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, url)
}

func (s *Spider) cached(req Request) (*Download, bool) {
	interval := s.cacheInterval
	if req.CacheInterval != nil {
		interval = *req.CacheInterval
	}
	if interval <= 0 {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.cache[req.URL]
	if !ok {
		return nil, false
	}
	if s.now().Sub(d.CompletedAt) >= interval {
		delete(s.cache, req.URL)
		return nil, false
	}
	return d, true
}

// rejected builds a mismatched Download for a cache hit that failed the
// caller's expectations.
func (s *Spider) rejected(req Request, hit *Download, err error) *Download {
	d := newDownload(req)
	d.SourceURL = hit.SourceURL
	d.Hashes = hit.Hashes.Clone()
	d.Size = hit.Size
	d.State = Mismatched
	d.Err = err
	d.CompletedAt = s.now()
	return d
}

// run performs one transfer and pipeline under the spider's own context.
func (s *Spider) run(req Request, pipeline []Stage) *Download {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	d := newDownload(req)
	s.stats.active.Add(1)
	s.metrics.active.Add(ctx, 1)
	defer func() {
		s.stats.active.Add(-1)
		s.metrics.active.Add(context.Background(), -1)
		_ = s.Cleanup(d)
		d.CompletedAt = s.now()
		s.metrics.finished(context.Background(), d.State)
		if d.State == Committed {
			s.mu.Lock()
			s.cache[req.URL] = d
			s.mu.Unlock()
		}
	}()

	log := s.log().With(slog.String("id", d.ID.String()), slog.String("url", req.URL))

	d.State = Fetching
	if err := s.transfer(ctx, d); err != nil {
		switch {
		case s.stopped.Load() && !errors.Is(err, ErrFetch):
			err = ErrStopped
		case errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil:
			err = &FetchError{URL: req.URL, Retryable: true, Err: err}
		}
		d.State, d.Err = Failed, err
		s.stats.failures.Add(1)
		log.Warn("fetch failed", slog.String("error", err.Error()))
		return d
	}

	d.State = Verifying
	for i, stage := range pipeline {
		v, err := stage(ctx, d)
		if err != nil {
			d.Err = err
			if errors.Is(err, hashes.ErrHashMismatch) {
				d.State = Mismatched
				s.stats.mismatches.Add(1)
			} else {
				d.State = Failed
				s.stats.failures.Add(1)
			}
			log.Warn("pipeline failed", slog.Int("stage", i), slog.String("state", string(d.State)), slog.String("error", err.Error()))
			return d
		}
		if v != nil {
			d.Result = v
		}
	}

	d.State = Committed
	s.stats.committed.Add(1)
	log.Info("download complete",
		slog.String("sha512", d.Hashes.Canonical()),
		slog.Int64("size", d.Size),
		slog.String("source", d.SourceURL),
	)
	return d
}

// transfer tries the primary URL and then each mirror.
func (s *Spider) transfer(ctx context.Context, d *Download) error {
	var lastErr error
	for i, raw := range d.Request.urls() {
		if i > 0 {
			d.Counters.Add(CounterMirrorFallbacks, 1)
			s.log().Info("trying mirror", slog.String("url", raw), slog.String("previous_error", lastErr.Error()))
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		d.Counters.Add(CounterAttempts, 1)
		err := s.fetchSlot(ctx, d, raw)
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return lastErr
}

// fetchSlot acquires the global and per-host slots, then fetches.
func (s *Spider) fetchSlot(ctx context.Context, d *Download, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &FetchError{URL: raw, Err: err}
	}
	h := s.host(u.Host)

	if err := s.global.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.global.Release(1)
	if err := h.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.slots.Release(1)
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	s.stats.fetches.Add(1)
	s.metrics.fetches.Add(ctx, 1)
	return s.fetch(ctx, d, raw)
}

func (s *Spider) host(name string) *host {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hosts[name]
	if !ok {
		h = &host{slots: semaphore.NewWeighted(s.hostSlots)}
		if s.hostRate > 0 {
			burst := s.hostBurst
			if burst <= 0 {
				burst = 1
			}
			h.limiter = rate.NewLimiter(s.hostRate, burst)
		}
		s.hosts[name] = h
	}
	return h
}

func (s *Spider) trackTemp(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.temps[path] = struct{}{}
}

func (s *Spider) removeTemp(path string) error {
	s.mu.Lock()
	delete(s.temps, path)
	s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
