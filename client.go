package fastpull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	nethttp "net/http"
	"path/filepath"
	"slices"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"
	"oras.land/oras-go/v2/registry/remote/credentials"

	"github.com/meigma/fastpull/blos"
	"github.com/meigma/fastpull/config"
	"github.com/meigma/fastpull/hashes"
	"github.com/meigma/fastpull/mirror"
	"github.com/meigma/fastpull/record"
	"github.com/meigma/fastpull/spider"
)

// Request describes a distfile to fetch.
type Request = spider.Request

// Client is the entry point to fastpull. It is built once from a
// configuration and is safe for concurrent use.
type Client struct {
	cfg          *config.Config
	scopes       map[string]*Scope
	defaultScope string

	retries    int
	newBackOff func() backoff.BackOff

	httpClient    *nethttp.Client
	userAgent     string
	credStore     credentials.Store
	meterProvider metric.MeterProvider
	logger        *slog.Logger
}

// New builds a Client from cfg, opening every configured scope.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("fastpull: config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cfg:          cfg,
		scopes:       make(map[string]*Scope, len(cfg.Scopes)),
		defaultScope: cfg.DefaultScope,
		retries:      cfg.Retries,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
		userAgent: "fastpull",
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	algs, err := cfg.Algorithms()
	if err != nil {
		return nil, err
	}
	for _, name := range slices.Sorted(maps.Keys(cfg.Scopes)) {
		s, err := c.openScope(ctx, name, cfg.Scopes[name], algs)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.scopes[name] = s
	}
	c.log().Debug("client ready",
		slog.Int("scopes", len(c.scopes)),
		slog.String("default_scope", c.defaultScope),
	)
	return c, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

func (c *Client) openScope(ctx context.Context, name string, sc config.ScopeConfig, algs []hashes.Algorithm) (*Scope, error) {
	logger := c.log().With(slog.String("scope", name))

	b, err := openBackends(ctx, name, sc)
	if err != nil {
		return nil, err
	}
	s := &Scope{name: name, closeBackends: b.close, logger: logger}

	records, err := record.New[blos.Record](b.blobs, blos.RecordKey, record.WithLogger(logger))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.refs, err = record.New[Ref](b.refs, RefKey, record.WithLogger(logger))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.store, err = blos.New(sc.Root, records,
		blos.WithLogger(logger),
		blos.WithHashes(algs...),
		blos.WithVerifyOnRead(c.cfg.VerifyOnRead),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	spiderOpts := []spider.Option{
		spider.WithUserAgent(c.userAgent),
		spider.WithTimeout(c.cfg.Timeout),
		spider.WithCacheInterval(c.cfg.CacheInterval),
		spider.WithHashes(algs...),
		spider.WithConcurrency(c.cfg.Concurrency.Global, c.cfg.Concurrency.PerHost),
		spider.WithLogger(logger),
	}
	if c.httpClient != nil {
		spiderOpts = append(spiderOpts, spider.WithClient(c.httpClient))
	}
	if c.cfg.Concurrency.HostRate > 0 {
		spiderOpts = append(spiderOpts, spider.WithHostRate(c.cfg.Concurrency.HostRate, 1))
	}
	if c.meterProvider != nil {
		spiderOpts = append(spiderOpts, spider.WithMeterProvider(c.meterProvider))
	}
	s.spider, err = spider.New(filepath.Join(c.cfg.TempDir, name), spiderOpts...)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	if repo := c.cfg.Mirror.Repository; repo != "" {
		creds, err := c.mirrorCredentials(repo)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.mirror, err = mirror.New(repo, s.store,
			mirror.WithPlainHTTP(c.cfg.Mirror.PlainHTTP),
			mirror.WithCredentials(creds),
			mirror.WithUserAgent(c.userAgent),
			mirror.WithLogger(logger),
		)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (c *Client) mirrorCredentials(repo string) (credentials.Store, error) {
	if c.credStore != nil {
		return c.credStore, nil
	}
	if m := c.cfg.Mirror; m.Username != "" {
		return mirror.StaticCredentials(registryHost(repo), m.Username, m.Password), nil
	}
	store, err := mirror.DockerCredentials()
	if err != nil {
		return nil, fmt.Errorf("fastpull: mirror credentials: %w", err)
	}
	return store, nil
}

// Scope returns the named scope. An empty name selects the default scope.
func (c *Client) Scope(name string) (*Scope, error) {
	if name == "" {
		name = c.defaultScope
	}
	s, ok := c.scopes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScope, name)
	}
	return s, nil
}

// Scopes returns the configured scope names in sorted order.
func (c *Client) Scopes() []string {
	return slices.Sorted(maps.Keys(c.scopes))
}

// Config returns the configuration the client was built from.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Stop cancels every in-flight transfer in every scope. Later fetches fail
// with ErrStopped.
func (c *Client) Stop() {
	for _, s := range c.scopes {
		s.spider.Stop()
	}
}

// Close stops all transfers and releases every scope's resources.
func (c *Client) Close() error {
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(c.scopes)) {
		if err := c.scopes[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("scope %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
