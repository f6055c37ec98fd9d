package fastpull_test

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/fastpull"
	"github.com/meigma/fastpull/blos"
	"github.com/meigma/fastpull/config"
	"github.com/meigma/fastpull/hashes"
)

func sha512Hex(data string) string {
	sum := sha512.Sum512([]byte(data))
	return hex.EncodeToString(sum[:])
}

// distfiles serves "content-<name>" at /<name> and counts requests per path.
type distfiles struct {
	*httptest.Server
	hits   map[string]*atomic.Int64
	status func(name string, hit int64) int
}

func newDistfiles(t *testing.T, names []string, status func(name string, hit int64) int) *distfiles {
	t.Helper()
	d := &distfiles{hits: make(map[string]*atomic.Int64), status: status}
	for _, n := range names {
		d.hits[n] = new(atomic.Int64)
	}
	d.Server = httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		name := r.URL.Path[1:]
		counter, ok := d.hits[name]
		if !ok {
			nethttp.NotFound(w, r)
			return
		}
		hit := counter.Add(1)
		if d.status != nil {
			if code := d.status(name, hit); code != nethttp.StatusOK {
				w.WriteHeader(code)
				return
			}
		}
		_, _ = fmt.Fprintf(w, "content-%s", name)
	}))
	t.Cleanup(d.Close)
	return d
}

func (d *distfiles) url(name string) string {
	return d.URL + "/" + name
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.TempDir = filepath.Join(dir, "tmp")
	cfg.CacheInterval = 0
	cfg.Scopes = map[string]config.ScopeConfig{
		"local": {Root: filepath.Join(dir, "blos"), Backend: config.BackendDisk},
	}
	return cfg
}

func newClient(t *testing.T, cfg *config.Config, opts ...fastpull.Option) *fastpull.Client {
	t.Helper()
	opts = append([]fastpull.Option{
		fastpull.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)
	c, err := fastpull.New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestFetchAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	names := make([]string, 100)
	for i := range names {
		names[i] = fmt.Sprintf("f%03d", i)
	}
	failing := map[string]bool{"f007": true, "f050": true, "f099": true}
	srv := newDistfiles(t, names, func(name string, _ int64) int {
		if failing[name] {
			return nethttp.StatusNotFound
		}
		return nethttp.StatusOK
	})
	c := newClient(t, testConfig(t))

	reqs := make([]fastpull.Request, len(names))
	for i, n := range names {
		reqs[i] = fastpull.Request{URL: srv.url(n)}
	}
	summary, err := c.FetchAll(context.Background(), "", reqs)
	require.NoError(t, err)

	assert.Equal(t, 97, summary.Fetched)
	assert.Equal(t, 3, summary.Failed)
	assert.Equal(t, 0, summary.Mismatched)
	require.Error(t, summary.Err())
	assert.ErrorIs(t, summary.Err(), fastpull.ErrFetch)

	for i, res := range summary.Results {
		if failing[names[i]] {
			assert.Error(t, res.Err, names[i])
			assert.Nil(t, res.Record)
			continue
		}
		require.NoError(t, res.Err, names[i])
		assert.Equal(t, sha512Hex("content-"+names[i]), res.Record.SHA512())
	}
}

func TestFetchUsesURLIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newDistfiles(t, []string{"a.tar.gz"}, nil)
	c := newClient(t, testConfig(t))

	first, err := c.Fetch(ctx, "", fastpull.Request{URL: srv.url("a.tar.gz")})
	require.NoError(t, err)
	assert.False(t, first.FromRef)
	assert.Equal(t, "a.tar.gz", first.Record.Filename)

	second, err := c.Fetch(ctx, "local", fastpull.Request{URL: srv.url("a.tar.gz")})
	require.NoError(t, err)
	assert.True(t, second.FromRef)
	assert.Nil(t, second.Download)
	assert.Equal(t, first.Record.SHA512(), second.Record.SHA512())
	assert.Equal(t, int64(1), srv.hits["a.tar.gz"].Load())

	s, err := c.Scope("")
	require.NoError(t, err)
	ref, err := s.Ref(ctx, srv.url("a.tar.gz"))
	require.NoError(t, err)
	assert.Equal(t, "local", ref.Scope)
	assert.Equal(t, first.Record.SHA512(), ref.SHA512)
}

func TestFetchRefetchesVanishedBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newDistfiles(t, []string{"b", "c"}, nil)
	c := newClient(t, testConfig(t))
	s, err := c.Scope("")
	require.NoError(t, err)

	// Record and blob deleted.
	res, err := c.Fetch(ctx, "", fastpull.Request{URL: srv.url("b")})
	require.NoError(t, err)
	require.NoError(t, s.Store().Delete(ctx, res.Record.SHA512()))

	again, err := c.Fetch(ctx, "", fastpull.Request{URL: srv.url("b")})
	require.NoError(t, err)
	assert.False(t, again.FromRef)
	assert.Equal(t, int64(2), srv.hits["b"].Load())

	// Only the blob file deleted.
	res, err = c.Fetch(ctx, "", fastpull.Request{URL: srv.url("c")})
	require.NoError(t, err)
	p, err := s.Store().BlobPath(res.Record.SHA512())
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))

	again, err = c.Fetch(ctx, "", fastpull.Request{URL: srv.url("c")})
	require.NoError(t, err)
	assert.False(t, again.FromRef)
	assert.Equal(t, int64(2), srv.hits["c"].Load())
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "content-c", string(data))
}

func TestFetchCacheWindowAndVanishedBlob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newDistfiles(t, []string{"e"}, nil)
	cfg := testConfig(t)
	cfg.CacheInterval = 15 * time.Minute
	c := newClient(t, cfg)
	s, err := c.Scope("")
	require.NoError(t, err)
	req := fastpull.Request{URL: srv.url("e")}

	first, err := c.Fetch(ctx, "", req)
	require.NoError(t, err)
	h := first.Record.SHA512()

	// Without a ref the spider cache answers.
	require.NoError(t, s.DeleteRef(ctx, req.URL))
	cached, err := c.Fetch(ctx, "", req)
	require.NoError(t, err)
	assert.False(t, cached.FromRef)
	assert.Equal(t, h, cached.Record.SHA512())
	assert.Equal(t, int64(1), srv.hits["e"].Load())
	assert.Equal(t, int64(1), s.Spider().Stats().CacheHits)

	// A cached download whose blob is gone is fetched again.
	require.NoError(t, s.Store().Delete(ctx, h))
	again, err := c.Fetch(ctx, "", req)
	require.NoError(t, err)
	assert.Equal(t, int64(2), srv.hits["e"].Load())
	_, err = s.Store().Get(ctx, again.Record.SHA512())
	require.NoError(t, err)

	// A stale ref also drops the cache entry.
	require.NoError(t, s.Store().Delete(ctx, h))
	again, err = c.Fetch(ctx, "", req)
	require.NoError(t, err)
	assert.False(t, again.FromRef)
	assert.Equal(t, int64(3), srv.hits["e"].Load())
	_, err = s.Store().Get(ctx, h)
	require.NoError(t, err)
	ref, err := s.Ref(ctx, req.URL)
	require.NoError(t, err)
	assert.Equal(t, h, ref.SHA512)
}

func TestFetchMismatchIsNotRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newDistfiles(t, []string{"d"}, nil)
	c := newClient(t, testConfig(t), fastpull.WithRetry(3))

	summary, err := c.FetchAll(ctx, "", []fastpull.Request{{
		URL:      srv.url("d"),
		Expected: hashes.Set{hashes.SHA512: sha512Hex("something else")},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Mismatched)
	assert.ErrorIs(t, summary.Err(), fastpull.ErrHashMismatch)
	assert.Equal(t, 1, summary.Results[0].Attempts)
	assert.Equal(t, int64(1), srv.hits["d"].Load())

	s, err := c.Scope("")
	require.NoError(t, err)
	_, err = s.Store().Get(ctx, sha512Hex("content-d"))
	require.ErrorIs(t, err, fastpull.ErrNotFound)
	_, err = s.Ref(ctx, srv.url("d"))
	require.ErrorIs(t, err, fastpull.ErrNotFound)
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()
	srv := newDistfiles(t, []string{"e"}, func(_ string, hit int64) int {
		if hit < 3 {
			return nethttp.StatusServiceUnavailable
		}
		return nethttp.StatusOK
	})
	c := newClient(t, testConfig(t), fastpull.WithRetry(3))

	res, err := c.Fetch(context.Background(), "", fastpull.Request{URL: srv.url("e")})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, sha512Hex("content-e"), res.Record.SHA512())
}

func TestFetchPermanentStatusIsNotRetried(t *testing.T) {
	t.Parallel()
	srv := newDistfiles(t, []string{"g"}, func(string, int64) int { return nethttp.StatusGone })
	c := newClient(t, testConfig(t), fastpull.WithRetry(3))

	res, err := c.Fetch(context.Background(), "", fastpull.Request{URL: srv.url("g")})
	require.Error(t, err)
	var fe *fastpull.FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, nethttp.StatusGone, fe.Status)
	assert.False(t, fe.Retryable)
	assert.Equal(t, 1, res.Attempts)
}

func TestUnknownScope(t *testing.T) {
	t.Parallel()
	c := newClient(t, testConfig(t))

	_, err := c.Scope("nope")
	require.ErrorIs(t, err, fastpull.ErrUnknownScope)
	_, err = c.FetchAll(context.Background(), "nope", nil)
	require.ErrorIs(t, err, fastpull.ErrUnknownScope)
	assert.Equal(t, []string{"local"}, c.Scopes())
}

func TestScopesAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig(t)
	cfg.Scopes["sql"] = config.ScopeConfig{
		Root:    filepath.Join(dir, "sql-blos"),
		Index:   filepath.Join(dir, "index.db"),
		Backend: config.BackendSQLite,
	}
	srv := newDistfiles(t, []string{"h"}, nil)
	c := newClient(t, cfg)
	assert.Equal(t, []string{"local", "sql"}, c.Scopes())

	res, err := c.Fetch(ctx, "sql", fastpull.Request{URL: srv.url("h")})
	require.NoError(t, err)

	sql, err := c.Scope("sql")
	require.NoError(t, err)
	got, err := sql.GetFileByURL(ctx, srv.url("h"))
	require.NoError(t, err)
	assert.Equal(t, res.Record.SHA512(), got.SHA512())

	local, err := c.Scope("local")
	require.NoError(t, err)
	_, err = local.GetFileByURL(ctx, srv.url("h"))
	require.ErrorIs(t, err, fastpull.ErrNotFound)
	_, err = local.Store().Get(ctx, res.Record.SHA512())
	require.ErrorIs(t, err, fastpull.ErrNotFound)
}

func TestInsertAndAudit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newClient(t, testConfig(t))
	s, err := c.Scope("")
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "local.bin")
	require.NoError(t, os.WriteFile(src, []byte("local"), 0o644))
	rec, err := s.Insert(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, sha512Hex("local"), rec.SHA512())

	require.NoError(t, s.PutRef(ctx, "https://example.org/gone", sha512Hex("gone")))
	p, err := s.Store().BlobPath(rec.SHA512())
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))

	kinds := map[blos.ProblemKind]int{}
	for problem, err := range s.Audit(ctx, false) {
		require.NoError(t, err)
		kinds[problem.Kind]++
	}
	assert.Equal(t, map[blos.ProblemKind]int{
		blos.MissingBlob:     1,
		fastpull.DanglingRef: 1,
	}, kinds)

	require.Error(t, s.PutRef(ctx, "https://example.org/x", "not-a-hash"))
}

func TestCloseStopsFetches(t *testing.T) {
	t.Parallel()
	srv := newDistfiles(t, []string{"i"}, nil)
	c, err := fastpull.New(context.Background(), testConfig(t))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = c.Fetch(context.Background(), "", fastpull.Request{URL: srv.url("i")})
	require.ErrorIs(t, err, fastpull.ErrStopped)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.DefaultScope = "missing"

	_, err := fastpull.New(context.Background(), cfg)
	require.Error(t, err)
	_, err = fastpull.New(context.Background(), nil)
	require.Error(t, err)
	_, err = fastpull.New(context.Background(), testConfig(t), fastpull.WithRetry(-1))
	require.Error(t, err)
}
