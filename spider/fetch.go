package spider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"os"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/meigma/fastpull/hashes"
)

var errRangeIgnored = errors.New("server ignored range request")

// fetch streams raw into a fresh temp file, hashing as it goes. A body that
// breaks off after making progress is resumed with a Range request for the
// rest. On success the Download holds the file and its digests; on failure
// nothing is left behind.
func (s *Spider) fetch(ctx context.Context, d *Download, raw string) error {
	resp, err := s.get(ctx, d, raw, 0)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(s.tempDir, fmt.Sprintf("%016x-*", xxh3.HashString(raw)))
	if err != nil {
		closeBody(resp)
		return fmt.Errorf("spider: create temp: %w", err)
	}
	tmpPath := f.Name()
	s.trackTemp(tmpPath)
	fail := func(err error) error {
		f.Close()
		_ = s.removeTemp(tmpPath)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}

	h, err := hashes.NewHasher(s.algs...)
	if err != nil {
		closeBody(resp)
		return fail(err)
	}
	w := io.MultiWriter(f, h, progress{d: d, s: s})
	buf := make([]byte, s.chunkSize)

	var n int64
	for {
		got, err := copyBody(w, resp, buf)
		n += got
		if err == nil {
			break
		}
		if got == 0 || ctx.Err() != nil {
			return fail(&FetchError{URL: raw, Status: resp.StatusCode, Retryable: true, Err: err})
		}
		d.Counters.Add(CounterResumes, 1)
		s.log().Warn("resuming download",
			slog.String("url", raw),
			slog.Int64("offset", n),
			slog.String("error", err.Error()),
		)
		if resp, err = s.get(ctx, d, raw, n); err != nil {
			return fail(err)
		}
	}
	if err := f.Close(); err != nil {
		_ = s.removeTemp(tmpPath)
		return fmt.Errorf("spider: close temp: %w", err)
	}

	d.mu.Lock()
	d.TempPath = tmpPath
	d.mu.Unlock()
	d.SourceURL = raw
	d.Hashes = h.Sum()
	d.Size = n
	s.log().Debug("fetched",
		slog.String("url", raw),
		slog.String("temp", tmpPath),
		slog.Int64("size", n),
	)
	return nil
}

// get issues the request for raw starting at offset. The returned response
// has a 2xx status, and 206 when offset is non-zero; the caller closes it.
func (s *Spider) get(ctx context.Context, d *Download, raw string, offset int64) (*nethttp.Response, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, raw, nethttp.NoBody)
	if err != nil {
		return nil, &FetchError{URL: raw, Err: err}
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	for k, v := range d.Request.Headers {
		req.Header.Set(k, v)
	}
	if d.Request.Username != "" || d.Request.Password != "" {
		req.SetBasicAuth(d.Request.Username, d.Request.Password)
	}
	if offset > 0 {
		req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, classify(raw, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		closeBody(resp)
		return nil, &FetchError{URL: raw, Status: resp.StatusCode, Retryable: !nonRetryable[resp.StatusCode]}
	}
	if offset > 0 && resp.StatusCode != nethttp.StatusPartialContent {
		closeBody(resp)
		return nil, &FetchError{URL: raw, Status: resp.StatusCode, Retryable: true, Err: errRangeIgnored}
	}
	return resp, nil
}

// copyBody copies the response body to w and closes it. A body shorter
// than its declared length is an error.
func copyBody(w io.Writer, resp *nethttp.Response, buf []byte) (int64, error) {
	defer closeBody(resp)
	n, err := io.CopyBuffer(w, resp.Body, buf)
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, err
}

func closeBody(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // best-effort drain for connection reuse
	_ = resp.Body.Close()
}

// progress counts transferred bytes.
type progress struct {
	d *Download
	s *Spider
}

func (p progress) Write(b []byte) (int, error) {
	n := int64(len(b))
	p.d.Counters.Add(CounterBytes, n)
	p.s.stats.bytes.Add(n)
	p.s.metrics.bytes.Add(context.Background(), n)
	return len(b), nil
}
