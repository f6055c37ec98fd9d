package fastpull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/fastpull/hashes"
	"github.com/meigma/fastpull/spider"
)

// Summary collects the results of a FetchAll batch.
type Summary struct {
	// Results holds one entry per request, in request order.
	Results []Result

	// Fetched counts blobs downloaded and committed.
	Fetched int
	// Reused counts requests answered by the URL index without network access.
	Reused int
	// Mismatched counts requests whose content failed verification.
	Mismatched int
	// Failed counts requests that failed for any other reason.
	Failed int
}

// Err returns a joined error of every failed request, or nil when all
// succeeded.
func (s *Summary) Err() error {
	var errs []error
	for _, r := range s.Results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Request.URL, r.Err))
		}
	}
	return errors.Join(errs...)
}

func (s *Summary) tally() {
	for _, r := range s.Results {
		switch {
		case r.Err == nil && r.FromRef:
			s.Reused++
		case r.Err == nil:
			s.Fetched++
		case errors.Is(r.Err, hashes.ErrHashMismatch):
			s.Mismatched++
		default:
			s.Failed++
		}
	}
}

// Fetch fetches one request in the named scope with the client's retry
// policy. An empty scope selects the default scope.
func (c *Client) Fetch(ctx context.Context, scope string, req Request) (*Result, error) {
	s, err := c.Scope(scope)
	if err != nil {
		return nil, err
	}
	res := c.fetch(ctx, s, req)
	return &res, res.Err
}

// FetchAll fetches every request concurrently in the named scope. A failed
// request is recorded in its Result and never cancels the others;
// cancelling ctx cancels them all. The error is non-nil only when the scope
// does not exist; use Summary.Err for per-request failures.
func (c *Client) FetchAll(ctx context.Context, scope string, reqs []Request) (*Summary, error) {
	s, err := c.Scope(scope)
	if err != nil {
		return nil, err
	}
	summary := &Summary{Results: make([]Result, len(reqs))}

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			summary.Results[i] = c.fetch(ctx, s, req)
			return nil
		})
	}
	_ = g.Wait()

	summary.tally()
	c.log().Info("fetch batch finished",
		slog.String("scope", s.Name()),
		slog.Int("requests", len(reqs)),
		slog.Int("fetched", summary.Fetched),
		slog.Int("reused", summary.Reused),
		slog.Int("mismatched", summary.Mismatched),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

// fetch runs one request, retrying retryable network failures. Integrity
// failures are never retried.
func (c *Client) fetch(ctx context.Context, s *Scope, req Request) Result {
	retries := c.retries
	if req.Retry > 0 {
		retries = req.Retry
	}

	var (
		last     *Result
		attempts int
	)
	op := func() error {
		res, err := s.Fetch(ctx, req)
		attempts++
		if res != nil {
			last = res
		}
		if err != nil && !spider.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(retries)), ctx)
	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		s.logger.Warn("retrying fetch",
			slog.String("url", req.URL),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})

	res := Result{Request: req}
	if last != nil {
		res = *last
	}
	res.Attempts = attempts
	res.Err = err
	if err != nil {
		res.Record = nil
	}
	return res
}
