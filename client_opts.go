package fastpull

import (
	"errors"
	"log/slog"
	nethttp "net/http"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/metric"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

// Option configures a Client.
type Option func(*Client) error

// --- Transport Options ---

// WithHTTPClient sets the HTTP client used for distfile transfers.
func WithHTTPClient(client *nethttp.Client) Option {
	return func(c *Client) error {
		if client == nil {
			return errors.New("fastpull: http client is nil")
		}
		c.httpClient = client
		return nil
	}
}

// WithUserAgent sets the User-Agent header for transfers and registry
// requests.
func WithUserAgent(ua string) Option {
	return func(c *Client) error {
		c.userAgent = ua
		return nil
	}
}

// WithCredentials sets the credential store used by the OCI mirror.
// By default the Docker credential store is used when a mirror is
// configured without static credentials.
func WithCredentials(store credentials.Store) Option {
	return func(c *Client) error {
		c.credStore = store
		return nil
	}
}

// --- Retry Options ---

// WithRetry sets how many times FetchAll retries a retryable failure,
// overriding the configured value. Requests with a non-zero Retry field
// use their own count.
func WithRetry(n int) Option {
	return func(c *Client) error {
		if n < 0 {
			return errors.New("fastpull: retry count must be >= 0")
		}
		c.retries = n
		return nil
	}
}

// WithBackOff sets the backoff policy between retries. newBackOff is called
// once per request. The default is exponential backoff.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) error {
		if newBackOff == nil {
			return errors.New("fastpull: backoff constructor is nil")
		}
		c.newBackOff = newBackOff
		return nil
	}
}

// --- Observability Options ---

// WithLogger sets the logger for the client and every component it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for spider
// metrics.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Client) error {
		c.meterProvider = mp
		return nil
	}
}
