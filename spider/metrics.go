package spider

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/meigma/fastpull/spider"

// Stats are spider-wide totals since creation.
type Stats struct {
	Fetches    int64
	CacheHits  int64
	Committed  int64
	Failures   int64
	Mismatches int64
	Bytes      int64
	Active     int64
}

type stats struct {
	fetches    atomic.Int64
	cacheHits  atomic.Int64
	committed  atomic.Int64
	failures   atomic.Int64
	mismatches atomic.Int64
	bytes      atomic.Int64
	active     atomic.Int64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Fetches:    s.fetches.Load(),
		CacheHits:  s.cacheHits.Load(),
		Committed:  s.committed.Load(),
		Failures:   s.failures.Load(),
		Mismatches: s.mismatches.Load(),
		Bytes:      s.bytes.Load(),
		Active:     s.active.Load(),
	}
}

// instruments mirror stats as OpenTelemetry counters.
type instruments struct {
	fetches   metric.Int64Counter
	cacheHits metric.Int64Counter
	outcomes  metric.Int64Counter
	bytes     metric.Int64Counter
	active    metric.Int64UpDownCounter
}

func newInstruments(mp metric.MeterProvider) (*instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		in  instruments
		err error
	)
	if in.fetches, err = meter.Int64Counter("fastpull.spider.fetches",
		metric.WithDescription("Network transfers started"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}
	if in.cacheHits, err = meter.Int64Counter("fastpull.spider.cache_hits",
		metric.WithDescription("Requests answered from the fetch cache"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if in.outcomes, err = meter.Int64Counter("fastpull.spider.downloads",
		metric.WithDescription("Finished downloads by final state"),
		metric.WithUnit("{download}"),
	); err != nil {
		return nil, err
	}
	if in.bytes, err = meter.Int64Counter("fastpull.spider.bytes",
		metric.WithDescription("Bytes transferred"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if in.active, err = meter.Int64UpDownCounter("fastpull.spider.active",
		metric.WithDescription("Transfers in progress"),
		metric.WithUnit("{fetch}"),
	); err != nil {
		return nil, err
	}
	return &in, nil
}

func (in *instruments) finished(ctx context.Context, state State) {
	in.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(state))))
}
