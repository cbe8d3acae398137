// Package metrics exposes the engine's aggregate counters through the global
// OTel meter. When no meter provider is configured the instruments are no-ops,
// so the engine keeps its own SafeCounter-backed stats for the consumer API.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/opencoop/relay/internal/metrics"

func meter() metric.Meter {
	return otel.Meter(instrumentationName)
}

// Set holds the engine's OTel instruments.
type Set struct {
	backendCalls metric.Int64Counter
	cacheHits    metric.Int64Counter
	bytesSent    metric.Int64Counter
	batchWrites  metric.Int64Counter
	writeErrors  metric.Int64Counter
	queueDepth   metric.Int64ObservableGauge
}

// New creates the instrument set. A depth callback may be nil; when provided
// it is sampled for the pending-write queue gauge.
func New(depth func() int) (*Set, error) {
	m := meter()
	s := &Set{}

	var err error

	s.backendCalls, err = m.Int64Counter(
		"relay.backend.calls",
		metric.WithDescription("Total backend round trips issued"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating backend calls counter: %w", err)
	}

	s.cacheHits, err = m.Int64Counter(
		"relay.cache.hits",
		metric.WithDescription("Reads served from the entity cache without a backend call"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cache hits counter: %w", err)
	}

	s.bytesSent, err = m.Int64Counter(
		"relay.bytes.sent",
		metric.WithDescription("Estimated compact-record bytes written to the backend"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating bytes sent counter: %w", err)
	}

	s.batchWrites, err = m.Int64Counter(
		"relay.batch.writes",
		metric.WithDescription("Writes drained by the batch writer"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating batch writes counter: %w", err)
	}

	s.writeErrors, err = m.Int64Counter(
		"relay.batch.errors",
		metric.WithDescription("Batch writes that failed and were dropped"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating write errors counter: %w", err)
	}

	s.queueDepth, err = m.Int64ObservableGauge(
		"relay.batch.queue.depth",
		metric.WithDescription("Current number of pending entity writes"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue depth gauge: %w", err)
	}

	if depth != nil {
		_, err = m.RegisterCallback(
			func(ctx context.Context, o metric.Observer) error {
				o.ObserveInt64(s.queueDepth, int64(depth()))
				return nil
			},
			s.queueDepth,
		)
		if err != nil {
			return nil, fmt.Errorf("registering queue depth callback: %w", err)
		}
	}

	return s, nil
}

// BackendCall records one backend round trip for the given operation.
func (s *Set) BackendCall(op string) {
	s.backendCalls.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", op)))
}

// CacheHit records a read served from cache.
func (s *Set) CacheHit(entity string) {
	s.cacheHits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("entity", entity)))
}

// BytesSent records outbound payload volume.
func (s *Set) BytesSent(n int64) {
	s.bytesSent.Add(context.Background(), n)
}

// BatchWrite records one drained write.
func (s *Set) BatchWrite() {
	s.batchWrites.Add(context.Background(), 1)
}

// WriteError records one failed-and-dropped write.
func (s *Set) WriteError() {
	s.writeErrors.Add(context.Background(), 1)
}
