package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	collaberrors "github.com/salesos/collab/v1/errors"
)

var tracer = otel.Tracer("github.com/salesos/collab/v1/store")

// Instrumented decorates a Store with Prometheus metrics and OpenTelemetry
// spans. Both are disabled until enabled through options.
type Instrumented struct {
	inner Store

	latencyHist  *prometheus.HistogramVec
	errorCounter *prometheus.CounterVec
	traceEnabled bool
}

// InstrumentOption configures an Instrumented store.
type InstrumentOption func(*Instrumented)

// WithMetrics records per-operation latency and failures on reg.
func WithMetrics(reg prometheus.Registerer) InstrumentOption {
	return func(i *Instrumented) {
		i.latencyHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collab_store_latency_seconds",
			Help:    "Latency of coordination store operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"})
		i.errorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_store_errors_total",
			Help: "Total number of failed coordination store operations",
		}, []string{"op", "kind"})
		reg.MustRegister(i.latencyHist, i.errorCounter)
	}
}

// WithTracing enables OpenTelemetry spans for store operations.
func WithTracing() InstrumentOption {
	return func(i *Instrumented) {
		i.traceEnabled = true
	}
}

// NewInstrumented wraps inner.
func NewInstrumented(inner Store, opts ...InstrumentOption) *Instrumented {
	i := &Instrumented{inner: inner}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// observe starts a span when tracing is on and returns the function that
// finishes the measurement.
func (i *Instrumented) observe(ctx context.Context, op, key string) (context.Context, func(error)) {
	var span trace.Span
	if i.traceEnabled {
		ctx, span = tracer.Start(ctx, "Store."+op, trace.WithAttributes(attribute.String("collab.store.key", key)))
	}
	start := time.Now()
	return ctx, func(err error) {
		if i.latencyHist != nil {
			i.latencyHist.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
		if err != nil && i.errorCounter != nil {
			kind := "other"
			if collaberrors.IsUnavailable(err) {
				kind = "unavailable"
			}
			i.errorCounter.WithLabelValues(op, kind).Inc()
		}
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}
	}
}

// Get implements Store.Get.
func (i *Instrumented) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, done := i.observe(ctx, "Get", key)
	v, ok, err := i.inner.Get(ctx, key)
	done(err)
	return v, ok, err
}

// Set implements Store.Set.
func (i *Instrumented) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, done := i.observe(ctx, "Set", key)
	err := i.inner.Set(ctx, key, value, ttl)
	done(err)
	return err
}

// SetNX implements Store.SetNX.
func (i *Instrumented) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ctx, done := i.observe(ctx, "SetNX", key)
	ok, err := i.inner.SetNX(ctx, key, value, ttl)
	done(err)
	return ok, err
}

// CompareAndSwap implements Store.CompareAndSwap.
func (i *Instrumented) CompareAndSwap(ctx context.Context, key string, old, new []byte, ttl time.Duration) (bool, error) {
	ctx, done := i.observe(ctx, "CompareAndSwap", key)
	ok, err := i.inner.CompareAndSwap(ctx, key, old, new, ttl)
	done(err)
	return ok, err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (i *Instrumented) CompareAndDelete(ctx context.Context, key string, old []byte) (bool, error) {
	ctx, done := i.observe(ctx, "CompareAndDelete", key)
	ok, err := i.inner.CompareAndDelete(ctx, key, old)
	done(err)
	return ok, err
}

// Delete implements Store.Delete.
func (i *Instrumented) Delete(ctx context.Context, key string) (bool, error) {
	ctx, done := i.observe(ctx, "Delete", key)
	ok, err := i.inner.Delete(ctx, key)
	done(err)
	return ok, err
}

// Scan implements Store.Scan.
func (i *Instrumented) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	ctx, done := i.observe(ctx, "Scan", prefix)
	entries, err := i.inner.Scan(ctx, prefix)
	done(err)
	return entries, err
}

// Ping implements Store.Ping.
func (i *Instrumented) Ping(ctx context.Context) error {
	ctx, done := i.observe(ctx, "Ping", "")
	err := i.inner.Ping(ctx)
	done(err)
	return err
}
