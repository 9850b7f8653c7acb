// Package observability wires OTel tracing and a Prometheus-backed metrics
// registry for the scheduler (spec §10's operational non-goals still leave
// room for "ambient" instrumentation — this package is deliberately thin:
// it does not define an alerting policy or dashboards, just the instruments
// a dashboard would read).
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Config controls whether observability is enabled at all and where traces
// are shipped. Mirrors the env-driven shape the rest of this module's
// config structs use (see cmd/server).
type Config struct {
	Enabled        bool
	ServiceName    string
	Environment    string
	OTLPEndpoint   string
	OTLPHeaders    map[string]string
	OTLPInsecure   bool
	MetricsAddress string
}

// Providers bundles everything Init produces: the tracer/meter providers,
// the propagator to install globally, an http.Handler serving /metrics, and
// a Shutdown func to flush on process exit.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	MetricsHandler http.Handler
	Shutdown       func(context.Context) error
	Config         Config
}

// Init builds the tracer/meter providers described by cfg. If cfg.Enabled
// is false this returns a Providers whose Shutdown is a no-op and whose
// MetricsHandler is nil — callers should skip mounting it.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return &Providers{Config: cfg, Shutdown: func(context.Context) error { return nil }}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	var tp *sdktrace.TracerProvider
	var shutdowns []func(context.Context) error

	if cfg.OTLPEndpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("observability: build otlp exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		shutdowns = append(shutdowns, tp.Shutdown)
	} else {
		tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		shutdowns = append(shutdowns, tp.Shutdown)
	}
	otel.SetTracerProvider(tp)

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("observability: build prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	shutdowns = append(shutdowns, mp.Shutdown)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	if err := initSchedulerInstruments(mp); err != nil {
		return nil, fmt.Errorf("observability: build instruments: %w", err)
	}

	return &Providers{
		TracerProvider: tp,
		MeterProvider:  mp,
		Propagator:     prop,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Shutdown: func(ctx context.Context) error {
			for _, fn := range shutdowns {
				if err := fn(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Config: cfg,
	}, nil
}

// WrapHandler instruments handler with OTel HTTP spans, skipping /health so
// liveness probes don't pollute traces.
func WrapHandler(handler http.Handler, prov *Providers) http.Handler {
	if prov == nil || !prov.Config.Enabled {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			handler.ServeHTTP(w, r)
			return
		}
		otelhttp.NewHandler(handler, "taskcore.http").ServeHTTP(w, r)
	})
}

const meterName = "taskcore/scheduler"

var (
	queueDepth          metric.Int64UpDownCounter
	batchDuration       metric.Float64Histogram
	batchTasksProcessed metric.Int64Histogram
	cacheSpillTotal     metric.Int64Counter
	cacheSpillBytes     metric.Int64Counter
	loopIterationTotal  metric.Int64Counter
	loopIdleTotal       metric.Int64Counter
	taskCancelTotal     metric.Int64Counter
	indexEnvEvictions   metric.Int64Counter
)

func initSchedulerInstruments(mp *sdkmetric.MeterProvider) error {
	meter := mp.Meter(meterName)

	var err error
	if queueDepth, err = meter.Int64UpDownCounter("scheduler.queue_depth",
		metric.WithDescription("count of tasks currently Enqueued, adjusted on every enqueue/claim")); err != nil {
		return err
	}
	if batchDuration, err = meter.Float64Histogram("scheduler.batch_duration_seconds",
		metric.WithDescription("wall-clock time a processing batch spent between claim and finish"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	if batchTasksProcessed, err = meter.Int64Histogram("scheduler.batch_task_count",
		metric.WithDescription("number of tasks grouped into a single processed batch")); err != nil {
		return err
	}
	if cacheSpillTotal, err = meter.Int64Counter("scheduler.cache_spill_total",
		metric.WithDescription("count of indexing-cache bucket flushes to disk")); err != nil {
		return err
	}
	if cacheSpillBytes, err = meter.Int64Counter("scheduler.cache_spill_bytes_total",
		metric.WithDescription("bytes written across all indexing-cache spill runs")); err != nil {
		return err
	}
	if loopIterationTotal, err = meter.Int64Counter("scheduler.processor_loop_iterations_total",
		metric.WithDescription("processor wake-ups that found and processed a batch")); err != nil {
		return err
	}
	if loopIdleTotal, err = meter.Int64Counter("scheduler.processor_loop_idle_total",
		metric.WithDescription("processor wake-ups that found nothing to do")); err != nil {
		return err
	}
	if taskCancelTotal, err = meter.Int64Counter("scheduler.task_cancellations_total",
		metric.WithDescription("tasks marked Canceled by a TaskCancellation")); err != nil {
		return err
	}
	if indexEnvEvictions, err = meter.Int64Counter("scheduler.index_env_evictions_total",
		metric.WithDescription("index KV environments closed by the pool's LRU eviction")); err != nil {
		return err
	}
	return nil
}

// RecordQueueDepthDelta adjusts the live queue-depth gauge; delta is
// negative when tasks leave the Enqueued state (claimed or canceled).
func RecordQueueDepthDelta(ctx context.Context, delta int64) {
	if queueDepth == nil {
		return
	}
	queueDepth.Add(ctx, delta)
}

// RecordBatchProcessed records one finished batch's duration and size,
// tagged by the dominant task kind so a dashboard can split throughput by
// operation type.
func RecordBatchProcessed(ctx context.Context, kind string, seconds float64, taskCount int) {
	if batchDuration == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task.kind", kind))
	batchDuration.Record(ctx, seconds, attrs)
	batchTasksProcessed.Record(ctx, int64(taskCount), attrs)
}

// RecordCacheSpill records one bucket flush to disk: it counts the flush
// and adds its serialized size in bytes, so spill pressure is visible.
func RecordCacheSpill(ctx context.Context, bytesWritten int64) {
	if cacheSpillTotal == nil {
		return
	}
	cacheSpillTotal.Add(ctx, 1)
	cacheSpillBytes.Add(ctx, bytesWritten)
}

// RecordLoopIteration records one processor wake-up, split by whether it
// found work.
func RecordLoopIteration(ctx context.Context, processed bool) {
	if loopIterationTotal == nil {
		return
	}
	if processed {
		loopIterationTotal.Add(ctx, 1)
	} else {
		loopIdleTotal.Add(ctx, 1)
	}
}

// RecordTaskCancellations adds count canceled tasks to the running total.
func RecordTaskCancellations(ctx context.Context, count int) {
	if taskCancelTotal == nil || count <= 0 {
		return
	}
	taskCancelTotal.Add(ctx, int64(count))
}

// RecordIndexEnvEviction records one index KV environment closed by the
// pool's LRU eviction policy.
func RecordIndexEnvEviction(ctx context.Context) {
	if indexEnvEvictions == nil {
		return
	}
	indexEnvEvictions.Add(ctx, 1)
}
