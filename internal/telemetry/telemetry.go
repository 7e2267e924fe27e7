// Package telemetry provides the OpenTelemetry meter and tracer
// accessors used across the core, plus optional SDK initialization with
// stdout or OTLP exporters. Callers that never call Init get the no-op
// global providers, so instrumentation is always safe to emit.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}

var (
	initOnce sync.Once
	shutdown func(context.Context) error
)

// Options selects which exporters Init wires up.
type Options struct {
	// StdoutMetrics/StdoutTraces dump to stdout, for local debugging.
	StdoutMetrics bool
	StdoutTraces  bool
	// OTLPMetricsEndpoint, when non-empty, ships metrics over OTLP/HTTP.
	OTLPMetricsEndpoint string
}

// Init installs SDK providers per opts. It is safe to call more than
// once; only the first call takes effect.
func Init(ctx context.Context, opts Options) error {
	var err error
	initOnce.Do(func() {
		var shutdowns []func(context.Context) error

		var readers []sdkmetric.Option
		if opts.StdoutMetrics {
			exp, e := stdoutmetric.New()
			if e != nil {
				err = fmt.Errorf("stdout metric exporter: %w", e)
				return
			}
			readers = append(readers, sdkmetric.WithReader(
				sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))))
		}
		if opts.OTLPMetricsEndpoint != "" {
			exp, e := otlpmetrichttp.New(ctx,
				otlpmetrichttp.WithEndpoint(opts.OTLPMetricsEndpoint),
				otlpmetrichttp.WithInsecure())
			if e != nil {
				err = fmt.Errorf("otlp metric exporter: %w", e)
				return
			}
			readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
		}
		if len(readers) > 0 {
			mp := sdkmetric.NewMeterProvider(readers...)
			otel.SetMeterProvider(mp)
			shutdowns = append(shutdowns, mp.Shutdown)
		}

		if opts.StdoutTraces {
			exp, e := stdouttrace.New()
			if e != nil {
				err = fmt.Errorf("stdout trace exporter: %w", e)
				return
			}
			tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
			otel.SetTracerProvider(tp)
			shutdowns = append(shutdowns, tp.Shutdown)
		}

		shutdown = func(ctx context.Context) error {
			var first error
			for _, fn := range shutdowns {
				if e := fn(ctx); e != nil && first == nil {
					first = e
				}
			}
			return first
		}
	})
	return err
}

// Shutdown flushes and stops any providers Init installed.
func Shutdown(ctx context.Context) error {
	if shutdown == nil {
		return nil
	}
	return shutdown(ctx)
}
