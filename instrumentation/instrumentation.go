// Package instrumentation provides OpenTelemetry metrics and tracing for the
// OAuth subsystem. When disabled, all instruments are backed by no-op
// providers so the hot paths carry no observability cost.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName identifies this service in telemetry (default: "assistant-oauth")
	ServiceName string

	// ServiceVersion is the version reported in telemetry
	ServiceVersion string

	// Enabled controls whether real providers are wired. When false, no-op
	// providers are used and recording is free.
	Enabled bool

	// LogClientIPs controls whether client IPs appear in telemetry attributes.
	// Disable for privacy compliance; hashed IPs are still available in audit logs.
	LogClientIPs bool

	// Resource is the OpenTelemetry resource describing this process.
	// A default resource with the service name and version is built when nil.
	Resource *resource.Resource
}

// Instrumentation bundles the meter and tracer providers with the metric
// instruments used across the module.
type Instrumentation struct {
	config Config

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	httpMeter    metric.Meter
	serverMeter  metric.Meter
	trackerMeter metric.Meter
	storageMeter metric.Meter

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates an Instrumentation instance from the given configuration.
func New(cfg Config) (*Instrumentation, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "assistant-oauth"
	}
	if cfg.Resource == nil {
		cfg.Resource = resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
		)
	}

	inst := &Instrumentation{config: cfg}

	if err := inst.initializeProviders(); err != nil {
		return nil, fmt.Errorf("failed to initialize providers: %w", err)
	}

	inst.httpMeter = inst.Meter("http")
	inst.serverMeter = inst.Meter("server")
	inst.trackerMeter = inst.Meter("tracker")
	inst.storageMeter = inst.Meter("storage")

	metrics, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// initializeProviders initializes metric and trace providers based on configuration.
// Disabled instrumentation uses no-op providers. Exporter wiring (Prometheus,
// OTLP) is left to the embedding application via SetProviders.
func (i *Instrumentation) initializeProviders() error {
	i.meterProvider = noop.NewMeterProvider()
	i.tracerProvider = tracenoop.NewTracerProvider()
	return nil
}

// SetProviders swaps in externally configured providers (e.g. an SDK meter
// provider with a Prometheus exporter). Must be called before instruments are
// handed out, i.e. immediately after New.
func (i *Instrumentation) SetProviders(mp metric.MeterProvider, tp trace.TracerProvider, shutdown func(context.Context) error) error {
	if !i.config.Enabled {
		return fmt.Errorf("instrumentation is disabled")
	}
	if mp != nil {
		i.meterProvider = mp
		i.httpMeter = i.Meter("http")
		i.serverMeter = i.Meter("server")
		i.trackerMeter = i.Meter("tracker")
		i.storageMeter = i.Meter("storage")

		metrics, err := newMetrics(i)
		if err != nil {
			return fmt.Errorf("failed to recreate metrics: %w", err)
		}
		i.metrics = metrics
	}
	if tp != nil {
		i.tracerProvider = tp
	}
	if shutdown != nil {
		i.shutdownFuncs = append(i.shutdownFuncs, shutdown)
	}
	return nil
}

// Shutdown gracefully shuts down all instrumentation providers.
// Should be called when the application is terminating.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope.
// Scopes are layer names like "http", "server", "tracker", "storage".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter("github.com/assistant-core/assistant-oauth/" + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer("github.com/assistant-core/assistant-oauth/" + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses may appear in telemetry
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers callbacks for storage size gauges.
// Storage implementations call this after instrumentation is set:
//
//	func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
//	    s.instrumentation = inst
//	    inst.RegisterStorageSizeCallbacks(
//	        func() int64 { return s.clientCount() },
//	        func() int64 { return s.logCount() },
//	    )
//	}
func (i *Instrumentation) RegisterStorageSizeCallbacks(clientsCount, logsCount StorageSizeCallback) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount())
			}
			if logsCount != nil {
				observer.ObserveInt64(i.metrics.StorageLogsCount, logsCount())
			}
			return nil
		},
		i.metrics.StorageClientsCount,
		i.metrics.StorageLogsCount,
	)

	return err
}
