package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the OAuth subsystem
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Registration
	ClientRegistered     metric.Int64Counter
	RegistrationRejected metric.Int64Counter
	DiscoveryServed      metric.Int64Counter
	RateLimitExceeded    metric.Int64Counter

	// Connection tracking
	ConnectionsOpened metric.Int64Counter
	ConnectionsClosed metric.Int64Counter
	ConnectionErrors  metric.Int64Counter
	LogsSwept         metric.Int64Counter

	// Storage
	StorageClientsCount metric.Int64ObservableGauge
	StorageLogsCount    metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	var err error
	m.HTTPRequestsTotal, err = inst.httpMeter.Int64Counter(
		"oauth.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = inst.httpMeter.Float64Histogram(
		"oauth.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.ClientRegistered, err = inst.serverMeter.Int64Counter(
		"oauth.client.registered",
		metric.WithDescription("Number of clients registered"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	m.RegistrationRejected, err = inst.serverMeter.Int64Counter(
		"oauth.client.registration.rejected",
		metric.WithDescription("Number of client registrations rejected"),
		metric.WithUnit("{rejection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registration.rejected counter: %w", err)
	}

	m.DiscoveryServed, err = inst.httpMeter.Int64Counter(
		"oauth.discovery.served",
		metric.WithDescription("Number of discovery documents served"),
		metric.WithUnit("{document}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery.served counter: %w", err)
	}

	m.RateLimitExceeded, err = inst.serverMeter.Int64Counter(
		"oauth.ratelimit.exceeded",
		metric.WithDescription("Number of requests rejected by rate limiting"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.exceeded counter: %w", err)
	}

	m.ConnectionsOpened, err = inst.trackerMeter.Int64Counter(
		"oauth.connections.opened",
		metric.WithDescription("Number of tracked connections opened"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections.opened counter: %w", err)
	}

	m.ConnectionsClosed, err = inst.trackerMeter.Int64Counter(
		"oauth.connections.closed",
		metric.WithDescription("Number of tracked connections closed"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections.closed counter: %w", err)
	}

	m.ConnectionErrors, err = inst.trackerMeter.Int64Counter(
		"oauth.connections.errors",
		metric.WithDescription("Number of errors recorded on tracked connections"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections.errors counter: %w", err)
	}

	m.LogsSwept, err = inst.trackerMeter.Int64Counter(
		"oauth.connections.logs.swept",
		metric.WithDescription("Number of connection log rows removed by the retention sweep"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections.logs.swept counter: %w", err)
	}

	m.StorageClientsCount, err = inst.storageMeter.Int64ObservableGauge(
		"oauth.storage.clients.count",
		metric.WithDescription("Number of registered clients in storage"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	m.StorageLogsCount, err = inst.storageMeter.Int64ObservableGauge(
		"oauth.storage.logs.count",
		metric.WithDescription("Number of connection log rows in storage"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.logs.count gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with its duration (nil-safe)
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
	m.HTTPRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordClientRegistered records a successful client registration (nil-safe)
func (m *Metrics) RecordClientRegistered(ctx context.Context, clientType string) {
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrClientType, clientType),
	))
}

// RecordRegistrationRejected records a rejected registration (nil-safe)
func (m *Metrics) RecordRegistrationRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.RegistrationRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrError, reason),
	))
}

// RecordDiscoveryServed records a discovery document response (nil-safe)
func (m *Metrics) RecordDiscoveryServed(ctx context.Context, document string) {
	if m == nil {
		return
	}
	m.DiscoveryServed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrDocument, document),
	))
}

// RecordRateLimitExceeded records a rate limited request (nil-safe)
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHTTPEndpoint, endpoint),
	))
}

// RecordConnectionOpened records a new tracked connection (nil-safe)
func (m *Metrics) RecordConnectionOpened(ctx context.Context, connectionType string) {
	if m == nil {
		return
	}
	m.ConnectionsOpened.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrConnectionType, connectionType),
	))
}

// RecordConnectionClosed records the end of a tracked connection (nil-safe)
func (m *Metrics) RecordConnectionClosed(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.ConnectionsClosed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrConnectionStatus, status),
	))
}

// RecordConnectionError records an error on a tracked connection (nil-safe)
func (m *Metrics) RecordConnectionError(ctx context.Context, connectionType string) {
	if m == nil {
		return
	}
	m.ConnectionErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrConnectionType, connectionType),
	))
}

// RecordLogsSwept records rows removed by the retention sweep (nil-safe)
func (m *Metrics) RecordLogsSwept(ctx context.Context, removed int64) {
	if m == nil || removed == 0 {
		return
	}
	m.LogsSwept.Add(ctx, removed)
}
