package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all fleet metrics. Each package declares the subset it
// records as its own MetricsRecorder interface; *Metrics satisfies all of them.
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Registry metrics
	Registrants          metric.Int64UpDownCounter
	RegistryEventDropped metric.Int64Counter

	// Registration client metrics
	RegistrationAttempts metric.Int64Counter
	Heartbeats           metric.Int64Counter
	Reregistrations      metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsTotal      metric.Int64Counter
	JobErrorsTotal metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter

	// Relay metrics
	RelayListeners  metric.Int64UpDownCounter
	RelayMessages   metric.Int64Counter
	RelaySendErrors metric.Int64Counter
	RelayBridges    metric.Int64UpDownCounter

	// Webhook notifier metrics
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("fleet")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Registry metrics
	m.Registrants, err = meter.Int64UpDownCounter(
		"registry_registrants",
		metric.WithDescription("Number of registered orchestrators and agents"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RegistryEventDropped, err = meter.Int64Counter(
		"registry_events_dropped_total",
		metric.WithDescription("Registry events dropped because a subscriber was slow"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Registration client metrics
	m.RegistrationAttempts, err = meter.Int64Counter(
		"registration_attempts_total",
		metric.WithDescription("Registration attempts against the registry"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Heartbeats, err = meter.Int64Counter(
		"heartbeats_total",
		metric.WithDescription("Heartbeats sent to the registry"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Reregistrations, err = meter.Int64Counter(
		"reregistrations_total",
		metric.WithDescription("Re-registrations after consecutive heartbeat failures"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Analysis job duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsTotal, err = meter.Int64Counter(
		"jobs_total",
		metric.WithDescription("Total number of jobs started"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobErrorsTotal, err = meter.Int64Counter(
		"job_errors_total",
		metric.WithDescription("Total number of failed jobs"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running jobs (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Relay metrics
	m.RelayListeners, err = meter.Int64UpDownCounter(
		"relay_listeners",
		metric.WithDescription("Connected progress listeners"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RelayMessages, err = meter.Int64Counter(
		"relay_messages_total",
		metric.WithDescription("Progress messages delivered to listeners"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RelaySendErrors, err = meter.Int64Counter(
		"relay_send_errors_total",
		metric.WithDescription("Progress messages that failed to send"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RelayBridges, err = meter.Int64UpDownCounter(
		"relay_bridges",
		metric.WithDescription("Active UI to agent progress bridges"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Webhook notifier metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Webhook delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or open circuit)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordRegistrants adjusts the registrant gauge for kind.
func (m *Metrics) RecordRegistrants(ctx context.Context, kind string, delta int64) {
	m.Registrants.Add(ctx, delta, metric.WithAttributes(kindAttr(kind)))
}

// RecordRegistryEventDropped records a registry event lost to a slow subscriber.
func (m *Metrics) RecordRegistryEventDropped(ctx context.Context) {
	m.RegistryEventDropped.Add(ctx, 1)
}

// RecordRegistrationAttempt records one registration attempt.
func (m *Metrics) RecordRegistrationAttempt(ctx context.Context, success bool) {
	m.RegistrationAttempts.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordHeartbeat records one heartbeat.
func (m *Metrics) RecordHeartbeat(ctx context.Context, success bool) {
	m.Heartbeats.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordReregistration records a heartbeat-triggered re-registration.
func (m *Metrics) RecordReregistration(ctx context.Context) {
	m.Reregistrations.Add(ctx, 1)
}

// RecordJobStarted records a job starting.
func (m *Metrics) RecordJobStarted(ctx context.Context) {
	m.JobsTotal.Add(ctx, 1)
	m.JobsActive.Add(ctx, 1)
}

// RecordJobCompleted records a job completing (success or failure).
func (m *Metrics) RecordJobCompleted(ctx context.Context, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(successAttr(success))
	m.JobDuration.Record(ctx, durationSeconds, attrs)
	m.JobsActive.Add(ctx, -1)

	if !success {
		m.JobErrorsTotal.Add(ctx, 1)
	}
}

// RecordRelayListeners adjusts the connected listener gauge.
func (m *Metrics) RecordRelayListeners(ctx context.Context, delta int64) {
	m.RelayListeners.Add(ctx, delta)
}

// RecordRelayBroadcast records the outcome of one broadcast.
func (m *Metrics) RecordRelayBroadcast(ctx context.Context, delivered, failed int) {
	if delivered > 0 {
		m.RelayMessages.Add(ctx, int64(delivered))
	}
	if failed > 0 {
		m.RelaySendErrors.Add(ctx, int64(failed))
	}
}

// RecordRelayBridges adjusts the active bridge gauge.
func (m *Metrics) RecordRelayBridges(ctx context.Context, delta int64) {
	m.RelayBridges.Add(ctx, delta)
}

// RecordNotifyDelivered records a successful webhook delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed webhook delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped webhook event.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}
