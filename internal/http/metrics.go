package http

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shipyard/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/shipyard/internal/http"

// HTTPMetrics instruments the control surface and webhook deliveries.
type HTTPMetrics struct {
	meter          metric.Meter
	logger         *logging.Logger
	requestsTotal  metric.Int64Counter
	requestDur     metric.Float64Histogram
	activeRequests metric.Int64UpDownCounter
	webhookEvents  metric.Int64Counter
}

// NewHTTPMetrics creates instruments on the global meter provider.
func NewHTTPMetrics(logger *logging.Logger) *HTTPMetrics {
	if logger == nil {
		logger = logging.Nop()
	}
	m := &HTTPMetrics{
		meter:  otel.Meter(httpInstrumentationName),
		logger: logger,
	}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	ctx := context.Background()
	warn := func(what string, err error) {
		if err != nil {
			m.logger.Warn(ctx, "failed to create "+what, zap.Error(err))
		}
	}
	var err error

	m.requestsTotal, err = m.meter.Int64Counter(
		"shipyard.http.requests_total",
		metric.WithDescription("Control API requests by method, route and status"),
		metric.WithUnit("{request}"),
	)
	warn("requests counter", err)

	m.requestDur, err = m.meter.Float64Histogram(
		"shipyard.http.request_duration_seconds",
		metric.WithDescription("Control API request latency by method, route and status"),
		metric.WithUnit("s"),
		// Cycle and start requests can block on git and the director.
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	warn("duration histogram", err)

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"shipyard.http.active_requests",
		metric.WithDescription("Control API requests in flight"),
		metric.WithUnit("{request}"),
	)
	warn("active requests gauge", err)

	m.webhookEvents, err = m.meter.Int64Counter(
		"shipyard.http.webhook_events_total",
		metric.WithDescription("GitHub webhook deliveries by event type and outcome"),
		metric.WithUnit("{event}"),
	)
	warn("webhook counter", err)
}

// MetricsMiddleware records count, latency and concurrency per route.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
				defer m.activeRequests.Add(ctx, -1)
			}

			err := next(c)

			status := c.Response().Status
			if err != nil {
				// The error handler has not written the response yet.
				status = statusFor(err)
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeOf(c.Path())),
				attribute.Int("status", status),
			)
			if m.requestsTotal != nil {
				m.requestsTotal.Add(ctx, 1, attrs)
			}
			if m.requestDur != nil {
				m.requestDur.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// RecordWebhook counts one delivery. outcome is one of handled, ignored,
// rejected or error.
func (m *HTTPMetrics) RecordWebhook(ctx context.Context, event, outcome string) {
	if m == nil || m.webhookEvents == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.String("outcome", outcome),
	))
}

// routeOf returns the route template. Echo already reports parameterized
// routes as templates, so only unmatched requests need a stand-in.
func routeOf(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
