// Package instrumentation wraps the OpenTelemetry instruments the server
// records into. All methods are safe on a nil receiver, so callers that do
// not configure telemetry pay nothing.
package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/authgrid/oauthcore"

// Redemption outcome attribute values.
const (
	OutcomeSuccess = "success"
	OutcomeReplay  = "replay"
	OutcomeExpired = "expired"
	OutcomeError   = "error"
)

// Metrics holds the server's counters and the tracer for flow spans.
type Metrics struct {
	codesIssued     metric.Int64Counter
	redemptions     metric.Int64Counter
	tokensIssued    metric.Int64Counter
	refreshOutcomes metric.Int64Counter
	rateLimited     metric.Int64Counter

	tracer trace.Tracer
}

// New creates the instrument set from the given providers. Nil providers
// fall back to the global ones, which are noop unless the application
// installed real SDKs.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	meter := mp.Meter(scopeName)

	m := &Metrics{tracer: tp.Tracer(scopeName)}

	var err error
	if m.codesIssued, err = meter.Int64Counter("oauth.codes.issued",
		metric.WithDescription("Authorization codes issued")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.redemptions, err = meter.Int64Counter("oauth.codes.redemptions",
		metric.WithDescription("Authorization code redemption attempts by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.tokensIssued, err = meter.Int64Counter("oauth.tokens.issued",
		metric.WithDescription("Access tokens issued")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.refreshOutcomes, err = meter.Int64Counter("oauth.tokens.refreshes",
		metric.WithDescription("Refresh token rotations by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.rateLimited, err = meter.Int64Counter("oauth.requests.rate_limited",
		metric.WithDescription("Requests rejected by the rate limiter")); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return m, nil
}

// StartSpan opens a span for one flow. The returned end function is never nil.
func (m *Metrics) StartSpan(ctx context.Context, name string) (context.Context, func()) {
	if m == nil {
		return ctx, func() {}
	}
	ctx, span := m.tracer.Start(ctx, name)
	return ctx, func() { span.End() }
}

// RecordCodeIssued counts an issued authorization code.
func (m *Metrics) RecordCodeIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.codesIssued.Add(ctx, 1)
}

// RecordRedemption counts a redemption attempt with its outcome.
func (m *Metrics) RecordRedemption(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.redemptions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordTokenIssued counts an issued access token.
func (m *Metrics) RecordTokenIssued(ctx context.Context) {
	if m == nil {
		return
	}
	m.tokensIssued.Add(ctx, 1)
}

// RecordRefresh counts a refresh rotation with its outcome.
func (m *Metrics) RecordRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.refreshOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRateLimited counts a rate-limited request.
func (m *Metrics) RecordRateLimited(ctx context.Context) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1)
}
