package entitlement

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "entitlement"
	MeterName  = "entitlement"
)

// Metrics holds the entitlement-specific OpenTelemetry instruments.
type Metrics struct {
	// Activation metrics
	ActivationAttempts metric.Int64Counter
	ActivationSuccess  metric.Int64Counter
	ActivationFailures metric.Int64Counter
	ActivationDuration metric.Float64Histogram

	// Reconciliation metrics
	VerifyChecks   metric.Int64Counter
	VerifyOutcomes metric.Int64Counter
	VerifyDuration metric.Float64Histogram
	PushAttempts   metric.Int64Counter
	PushFailures   metric.Int64Counter
	PushDuration   metric.Float64Histogram

	// Gate metrics
	GateDenials metric.Int64Counter
}

// InitializeMetrics creates all entitlement-specific instruments.
func InitializeMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.ActivationAttempts, err = meter.Int64Counter(
		"entitlement_activation_attempts_total",
		metric.WithDescription("Total number of invite code activation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation attempts counter: %w", err)
	}

	m.ActivationSuccess, err = meter.Int64Counter(
		"entitlement_activation_success_total",
		metric.WithDescription("Total number of successful activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation success counter: %w", err)
	}

	m.ActivationFailures, err = meter.Int64Counter(
		"entitlement_activation_failures_total",
		metric.WithDescription("Total number of failed activations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation failures counter: %w", err)
	}

	m.ActivationDuration, err = meter.Float64Histogram(
		"entitlement_activation_duration_seconds",
		metric.WithDescription("Activation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activation duration histogram: %w", err)
	}

	m.VerifyChecks, err = meter.Int64Counter(
		"entitlement_verify_checks_total",
		metric.WithDescription("Total number of remote verification checks"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify checks counter: %w", err)
	}

	m.VerifyOutcomes, err = meter.Int64Counter(
		"entitlement_verify_outcomes_total",
		metric.WithDescription("Remote verification outcomes by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify outcomes counter: %w", err)
	}

	m.VerifyDuration, err = meter.Float64Histogram(
		"entitlement_verify_duration_seconds",
		metric.WithDescription("Remote verification duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify duration histogram: %w", err)
	}

	m.PushAttempts, err = meter.Int64Counter(
		"entitlement_push_attempts_total",
		metric.WithDescription("Total number of post-activation pushes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create push attempts counter: %w", err)
	}

	m.PushFailures, err = meter.Int64Counter(
		"entitlement_push_failures_total",
		metric.WithDescription("Total number of failed post-activation pushes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create push failures counter: %w", err)
	}

	m.PushDuration, err = meter.Float64Histogram(
		"entitlement_push_duration_seconds",
		metric.WithDescription("Post-activation push duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create push duration histogram: %w", err)
	}

	m.GateDenials, err = meter.Int64Counter(
		"entitlement_gate_denials_total",
		metric.WithDescription("Total number of capability gate denials"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate denials counter: %w", err)
	}

	return m, nil
}

// RecordActivation records one activation attempt and its outcome.
func (m *Metrics) RecordActivation(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}

	m.ActivationAttempts.Add(ctx, 1)
	status := "success"
	if err != nil {
		status = "failure"
		m.ActivationFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("error.type", fmt.Sprintf("%T", err)),
		))
	} else {
		m.ActivationSuccess.Add(ctx, 1)
	}
	m.ActivationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordVerify records one remote verification and its outcome:
// "valid", "invalid" or "unreachable".
func (m *Metrics) RecordVerify(ctx context.Context, duration time.Duration, outcome string) {
	if m == nil {
		return
	}

	m.VerifyChecks.Add(ctx, 1)
	m.VerifyOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
	m.VerifyDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordPush records one post-activation push attempt.
func (m *Metrics) RecordPush(ctx context.Context, duration time.Duration, err error) {
	if m == nil {
		return
	}

	m.PushAttempts.Add(ctx, 1)
	status := "success"
	if err != nil {
		status = "failure"
		m.PushFailures.Add(ctx, 1)
	}
	m.PushDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordGateDenial records one capability denial.
func (m *Metrics) RecordGateDenial(ctx context.Context, tier Tier, capability Capability) {
	if m == nil {
		return
	}

	m.GateDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("capability", string(capability)),
	))
}
