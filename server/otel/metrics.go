// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the session core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	meter metric.Meter

	authTotal        metric.Int64Counter
	disconnectsTotal metric.Int64Counter
	conflictsTotal   metric.Int64Counter
	auditWrites      metric.Int64Counter
	auditDropped     metric.Int64Counter
	staleCallbacks   metric.Int64Counter
	connRejected     metric.Int64Counter

	sessionsActive metric.Int64UpDownCounter
	actorsActive   metric.Int64UpDownCounter

	authDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("fluxsession"))
}

// NewMetricsWithMeter builds the instruments on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.authTotal, "mqtt.session.auth.total", "Authentication attempts by method and result"},
		{&m.disconnectsTotal, "mqtt.session.disconnects.total", "Session teardowns by reason"},
		{&m.conflictsTotal, "mqtt.session.conflicts.total", "Sessions evicted by a newer connection for the same client id"},
		{&m.auditWrites, "mqtt.session.audit.writes.total", "Unauthorized-attempt store operations by kind and result"},
		{&m.auditDropped, "mqtt.session.audit.dropped.total", "Unauthorized-attempt store operations dropped by the recorder"},
		{&m.staleCallbacks, "mqtt.session.stale_callbacks.total", "Asynchronous completions discarded by the stop fence"},
		{&m.connRejected, "mqtt.connections.rejected.total", "Connections refused by the front end before reaching a session"},
	}
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.sessionsActive, err = m.meter.Int64UpDownCounter(
		"mqtt.session.connected",
		metric.WithDescription("Number of sessions in the CONNECTED state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessionsActive gauge: %w", err)
	}

	m.actorsActive, err = m.meter.Int64UpDownCounter(
		"mqtt.session.actors",
		metric.WithDescription("Number of live per-client actors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create actorsActive gauge: %w", err)
	}

	m.authDuration, err = m.meter.Float64Histogram(
		"mqtt.session.auth.duration",
		metric.WithDescription("Authentication provider call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authDuration histogram: %w", err)
	}

	return m, nil
}

// RecordAuth records one authentication step outcome.
func (m *Metrics) RecordAuth(method, result string, durationMs float64) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("result", result),
	)
	m.authTotal.Add(ctx, 1, attrs)
	m.authDuration.Record(ctx, durationMs, attrs)
}

// RecordDisconnect records a session teardown.
func (m *Metrics) RecordDisconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnectsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordConflict records a session evicted by a newer connection.
func (m *Metrics) RecordConflict(sameSession bool) {
	if m == nil {
		return
	}
	m.conflictsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("same_session", sameSession),
	))
}

// RecordAuditWrite records a completed unauthorized-attempt store operation.
func (m *Metrics) RecordAuditWrite(op string, failed bool) {
	if m == nil {
		return
	}
	m.auditWrites.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("failed", failed),
	))
}

// RecordAuditDropped records an operation the recorder refused to run.
func (m *Metrics) RecordAuditDropped(op, cause string) {
	if m == nil {
		return
	}
	m.auditDropped.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("cause", cause),
	))
}

// RecordStaleCallback records a completion dropped by the stop fence.
func (m *Metrics) RecordStaleCallback() {
	if m == nil {
		return
	}
	m.staleCallbacks.Add(context.Background(), 1)
}

// RecordConnectionRejected records a connection refused by a front end.
func (m *Metrics) RecordConnectionRejected(cause string) {
	if m == nil {
		return
	}
	m.connRejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("cause", cause),
	))
}

// SessionConnected adjusts the connected-sessions gauge by +1.
func (m *Metrics) SessionConnected() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), 1)
}

// SessionDisconnected adjusts the connected-sessions gauge by -1.
func (m *Metrics) SessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsActive.Add(context.Background(), -1)
}

// ActorStarted adjusts the actor gauge by +1.
func (m *Metrics) ActorStarted() {
	if m == nil {
		return
	}
	m.actorsActive.Add(context.Background(), 1)
}

// ActorStopped adjusts the actor gauge by -1.
func (m *Metrics) ActorStopped() {
	if m == nil {
		return
	}
	m.actorsActive.Add(context.Background(), -1)
}
