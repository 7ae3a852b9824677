// Package telemetry exposes supervision counters through OpenTelemetry.
//
// Instruments are created once per Metrics and recorded with attributes
// naming the supervisor and, where relevant, the category or error code.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope of every realmsup instrument.
const MeterName = "github.com/roach88/realmsup"

// Instrument names.
const (
	MessagesName      = "realmsup.messages"
	FaultsName        = "realmsup.faults"
	AnomaliesName     = "realmsup.anomalies"
	RepliesName       = "realmsup.replies"
	RegistrationsName = "realmsup.registrations"
)

// Metrics records supervision events.
type Metrics struct {
	messages      metric.Int64Counter
	faults        metric.Int64Counter
	anomalies     metric.Int64Counter
	replies       metric.Int64Counter
	registrations metric.Int64Counter
}

// NewMetrics creates the instruments on mp. A nil provider records nothing.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	meter := mp.Meter(MeterName)

	m := &Metrics{}
	var err error

	if m.messages, err = meter.Int64Counter(MessagesName,
		metric.WithDescription("Messages received by supervisors, by badge category"),
		metric.WithUnit("{message}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", MessagesName, err)
	}
	if m.faults, err = meter.Int64Counter(FaultsName,
		metric.WithDescription("Faults attributed to supervised entities"),
		metric.WithUnit("{fault}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", FaultsName, err)
	}
	if m.anomalies, err = meter.Int64Counter(AnomaliesName,
		metric.WithDescription("Reported protocol anomalies, by error code"),
		metric.WithUnit("{anomaly}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", AnomaliesName, err)
	}
	if m.replies, err = meter.Int64Counter(RepliesName,
		metric.WithDescription("Replies delivered to blocked callers"),
		metric.WithUnit("{reply}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", RepliesName, err)
	}
	if m.registrations, err = meter.Int64Counter(RegistrationsName,
		metric.WithDescription("Successful one-time registrations"),
		metric.WithUnit("{registration}"),
	); err != nil {
		return nil, fmt.Errorf("create %s: %w", RegistrationsName, err)
	}
	return m, nil
}

// Nop returns Metrics backed by the no-op provider.
func Nop() *Metrics {
	m, err := NewMetrics(nil)
	if err != nil {
		panic(err)
	}
	return m
}

// Message counts one received message.
func (m *Metrics) Message(ctx context.Context, supervisor, category string) {
	m.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("supervisor", supervisor),
		attribute.String("category", category),
	))
}

// Fault counts one fault attributed to component.
func (m *Metrics) Fault(ctx context.Context, supervisor, component string) {
	m.faults.Add(ctx, 1, metric.WithAttributes(
		attribute.String("supervisor", supervisor),
		attribute.String("component", component),
	))
}

// Anomaly counts one reported anomaly.
func (m *Metrics) Anomaly(ctx context.Context, supervisor, code string) {
	m.anomalies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("supervisor", supervisor),
		attribute.String("code", code),
	))
}

// Reply counts one delivered reply.
func (m *Metrics) Reply(ctx context.Context, supervisor string) {
	m.replies.Add(ctx, 1, metric.WithAttributes(attribute.String("supervisor", supervisor)))
}

// Registration counts one successful registration.
func (m *Metrics) Registration(ctx context.Context, supervisor, component string) {
	m.registrations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("supervisor", supervisor),
		attribute.String("component", component),
	))
}
