package sched

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type admissionVerdict string

const (
	verdictAdmitted  admissionVerdict = "admitted"
	verdictRejected  admissionVerdict = "rejected"
	verdictFloorDrop admissionVerdict = "floor_drop"
	verdictAllocFail admissionVerdict = "alloc_fail"
)

type schedMetrics struct {
	admissions  metric.Int64Counter
	activations metric.Int64Counter
	deferrals   metric.Int64Counter
	completions metric.Int64Counter
	queueDepth  metric.Int64ObservableGauge
	active      metric.Int64ObservableGauge
}

func newSchedMetrics(logger pslog.Logger, s *Scheduler) *schedMetrics {
	meter := otel.Meter("github.com/femtoweb/femtoweb/sched")
	m := &schedMetrics{}
	var err error

	m.admissions, err = meter.Int64Counter(
		"femtoweb.sched.admission",
		metric.WithDescription("Admission gate verdicts"),
	)
	logMetricInitError(logger, "femtoweb.sched.admission", err)

	m.activations, err = meter.Int64Counter(
		"femtoweb.sched.activation",
		metric.WithDescription("Requests promoted to active by the drain loop"),
	)
	logMetricInitError(logger, "femtoweb.sched.activation", err)

	m.deferrals, err = meter.Int64Counter(
		"femtoweb.sched.deferral",
		metric.WithDescription("Requests parked as deferred within a drain pass"),
	)
	logMetricInitError(logger, "femtoweb.sched.deferral", err)

	m.completions, err = meter.Int64Counter(
		"femtoweb.sched.completion",
		metric.WithDescription("Requests removed from the queue"),
	)
	logMetricInitError(logger, "femtoweb.sched.completion", err)

	m.queueDepth, err = meter.Int64ObservableGauge(
		"femtoweb.sched.queue_depth",
		metric.WithDescription("Requests currently in the queue"),
	)
	logMetricInitError(logger, "femtoweb.sched.queue_depth", err)

	m.active, err = meter.Int64ObservableGauge(
		"femtoweb.sched.active",
		metric.WithDescription("Requests currently active"),
	)
	logMetricInitError(logger, "femtoweb.sched.active", err)

	if m.queueDepth != nil && m.active != nil {
		if _, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			if s == nil {
				return nil
			}
			o.ObserveInt64(m.queueDepth, int64(s.NumClients()))
			o.ObserveInt64(m.active, int64(s.ActiveCount()))
			return nil
		}, m.queueDepth, m.active); err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed",
				"name", "femtoweb.sched.queue_depth", "error", err)
		}
	}

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}

func (m *schedMetrics) recordAdmission(v admissionVerdict) {
	if m == nil || m.admissions == nil {
		return
	}
	m.admissions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("femtoweb.sched.verdict", string(v)),
	))
}

func (m *schedMetrics) recordActivation() {
	if m == nil || m.activations == nil {
		return
	}
	m.activations.Add(context.Background(), 1)
}

func (m *schedMetrics) recordDeferral() {
	if m == nil || m.deferrals == nil {
		return
	}
	m.deferrals.Add(context.Background(), 1)
}

func (m *schedMetrics) recordCompletion() {
	if m == nil || m.completions == nil {
		return
	}
	m.completions.Add(context.Background(), 1)
}
