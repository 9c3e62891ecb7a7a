package core

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

// coreMetrics is the OTel-backed Metrics implementation ServerCore emits
// to. A nil *coreMetrics is safe to call methods on (every method
// no-ops), the same convention the teacher's per-domain metrics structs
// use.
type coreMetrics struct {
	samplesIngested metric.Int64Counter
	framesSent      metric.Int64Counter
	sourceErrors    metric.Int64Counter
	pendingDepth    metric.Int64Histogram
}

// NewMetrics registers the BLDS instrument set on the global OTel meter
// provider and returns it as a Metrics implementation. Call after the
// caller has installed its own MeterProvider via otel.SetMeterProvider.
func NewMetrics(logger pslog.Logger) Metrics {
	return newCoreMetrics(logger)
}

// newCoreMetrics registers the BLDS instrument set on the global OTel
// meter provider.
func newCoreMetrics(logger pslog.Logger) *coreMetrics {
	meter := otel.Meter("pkt.systems/blds/core")
	m := &coreMetrics{}
	var err error

	m.samplesIngested, err = meter.Int64Counter(
		"blds.samples.ingested",
		metric.WithDescription("Sample rows appended to the active recording"),
	)
	logMetricInitError(logger, "blds.samples.ingested", err)

	m.framesSent, err = meter.Int64Counter(
		"blds.frames.sent",
		metric.WithDescription("Outbound wire frames written to clients"),
	)
	logMetricInitError(logger, "blds.frames.sent", err)

	m.sourceErrors, err = meter.Int64Counter(
		"blds.source.errors",
		metric.WithDescription("Fatal source errors observed"),
	)
	logMetricInitError(logger, "blds.source.errors", err)

	m.pendingDepth, err = meter.Int64Histogram(
		"blds.pending.depth",
		metric.WithDescription("Per-session pending-request queue depth at enqueue time"),
	)
	logMetricInitError(logger, "blds.pending.depth", err)

	return m
}

func (m *coreMetrics) SamplesIngested(nsamples uint32) {
	if m == nil || m.samplesIngested == nil {
		return
	}
	m.samplesIngested.Add(metricContext(nil), int64(nsamples))
}

func (m *coreMetrics) FramesSent(kind string) {
	if m == nil || m.framesSent == nil {
		return
	}
	m.framesSent.Add(metricContext(nil), 1, metric.WithAttributes(attribute.String("blds.frame.type", kind)))
}

func (m *coreMetrics) SourceError() {
	if m == nil || m.sourceErrors == nil {
		return
	}
	m.sourceErrors.Add(metricContext(nil), 1)
}

func (m *coreMetrics) PendingDepth(n int) {
	if m == nil || m.pendingDepth == nil {
		return
	}
	m.pendingDepth.Record(metricContext(nil), int64(n))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
