package batch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// executorMetrics holds the otel instruments for the batch executor. The
// global meter provider may be a no-op; instrument creation errors degrade
// to nil instruments rather than failing the sync.
type executorMetrics struct {
	subBatchLatency metric.Float64Histogram
	runDuration     metric.Float64Histogram
	retries         metric.Int64Counter
	retryWait       metric.Float64Counter
	desiredSize     metric.Int64Gauge
	itemStatuses    metric.Int64Counter
}

func newExecutorMetrics() *executorMetrics {
	meter := otel.Meter("github.com/rezkam/calsync/internal/batch")
	m := &executorMetrics{}

	m.subBatchLatency, _ = meter.Float64Histogram("calsync.batch.subbatch.duration",
		metric.WithDescription("Wall latency of one sub-batch HTTP call"),
		metric.WithUnit("s"))
	m.runDuration, _ = meter.Float64Histogram("calsync.batch.run.duration",
		metric.WithDescription("Wall latency of executing all sub-batches of a run"),
		metric.WithUnit("s"))
	m.retries, _ = meter.Int64Counter("calsync.batch.retries",
		metric.WithDescription("Sub-batch level retry attempts"))
	m.retryWait, _ = meter.Float64Counter("calsync.batch.retry.wait",
		metric.WithDescription("Cumulative time spent waiting between retry attempts"),
		metric.WithUnit("s"))
	m.desiredSize, _ = meter.Int64Gauge("calsync.batch.desired_size",
		metric.WithDescription("Current AIMD desired sub-batch size"))
	m.itemStatuses, _ = meter.Int64Counter("calsync.batch.item_results",
		metric.WithDescription("Inner result statuses by class"))

	return m
}

func (m *executorMetrics) recordSubBatch(ctx context.Context, seconds float64) {
	if m.subBatchLatency != nil {
		m.subBatchLatency.Record(ctx, seconds)
	}
}

func (m *executorMetrics) recordRun(ctx context.Context, seconds float64) {
	if m.runDuration != nil {
		m.runDuration.Record(ctx, seconds)
	}
}

func (m *executorMetrics) recordRetry(ctx context.Context, waited float64) {
	if m.retries != nil {
		m.retries.Add(ctx, 1)
	}
	if m.retryWait != nil {
		m.retryWait.Add(ctx, waited)
	}
}

func (m *executorMetrics) recordDesiredSize(ctx context.Context, size int) {
	if m.desiredSize != nil {
		m.desiredSize.Record(ctx, int64(size))
	}
}

func (m *executorMetrics) recordItems(ctx context.Context, n int64) {
	if m.itemStatuses != nil {
		m.itemStatuses.Add(ctx, n)
	}
}
