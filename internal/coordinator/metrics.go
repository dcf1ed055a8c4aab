package coordinator

import (
	"context"
	"time"

	"gridmm/internal/accountant"
	"gridmm/internal/core"
	"gridmm/pkg/telemetry"
)

// accountantMetricsSink adapts *telemetry.MetricsHolder's grid-domain
// instruments to accountant.MetricsSink, so invariant violations
// detected during RecalculateFunds surface as a Prometheus counter
// instead of only a log line.
type accountantMetricsSink struct {
	holder *telemetry.MetricsHolder
}

func newAccountantMetricsSink(m *telemetry.MetricsHolder) accountant.MetricsSink {
	if m == nil || m.GridInvariantViolations == nil {
		return nil
	}
	return &accountantMetricsSink{holder: m}
}

func (s *accountantMetricsSink) IncInvariantViolation(name string) {
	if s == nil || s.holder == nil || s.holder.GridInvariantViolations == nil {
		return
	}
	s.holder.GridInvariantViolations.Add(context.Background(), 1)
	_ = name // attribute omitted: low-cardinality counter, name already carried in the warn log line
}

func (s *accountantMetricsSink) ObserveAvailable(core.Side, float64) {}

func (c *Coordinator) recordPlanSize(n int) {
	if c.metrics == nil || c.metrics.GridPlanSize == nil {
		return
	}
	c.metrics.GridPlanSize.Record(context.Background(), int64(n))
}

func (c *Coordinator) recordSyncDuration(d time.Duration) {
	if c.metrics == nil || c.metrics.GridSyncDuration == nil {
		return
	}
	c.metrics.GridSyncDuration.Record(context.Background(), float64(d.Microseconds())/1000.0)
}

// NewAccountantMetricsSink exposes newAccountantMetricsSink for callers
// (e.g. cmd/gridbot) constructing the accountant.Accountant before the
// Coordinator itself exists.
func NewAccountantMetricsSink(m *telemetry.MetricsHolder) accountant.MetricsSink {
	return newAccountantMetricsSink(m)
}
