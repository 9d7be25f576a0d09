package gate

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jobcooldown/jobcooldown/pkg/observability"
)

// Reporter receives every event and measurement produced while gating an execution.
type Reporter interface {
	RecordEvent(context.Context, observability.Event)
	RecordMetric(observability.Metric)
}

// NoopReporter discards all events and metrics.
type NoopReporter struct{}

func (NoopReporter) RecordEvent(context.Context, observability.Event) {}

func (NoopReporter) RecordMetric(observability.Metric) {}

// StructuredReporter stamps gate events and hands them to a logger; measurements go to
// a metrics collector. The job console is best effort, so logger failures are counted
// instead of surfacing into the decision.
type StructuredReporter struct {
	logger      observability.Logger
	metrics     observability.MetricsCollector
	now         func() time.Time
	logFailures atomic.Int64
}

// NewStructuredReporter builds a reporter for the gate component.
func NewStructuredReporter(logger observability.Logger, metrics observability.MetricsCollector) *StructuredReporter {
	return &StructuredReporter{logger: logger, metrics: metrics, now: time.Now}
}

// RecordEvent implements Reporter.
func (r *StructuredReporter) RecordEvent(ctx context.Context, event observability.Event) {
	if r == nil || r.logger == nil {
		return
	}
	stamped := event.Clone()
	if stamped.Component == "" {
		stamped.Component = "gate"
	}
	if stamped.Timestamp.IsZero() {
		stamped.Timestamp = r.now().UTC()
	}
	if err := r.logger.Log(ctx, stamped); err != nil {
		r.logFailures.Add(1)
	}
}

// RecordMetric implements Reporter.
func (r *StructuredReporter) RecordMetric(metric observability.Metric) {
	if r == nil || r.metrics == nil {
		return
	}
	r.metrics.Collect(metric)
}

// LogFailures reports how many events the logger rejected.
func (r *StructuredReporter) LogFailures() int64 {
	if r == nil {
		return 0
	}
	return r.logFailures.Load()
}

var (
	_ Reporter = NoopReporter{}
	_ Reporter = (*StructuredReporter)(nil)
)
