package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespaceESign    = "esign"
	subsystemWorkflow = "workflow"

	LabelOperation = "operation"
	LabelOutcome   = "outcome"
)

// WorkflowMetrics records the outcome of workflow operations. The outcome is
// "ok" or the domain error code.
type WorkflowMetrics interface {
	OperationFinished(operation, outcome string, duration time.Duration)
}

// WorkflowCollector records workflow operations in Prometheus.
type WorkflowCollector struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var _ WorkflowMetrics = (*WorkflowCollector)(nil)

// NewWorkflowCollector registers the workflow collectors with reg. A nil reg
// uses the default registerer.
func NewWorkflowCollector(reg prometheus.Registerer) *WorkflowCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &WorkflowCollector{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespaceESign,
			Subsystem: subsystemWorkflow,
			Name:      "operations_total",
			Help:      "number of workflow operations by outcome",
		}, []string{LabelOperation, LabelOutcome}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespaceESign,
			Subsystem: subsystemWorkflow,
			Name:      "operation_duration_seconds",
			Help:      "time spent in workflow operations including store retries",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{LabelOperation}),
	}
}

func (c *WorkflowCollector) OperationFinished(operation, outcome string, duration time.Duration) {
	c.operations.With(prometheus.Labels{LabelOperation: operation, LabelOutcome: outcome}).Inc()
	c.duration.With(prometheus.Labels{LabelOperation: operation}).Observe(duration.Seconds())
}

// NoopCollector discards measurements.
type NoopCollector struct{}

// NewNoopCollector returns a collector that records nothing.
func NewNoopCollector() *NoopCollector { return &NoopCollector{} }

func (nc *NoopCollector) OperationFinished(operation, outcome string, duration time.Duration) {}
