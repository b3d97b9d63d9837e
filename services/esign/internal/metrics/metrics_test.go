package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestWorkflowCollectorCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewWorkflowCollector(reg)

	c.OperationFinished("sign_slot", "ok", time.Millisecond)
	c.OperationFinished("sign_slot", "ok", time.Millisecond)
	c.OperationFinished("sign_slot", "USED_CONSTRAINT", time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(c.operations.WithLabelValues("sign_slot", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.operations.WithLabelValues("sign_slot", "USED_CONSTRAINT")))
	require.Equal(t, 1, testutil.CollectAndCount(c.duration))
}
