package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncHTTP("test_endpoint")
		ObserveRun("incremental", "completed", 3*time.Second)
		IncRetry("recovered")
		IncDeadLetter()
	})
}

func TestCounters(t *testing.T) {
	before := counterValue(t, apiCalls.WithLabelValues("transient"))
	IncAPICall("transient")
	IncAPICall("transient")
	assert.Equal(t, before+2, counterValue(t, apiCalls.WithLabelValues("transient")))

	before = counterValue(t, syncItems.WithLabelValues("workflow", "failed"))
	AddItems("workflow", "failed", 0)
	AddItems("workflow", "failed", 3)
	assert.Equal(t, before+3, counterValue(t, syncItems.WithLabelValues("workflow", "failed")))

	before = counterValue(t, skippedTicks.WithLabelValues("sync"))
	IncSkippedTick("sync")
	assert.Equal(t, before+1, counterValue(t, skippedTicks.WithLabelValues("sync")))
}
