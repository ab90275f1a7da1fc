package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMetrics(t *testing.T) {
	pm := GetPrometheusMetrics()
	assert.Same(t, pm, GetPrometheusMetrics())

	pm.SetEmergencyStop(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(emergencyStop))
	pm.SetEmergencyStop(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(emergencyStop))

	before := testutil.ToFloat64(cascadeTotal.WithLabelValues("success"))
	pm.RecordCascade(true, 100)
	assert.Equal(t, before+1, testutil.ToFloat64(cascadeTotal.WithLabelValues("success")))

	pm.SetProtectionActive("stoploss", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(protectionActive.WithLabelValues("stoploss")))

	pm.RecordFailover("completed", 5*time.Millisecond)
	pm.SetSlotCapital("slot_1", 1000)
	assert.Equal(t, 1000.0, testutil.ToFloat64(slotCapital.WithLabelValues("slot_1")))
}
