package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	assert.NotNil(t, m.OperationsTotal)
	assert.NotNil(t, m.OperationDuration)
	assert.NotNil(t, m.EntrypointFirings)
}

func TestRecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordOperation("deploy", "sensor", "ok", 100*time.Millisecond)
	m.RecordOperation("deploy", "sensor", "error", 50*time.Millisecond)

	count, err := m.OperationsTotal.GetMetricWithLabelValues("deploy", "sensor", "ok")
	require.NoError(t, err)
	assert.NotNil(t, count)
}

func TestRecordFiring(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordFiring("sensor", "tick")
	m.RecordFiring("sensor", "tick")
}

func TestGlobalIsASingleton(t *testing.T) {
	a := Init()
	b := Global()
	assert.Same(t, a, b)
}
