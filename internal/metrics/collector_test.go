package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/15058718379/tpm2-abrmd/internal/metrics"
)

func TestNewCollectorRegistersAllMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	require.NotNil(t, c.Sessions)
	require.NotNil(t, c.CommandsReceived)
	require.NotNil(t, c.ResponsesSent)
	require.NotNil(t, c.CommandsDropped)
	require.NotNil(t, c.Cancellations)
	require.NotNil(t, c.LocalityChanges)
	require.NotNil(t, c.CreateConnections)

	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestSessionsGaugeTracksRegisterUnregister(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.RegisterSession()
	c.RegisterSession()
	c.UnregisterSession()

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Equal(t, float64(1), gaugeValue(t, families, "tpmbrokerd_broker_sessions"))
}

func TestCancellationsLabeledByResult(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncCancel("canceled")
	c.IncCancel("nothing_to_cancel")
	c.IncCancel("canceled")

	require.Equal(t, float64(2), testCounterVecValue(t, c.Cancellations, "canceled"))
	require.Equal(t, float64(1), testCounterVecValue(t, c.Cancellations, "nothing_to_cancel"))
}

func gaugeValue(t *testing.T, families []*dto.MetricFamily, name string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() == name {
			return fam.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatalf("metric family %s not found", name)
	return 0
}

func testCounterVecValue(t *testing.T, vec *prometheus.CounterVec, label string) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(label).(prometheus.Metric).Write(m))
	return m.GetCounter().GetValue()
}
