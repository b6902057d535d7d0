package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayRecordsDeliveries(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewRelay(reg)
	require.NoError(t, err)

	m.ObserveBroadcast(true)
	m.ObserveDelivery("es", OutcomeDelivered)
	m.ObserveDelivery("es", OutcomeDelivered)
	m.ObserveSynthesis("fr", 0.2, true)
	m.SetActiveSubscriptions(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Broadcasts.WithLabelValues("true")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("es", OutcomeDelivered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SynthesisFailures.WithLabelValues("fr")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveSubscriptions))
}

func TestRelayDoubleRegistrationFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewRelay(reg)
	require.NoError(t, err)
	_, err = NewRelay(reg)
	assert.Error(t, err)
}

func TestNilRelayIsNoop(t *testing.T) {
	t.Parallel()

	var m *Relay
	m.ObserveBroadcast(false)
	m.ObserveDelivery("es", OutcomeSkipped)
	m.ObserveSynthesis("es", 0.1, false)
	m.SetActiveSubscriptions(1)
	m.SetPeers(1)
}
