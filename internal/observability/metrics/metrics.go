package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ltr"

// Delivery outcomes recorded by the fan-out.
const (
	OutcomeDelivered     = "delivered"
	OutcomeSkipped       = "skipped"
	OutcomeSynthesisFail = "synthesis_failed"
	OutcomeSendFail      = "send_failed"
)

// Relay groups the collectors used by the broker and fan-out. A nil *Relay
// is valid and records nothing.
type Relay struct {
	Broadcasts          *prometheus.CounterVec
	Deliveries          *prometheus.CounterVec
	SynthesisFailures   *prometheus.CounterVec
	SynthesisSeconds    *prometheus.HistogramVec
	ActiveSubscriptions prometheus.Gauge
	Peers               prometheus.Gauge
}

// NewRelay creates and registers the relay collectors on reg.
func NewRelay(reg prometheus.Registerer) (*Relay, error) {
	m := &Relay{
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Utterances submitted for fan-out, by final flag.",
		}, []string{"final"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-subscription fan-out results.",
		}, []string{"language", "outcome"}),
		SynthesisFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_failures_total",
			Help:      "Synthesis failures by language.",
		}, []string{"language"}),
		SynthesisSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "synthesis_duration_seconds",
			Help:      "Synthesis latency by language.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"language"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_subscriptions",
			Help:      "Subscriptions currently registered with the broker.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_peers",
			Help:      "Transport connections currently attached to the broker.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Broadcasts, m.Deliveries, m.SynthesisFailures, m.SynthesisSeconds, m.ActiveSubscriptions, m.Peers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Relay) ObserveBroadcast(final bool) {
	if m == nil {
		return
	}
	label := "false"
	if final {
		label = "true"
	}
	m.Broadcasts.WithLabelValues(label).Inc()
}

func (m *Relay) ObserveDelivery(language, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(language, outcome).Inc()
}

func (m *Relay) ObserveSynthesis(language string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.SynthesisSeconds.WithLabelValues(language).Observe(seconds)
	if failed {
		m.SynthesisFailures.WithLabelValues(language).Inc()
	}
}

func (m *Relay) SetActiveSubscriptions(n int) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.Set(float64(n))
}

func (m *Relay) SetPeers(n int) {
	if m == nil {
		return
	}
	m.Peers.Set(float64(n))
}
