package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dkeye/voicerelay/internal/domain"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	OnlineClients   prometheus.Gauge
	LiveCalls       prometheus.Gauge
	CallTransitions *prometheus.CounterVec
	Envelopes       *prometheus.CounterVec
	MediaFrames     *prometheus.CounterVec
	MediaBytes      prometheus.Counter
	CallDuration    prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		OnlineClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_clients",
			Help:      "Number of registered clients.",
		}),
		LiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_calls",
			Help:      "Number of ringing or active calls.",
		}),
		CallTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_transitions_total",
			Help:      "Call state transitions by target state.",
		}, []string{"state"}),
		Envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_envelopes_total",
			Help:      "Inbound control envelopes by type.",
		}, []string{"type"}),
		MediaFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_frames_total",
			Help:      "Media datagrams by relay outcome.",
		}, []string{"outcome"}),
		MediaBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_forwarded_bytes_total",
			Help:      "Bytes of media datagrams forwarded.",
		}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Duration of answered calls from accept to end.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
}

func (m *Metrics) ObserveCall(c domain.Call) {
	if m == nil {
		return
	}
	m.CallTransitions.WithLabelValues(string(c.State)).Inc()
	switch {
	case c.State == domain.CallRinging:
		m.LiveCalls.Inc()
	case c.State.Terminal():
		m.LiveCalls.Dec()
		if !c.AnsweredAt.IsZero() && !c.EndedAt.IsZero() {
			m.CallDuration.Observe(c.EndedAt.Sub(c.AnsweredAt).Seconds())
		}
	}
}

func (m *Metrics) IncEnvelope(typ string) {
	if m == nil {
		return
	}
	m.Envelopes.WithLabelValues(typ).Inc()
}

func (m *Metrics) IncMediaFrame(outcome string, n int) {
	if m == nil {
		return
	}
	m.MediaFrames.WithLabelValues(outcome).Inc()
	if outcome == "forwarded" {
		m.MediaBytes.Add(float64(n))
	}
}

func (m *Metrics) SetOnlineClients(n int) {
	if m == nil {
		return
	}
	m.OnlineClients.Set(float64(n))
}

// Handler serves this registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
