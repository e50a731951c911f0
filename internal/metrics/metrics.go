// ABOUTME: Prometheus collectors for the gateway engine: state, reconnects, gaps, duplicates, heartbeats
// ABOUTME: Methods are nil-safe so components can run without a registry

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kook_gateway"

// States lists every connection state label, so the state gauge always
// exposes a full set of series.
var States = []string{"disconnected", "connecting", "awaiting_hello", "connected", "resuming", "reconnecting"}

// Metrics holds the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	state           *prometheus.GaugeVec
	connects        *prometheus.CounterVec
	reconnects      *prometheus.CounterVec
	eventsDelivered prometheus.Counter
	duplicates      *prometheus.CounterVec
	gaps            prometheus.Counter
	gapSize         prometheus.Histogram
	decodeErrors    *prometheus.CounterVec
	heartbeatRTT    prometheus.Histogram
	heartbeatMisses prometheus.Counter
	queueDepth      prometheus.Gauge
}

// New registers the engine collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),

		connects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by kind (fresh, resume) and result",
		}, []string{"kind", "result"}),

		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Connection teardowns that led to a resume or reconnect, by reason",
		}, []string{"reason"}),

		eventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Domain events handed to the consumer",
		}),

		duplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_duplicate_total",
			Help:      "Events discarded as duplicates, by detection method",
		}, []string{"by"}),

		gaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Sequence gaps observed in the event stream",
		}),

		gapSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sequence_gap_size",
			Help:      "Number of sequence numbers skipped per gap",
			Buckets:   []float64{1, 2, 5, 10, 50, 100, 1000},
		}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Frame and body decode failures by stage",
		}, []string{"stage"}),

		heartbeatRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Time between a ping and its pong",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		heartbeatMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_misses_total",
			Help:      "Heartbeat deadlines that passed without a pong",
		}),

		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Items waiting in the consumer channel",
		}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetState marks state as the active connection state.
func (m *Metrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(s).Set(v)
	}
}

// ConnectAttempt counts one connect or resume attempt.
func (m *Metrics) ConnectAttempt(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.connects.WithLabelValues(kind, result).Inc()
}

// Reconnect counts a teardown that will be followed by a new connection.
func (m *Metrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(reason).Inc()
}

// EventDelivered counts an event handed to the consumer.
func (m *Metrics) EventDelivered() {
	if m == nil {
		return
	}
	m.eventsDelivered.Inc()
}

// Duplicate counts a discarded duplicate. by is "sequence" or "msg_id".
func (m *Metrics) Duplicate(by string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(by).Inc()
}

// Gap records a sequence gap of missing numbers.
func (m *Metrics) Gap(missing uint64) {
	if m == nil {
		return
	}
	m.gaps.Inc()
	m.gapSize.Observe(float64(missing))
}

// DecodeError counts a decode failure at stage.
func (m *Metrics) DecodeError(stage string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(stage).Inc()
}

// HeartbeatAck records a pong's round trip time.
func (m *Metrics) HeartbeatAck(rtt time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatRTT.Observe(rtt.Seconds())
}

// HeartbeatMiss counts a missed heartbeat deadline.
func (m *Metrics) HeartbeatMiss() {
	if m == nil {
		return
	}
	m.heartbeatMisses.Inc()
}

// QueueDepth records how many items are waiting for the consumer.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
