package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionsActive  prometheus.Gauge
	roomsActive     prometheus.Gauge
	producersActive prometheus.Gauge
	consumersActive prometheus.Gauge

	workerLoad *prometheus.GaugeVec

	signalRequestsTotal *prometheus.CounterVec
	relayHandshakes     *prometheus.CounterVec

	signalRequestDuration prometheus.Histogram
	relayDuration         prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamgrid_sessions_active",
			Help: "Number of live signaling sessions on this node",
		}),

		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamgrid_rooms_active",
			Help: "Number of rooms with at least one local peer",
		}),

		producersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamgrid_producers_active",
			Help: "Number of produced streams owned by local peers",
		}),

		consumersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "streamgrid_consumers_active",
			Help: "Number of consumers served from this node",
		}),

		workerLoad: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamgrid_worker_load",
			Help: "Transport count per local engine worker",
		}, []string{"worker_id", "role"}),

		signalRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgrid_signal_requests_total",
			Help: "Signaling requests by method and outcome",
		}, []string{"method", "outcome"}),

		relayHandshakes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamgrid_relay_handshakes_total",
			Help: "Relay handshakes by outcome",
		}, []string{"outcome"}),

		signalRequestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamgrid_signal_request_duration_seconds",
			Help:    "Duration of signaling request handling",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		relayDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "streamgrid_relay_handshake_duration_seconds",
			Help:    "Duration of cross-node relay handshakes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
	}
}

func (c *PrometheusCollector) SessionOpened()         { c.sessionsActive.Inc() }
func (c *PrometheusCollector) SessionClosed()         { c.sessionsActive.Dec() }
func (c *PrometheusCollector) RoomOpened()            { c.roomsActive.Inc() }
func (c *PrometheusCollector) RoomClosed()            { c.roomsActive.Dec() }
func (c *PrometheusCollector) ProducerAdded()         { c.producersActive.Inc() }
func (c *PrometheusCollector) ProducerRemoved()       { c.producersActive.Dec() }
func (c *PrometheusCollector) ConsumerAdded()         { c.consumersActive.Inc() }
func (c *PrometheusCollector) ConsumerRemoved()       { c.consumersActive.Dec() }

func (c *PrometheusCollector) SetWorkerLoad(workerID, role string, load float64) {
	c.workerLoad.WithLabelValues(workerID, role).Set(load)
}

func (c *PrometheusCollector) ObserveSignalRequest(method, outcome string, seconds float64) {
	c.signalRequestsTotal.WithLabelValues(method, outcome).Inc()
	c.signalRequestDuration.Observe(seconds)
}

func (c *PrometheusCollector) ObserveRelayHandshake(outcome string, seconds float64) {
	c.relayHandshakes.WithLabelValues(outcome).Inc()
	c.relayDuration.Observe(seconds)
}
