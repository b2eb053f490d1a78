// Package metrics exposes the hub pipeline as Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbocsi/fieldhub/proto"
	"github.com/mbocsi/fieldhub/scheduler"
)

const namespace = "fieldhub"

// Metrics implements the manager's pipeline hooks and scheduler.Observer.
type Metrics struct {
	registry *prometheus.Registry

	frames       *prometheus.CounterVec
	bytes        *prometheus.CounterVec
	decoded      *prometheus.CounterVec
	decodeErrors *prometheus.CounterVec
	discarded    *prometheus.CounterVec
	rejected     *prometheus.CounterVec
	sent         *prometheus.CounterVec
	retried      prometheus.Counter
	dropped      *prometheus.CounterVec
	depth        *prometheus.GaugeVec
	busDrops     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Frames delivered by transport adapters",
		}, []string{"adapter"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "bytes_received_total",
			Help:      "Bytes delivered by transport adapters",
		}, []string{"adapter"}),
		decoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codec",
			Name:      "messages_decoded_total",
			Help:      "Messages decoded, by kind",
		}, []string{"kind"}),
		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "codec",
			Name:      "decode_errors_total",
			Help:      "Messages dropped because they could not be decoded",
		}, []string{"reason"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reassembly",
			Name:      "discarded_total",
			Help:      "Partial messages discarded",
		}, []string{"reason"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "rejected_total",
			Help:      "Commands refused before reaching the scheduler",
		}, []string{"reason"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "sent_total",
			Help:      "Commands delivered to a transport",
		}, []string{"priority"}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "retried_total",
			Help:      "Failed sends requeued for the next window",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "dropped_total",
			Help:      "Commands dropped without delivery",
		}, []string{"reason"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Queued commands per device",
		}, []string{"device_id"}),
		busDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages dropped from full subscriber queues",
		}, []string{"topic"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.frames,
		m.bytes,
		m.decoded,
		m.decodeErrors,
		m.discarded,
		m.rejected,
		m.sent,
		m.retried,
		m.dropped,
		m.depth,
		m.busDrops,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) FrameReceived(adapter string, n int) {
	m.frames.WithLabelValues(adapter).Inc()
	m.bytes.WithLabelValues(adapter).Add(float64(n))
}

func (m *Metrics) MessageDecoded(kind proto.Kind) {
	m.decoded.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) DecodeFailed(reason string)        { m.decodeErrors.WithLabelValues(reason).Inc() }
func (m *Metrics) ReassemblyDiscarded(reason string) { m.discarded.WithLabelValues(reason).Inc() }
func (m *Metrics) CommandRejected(reason string)     { m.rejected.WithLabelValues(reason).Inc() }

// BusDropped is installed as the broker's drop hook.
func (m *Metrics) BusDropped(topic string) { m.busDrops.WithLabelValues(topic).Inc() }

func (m *Metrics) CommandSent(_ string, p scheduler.Priority) {
	m.sent.WithLabelValues(p.String()).Inc()
}

func (m *Metrics) CommandRetried(string) { m.retried.Inc() }

func (m *Metrics) CommandDropped(_ string, reason string) {
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) QueueDepth(deviceID string, n int) {
	m.depth.WithLabelValues(deviceID).Set(float64(n))
}
