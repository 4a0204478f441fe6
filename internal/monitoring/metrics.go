package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry creates a Prometheus registry with the Go and process
// collectors already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns the /metrics handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// LinkMetrics holds the counters shared by data links and the simulated
// medium. All methods are safe on a nil receiver so components can be built
// without metrics.
type LinkMetrics struct {
	FramesSent     *prometheus.CounterVec // labels: node, type
	FramesReceived *prometheus.CounterVec // labels: node, type
	TxErrors       *prometheus.CounterVec // labels: node, reason
	RxErrors       *prometheus.CounterVec // labels: node
	SlotShifts     *prometheus.CounterVec // labels: node
	Joined         *prometheus.GaugeVec   // labels: node
	Collisions     *prometheus.CounterVec // labels: channel
	Deliveries     *prometheus.CounterVec // labels: channel
}

// NewLinkMetrics registers and returns the link counters.
func NewLinkMetrics(reg prometheus.Registerer) *LinkMetrics {
	m := &LinkMetrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiomesh_frames_sent_total",
			Help: "Frames handed to the physical layer, by frame type.",
		}, []string{"node", "type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiomesh_frames_received_total",
			Help: "Frames decoded from the physical layer, by frame type.",
		}, []string{"node", "type"}),
		TxErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiomesh_tx_errors_total",
			Help: "Outbound frames rejected before transmission.",
		}, []string{"node", "reason"}),
		RxErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiomesh_rx_errors_total",
			Help: "Inbound frames discarded as malformed.",
		}, []string{"node"}),
		SlotShifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiomesh_slot_shifts_total",
			Help: "Slot boundaries crossed.",
		}, []string{"node"}),
		Joined: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "radiomesh_joined",
			Help: "1 once the node has left discovery.",
		}, []string{"node"}),
		Collisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiomesh_channel_collisions_total",
			Help: "Transmissions lost to overlapping airtime.",
		}, []string{"channel"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiomesh_channel_deliveries_total",
			Help: "Transmissions delivered to listeners.",
		}, []string{"channel"}),
	}
	reg.MustRegister(m.FramesSent, m.FramesReceived, m.TxErrors, m.RxErrors,
		m.SlotShifts, m.Joined, m.Collisions, m.Deliveries)
	return m
}

func (m *LinkMetrics) Sent(node, frameType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(node, frameType).Inc()
}

func (m *LinkMetrics) Received(node, frameType string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(node, frameType).Inc()
}

func (m *LinkMetrics) TxError(node, reason string) {
	if m == nil {
		return
	}
	m.TxErrors.WithLabelValues(node, reason).Inc()
}

func (m *LinkMetrics) RxError(node string) {
	if m == nil {
		return
	}
	m.RxErrors.WithLabelValues(node).Inc()
}

func (m *LinkMetrics) SlotShift(node string) {
	if m == nil {
		return
	}
	m.SlotShifts.WithLabelValues(node).Inc()
}

func (m *LinkMetrics) SetJoined(node string, joined bool) {
	if m == nil {
		return
	}
	v := 0.0
	if joined {
		v = 1
	}
	m.Joined.WithLabelValues(node).Set(v)
}

func (m *LinkMetrics) Collision(channel string) {
	if m == nil {
		return
	}
	m.Collisions.WithLabelValues(channel).Inc()
}

func (m *LinkMetrics) Delivery(channel string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(channel).Inc()
}
