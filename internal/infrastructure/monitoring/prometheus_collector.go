package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"roomctl/internal/core/domain"
	"roomctl/internal/core/ports"
)

type PrometheusCollector struct {
	activeRooms prometheus.Gauge

	// Per room
	roomTerminals *prometheus.GaugeVec
	roomStreams   *prometheus.GaugeVec
	roomSpreads   *prometheus.GaugeVec

	// Node RPCs
	rpcDuration *prometheus.HistogramVec

	// Failures and recovery
	spreadFailures *prometheus.CounterVec
	rebuilds       *prometheus.CounterVec
	faults         *prometheus.CounterVec
}

var _ ports.RoomMetrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers the controller metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		activeRooms: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomctl_rooms_active",
			Help: "Number of rooms served by this controller",
		}),

		roomTerminals: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomctl_room_terminals",
			Help: "Terminals in each room by kind",
		}, []string{"room", "kind"}),

		roomStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomctl_room_streams",
			Help: "Streams registered in each room",
		}, []string{"room"}),

		roomSpreads: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roomctl_room_spread_connections",
			Help: "Cross-node spread connections in each room",
		}, []string{"room"}),

		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomctl_node_rpc_duration_seconds",
			Help:    "Duration of RPCs to processing nodes",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "result"}),

		spreadFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomctl_spread_failures_total",
			Help: "Failed stream spreads by the step that failed",
		}, []string{"step"}),

		rebuilds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomctl_rebuilds_total",
			Help: "Terminal rebuilds after node faults",
		}, []string{"kind", "result"}),

		faults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomctl_faults_total",
			Help: "Node fault notifications received",
		}, []string{"purpose", "scope"}),
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (p *PrometheusCollector) RecordRPC(method string, duration time.Duration, err error) {
	p.rpcDuration.WithLabelValues(method, result(err == nil)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordSpreadFailure(step string) {
	p.spreadFailures.WithLabelValues(step).Inc()
}

func (p *PrometheusCollector) RecordRebuild(kind domain.TerminalKind, ok bool) {
	p.rebuilds.WithLabelValues(string(kind), result(ok)).Inc()
}

// RecordFault counts a fault notification before it is routed to the rooms.
func (p *PrometheusCollector) RecordFault(fault domain.Fault) {
	p.faults.WithLabelValues(string(fault.Purpose), string(fault.Scope)).Inc()
}

func (p *PrometheusCollector) SetRoomCounts(roomID string, counts domain.RoomCounts) {
	// Kinds that disappeared from the room must not linger.
	p.roomTerminals.DeletePartialMatch(prometheus.Labels{"room": roomID})
	for kind, n := range counts.Terminals {
		p.roomTerminals.WithLabelValues(roomID, string(kind)).Set(float64(n))
	}
	p.roomStreams.WithLabelValues(roomID).Set(float64(counts.Streams))
	p.roomSpreads.WithLabelValues(roomID).Set(float64(counts.Spreads))
}

func (p *PrometheusCollector) RemoveRoom(roomID string) {
	p.roomTerminals.DeletePartialMatch(prometheus.Labels{"room": roomID})
	p.roomStreams.DeleteLabelValues(roomID)
	p.roomSpreads.DeleteLabelValues(roomID)
}

func (p *PrometheusCollector) SetActiveRooms(n int) {
	p.activeRooms.Set(float64(n))
}
