package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for the call core. It is created
// once at startup and injected; tests build a fresh instance on a private
// registry so counters start at zero.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsClosed    *prometheus.CounterVec
	SetupFailures     *prometheus.CounterVec
	FramesInbound     prometheus.Counter
	FramesOutbound    prometheus.Counter
	BackpressureDrops prometheus.Counter
	PortsInUse        prometheus.Gauge
	ControlErrors     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pbxbridge_active_sessions",
			Help: "Number of call sessions currently registered.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbxbridge_sessions_started_total",
			Help: "Call sessions created from call-start events.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbxbridge_sessions_closed_total",
			Help: "Call sessions closed, by terminating reason.",
		}, []string{"reason"}),
		SetupFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbxbridge_setup_failures_total",
			Help: "Session setup failures, by step (ports, media_leg, bridge, accept).",
		}, []string{"step"}),
		FramesInbound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbxbridge_frames_inbound_total",
			Help: "Audio frames read from media sockets and forwarded to the speech sink.",
		}),
		FramesOutbound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbxbridge_frames_outbound_total",
			Help: "Synthesized audio frames written back to media sockets.",
		}),
		BackpressureDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbxbridge_backpressure_drops_total",
			Help: "Inbound frames dropped because the speech sink could not keep up.",
		}),
		PortsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pbxbridge_media_ports_in_use",
			Help: "Media endpoint ports currently allocated.",
		}),
		ControlErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbxbridge_control_errors_total",
			Help: "Failed control-plane requests, by operation.",
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.ActiveSessions,
		m.SessionsStarted,
		m.SessionsClosed,
		m.SetupFailures,
		m.FramesInbound,
		m.FramesOutbound,
		m.BackpressureDrops,
		m.PortsInUse,
		m.ControlErrors,
	)
	return m
}

// NewForTesting returns metrics on a throwaway registry.
func NewForTesting() *Metrics {
	return New(prometheus.NewRegistry())
}
