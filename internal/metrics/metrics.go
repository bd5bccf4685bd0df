// Package metrics defines the Prometheus collectors of the bridge. A nil
// *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the bridge collectors.
type Metrics struct {
	Commands       *prometheus.CounterVec
	CommandLatency *prometheus.HistogramVec
	Recoveries     *prometheus.CounterVec
	Frames         *prometheus.CounterVec
	ReadCycles     *prometheus.CounterVec
	Undos          *prometheus.CounterVec
	PendingClear   prometheus.Gauge
	Requests       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbc_commands_total",
				Help: "User commands by classification outcome.",
			},
			[]string{"outcome"},
		),
		CommandLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rbc_command_duration_seconds",
				Help:    "Time from submit to interpreter reply, recovery included.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
		Recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbc_recoveries_total",
				Help: "Recovery runs by robot state.",
			},
			[]string{"state"},
		),
		Frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbc_feedback_frames_total",
				Help: "Feedback frames by result.",
			},
			[]string{"result"},
		),
		ReadCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbc_read_cycles_total",
				Help: "Variable read loop cycles by result.",
			},
			[]string{"result"},
		),
		Undos: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbc_undo_total",
				Help: "Undo requests by result.",
			},
			[]string{"result"},
		),
		PendingClear: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rbc_pending_clear",
				Help: "1 while an interpreter clear waits for its acknowledgement.",
			},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rbc_http_requests_total",
				Help: "API requests by route and status code.",
			},
			[]string{"route", "code"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.Commands, m.CommandLatency, m.Recoveries, m.Frames, m.ReadCycles, m.Undos, m.PendingClear, m.Requests)
	}
	return m
}

// Command counts a user command outcome.
func (m *Metrics) Command(outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(outcome).Inc()
	m.CommandLatency.WithLabelValues("submit").Observe(latency.Seconds())
}

// Recovery counts a recovery run.
func (m *Metrics) Recovery(state string) {
	if m == nil {
		return
	}
	m.Recoveries.WithLabelValues(state).Inc()
}

// Frame counts a feedback frame result.
func (m *Metrics) Frame(result string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(result).Inc()
}

// ReadCycle counts a read loop cycle.
func (m *Metrics) ReadCycle(result string) {
	if m == nil {
		return
	}
	m.ReadCycles.WithLabelValues(result).Inc()
}

// Undo counts an undo request.
func (m *Metrics) Undo(result string, latency time.Duration) {
	if m == nil {
		return
	}
	m.Undos.WithLabelValues(result).Inc()
	m.CommandLatency.WithLabelValues("undo").Observe(latency.Seconds())
}

// SetPendingClear tracks whether a clear is in flight.
func (m *Metrics) SetPendingClear(pending bool) {
	if m == nil {
		return
	}
	if pending {
		m.PendingClear.Set(1)
	} else {
		m.PendingClear.Set(0)
	}
}

// Request counts an API request.
func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
