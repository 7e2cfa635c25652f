package client

import (
	"strconv"

	"sdn-guard/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics holds every controller metric. All Record methods are
// safe to call on a nil receiver so components can run without metrics.
type PrometheusMetrics struct {
	// Event metrics
	EventsTotal   *prometheus.CounterVec
	PacketInTotal *prometheus.CounterVec
	PacketInBytes *prometheus.CounterVec
	Decisions     *prometheus.CounterVec

	// Southbound metrics
	CommandsTotal *prometheus.CounterVec
	DeviceErrors  *prometheus.CounterVec
	PublishTime   *prometheus.HistogramVec

	// Switch and table state
	SwitchesConnected prometheus.Gauge
	SwitchesDegraded  prometheus.Gauge
	MetersActive      prometheus.Gauge
	GroupsActive      prometheus.Gauge
	PolicyRules       *prometheus.GaugeVec

	// Statistics metrics
	StatsPolls     *prometheus.CounterVec
	FlowSamples    *prometheus.CounterVec
	TrackedFlows   prometheus.Gauge
	PortThroughput *prometheus.GaugeVec

	// Detection metrics
	AnomalyLearning prometheus.Gauge
	Baselines       prometheus.Gauge
	AnomalyZScore   *prometheus.HistogramVec
	AlertCounter    *prometheus.CounterVec
}

// NewPrometheusMetrics registers the controller metrics with reg
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdn_events_total",
				Help: "Protocol engine events received by type",
			},
			[]string{"type"},
		),
		PacketInTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdn_packet_in_total",
				Help: "Packet-in messages received per switch",
			},
			[]string{"switch"},
		),
		PacketInBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdn_packet_in_bytes_total",
				Help: "Bytes of packet-in frames per switch",
			},
			[]string{"switch"},
		),
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdn_packet_decisions_total",
				Help: "Forwarding decisions taken for packet-in frames",
			},
			[]string{"action", "reason"},
		),
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdn_commands_total",
				Help: "Commands sent to the protocol engine",
			},
			[]string{"op", "command"},
		),
		DeviceErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdn_device_errors_total",
				Help: "Failed switch operations",
			},
			[]string{"switch", "op"},
		),
		PublishTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sdn_command_publish_seconds",
				Help:    "Time to publish a command to the protocol engine",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		SwitchesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sdn_switches_connected",
			Help: "Switches currently registered",
		}),
		SwitchesDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sdn_switches_degraded",
			Help: "Switches with failed installs",
		}),
		MetersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sdn_meters_active",
			Help: "Meters installed across all switches",
		}),
		GroupsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sdn_groups_active",
			Help: "Groups installed across all switches",
		}),
		PolicyRules: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sdn_policy_rules",
				Help: "Policy rules held per store",
			},
			[]string{"kind"},
		),
		StatsPolls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdn_stats_polls_total",
				Help: "Statistics polls by outcome",
			},
			[]string{"switch", "result"},
		),
		FlowSamples: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdn_flow_samples_total",
				Help: "Flow statistic samples recorded",
			},
			[]string{"switch"},
		),
		TrackedFlows: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sdn_tracked_flows",
			Help: "Flows with samples inside the retention window",
		}),
		PortThroughput: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sdn_port_throughput_bytes_per_second",
				Help: "Port throughput derived from port statistics",
			},
			[]string{"switch", "port", "direction"},
		),
		AnomalyLearning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sdn_anomaly_learning",
			Help: "1 while the anomaly detector is learning baselines",
		}),
		Baselines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sdn_anomaly_baselines",
			Help: "Flows with an established baseline",
		}),
		AnomalyZScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sdn_anomaly_zscore",
				Help:    "Z-scores computed against flow baselines",
				Buckets: []float64{0.5, 1, 2, 3, 5, 10, 50},
			},
			[]string{"metric"},
		),
		AlertCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sdn_alerts_total",
				Help: "Alerts raised by the detectors",
			},
			[]string{"category", "type", "severity"},
		),
	}
}

func switchLabel(switchID uint64) string {
	return strconv.FormatUint(switchID, 10)
}

func (m *PrometheusMetrics) RecordEvent(eventType model.EventType) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(string(eventType)).Inc()
}

func (m *PrometheusMetrics) RecordPacketIn(switchID uint64, size int) {
	if m == nil {
		return
	}
	label := switchLabel(switchID)
	m.PacketInTotal.WithLabelValues(label).Inc()
	m.PacketInBytes.WithLabelValues(label).Add(float64(size))
}

func (m *PrometheusMetrics) RecordDecision(action model.DecisionAction, reason string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(string(action), reason).Inc()
}

func (m *PrometheusMetrics) RecordCommand(op, command string, seconds float64) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(op, command).Inc()
	m.PublishTime.WithLabelValues(op).Observe(seconds)
}

func (m *PrometheusMetrics) RecordDeviceError(switchID uint64, op string) {
	if m == nil {
		return
	}
	m.DeviceErrors.WithLabelValues(switchLabel(switchID), op).Inc()
}

func (m *PrometheusMetrics) SetSwitchCounts(connected, degraded int) {
	if m == nil {
		return
	}
	m.SwitchesConnected.Set(float64(connected))
	m.SwitchesDegraded.Set(float64(degraded))
}

func (m *PrometheusMetrics) SetMeters(count int) {
	if m == nil {
		return
	}
	m.MetersActive.Set(float64(count))
}

func (m *PrometheusMetrics) SetGroups(count int) {
	if m == nil {
		return
	}
	m.GroupsActive.Set(float64(count))
}

func (m *PrometheusMetrics) SetPolicyRules(kind model.RuleKind, count int) {
	if m == nil {
		return
	}
	m.PolicyRules.WithLabelValues(string(kind)).Set(float64(count))
}

func (m *PrometheusMetrics) RecordPoll(switchID uint64, result string) {
	if m == nil {
		return
	}
	m.StatsPolls.WithLabelValues(switchLabel(switchID), result).Inc()
}

func (m *PrometheusMetrics) RecordFlowSamples(switchID uint64, count int, tracked int) {
	if m == nil {
		return
	}
	m.FlowSamples.WithLabelValues(switchLabel(switchID)).Add(float64(count))
	m.TrackedFlows.Set(float64(tracked))
}

func (m *PrometheusMetrics) RecordPortSpeed(switchID uint64, speed model.PortSpeed) {
	if m == nil {
		return
	}
	label := switchLabel(switchID)
	port := strconv.FormatUint(uint64(speed.PortNo), 10)
	m.PortThroughput.WithLabelValues(label, port, "rx").Set(speed.RxBps)
	m.PortThroughput.WithLabelValues(label, port, "tx").Set(speed.TxBps)
}

func (m *PrometheusMetrics) SetAnomalyState(learning bool, baselines int) {
	if m == nil {
		return
	}
	if learning {
		m.AnomalyLearning.Set(1)
	} else {
		m.AnomalyLearning.Set(0)
	}
	m.Baselines.Set(float64(baselines))
}

func (m *PrometheusMetrics) ObserveZScore(metric string, z float64) {
	if m == nil {
		return
	}
	m.AnomalyZScore.WithLabelValues(metric).Observe(z)
}

func (m *PrometheusMetrics) RecordAlert(alert model.Alert) {
	if m == nil {
		return
	}
	m.AlertCounter.WithLabelValues(alert.Category, alert.Type, alert.Severity).Inc()
}
