package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Registry = prometheus.NewRegistry()

var (
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleaning_events_ingested_total",
			Help: "Cleaning events appended to the event store.",
		},
		[]string{"verdict", "origin"},
	)
	EventAppendFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleaning_event_append_failures_total",
			Help: "Cleaning events that could not be appended.",
		},
	)
	Classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleaning_classifications_total",
			Help: "Images classified, by strategy and verdict.",
		},
		[]string{"strategy", "verdict"},
	)
	ModelFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleaning_model_fallbacks_total",
			Help: "Model-backed classifications that fell back to the heuristic.",
		},
		[]string{"reason"},
	)
	InferenceLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cleaning_inference_latency_seconds",
			Help:    "Model inference latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	AlertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleaning_alerts_created_total",
			Help: "Alerts created by the rule engine.",
		},
		[]string{"kind", "severity"},
	)
	AlertsSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleaning_alerts_suppressed_total",
			Help: "Alerts not created because an open alert already exists in the window.",
		},
		[]string{"kind"},
	)
	AlertRuleFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleaning_alert_rule_failures_total",
			Help: "Alert rule evaluations that failed, by rule and stage.",
		},
		[]string{"kind", "stage"},
	)
	NotifyChannelDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleaning_notify_channel_drops_total",
			Help: "Alert notifications dropped because the dispatch queue was full.",
		},
	)
	NotifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleaning_notify_failures_total",
			Help: "Alert notifications that failed to publish, by backend.",
		},
		[]string{"backend"},
	)
	StateChannelDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleaning_state_channel_drops_total",
			Help: "Vehicle state updates dropped because the state queue was full.",
		},
	)
	StateWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleaning_state_write_failures_total",
			Help: "Vehicle state updates that failed to reach Redis.",
		},
	)
	AuditChannelDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleaning_audit_channel_drops_total",
			Help: "Audit entries dropped because the audit queue was full.",
		},
	)
	AuditWriteSuccess = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleaning_audit_write_success_total",
			Help: "Audit entries written.",
		},
	)
	AuditWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cleaning_audit_write_failures_total",
			Help: "Audit entries that could not be written after retry.",
		},
	)
	VehicleLockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cleaning_vehicle_lock_wait_seconds",
			Help:    "Time spent waiting for the per-vehicle alert evaluation lock.",
			Buckets: prometheus.DefBuckets,
		},
	)
	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cleaning_ws_clients",
			Help: "Connected live-feed websocket clients.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		EventsIngested,
		EventAppendFailures,
		Classifications,
		ModelFallbacks,
		InferenceLatency,
		AlertsCreated,
		AlertsSuppressed,
		AlertRuleFailures,
		NotifyChannelDrops,
		NotifyFailures,
		StateChannelDrops,
		StateWriteFailures,
		AuditChannelDrops,
		AuditWriteSuccess,
		AuditWriteFailures,
		VehicleLockWait,
		WSClients,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
