package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Every method is safe on a nil receiver
// so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	signups      prometheus.Counter
	logins       prometheus.Counter
	activeConns  prometheus.Gauge
	onlineUsers  prometheus.Gauge
	transitions  *prometheus.CounterVec
	relayed      prometheus.Counter
	relayFailed  *prometheus.CounterVec
	dropped      prometheus.Counter
	sweepSeconds prometheus.Histogram
	mirrorErrors prometheus.Counter
	purged       prometheus.Counter
}

// New registers the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		signups: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulsechat_signups_total",
			Help: "Accounts created.",
		}),
		logins: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulsechat_logins_total",
			Help: "Successful logins.",
		}),
		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulsechat_active_connections",
			Help: "Open realtime sessions.",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pulsechat_online_users",
			Help: "Users currently marked online.",
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsechat_presence_transitions_total",
			Help: "Presence transitions by resulting status.",
		}, []string{"status"}),
		relayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulsechat_messages_relayed_total",
			Help: "Messages persisted and broadcast.",
		}),
		relayFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pulsechat_relay_failures_total",
			Help: "Messages rejected or failed before broadcast.",
		}, []string{"reason"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulsechat_deliveries_dropped_total",
			Help: "Deliveries that removed a slow or closed subscriber.",
		}),
		sweepSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pulsechat_presence_sweep_duration_seconds",
			Help:    "Duration of failure detector sweeps.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		mirrorErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulsechat_presence_mirror_errors_total",
			Help: "Presence mirror writes that failed or were dropped.",
		}),
		purged: factory.NewCounter(prometheus.CounterOpts{
			Name: "pulsechat_sessions_purged_total",
			Help: "Expired login tokens removed by the purge job.",
		}),
	}
}

func (m *Metrics) IncSignup() {
	if m != nil {
		m.signups.Inc()
	}
}

func (m *Metrics) IncLogin() {
	if m != nil {
		m.logins.Inc()
	}
}

func (m *Metrics) IncConn() {
	if m != nil {
		m.activeConns.Inc()
	}
}

func (m *Metrics) DecConn() {
	if m != nil {
		m.activeConns.Dec()
	}
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m != nil {
		m.onlineUsers.Set(float64(n))
	}
}

func (m *Metrics) PresenceTransition(status string) {
	if m != nil {
		m.transitions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) MessageRelayed() {
	if m != nil {
		m.relayed.Inc()
	}
}

func (m *Metrics) RelayFailed(reason string) {
	if m != nil {
		m.relayFailed.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) DeliveryDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m != nil {
		m.sweepSeconds.Observe(d.Seconds())
	}
}

func (m *Metrics) MirrorError() {
	if m != nil {
		m.mirrorErrors.Inc()
	}
}

func (m *Metrics) SessionsPurged(n int64) {
	if m != nil && n > 0 {
		m.purged.Add(float64(n))
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
