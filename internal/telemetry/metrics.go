package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RulesFired          = prometheus.NewCounter(prometheus.CounterOpts{Name: "dq_rules_fired_total", Help: "Execution requests enqueued by the scheduler"})
	LeaseContention     = prometheus.NewCounter(prometheus.CounterOpts{Name: "dq_lease_contention_total", Help: "Fire attempts skipped because another instance held the lease"})
	RunsCompleted       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dq_runs_total", Help: "Runs by terminal status"}, []string{"status"})
	RunsDiscarded       = prometheus.NewCounter(prometheus.CounterOpts{Name: "dq_runs_discarded_total", Help: "Requests dropped because the rule was disabled or removed"})
	RunDuration         = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "dq_run_duration_seconds", Help: "Check execution time", Buckets: prometheus.ExponentialBuckets(0.05, 2, 12)})
	ViolationsCreated   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dq_violations_total", Help: "Violations recorded by severity"}, []string{"severity"})
	NotificationsSent   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dq_notifications_sent_total", Help: "Notifications delivered per channel"}, []string{"channel", "kind"})
	NotificationsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dq_notifications_failed_total", Help: "Notification deliveries that failed"}, []string{"channel"})
	AlertsSuppressed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dq_alerts_suppressed_total", Help: "Violations not notified due to cooldown"})
	ChannelThrottled    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "dq_channel_throttled_total", Help: "Notifications dropped by the channel rate limiter"}, []string{"channel"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dq_queue_depth", Help: "Execution requests waiting"})
	InFlightGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dq_runs_inflight", Help: "Checks currently executing in this process"})
	LastTickGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "dq_scheduler_last_tick_timestamp_seconds", Help: "Unix time of the last scheduler tick"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RulesFired,
			LeaseContention,
			RunsCompleted,
			RunsDiscarded,
			RunDuration,
			ViolationsCreated,
			NotificationsSent,
			NotificationsFailed,
			AlertsSuppressed,
			ChannelThrottled,
			QueueDepthGauge,
			InFlightGauge,
			LastTickGauge,
		)
	})
	return promhttp.Handler()
}
