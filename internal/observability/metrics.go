package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects daemon counters for the optional /metrics endpoint.
//
// Built on Prometheus, tracking:
//   - Outbound notifications by kind (permission, idle, compaction)
//   - Inbound chat updates by kind (callback, message, command)
//   - Pane injections by kind (plain, permission, dialog_text)
//   - Transcript lines parsed and parse errors
//   - Chat API errors by method
//   - Active task and watcher gauges
//   - Orchestration tick duration
//
//	m := observability.NewMetrics()
//	m.NotificationSent("permission")
type Metrics struct {
	// NotificationCounter tracks outbound chat notifications.
	// Labels: kind (permission|idle|compaction)
	NotificationCounter *prometheus.CounterVec

	// UpdateCounter tracks inbound chat updates.
	// Labels: kind (callback|message|command)
	UpdateCounter *prometheus.CounterVec

	// InjectionCounter tracks pane injections.
	// Labels: kind (plain|permission|dialog_text), status (ok|error)
	InjectionCounter *prometheus.CounterVec

	// TranscriptLines counts parsed transcript lines.
	// Labels: status (ok|skipped)
	TranscriptLines *prometheus.CounterVec

	// ChatAPIErrors counts chat API call failures.
	// Labels: method
	ChatAPIErrors *prometheus.CounterVec

	// ActiveTasks is the current registry size by status.
	// Labels: status (active|paused)
	ActiveTasks *prometheus.GaugeVec

	// ActiveWatchers is the current number of attached transcript watchers.
	ActiveWatchers prometheus.Gauge

	// TickDuration measures one orchestration tick in seconds.
	// Buckets tuned around the 100ms tick interval.
	TickDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at daemon startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with the given registerer. Tests pass
// a fresh prometheus.NewRegistry so parallel constructions never collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	auto := promauto.With(reg)
	return &Metrics{
		NotificationCounter: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claude_army_notifications_total",
				Help: "Total chat notifications sent by kind",
			},
			[]string{"kind"},
		),

		UpdateCounter: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claude_army_updates_total",
				Help: "Total inbound chat updates by kind",
			},
			[]string{"kind"},
		),

		InjectionCounter: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claude_army_injections_total",
				Help: "Total pane injections by kind and status",
			},
			[]string{"kind", "status"},
		),

		TranscriptLines: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claude_army_transcript_lines_total",
				Help: "Total transcript lines parsed by status",
			},
			[]string{"status"},
		),

		ChatAPIErrors: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claude_army_chat_api_errors_total",
				Help: "Total chat API call failures by method",
			},
			[]string{"method"},
		),

		ActiveTasks: auto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "claude_army_tasks",
				Help: "Current registry size by status",
			},
			[]string{"status"},
		),

		ActiveWatchers: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "claude_army_watchers",
				Help: "Currently attached transcript watchers",
			},
		),

		TickDuration: auto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "claude_army_tick_duration_seconds",
				Help:    "Duration of one orchestration tick in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
		),
	}
}

// NotificationSent increments the notification counter for a kind.
func (m *Metrics) NotificationSent(kind string) {
	m.NotificationCounter.WithLabelValues(kind).Inc()
}

// UpdateReceived increments the inbound update counter for a kind.
func (m *Metrics) UpdateReceived(kind string) {
	m.UpdateCounter.WithLabelValues(kind).Inc()
}

// InjectionDone records a pane injection outcome.
func (m *Metrics) InjectionDone(kind string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.InjectionCounter.WithLabelValues(kind, status).Inc()
}

// LineParsed records one transcript line parse outcome.
func (m *Metrics) LineParsed(ok bool) {
	status := "ok"
	if !ok {
		status = "skipped"
	}
	m.TranscriptLines.WithLabelValues(status).Inc()
}

// ChatError records a chat API failure for a method.
func (m *Metrics) ChatError(method string) {
	m.ChatAPIErrors.WithLabelValues(method).Inc()
}

// SetTasks updates the task gauges from registry counts.
func (m *Metrics) SetTasks(active, paused int) {
	m.ActiveTasks.WithLabelValues("active").Set(float64(active))
	m.ActiveTasks.WithLabelValues("paused").Set(float64(paused))
}

// SetWatchers updates the watcher gauge.
func (m *Metrics) SetWatchers(n int) {
	m.ActiveWatchers.Set(float64(n))
}

// ObserveTick records one orchestration tick duration.
func (m *Metrics) ObserveTick(seconds float64) {
	m.TickDuration.Observe(seconds)
}
