// Package prometheus provides a Prometheus implementation of metrics.RuntimeMetrics.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/italypaleale/actorfx/metrics"
)

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

type runtimeMetrics struct {
	actionDuration  *prometheus.HistogramVec
	actionsTotal    *prometheus.CounterVec
	statePutsTotal  *prometheus.CounterVec
	stateDelsTotal  *prometheus.CounterVec
	scheduledTotal  *prometheus.CounterVec
	alarmsTotal     *prometheus.CounterVec
	alarmDueActions *prometheus.HistogramVec
	activeActors    *prometheus.GaugeVec
}

// NewRuntimeMetrics creates the metrics and registers them with reg.
// It panics if any of the metrics is already registered.
func NewRuntimeMetrics(reg prometheus.Registerer) metrics.RuntimeMetrics {
	m := &runtimeMetrics{
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "actorfx_action_duration_seconds",
			Help:    "Action execution time in seconds, including the state commit",
			Buckets: defaultBuckets,
		}, []string{"actor_type", "action"}),

		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorfx_actions_total",
			Help: "Total number of actions executed",
		}, []string{"actor_type", "action", "success"}),

		statePutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorfx_state_puts_total",
			Help: "Total number of keys written by state commits",
		}, []string{"actor_type"}),

		stateDelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorfx_state_deletes_total",
			Help: "Total number of keys deleted by state commits",
		}, []string{"actor_type"}),

		scheduledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorfx_scheduled_actions_total",
			Help: "Total number of scheduled actions executed",
		}, []string{"actor_type", "action", "success"}),

		alarmsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorfx_alarms_total",
			Help: "Total number of timer wake-ups processed",
		}, []string{"actor_type"}),

		alarmDueActions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "actorfx_alarm_due_actions",
			Help:    "Number of scheduled actions that were due on each wake-up",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}, []string{"actor_type"}),

		activeActors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "actorfx_active_actors",
			Help: "Number of active actors",
		}, []string{"actor_type"}),
	}

	reg.MustRegister(
		m.actionDuration,
		m.actionsTotal,
		m.statePutsTotal,
		m.stateDelsTotal,
		m.scheduledTotal,
		m.alarmsTotal,
		m.alarmDueActions,
		m.activeActors,
	)

	return m
}

func (m *runtimeMetrics) ActionDuration(actorType string, action string) metrics.Timer {
	return newTimer(m.actionDuration.WithLabelValues(actorType, action))
}

func (m *runtimeMetrics) ActionCompleted(actorType string, action string, success bool) {
	m.actionsTotal.WithLabelValues(actorType, action, strconv.FormatBool(success)).Inc()
}

func (m *runtimeMetrics) StateCommitted(actorType string, puts int, deletes int) {
	m.statePutsTotal.WithLabelValues(actorType).Add(float64(puts))
	m.stateDelsTotal.WithLabelValues(actorType).Add(float64(deletes))
}

func (m *runtimeMetrics) ScheduledActionFired(actorType string, action string, success bool) {
	m.scheduledTotal.WithLabelValues(actorType, action, strconv.FormatBool(success)).Inc()
}

func (m *runtimeMetrics) AlarmProcessed(actorType string, due int) {
	m.alarmsTotal.WithLabelValues(actorType).Inc()
	m.alarmDueActions.WithLabelValues(actorType).Observe(float64(due))
}

func (m *runtimeMetrics) ActiveActors(actorType string, delta int) {
	m.activeActors.WithLabelValues(actorType).Add(float64(delta))
}

// timer wraps a Prometheus histogram to implement the metrics.Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

var _ metrics.RuntimeMetrics = (*runtimeMetrics)(nil)
