package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	addsTotal        *prometheus.CounterVec
	scrapedTotal     prometheus.Counter
	floodWaitsTotal  prometheus.Counter
	accountBansTotal prometheus.Counter
	demotionsTotal   prometheus.Counter
	tasksRunning     prometheus.Gauge
	transitionsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		addsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telefleet_adds_total",
				Help: "Total add attempts by outcome kind",
			},
			[]string{"outcome"},
		),

		scrapedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "telefleet_scraped_members_total",
				Help: "Total members collected by the scraper",
			},
		),

		floodWaitsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "telefleet_flood_waits_total",
				Help: "Total flood-wait signals received from the platform",
			},
		),

		accountBansTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "telefleet_account_bans_total",
				Help: "Total accounts permanently suspended after a peer-flood signal",
			},
		),

		demotionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "telefleet_session_demotions_total",
				Help: "Total accounts marked logged out after a failed session check",
			},
		),

		tasksRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "telefleet_tasks_running",
				Help: "Number of currently running adding tasks",
			},
		),

		transitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "telefleet_task_transitions_total",
				Help: "Task status transitions",
			},
			[]string{"status"},
		),
	}
}

// All observers tolerate a nil receiver so tests can run without touching
// the process-global prometheus registry.

func (m *Metrics) ObserveAdd(outcome string) {
	if m != nil {
		m.addsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) AddScraped(n int) {
	if m != nil {
		m.scrapedTotal.Add(float64(n))
	}
}

func (m *Metrics) ObserveFloodWait() {
	if m != nil {
		m.floodWaitsTotal.Inc()
	}
}

func (m *Metrics) ObserveAccountBan() {
	if m != nil {
		m.accountBansTotal.Inc()
	}
}

func (m *Metrics) ObserveDemotion() {
	if m != nil {
		m.demotionsTotal.Inc()
	}
}

func (m *Metrics) TaskStarted() {
	if m != nil {
		m.tasksRunning.Inc()
	}
}

func (m *Metrics) TaskStopped() {
	if m != nil {
		m.tasksRunning.Dec()
	}
}

func (m *Metrics) ObserveTransition(status string) {
	if m != nil {
		m.transitionsTotal.WithLabelValues(status).Inc()
	}
}
