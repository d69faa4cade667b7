// Package metrics records Prometheus series for the orchestration scheduler: agents
// spawned/completed, fixer dispatch, planner runs, queue depth, and budget spend. All
// series register against the default registry via promauto and are served by the
// dashboard's /metrics route.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestrator holds every series the Main Loop, Executor, Monitor, and Planner record
// against the default Prometheus registry, exposed by the dashboard's GET /metrics route.
type Orchestrator struct {
	AgentsStarted   *prometheus.CounterVec
	AgentsCompleted *prometheus.CounterVec
	AgentDuration   *prometheus.HistogramVec
	AgentCostUSD    *prometheus.HistogramVec

	FixerAttempts *prometheus.CounterVec

	PlannerRuns *prometheus.CounterVec

	QueueDepth   *prometheus.GaugeVec
	RunningSlots prometheus.Gauge

	BudgetSpendUSD *prometheus.GaugeVec
	BudgetPaused   prometheus.Gauge

	TickErrors *prometheus.CounterVec
}

// NewOrchestrator registers every series against the default registry. Call once per
// process; registering twice panics, matching promauto's own behavior.
func NewOrchestrator() *Orchestrator {
	return &Orchestrator{
		AgentsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_agents_started_total",
				Help: "Total number of agent subprocesses spawned, by kind.",
			},
			[]string{"kind"},
		),
		AgentsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_agents_completed_total",
				Help: "Total number of agent subprocesses that reached a terminal state, by kind and status.",
			},
			[]string{"kind", "status"},
		),
		AgentDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_agent_duration_seconds",
				Help:    "Wall-clock duration of completed agent runs, by kind.",
				Buckets: prometheus.ExponentialBuckets(5, 2, 12),
			},
			[]string{"kind"},
		),
		AgentCostUSD: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autopilot_agent_cost_usd",
				Help:    "USD cost of completed agent runs, by kind.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 50},
			},
			[]string{"kind"},
		),
		FixerAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_fixer_attempts_total",
				Help: "Total fixer agents spawned by classification (ci_failure, merge_conflict, review_response).",
			},
			[]string{"classification"},
		),
		PlannerRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_planner_runs_total",
				Help: "Total planner runs, by result.",
			},
			[]string{"result"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autopilot_queue_depth",
				Help: "Current backlog depth, by logical tracker state.",
			},
			[]string{"state"},
		),
		RunningSlots: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopilot_running_slots",
				Help: "Number of executor slots currently occupied by a running agent.",
			},
		),
		BudgetSpendUSD: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "autopilot_budget_spend_usd",
				Help: "Cumulative spend in the current window, by window (daily, monthly).",
			},
			[]string{"window"},
		),
		BudgetPaused: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "autopilot_paused",
				Help: "1 if the main loop is currently paused (manually or via budget exhaustion), else 0.",
			},
		),
		TickErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autopilot_tick_errors_total",
				Help: "Total main-loop tick errors, by classified kind.",
			},
			[]string{"kind"},
		),
	}
}

// ObserveAgentStart records that an agent of the given kind was just spawned.
func (o *Orchestrator) ObserveAgentStart(kind string) {
	o.AgentsStarted.WithLabelValues(kind).Inc()
}

// ObserveAgentComplete records a terminal agent outcome.
func (o *Orchestrator) ObserveAgentComplete(kind, status string, duration time.Duration, costUSD float64) {
	o.AgentsCompleted.WithLabelValues(kind, status).Inc()
	o.AgentDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if costUSD > 0 {
		o.AgentCostUSD.WithLabelValues(kind).Observe(costUSD)
	}
}
