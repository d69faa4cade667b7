// Package planner decides when to replenish the ready/triage backlog and drives the
// single planning agent that does it. A cheap, side-effect-free gate decides whether to
// run, and the single in-flight run is tracked so the gate never launches a second one
// concurrently.
package planner

import (
	"context"
	"fmt"
	"time"

	"orchestrator/internal/loopctl"
	"orchestrator/pkg/agentrunner"
	"orchestrator/pkg/config"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/metrics"
	"orchestrator/pkg/state"
	"orchestrator/pkg/tracker"
)

var log = logx.NewLogger("planner")

// Deps bundles the collaborators ShouldRun/Run need.
//
//nolint:govet // logical field grouping preferred over memory layout
type Deps struct {
	Config      config.PlannerConfig
	Tracker     tracker.Tracker
	Runner      agentrunner.AgentRunner
	State       *state.AppState
	ProjectPath string
	Model       string

	// Metrics records Prometheus series for planner runs. Nil is safe.
	Metrics *metrics.Orchestrator

	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Handle is the in-flight planner agent future.
type Handle struct {
	AgentID string
	Done    <-chan struct{}
}

// ShouldRun implements the Planner gate: a manual schedule never fires on its
// own, a run that finished too recently short-circuits before touching the Tracker, and a
// backlog that already clears the threshold needs no replenishment.
func ShouldRun(ctx context.Context, d Deps) (bool, error) {
	if d.Config.Schedule == config.PlannerManual {
		return false, nil
	}

	status := d.State.GetPlannerStatus()
	if status.Running {
		return false, nil
	}

	minInterval := time.Duration(d.Config.MinIntervalMin * float64(time.Minute))
	if !status.LastRunAt.IsZero() && d.now().Sub(status.LastRunAt) < minInterval {
		return false, nil
	}

	ready, err := d.Tracker.ListByState(ctx, tracker.StateReady, 0)
	if err != nil {
		return false, loopctl.Wrap(loopctl.ErrTransient, err, "list ready issues for planner gate")
	}
	triage, err := d.Tracker.ListByState(ctx, tracker.StateTriage, 0)
	if err != nil {
		return false, loopctl.Wrap(loopctl.ErrTransient, err, "list triage issues for planner gate")
	}

	if len(ready)+len(triage) >= d.Config.MinReadyThreshold {
		return false, nil
	}
	return true, nil
}

// Run launches the single planning agent that replenishes the backlog.
// The Main Loop is responsible for calling ShouldRun first and never calling Run while a
// planner Agent is already registered; Run re-checks Running defensively and is a no-op if
// one is already in flight.
func Run(ctx context.Context, d Deps) (Handle, bool) {
	if d.State.GetPlannerStatus().Running {
		return Handle{}, false
	}

	agentID := fmt.Sprintf("planner-%d", d.now().UnixMilli())
	runCtx, cancel := context.WithCancel(ctx)

	added := d.State.AddAgent(state.RunningAgent{
		ID:         agentID,
		Kind:       state.KindPlanner,
		Label:      "planner: backlog replenishment",
		Status:     state.AgentStatusRunning,
		StartedAt:  d.now(),
		LastActive: d.now(),
	}, cancel)
	if !added {
		cancel()
		return Handle{}, false
	}

	prior := d.State.GetPlannerStatus()
	prior.Running = true
	d.State.UpdatePlanner(prior)
	if d.Metrics != nil {
		d.Metrics.ObserveAgentStart(string(state.KindPlanner))
	}

	done := make(chan struct{})
	go runPlannerAgent(runCtx, cancel, d, agentID, done)

	return Handle{AgentID: agentID, Done: done}, true
}

// runPlannerAgent drives the planning agent to completion and reconciles both AppState's
// running set and its cached PlannerStatus.
func runPlannerAgent(ctx context.Context, cancel context.CancelFunc, d Deps, agentID string, done chan<- struct{}) {
	defer close(done)
	defer cancel()

	result := d.Runner.Run(ctx, agentrunner.Request{
		Prompt:            buildPlannerPrompt(),
		CWD:               d.ProjectPath,
		Label:             "planner",
		Model:             d.Model,
		Timeout:           time.Duration(d.Config.TimeoutMinutes * float64(time.Minute)),
		InactivityTimeout: time.Duration(d.Config.TimeoutMinutes * float64(time.Minute)),
		OnControllerReady: func(h agentrunner.Handle) { d.State.RegisterCancel(agentID, func() { h.Cancel() }) },
		OnActivity:        func(a agentrunner.Activity) { d.State.AddActivity(agentID, a.Kind, a.Detail) },
	})

	now := d.now()
	lastResult := classifyResult(result)

	d.State.CompleteAgent(agentID, state.HistoryEntry{
		AgentID:    agentID,
		Kind:       state.KindPlanner,
		Status:     agentStatusFor(lastResult),
		FinishedAt: now,
		DurationMs: result.Duration.Milliseconds(),
		CostUSD:    result.CostUSD,
		NumTurns:   result.NumTurns,
		Error:      errString(result.Err),
		Summary:    result.ResultText,
	})
	if d.Metrics != nil {
		d.Metrics.ObserveAgentComplete(string(state.KindPlanner), string(agentStatusFor(lastResult)), result.Duration, result.CostUSD)
		d.Metrics.PlannerRuns.WithLabelValues(lastResult).Inc()
	}

	d.State.UpdatePlanner(state.PlannerStatus{
		LastRunAt:    now,
		NextEarliest: now.Add(time.Duration(d.Config.MinIntervalMin * float64(time.Minute))),
		Running:      false,
		LastResult:   lastResult,
	})

	if lastResult != "completed" {
		log.Warn("planner run %s: %s", agentID, lastResult)
	}
}

// classifyResult maps an agentrunner.Result onto the planner's lastResult tri-state.
// Unlike the executor, planners never revert tracker state on failure: the gate simply
// re-evaluates next tick.
func classifyResult(r agentrunner.Result) string {
	switch {
	case r.InactivityTimedOut(), r.TimedOut():
		return "timed_out"
	case r.Err != nil:
		return "failed"
	default:
		return "completed"
	}
}

func agentStatusFor(lastResult string) state.AgentStatus {
	switch lastResult {
	case "timed_out":
		return state.AgentStatusTimedOut
	case "failed":
		return state.AgentStatusFailed
	default:
		return state.AgentStatusCompleted
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// buildPlannerPrompt renders the minimal task prompt for the backlog-replenishment agent.
// See the note on executor.buildExecutorPrompt: full prompt templating is an external
// collaborator.
func buildPlannerPrompt() string {
	return "Review the project backlog. Triage and groom issues so there is enough Ready work for the Executor."
}
