// Package orchestrator drives the main control loop: each tick fills executor slots,
// checks open PRs via the Monitor, evaluates the planner gate, and waits for the next
// trigger. The Orchestrator is a small struct wrapping the collaborators, with a Run
// entrypoint and a shutdown path that broadcasts cancellation, waits for in-flight
// agents, and closes resources in order.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orchestrator/internal/loopctl"
	"orchestrator/pkg/agentrunner"
	"orchestrator/pkg/config"
	"orchestrator/pkg/executor"
	"orchestrator/pkg/forge"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/metrics"
	"orchestrator/pkg/monitor"
	"orchestrator/pkg/planner"
	"orchestrator/pkg/state"
	"orchestrator/pkg/tracker"
)

var log = logx.NewLogger("orchestrator")

// maxConsecutiveFailures is the number of non-fatal, non-rate-limit tick failures in a row
// the loop tolerates before exiting.
const maxConsecutiveFailures = 5

// drainTimeout and drainFloor bound the shutdown drain phase.
const (
	drainTimeout = 60 * time.Second
	drainFloor   = 6 * time.Second
)

// Orchestrator owns the Main Loop and the collaborators it drives each tick.
//
//nolint:govet // logical field grouping preferred over memory layout
type Orchestrator struct {
	Config config.Config

	Tracker tracker.Tracker
	Host    forge.Client
	Runner  agentrunner.AgentRunner
	State   *state.AppState

	ProjectPath   string
	ExecutorModel string
	PlannerModel  string

	// DashboardStop, if set, is called during shutdown to stop the dashboard HTTP server.
	DashboardStop func(context.Context) error

	// Metrics records Prometheus series for every collaborator. Nil is safe.
	Metrics *metrics.Orchestrator

	// Now is overridable in tests for deterministic agent IDs and thresholds.
	Now func() time.Time

	wake     chan struct{}
	rootCtx  context.Context
	failures int
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Run executes the Main Loop until ctx is cancelled, then drains and returns. A nil error
// means a clean shutdown; a non-nil error means the loop exited due to a fatal condition or
// exhausting its consecutive-failure budget.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.wake = make(chan struct{}, 1)
	o.rootCtx = ctx

	if err := executor.RecoverStale(ctx, o.executorDeps()); err != nil {
		log.Warn("stale recovery failed at startup: %v", err)
	}

	pollInterval := time.Duration(o.Config.Executor.PollIntervalMinutes * float64(time.Minute))

	for {
		if ctx.Err() != nil {
			return o.shutdown(ctx, nil)
		}

		if o.State.GetBudgetSnapshot().Exhausted && !o.State.IsPaused() {
			log.Warn("budget exhausted, pausing until operator action")
			o.State.SetPaused(true)
		}

		if o.State.IsPaused() {
			if !o.sleepInterruptibly(ctx, pollInterval) {
				return o.shutdown(ctx, nil)
			}
			continue
		}

		tickErr := o.tick(ctx)
		cont, fatalErr := o.handleTickResult(ctx, tickErr)
		if !cont {
			return o.shutdown(ctx, fatalErr)
		}

		if !o.waitForNext(ctx, pollInterval) {
			return o.shutdown(ctx, nil)
		}
	}
}

// handleTickResult classifies a tick's error (if any) and sleeps off the appropriate
// backoff. It returns cont=false when the loop should proceed straight to shutdown: either
// a fatal error, or the consecutive-failure budget was exhausted - in which case err names
// the reason the caller should exit non-zero for.
func (o *Orchestrator) handleTickResult(ctx context.Context, err error) (cont bool, fatalErr error) {
	if err == nil {
		o.failures = 0
		return true, nil
	}

	kind := loopctl.KindOf(err)
	if o.Metrics != nil {
		o.Metrics.TickErrors.WithLabelValues(kind.String()).Inc()
	}

	switch kind {
	case loopctl.ErrFatal:
		log.Error("fatal error, exiting: %v", err)
		return false, err
	case loopctl.ErrRateLimit:
		delay := loopctl.RetryAfterOf(err)
		if delay == 0 {
			delay = loopctl.Delay(loopctl.ScheduleFor(loopctl.ErrRateLimit), 0)
		}
		log.Warn("rate limited, backing off %s: %v", delay, err)
		return o.sleepInterruptibly(ctx, delay), nil
	default:
		o.failures++
		log.Warn("tick error (%d/%d consecutive): %v", o.failures, maxConsecutiveFailures, err)
		if o.failures >= maxConsecutiveFailures {
			log.Error("exceeded %d consecutive failures, exiting", maxConsecutiveFailures)
			return false, fmt.Errorf("%w: %v", ErrExceededFailureBudget, err)
		}
		delay := time.Duration(min64(float64(time.Second)*pow2(o.failures-1), float64(300*time.Second)))
		return o.sleepInterruptibly(ctx, delay), nil
	}
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// tick runs one Main Loop iteration: Executor and Monitor run
// concurrently with independent error capture, then the Planner gate is evaluated if a
// slot is free and no planner is already in flight.
func (o *Orchestrator) tick(ctx context.Context) error {
	var execErr, monErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		handles, err := executor.FillSlots(ctx, o.executorDeps())
		execErr = err
		for _, h := range handles {
			o.watch(h.AgentID, h.Done)
		}
	}()
	go func() {
		defer wg.Done()
		handles, err := monitor.CheckOpenPRs(ctx, o.monitorDeps())
		monErr = err
		for _, h := range handles {
			o.watch(h.AgentID, h.Done)
		}
	}()
	wg.Wait()

	plannerErr := o.maybeRunPlanner(ctx)
	o.recordGauges()

	switch {
	case execErr != nil:
		return execErr
	case monErr != nil:
		return monErr
	default:
		return plannerErr
	}
}

// maybeRunPlanner evaluates the Planner gate and launches it if both the gate and the free
// slot check pass.
func (o *Orchestrator) maybeRunPlanner(ctx context.Context) error {
	if o.State.GetPlannerStatus().Running {
		return nil
	}
	if o.State.GetRunningCount() >= o.Config.Executor.Parallel {
		return nil
	}

	should, err := planner.ShouldRun(ctx, o.plannerDeps())
	if err != nil {
		return err
	}
	if !should {
		return nil
	}

	h, launched := planner.Run(ctx, o.plannerDeps())
	if launched {
		o.watch(h.AgentID, h.Done)
	}
	return nil
}

// TriggerPlanning launches the planner immediately, bypassing the gate. Used by the
// dashboard's POST /api/planning. The planner runs under the loop's own root context, not
// the HTTP request's, so it survives the request ending. Returns false if a planner was
// already in flight.
func (o *Orchestrator) TriggerPlanning(context.Context) bool {
	ctx := o.rootCtx
	if ctx == nil {
		ctx = context.Background()
	}
	h, launched := planner.Run(ctx, o.plannerDeps())
	if launched {
		o.watch(h.AgentID, h.Done)
	}
	return launched
}

// watch wakes the Main Loop as soon as an in-flight agent settles, so a freed slot or a
// newly available PR is picked up before the next poll-interval timer fires.
func (o *Orchestrator) watch(_ string, done <-chan struct{}) {
	go func() {
		<-done
		select {
		case o.wake <- struct{}{}:
		default:
		}
	}()
}

// waitForNext blocks until the first of: the poll-interval timer, an in-flight agent
// settling, or ctx cancellation. It returns false on cancellation.
func (o *Orchestrator) waitForNext(ctx context.Context, pollInterval time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-o.wake:
		return true
	case <-time.After(pollInterval):
		return true
	}
}

// sleepInterruptibly blocks for d or until ctx is cancelled, whichever comes first.
func (o *Orchestrator) sleepInterruptibly(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// shutdown snapshots the running agents, cancels every handle, drains up to drainTimeout
// (never less than drainFloor, so SIGKILL escalation gets to finish), reverts the captured
// in-progress issues to ready, then stops the dashboard.
func (o *Orchestrator) shutdown(_ context.Context, cause error) error {
	log.Info("shutdown: draining running agents")

	agents := o.State.GetRunningAgents()
	for _, a := range agents {
		o.State.CancelAgent(a.ID)
	}

	o.drain(agents)
	o.revertCapturedIssues(agents)

	if o.DashboardStop != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.DashboardStop(stopCtx); err != nil {
			log.Warn("dashboard stop: %v", err)
		}
	}

	log.Info("shutdown complete")
	return cause
}

func (o *Orchestrator) drain(agents []state.RunningAgent) {
	if len(agents) == 0 {
		return
	}

	start := time.Now()
	deadline := start.Add(drainTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		elapsed := time.Since(start)
		if o.State.GetRunningCount() == 0 && elapsed >= drainFloor {
			return
		}
		if time.Now().After(deadline) {
			log.Warn("drain timeout after %s with %d agents still running", drainTimeout, o.State.GetRunningCount())
			return
		}
		<-ticker.C
	}
}

// revertCapturedIssues reverts every Executor agent's issue captured at shutdown time back
// to Ready. Fixers and planners never hold an In Progress issue, so only Executor agents
// need this.
func (o *Orchestrator) revertCapturedIssues(agents []state.RunningAgent) {
	for _, a := range agents {
		if a.Kind != state.KindExecutor || a.IssueUUID == "" {
			continue
		}
		if err := o.Tracker.Transition(context.Background(), a.IssueUUID, tracker.StateReady); err != nil {
			log.Warn("shutdown: failed to revert %s to ready: %v", a.Identifier, err)
		}
	}
}

func (o *Orchestrator) executorDeps() executor.Deps {
	return executor.Deps{
		Config:           o.Config.Executor,
		Tracker:          o.Tracker,
		Runner:           o.Runner,
		State:            o.State,
		ProjectPath:      o.ProjectPath,
		Model:            o.ExecutorModel,
		PlannerThreshold: o.Config.Planner.MinReadyThreshold,
		Metrics:          o.Metrics,
		Now:              o.Now,
	}
}

func (o *Orchestrator) monitorDeps() monitor.Deps {
	return monitor.Deps{
		Config:      o.Config,
		Tracker:     o.Tracker,
		Host:        o.Host,
		Runner:      o.Runner,
		State:       o.State,
		ProjectPath: o.ProjectPath,
		Model:       o.ExecutorModel,
		Metrics:     o.Metrics,
		Now:         o.Now,
	}
}

func (o *Orchestrator) plannerDeps() planner.Deps {
	return planner.Deps{
		Config:      o.Config.Planner,
		Tracker:     o.Tracker,
		Runner:      o.Runner,
		State:       o.State,
		ProjectPath: o.ProjectPath,
		Model:       o.PlannerModel,
		Metrics:     o.Metrics,
		Now:         o.Now,
	}
}

// recordGauges refreshes the point-in-time gauges (queue depth, running slots, budget
// spend, paused) from AppState after a tick settles.
func (o *Orchestrator) recordGauges() {
	if o.Metrics == nil {
		return
	}
	q := o.State.GetQueueSnapshot()
	o.Metrics.QueueDepth.WithLabelValues("ready").Set(float64(q.Ready))
	o.Metrics.QueueDepth.WithLabelValues("triage").Set(float64(q.Triage))
	o.Metrics.RunningSlots.Set(float64(o.State.GetRunningCount()))

	b := o.State.GetBudgetSnapshot()
	o.Metrics.BudgetSpendUSD.WithLabelValues("daily").Set(b.DailySpendUSD)
	o.Metrics.BudgetSpendUSD.WithLabelValues("monthly").Set(b.MonthlySpendUSD)

	paused := 0.0
	if o.State.IsPaused() {
		paused = 1.0
	}
	o.Metrics.BudgetPaused.Set(paused)
}

// ErrExceededFailureBudget is returned by Run (wrapped with more context) when the loop
// exits because it accumulated too many consecutive tick failures. Kept as a sentinel so
// cmd/autopilotd can choose a distinct process exit code for it.
var ErrExceededFailureBudget = fmt.Errorf("exceeded consecutive failure budget")
