package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orchestrator/internal/fakerunner"
	"orchestrator/internal/faketracker"
	"orchestrator/pkg/agentrunner"
	"orchestrator/pkg/config"
	"orchestrator/pkg/limiter"
	"orchestrator/pkg/state"
	"orchestrator/pkg/tracker"
)

func newDeps(tr *faketracker.Tracker, runner *fakerunner.Runner) Deps {
	return Deps{
		Config:      config.Defaults().Planner,
		Tracker:     tr,
		Runner:      runner,
		State:       state.New(limiter.New(0, 0, 0, 80)),
		ProjectPath: "/tmp/project",
		Model:       "planning-model",
	}
}

func TestShouldRunFalseWhenManual(t *testing.T) {
	tr := faketracker.New()
	d := newDeps(tr, fakerunner.New())
	d.Config.Schedule = config.PlannerManual

	run, err := ShouldRun(context.Background(), d)
	require.NoError(t, err)
	require.False(t, run)
}

func TestShouldRunFalseWhenBelowMinInterval(t *testing.T) {
	tr := faketracker.New()
	d := newDeps(tr, fakerunner.New())
	d.Config.Schedule = config.PlannerDaily
	d.Config.MinIntervalMin = 60
	d.State.UpdatePlanner(state.PlannerStatus{LastRunAt: time.Now().Add(-time.Minute)})

	run, err := ShouldRun(context.Background(), d)
	require.NoError(t, err)
	require.False(t, run)
}

func TestShouldRunFalseWhenBacklogAboveThreshold(t *testing.T) {
	tr := faketracker.New()
	tr.Seed(tracker.Issue{UUID: "r1", State: tracker.StateReady})
	tr.Seed(tracker.Issue{UUID: "r2", State: tracker.StateReady})
	tr.Seed(tracker.Issue{UUID: "t1", State: tracker.StateTriage})

	d := newDeps(tr, fakerunner.New())
	d.Config.Schedule = config.PlannerDaily
	d.Config.MinReadyThreshold = 3

	run, err := ShouldRun(context.Background(), d)
	require.NoError(t, err)
	require.False(t, run)
}

func TestShouldRunTrueWhenBacklogLow(t *testing.T) {
	tr := faketracker.New()
	tr.Seed(tracker.Issue{UUID: "r1", State: tracker.StateReady})

	d := newDeps(tr, fakerunner.New())
	d.Config.Schedule = config.PlannerDaily
	d.Config.MinReadyThreshold = 5

	run, err := ShouldRun(context.Background(), d)
	require.NoError(t, err)
	require.True(t, run)
}

func TestShouldRunFalseWhilePlannerAlreadyRunning(t *testing.T) {
	tr := faketracker.New()
	d := newDeps(tr, fakerunner.New())
	d.Config.Schedule = config.PlannerDaily
	d.Config.MinReadyThreshold = 100
	d.State.UpdatePlanner(state.PlannerStatus{Running: true})

	run, err := ShouldRun(context.Background(), d)
	require.NoError(t, err)
	require.False(t, run)
}

func TestRunCompletesAndUpdatesStatus(t *testing.T) {
	tr := faketracker.New()
	runner := fakerunner.New()
	d := newDeps(tr, runner)

	h, launched := Run(context.Background(), d)
	require.True(t, launched)
	<-h.Done

	status := d.State.GetPlannerStatus()
	require.False(t, status.Running)
	require.Equal(t, "completed", status.LastResult)
	require.False(t, status.LastRunAt.IsZero())
	require.Equal(t, state.AgentStatusCompleted, d.State.GetHistory()[0].Status)
}

func TestRunRefusesSecondConcurrentPlanner(t *testing.T) {
	tr := faketracker.New()
	runner := fakerunner.New()
	block := make(chan struct{})
	runner.BlockUntil = block // keep the first planner "running"
	d := newDeps(tr, runner)

	h1, launched := Run(context.Background(), d)
	require.True(t, launched)

	_, launched2 := Run(context.Background(), d)
	require.False(t, launched2)

	close(block)
	<-h1.Done
}

func TestRunTimeoutMapsToTimedOut(t *testing.T) {
	tr := faketracker.New()
	runner := fakerunner.New()
	runner.DefaultResult = agentrunner.Result{Terminal: agentrunner.TerminalTimedOut}
	d := newDeps(tr, runner)

	h, launched := Run(context.Background(), d)
	require.True(t, launched)
	<-h.Done

	require.Equal(t, "timed_out", d.State.GetPlannerStatus().LastResult)
}

func TestRunErrorMapsToFailed(t *testing.T) {
	tr := faketracker.New()
	runner := fakerunner.New()
	runner.DefaultResult = agentrunner.Result{Terminal: agentrunner.TerminalError, Err: context.DeadlineExceeded}
	d := newDeps(tr, runner)

	h, launched := Run(context.Background(), d)
	require.True(t, launched)
	<-h.Done

	require.Equal(t, "failed", d.State.GetPlannerStatus().LastResult)
}
