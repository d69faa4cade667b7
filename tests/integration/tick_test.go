// Package integration drives whole ticks through the real Executor, Monitor, and Planner
// against the in-memory fakes, checking the end-to-end scenarios a unit test of any single
// package can't cover.
package integration

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"orchestrator/internal/fakehost"
	"orchestrator/internal/fakerunner"
	"orchestrator/internal/faketracker"
	"orchestrator/pkg/config"
	"orchestrator/pkg/executor"
	"orchestrator/pkg/forge"
	"orchestrator/pkg/limiter"
	"orchestrator/pkg/monitor"
	"orchestrator/pkg/planner"
	"orchestrator/pkg/state"
	"orchestrator/pkg/tracker"
)

type world struct {
	cfg    *config.Config
	tr     *faketracker.Tracker
	host   *fakehost.Host
	runner *fakerunner.Runner
	state  *state.AppState
}

func newWorld(dailyLimitUSD float64) *world {
	cfg := config.Defaults()
	cfg.Linear.Team = "ENG"
	return &world{
		cfg:    cfg,
		tr:     faketracker.New(),
		host:   fakehost.New(),
		runner: fakerunner.New(),
		state:  state.New(limiter.New(dailyLimitUSD, 0, 0, 80)),
	}
}

func (w *world) executorDeps() executor.Deps {
	return executor.Deps{
		Config:           w.cfg.Executor,
		Tracker:          w.tr,
		Runner:           w.runner,
		State:            w.state,
		ProjectPath:      "/tmp/project",
		Model:            "exec-model",
		PlannerThreshold: w.cfg.Planner.MinReadyThreshold,
	}
}

func (w *world) monitorDeps() monitor.Deps {
	return monitor.Deps{
		Config:      *w.cfg,
		Tracker:     w.tr,
		Host:        w.host,
		Runner:      w.runner,
		State:       w.state,
		ProjectPath: "/tmp/project",
		Model:       "exec-model",
	}
}

func (w *world) plannerDeps() planner.Deps {
	return planner.Deps{
		Config:      w.cfg.Planner,
		Tracker:     w.tr,
		Runner:      w.runner,
		State:       w.state,
		ProjectPath: "/tmp/project",
		Model:       "plan-model",
	}
}

func (w *world) seedReady(n int) {
	for i := 1; i <= n; i++ {
		w.tr.Seed(tracker.Issue{
			UUID:       "issue-" + strconv.Itoa(i),
			Identifier: "ENG-" + strconv.Itoa(i),
			Title:      "task " + strconv.Itoa(i),
			State:      tracker.StateReady,
			UpdatedAt:  time.Now().Add(time.Duration(-n+i) * time.Minute),
		})
	}
}

func waitAll(t *testing.T, execHandles []executor.Handle, monHandles []monitor.Handle) {
	t.Helper()
	for _, h := range execHandles {
		select {
		case <-h.Done:
		case <-time.After(2 * time.Second):
			t.Fatalf("executor agent %s never settled", h.AgentID)
		}
	}
	for _, h := range monHandles {
		select {
		case <-h.Done:
		case <-time.After(2 * time.Second):
			t.Fatalf("fixer agent %s never settled", h.AgentID)
		}
	}
}

func TestFreshStartFillsAllSlots(t *testing.T) {
	w := newWorld(0)
	w.seedReady(3)
	w.runner.BlockUntil = make(chan struct{}) // agents stay running through the assertions

	handles, err := executor.FillSlots(context.Background(), w.executorDeps())
	require.NoError(t, err)
	require.Len(t, handles, 3)
	require.Equal(t, 3, w.state.GetRunningCount())
	require.Equal(t, 3, w.state.GetQueueSnapshot().Ready)

	inProgress, err := w.tr.ListByState(context.Background(), tracker.StateInProgress, 0)
	require.NoError(t, err)
	require.Len(t, inProgress, 3)
}

func TestParallelismBoundHoldsAcrossExecutorAndMonitor(t *testing.T) {
	w := newWorld(0)
	w.cfg.Executor.Parallel = 2
	w.seedReady(5)
	w.runner.BlockUntil = make(chan struct{})

	// A broken PR sits in review at the same time.
	w.tr.Seed(tracker.Issue{UUID: "pr-issue", Identifier: "ENG-99", State: tracker.StateInReview})
	w.tr.SeedAttachments("pr-issue", []tracker.Attachment{{URL: "https://host.example/o/r/pull/7"}})
	w.host.SeedPR(forge.PullRequest{Number: 7, HeadSHA: "sha7", MergeableState: forge.MergeableUnknown})
	w.host.SeedCheckRuns("sha7", []forge.CheckRun{{Name: "ci", Status: forge.CheckStatusFailure}})

	_, err := executor.FillSlots(context.Background(), w.executorDeps())
	require.NoError(t, err)
	require.Equal(t, 2, w.state.GetRunningCount())

	// Monitor runs after the executor filled every slot: the fixer must not over-allocate.
	monHandles, err := monitor.CheckOpenPRs(context.Background(), w.monitorDeps())
	require.NoError(t, err)
	require.Empty(t, monHandles)
	require.Equal(t, 2, w.state.GetRunningCount())
}

func TestCIFailureSpawnsExactlyOneFixerAcrossTicks(t *testing.T) {
	w := newWorld(0)
	w.tr.Seed(tracker.Issue{UUID: "pr-issue", Identifier: "ENG-50", State: tracker.StateInReview})
	w.tr.SeedAttachments("pr-issue", []tracker.Attachment{{URL: "https://host.example/o/r/pull/12"}})
	w.host.SeedPR(forge.PullRequest{Number: 12, HeadSHA: "sha12", MergeableState: forge.MergeableUnknown})
	w.host.SeedCheckRuns("sha12", []forge.CheckRun{{Name: "ci", Status: forge.CheckStatusFailure}})
	w.runner.BlockUntil = make(chan struct{})

	first, err := monitor.CheckOpenPRs(context.Background(), w.monitorDeps())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := monitor.CheckOpenPRs(context.Background(), w.monitorDeps())
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestCleanPRSpawnsNothing(t *testing.T) {
	w := newWorld(0)
	w.tr.Seed(tracker.Issue{UUID: "pr-issue", Identifier: "ENG-51", State: tracker.StateInReview})
	w.tr.SeedAttachments("pr-issue", []tracker.Attachment{{URL: "https://host.example/o/r/pull/13"}})
	w.host.SeedPR(forge.PullRequest{Number: 13, HeadSHA: "sha13", MergeableState: forge.MergeableTrue})
	w.host.SeedCheckRuns("sha13", []forge.CheckRun{{Name: "ci", Status: forge.CheckStatusSuccess}})

	handles, err := monitor.CheckOpenPRs(context.Background(), w.monitorDeps())
	require.NoError(t, err)
	require.Empty(t, handles)
}

func TestPlannerGateAtLiteralThresholds(t *testing.T) {
	ctx := context.Background()

	// readyCount=3, triageCount=2, threshold=5: 3+2 >= 5, gate closed.
	w := newWorld(0)
	w.cfg.Planner.MinReadyThreshold = 5
	w.seedReady(3)
	w.tr.Seed(tracker.Issue{UUID: "t1", State: tracker.StateTriage})
	w.tr.Seed(tracker.Issue{UUID: "t2", State: tracker.StateTriage})

	should, err := planner.ShouldRun(ctx, w.plannerDeps())
	require.NoError(t, err)
	require.False(t, should)

	// 2+1=3 < 5: gate open.
	w2 := newWorld(0)
	w2.cfg.Planner.MinReadyThreshold = 5
	w2.seedReady(2)
	w2.tr.Seed(tracker.Issue{UUID: "t1", State: tracker.StateTriage})

	should, err = planner.ShouldRun(ctx, w2.plannerDeps())
	require.NoError(t, err)
	require.True(t, should)

	// Same low backlog, but last run 30 min ago with a 60 min interval: gate closed.
	w2.state.UpdatePlanner(state.PlannerStatus{LastRunAt: time.Now().Add(-30 * time.Minute)})
	should, err = planner.ShouldRun(ctx, w2.plannerDeps())
	require.NoError(t, err)
	require.False(t, should)
}

func TestBudgetExhaustionPausesAndStopsWork(t *testing.T) {
	w := newWorld(5)
	w.state.AddSpend(10) // cumulative spend already past the daily limit
	w.tr.Seed(tracker.Issue{UUID: "pr-issue", Identifier: "ENG-60", State: tracker.StateInReview})

	handles, err := monitor.CheckOpenPRs(context.Background(), w.monitorDeps())
	require.NoError(t, err)
	require.Empty(t, handles)
	require.True(t, w.state.IsPaused())
}

func TestFullTickCompletesAndRecordsHistory(t *testing.T) {
	w := newWorld(0)
	w.seedReady(2)
	w.runner.DefaultResult.CostUSD = 0.5

	execHandles, err := executor.FillSlots(context.Background(), w.executorDeps())
	require.NoError(t, err)
	monHandles, err := monitor.CheckOpenPRs(context.Background(), w.monitorDeps())
	require.NoError(t, err)
	waitAll(t, execHandles, monHandles)

	require.Equal(t, 0, w.state.GetRunningCount())
	require.Len(t, w.state.GetHistory(), 2)
	require.Equal(t, 1.0, w.state.GetBudgetSnapshot().DailySpendUSD)

	inProgress, err := w.tr.ListByState(context.Background(), tracker.StateInProgress, 0)
	require.NoError(t, err)
	require.Len(t, inProgress, 2, "successful agents leave their issues in progress")
}
