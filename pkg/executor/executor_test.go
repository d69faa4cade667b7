package executor

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

func newDeps(t *testing.T, tr *faketracker.Tracker, runner *fakerunner.Runner) Deps {
	t.Helper()
	return Deps{
		Config:      config.Defaults().Executor,
		Tracker:     tr,
		Runner:      runner,
		State:       state.New(limiter.New(0, 0, 0, 80)),
		ProjectPath: "/tmp/project",
		Model:       "test-model",
	}
}

func seedReady(tr *faketracker.Tracker, n int) {
	for i := 0; i < n; i++ {
		tr.Seed(tracker.Issue{
			UUID:       "u" + string(rune('a'+i)),
			Identifier: "ENG-" + string(rune('1'+i)),
			Title:      "issue",
			State:      tracker.StateReady,
			UpdatedAt:  time.Now().Add(time.Duration(-i) * time.Minute),
		})
	}
}

func waitAll(t *testing.T, handles []Handle) {
	t.Helper()
	for _, h := range handles {
		select {
		case <-h.Done:
		case <-time.After(2 * time.Second):
			t.Fatalf("agent %s never completed", h.AgentID)
		}
	}
}

func TestFillSlotsFreshStartThreeReadyIssues(t *testing.T) {
	tr := faketracker.New()
	seedReady(tr, 3)
	runner := fakerunner.New()
	d := newDeps(t, tr, runner)
	d.Config.Parallel = 3

	handles, err := FillSlots(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, handles, 3)

	waitAll(t, handles)
	require.Equal(t, 3, d.State.GetQueueSnapshot().Ready)

	for i := 0; i < 3; i++ {
		issue, ierr := tr.ListByState(context.Background(), tracker.StateInProgress, 0)
		require.NoError(t, ierr)
		_ = issue
	}
	inProgress, err := tr.ListByState(context.Background(), tracker.StateInProgress, 0)
	require.NoError(t, err)
	require.Len(t, inProgress, 3)
}

func TestFillSlotsRespectsFreeSlots(t *testing.T) {
	tr := faketracker.New()
	seedReady(tr, 5)
	runner := fakerunner.New()
	runner.BlockUntil = make(chan struct{}) // never released: agents stay running
	d := newDeps(t, tr, runner)
	d.Config.Parallel = 2

	handles, err := FillSlots(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, handles, 2)
	require.Equal(t, 2, d.State.GetRunningCount())

	more, err := FillSlots(context.Background(), d)
	require.NoError(t, err)
	require.Empty(t, more)
}

func TestFillSlotsTimeoutRevertsToReady(t *testing.T) {
	tr := faketracker.New()
	seedReady(tr, 1)
	runner := fakerunner.New()
	runner.DefaultResult = agentrunner.Result{Terminal: agentrunner.TerminalTimedOut}
	d := newDeps(t, tr, runner)

	handles, err := FillSlots(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, handles, 1)
	waitAll(t, handles)

	ready, err := tr.ListByState(context.Background(), tracker.StateReady, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	history := d.State.GetHistory()
	require.Len(t, history, 1)
	require.Equal(t, state.AgentStatusTimedOut, history[0].Status)
}

func TestFillSlotsErrorRevertsToReady(t *testing.T) {
	tr := faketracker.New()
	seedReady(tr, 1)
	runner := fakerunner.New()
	runner.DefaultResult = agentrunner.Result{Terminal: agentrunner.TerminalError, Err: context.DeadlineExceeded}
	d := newDeps(t, tr, runner)

	handles, err := FillSlots(context.Background(), d)
	require.NoError(t, err)
	waitAll(t, handles)

	ready, err := tr.ListByState(context.Background(), tracker.StateReady, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, state.AgentStatusFailed, d.State.GetHistory()[0].Status)
}

func TestFillSlotsSuccessLeavesInProgress(t *testing.T) {
	tr := faketracker.New()
	seedReady(tr, 1)
	runner := fakerunner.New()
	d := newDeps(t, tr, runner)

	handles, err := FillSlots(context.Background(), d)
	require.NoError(t, err)
	waitAll(t, handles)

	inProgress, err := tr.ListByState(context.Background(), tracker.StateInProgress, 0)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	require.Equal(t, state.AgentStatusCompleted, d.State.GetHistory()[0].Status)
}

func TestFillSlotsSkipsIssueAlreadyRunning(t *testing.T) {
	tr := faketracker.New()
	tr.Seed(tracker.Issue{UUID: "dup", Identifier: "ENG-9", State: tracker.StateReady})
	runner := fakerunner.New()
	d := newDeps(t, tr, runner)

	d.State.AddAgent(state.RunningAgent{ID: "exec-ENG-9-1", IssueUUID: "dup", Status: state.AgentStatusRunning}, func() {})

	handles, err := FillSlots(context.Background(), d)
	require.NoError(t, err)
	require.Empty(t, handles)
}

func TestRecoverStaleRevertsOldInProgress(t *testing.T) {
	tr := faketracker.New()
	tr.Seed(tracker.Issue{
		UUID:       "stale1",
		Identifier: "ENG-1",
		State:      tracker.StateInProgress,
		UpdatedAt:  time.Now().Add(-2 * time.Hour),
	})
	d := newDeps(t, tr, fakerunner.New())
	d.Config.TimeoutMinutes = 30 // threshold = 60min

	err := RecoverStale(context.Background(), d)
	require.NoError(t, err)

	ready, err := tr.ListByState(context.Background(), tracker.StateReady, 0)
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestRecoverStaleSkipsRecentInProgress(t *testing.T) {
	tr := faketracker.New()
	tr.Seed(tracker.Issue{
		UUID:       "fresh1",
		Identifier: "ENG-2",
		State:      tracker.StateInProgress,
		UpdatedAt:  time.Now(),
	})
	d := newDeps(t, tr, fakerunner.New())

	err := RecoverStale(context.Background(), d)
	require.NoError(t, err)

	inProgress, err := tr.ListByState(context.Background(), tracker.StateInProgress, 0)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
}

func TestRecoverStaleSkipsIssueWithRunningAgent(t *testing.T) {
	tr := faketracker.New()
	tr.Seed(tracker.Issue{
		UUID:       "running1",
		Identifier: "ENG-3",
		State:      tracker.StateInProgress,
		UpdatedAt:  time.Now().Add(-2 * time.Hour),
	})
	d := newDeps(t, tr, fakerunner.New())
	d.State.AddAgent(state.RunningAgent{ID: "exec-ENG-3-1", IssueUUID: "running1", Status: state.AgentStatusRunning}, func() {})

	err := RecoverStale(context.Background(), d)
	require.NoError(t, err)

	inProgress, err := tr.ListByState(context.Background(), tracker.StateInProgress, 0)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
}
