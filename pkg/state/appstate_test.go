package state

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"orchestrator/pkg/limiter"
)

func newTestState() *AppState {
	return New(limiter.New(0, 0, 0, 80))
}

func TestAddAgentAndCancel(t *testing.T) {
	s := newTestState()
	canceled := false
	_, cancel := context.WithCancel(context.Background())
	s.AddAgent(RunningAgent{ID: "a1", Status: AgentStatusRunning}, func() { canceled = true; cancel() })

	require.Equal(t, 1, s.GetRunningCount())
	require.True(t, s.CancelAgent("a1"))
	require.True(t, canceled)
}

func TestAddAgentRejectsDuplicateID(t *testing.T) {
	s := newTestState()
	require.True(t, s.AddAgent(RunningAgent{ID: "a1"}, func() {}))
	require.False(t, s.AddAgent(RunningAgent{ID: "a1"}, func() {}))
	require.Equal(t, 1, s.GetRunningCount())
}

func TestCancelUnknownAgentReturnsFalse(t *testing.T) {
	s := newTestState()
	require.False(t, s.CancelAgent("missing"))
}

func TestCompleteAgentMovesToHistory(t *testing.T) {
	s := newTestState()
	started := time.Now().Add(-time.Minute)
	s.AddAgent(RunningAgent{ID: "a1", StartedAt: started}, func() {})
	s.CompleteAgent("a1", HistoryEntry{AgentID: "a1", Status: AgentStatusCompleted})

	require.Equal(t, 0, s.GetRunningCount())
	history := s.GetHistory()
	require.Len(t, history, 1)
	require.Equal(t, "a1", history[0].AgentID)
	require.Equal(t, int64(1), history[0].ID)
	require.Equal(t, started, history[0].StartedAt)
}

func TestCompleteAgentIsIdempotent(t *testing.T) {
	s := newTestState()
	s.AddAgent(RunningAgent{ID: "a1"}, func() {})
	s.CompleteAgent("a1", HistoryEntry{AgentID: "a1", Status: AgentStatusCompleted})
	s.CompleteAgent("a1", HistoryEntry{AgentID: "a1", Status: AgentStatusFailed})

	history := s.GetHistory()
	require.Len(t, history, 1)
	require.Equal(t, AgentStatusCompleted, history[0].Status)
}

func TestCompleteUnknownAgentRecordsNothing(t *testing.T) {
	s := newTestState()
	s.CompleteAgent("never-added", HistoryEntry{AgentID: "never-added"})
	require.Empty(t, s.GetHistory())
}

func TestActivityRingBufferEvictsOldest(t *testing.T) {
	s := newTestState()
	s.AddAgent(RunningAgent{ID: "a1"}, func() {})
	for i := 0; i < activityCap+10; i++ {
		s.AddActivity("a1", "text", fmt.Sprintf("event-%d", i))
	}

	activity := s.GetActivity("a1")
	require.Len(t, activity, activityCap)
	require.Equal(t, "event-10", activity[0].Detail)
	require.Equal(t, fmt.Sprintf("event-%d", activityCap+9), activity[len(activity)-1].Detail)
}

func TestActivityTimestampsNonDecreasing(t *testing.T) {
	s := newTestState()
	s.AddAgent(RunningAgent{ID: "a1"}, func() {})
	for i := 0; i < 50; i++ {
		s.AddActivity("a1", "tool_use", fmt.Sprintf("step %d", i))
	}

	activity := s.GetActivity("a1")
	for i := 1; i < len(activity); i++ {
		require.False(t, activity[i].Timestamp.Before(activity[i-1].Timestamp))
	}
}

func TestActivityIsolatedPerAgent(t *testing.T) {
	s := newTestState()
	s.AddAgent(RunningAgent{ID: "a1"}, func() {})
	s.AddAgent(RunningAgent{ID: "a2"}, func() {})
	s.AddActivity("a1", "text", "from a1")
	s.AddActivity("a2", "text", "from a2")

	require.Len(t, s.GetActivity("a1"), 1)
	require.Len(t, s.GetActivity("a2"), 1)
	require.Equal(t, "from a1", s.GetActivity("a1")[0].Detail)
}

func TestActivityAfterCompletionIsDropped(t *testing.T) {
	s := newTestState()
	s.AddAgent(RunningAgent{ID: "a1"}, func() {})
	s.CompleteAgent("a1", HistoryEntry{AgentID: "a1"})
	s.AddActivity("a1", "text", "late event")
	require.Nil(t, s.GetActivity("a1"))
}

func TestActivityDetailIsRedacted(t *testing.T) {
	s := newTestState()
	s.AddAgent(RunningAgent{ID: "a1"}, func() {})
	s.AddActivity("a1", "tool_use", "request sent with Bearer ghp_abcdef123456")

	activity := s.GetActivity("a1")
	require.Len(t, activity, 1)
	require.NotContains(t, activity[0].Detail, "ghp_abcdef123456")
}

func TestHistoryRingBufferEvictsOldest(t *testing.T) {
	s := newTestState()
	for i := 0; i < historyCap+5; i++ {
		id := fmt.Sprintf("a%d", i)
		s.AddAgent(RunningAgent{ID: id}, func() {})
		s.CompleteAgent(id, HistoryEntry{AgentID: id})
	}

	history := s.GetHistory()
	require.Len(t, history, historyCap)
	require.Equal(t, "a5", history[0].AgentID)
}

func TestTogglePause(t *testing.T) {
	s := newTestState()
	require.False(t, s.IsPaused())
	require.True(t, s.TogglePause())
	require.True(t, s.IsPaused())
	require.False(t, s.TogglePause())
}

func TestQueueAndPlannerSnapshotsRoundTrip(t *testing.T) {
	s := newTestState()
	s.UpdateQueue(QueueSnapshot{Ready: 3, InProgress: 1})
	require.Equal(t, 3, s.GetQueueSnapshot().Ready)

	s.UpdatePlanner(PlannerStatus{Running: true, LastIssuesCreated: 2})
	require.True(t, s.GetPlannerStatus().Running)
}

func TestAddSpendReflectsInBudgetSnapshot(t *testing.T) {
	s := newTestState()
	s.AddSpend(5)
	require.Equal(t, 5.0, s.GetBudgetSnapshot().DailySpendUSD)
}

func TestGetRunningAgentsReturnsDefensiveCopy(t *testing.T) {
	s := newTestState()
	s.AddAgent(RunningAgent{ID: "a1", Status: AgentStatusRunning}, func() {})

	agents := s.GetRunningAgents()
	agents[0].Status = AgentStatusFailed

	fresh := s.GetRunningAgents()
	require.Equal(t, AgentStatusRunning, fresh[0].Status)
}

func TestHasRunningForIssue(t *testing.T) {
	s := newTestState()
	s.AddAgent(RunningAgent{ID: "a1", IssueUUID: "issue-1"}, func() {})

	require.True(t, s.HasRunningForIssue("issue-1"))
	require.False(t, s.HasRunningForIssue("issue-2"))
	require.False(t, s.HasRunningForIssue(""))

	s.CompleteAgent("a1", HistoryEntry{AgentID: "a1"})
	require.False(t, s.HasRunningForIssue("issue-1"))
}

func TestFixerAttemptsResetAfterOneTickAbsence(t *testing.T) {
	s := newTestState()
	now := time.Now()

	s.RecordFixerAttempt("issue-1", now)
	s.RecordFixerAttempt("issue-1", now)
	require.Equal(t, 2, s.FixerAttemptCount("issue-1"))

	// Seen this tick: counter survives the prune.
	s.PruneFixerAttempts()
	require.Equal(t, 2, s.FixerAttemptCount("issue-1"))

	// Absent for one full tick: counter resets.
	s.PruneFixerAttempts()
	require.Equal(t, 0, s.FixerAttemptCount("issue-1"))
}

func TestMarkSeenInReviewPreservesCounter(t *testing.T) {
	s := newTestState()
	now := time.Now()

	s.RecordFixerAttempt("issue-1", now)
	s.PruneFixerAttempts()

	s.MarkSeenInReview("issue-1", now.Add(time.Minute))
	s.PruneFixerAttempts()
	require.Equal(t, 1, s.FixerAttemptCount("issue-1"))
}

func TestHandledReviewsClearedWithAttempts(t *testing.T) {
	s := newTestState()
	now := time.Now()

	s.MarkSeenInReview("issue-1", now)
	s.MarkReviewHandled("issue-1", "review-9")
	require.True(t, s.IsReviewHandled("issue-1", "review-9"))

	s.PruneFixerAttempts() // seen this tick, survives
	require.True(t, s.IsReviewHandled("issue-1", "review-9"))

	s.PruneFixerAttempts() // absent a full tick, forgotten
	require.False(t, s.IsReviewHandled("issue-1", "review-9"))
}

func TestActiveFixerMarkers(t *testing.T) {
	s := newTestState()
	require.False(t, s.IsFixerActive("issue-1"))

	s.MarkFixerActive("issue-1", "fixer-1")
	require.True(t, s.IsFixerActive("issue-1"))

	s.ClearFixerActive("issue-1")
	require.False(t, s.IsFixerActive("issue-1"))
}

func TestSeedFixerAttempts(t *testing.T) {
	s := newTestState()
	s.SeedFixerAttempts(map[string]int{"issue-1": 3}, time.Now())
	require.Equal(t, 3, s.FixerAttemptCount("issue-1"))
}

func TestSeedHistoryContinuesIDSequence(t *testing.T) {
	s := newTestState()
	s.SeedHistory([]HistoryEntry{{ID: 7, AgentID: "old"}})

	s.AddAgent(RunningAgent{ID: "a1"}, func() {})
	s.CompleteAgent("a1", HistoryEntry{AgentID: "a1"})

	history := s.GetHistory()
	require.Len(t, history, 2)
	require.Equal(t, int64(8), history[1].ID)
}
