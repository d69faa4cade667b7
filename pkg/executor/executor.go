// Package executor fills free executor slots with coding agents against ready issues.
// It owns the ready -> in-progress transition and is the only place that decides "start
// new work": claim a unit of work, mark it taken, hand it to a worker goroutine, and
// reconcile the result when the worker settles.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"orchestrator/internal/loopctl"
	"orchestrator/pkg/agentrunner"
	"orchestrator/pkg/config"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/metrics"
	"orchestrator/pkg/state"
	"orchestrator/pkg/tracker"
)

var log = logx.NewLogger("executor")

// Deps bundles the collaborators FillSlots needs.
//
//nolint:govet // logical field grouping preferred over memory layout
type Deps struct {
	Config      config.ExecutorConfig
	Tracker     tracker.Tracker
	Runner      agentrunner.AgentRunner
	State       *state.AppState
	ProjectPath string
	Model       string

	// Metrics records Prometheus series for spawned/completed agents. Nil is safe: every
	// call site checks before recording, so unit tests that don't care about metrics can
	// leave it unset.
	Metrics *metrics.Orchestrator

	// PlannerThreshold is cfg.Planner.MinReadyThreshold, carried through only so the
	// refreshed QueueSnapshot can report it to the dashboard alongside the counts that
	// drive the planner gate.
	PlannerThreshold int

	// Now returns the current time; overridable in tests for deterministic agent IDs and
	// stale-recovery thresholds.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Handle is an in-flight agent future: Done closes once the agent has reached a terminal
// state and AppState has recorded it.
type Handle struct {
	AgentID string
	Done    <-chan struct{}
}

// RecoverStale reverts in-progress issues that have no corresponding running agent and
// whose last update is older than 2x the executor timeout back to ready. This both repairs
// an interrupted previous run and doubles as the post-restart recovery path.
func RecoverStale(ctx context.Context, d Deps) error {
	threshold := time.Duration(2*d.Config.TimeoutMinutes) * time.Minute
	inProgress, err := d.Tracker.ListByState(ctx, tracker.StateInProgress, 0)
	if err != nil {
		return loopctl.Wrap(loopctl.ErrTransient, err, "list in-progress issues for stale recovery")
	}

	now := d.now()
	for _, issue := range inProgress {
		if d.State.HasRunningForIssue(issue.UUID) {
			continue
		}
		if now.Sub(issue.UpdatedAt) < threshold {
			continue
		}
		if err := d.Tracker.Transition(ctx, issue.UUID, tracker.StateReady); err != nil {
			log.Warn("stale recovery: failed to revert %s to ready: %v", issue.Identifier, err)
			continue
		}
		log.Info("stale recovery: reverted %s (stale since %s) to ready", issue.Identifier, issue.UpdatedAt)
	}
	return nil
}

// FillSlots claims up to the number of free executor slots from the ready column and
// spawns one agent goroutine per claimed issue.
func FillSlots(ctx context.Context, d Deps) ([]Handle, error) {
	ready, triage, err := refreshQueue(ctx, d)
	if err != nil {
		return nil, err
	}
	d.State.UpdateQueue(state.QueueSnapshot{
		Ready:         len(ready),
		Triage:        len(triage),
		Threshold:     d.PlannerThreshold,
		LastCheckedAt: d.now(),
	})

	free := d.Config.Parallel - d.State.GetRunningCount()
	if free <= 0 {
		return nil, nil
	}

	sortIssuesForClaim(ready)
	if len(ready) > free {
		ready = ready[:free]
	}

	var handles []Handle
	for _, issue := range ready {
		h, claimed := claimAndLaunch(ctx, d, issue)
		if claimed {
			handles = append(handles, h)
		}
	}
	return handles, nil
}

// refreshQueue counts the current ready and triage backlog, used both to size the claim
// and to refresh AppState's cached QueueSnapshot.
func refreshQueue(ctx context.Context, d Deps) ([]tracker.Issue, []tracker.Issue, error) {
	ready, err := d.Tracker.ListByState(ctx, tracker.StateReady, 0)
	if err != nil {
		return nil, nil, loopctl.Wrap(loopctl.ErrTransient, err, "list ready issues")
	}
	triage, err := d.Tracker.ListByState(ctx, tracker.StateTriage, 0)
	if err != nil {
		return nil, nil, loopctl.Wrap(loopctl.ErrTransient, err, "list triage issues")
	}
	return ready, triage, nil
}

// sortIssuesForClaim orders oldest-updated-first, ties broken by identifier ascending, so
// the backlog is worked through fairly.
func sortIssuesForClaim(issues []tracker.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if !issues[i].UpdatedAt.Equal(issues[j].UpdatedAt) {
			return issues[i].UpdatedAt.Before(issues[j].UpdatedAt)
		}
		return issues[i].Identifier < issues[j].Identifier
	})
}

// claimAndLaunch attempts to claim one issue (skip if already running, transition Ready ->
// InProgress, register the Agent) and, on success, launches its runner goroutine.
func claimAndLaunch(ctx context.Context, d Deps, issue tracker.Issue) (Handle, bool) {
	if d.State.HasRunningForIssue(issue.UUID) {
		return Handle{}, false
	}

	if err := d.Tracker.Transition(ctx, issue.UUID, tracker.StateInProgress); err != nil {
		log.Warn("skip %s: failed to claim (already moved?): %v", issue.Identifier, err)
		return Handle{}, false
	}

	agentID := fmt.Sprintf("exec-%s-%d", issue.Identifier, d.now().UnixMilli())
	runCtx, cancel := context.WithCancel(ctx)

	added := d.State.AddAgent(state.RunningAgent{
		ID:         agentID,
		Kind:       state.KindExecutor,
		IssueUUID:  issue.UUID,
		Identifier: issue.Identifier,
		Label:      issue.Title,
		Status:     state.AgentStatusRunning,
		StartedAt:  d.now(),
		LastActive: d.now(),
	}, cancel)
	if !added {
		// agentID collision: astronomically unlikely (monotonic ms + identifier) but
		// never silently overwrite another agent's right to complete.
		cancel()
		log.Error("agent id collision for %s, skipping this tick", agentID)
		return Handle{}, false
	}

	if d.Metrics != nil {
		d.Metrics.ObserveAgentStart(string(state.KindExecutor))
	}

	done := make(chan struct{})
	go runExecutorAgent(runCtx, cancel, d, issue, agentID, done)

	return Handle{AgentID: agentID, Done: done}, true
}

// runExecutorAgent drives one coding agent against issue to completion, then reconciles
// AppState and the tracker from the terminal status.
func runExecutorAgent(ctx context.Context, cancel context.CancelFunc, d Deps, issue tracker.Issue, agentID string, done chan<- struct{}) {
	defer close(done)
	defer cancel()

	result := d.Runner.Run(ctx, agentrunner.Request{
		Prompt:            buildExecutorPrompt(issue),
		CWD:               d.ProjectPath,
		Label:             fmt.Sprintf("executor: %s", issue.Identifier),
		Model:             d.Model,
		Timeout:           time.Duration(d.Config.TimeoutMinutes * float64(time.Minute)),
		InactivityTimeout: time.Duration(d.Config.InactivityTimeoutMinutes * float64(time.Minute)),
		OnControllerReady: func(h agentrunner.Handle) { d.State.RegisterCancel(agentID, cancelOf(h)) },
		OnActivity:        func(a agentrunner.Activity) { d.State.AddActivity(agentID, a.Kind, a.Detail) },
	})

	status, revert := classifyResult(result)
	now := d.now()
	d.State.CompleteAgent(agentID, state.HistoryEntry{
		AgentID:    agentID,
		Kind:       state.KindExecutor,
		IssueUUID:  issue.UUID,
		Identifier: issue.Identifier,
		Status:     status,
		FinishedAt: now,
		DurationMs: result.Duration.Milliseconds(),
		CostUSD:    result.CostUSD,
		NumTurns:   result.NumTurns,
		Error:      errString(result.Err),
		Summary:    result.ResultText,
	})
	if d.Metrics != nil {
		d.Metrics.ObserveAgentComplete(string(state.KindExecutor), string(status), result.Duration, result.CostUSD)
	}

	if revert {
		// background: the agent's own ctx is already done by now; reverting the
		// Tracker issue is a best-effort cleanup step independent of it.
		if err := d.Tracker.Transition(context.Background(), issue.UUID, tracker.StateReady); err != nil {
			log.Warn("failed to revert %s to ready after %s: %v", issue.Identifier, status, err)
		}
	}
}

// classifyResult maps an agentrunner.Result onto an agent status and whether the executor
// should revert the issue to ready. Timeouts and failures revert; a normal completion
// leaves the issue in progress for the reviewer workflow to advance.
func classifyResult(r agentrunner.Result) (state.AgentStatus, bool) {
	switch {
	case r.InactivityTimedOut(), r.TimedOut():
		return state.AgentStatusTimedOut, true
	case r.Err != nil:
		return state.AgentStatusFailed, true
	default:
		return state.AgentStatusCompleted, false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// cancelOf adapts an agentrunner.Handle into the context.CancelFunc shape AppState stores.
func cancelOf(h agentrunner.Handle) context.CancelFunc {
	return func() { h.Cancel() }
}

// buildExecutorPrompt renders the minimal task prompt handed to the coding agent. Full
// templated prompts (repo conventions, linked docs) belong to the prompt-rendering layer,
// not here; this is the smallest prompt that lets the agent start working.
func buildExecutorPrompt(issue tracker.Issue) string {
	return fmt.Sprintf("Implement issue %s: %s\n\n%s", issue.Identifier, issue.Title, issue.Description)
}
