// Package monitor watches issues sitting in the tracker's in-review column, classifies
// the state of their attached pull request, and spawns a bounded number of fixer agents
// to repair CI failures, merge conflicts, and changes-requested reviews: fetch a bounded
// page, classify each item, dedup against in-flight work, and spawn at most one
// corrective action per item.
package monitor

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"orchestrator/internal/loopctl"
	"orchestrator/pkg/agentrunner"
	"orchestrator/pkg/config"
	"orchestrator/pkg/forge"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/metrics"
	"orchestrator/pkg/state"
	"orchestrator/pkg/tracker"
)

var log = logx.NewLogger("monitor")

// prURLPattern extracts a PR number from a host attachment URL ending in "/pull/<n>".
var prURLPattern = regexp.MustCompile(`/pull/(\d+)`)

// Classification is the Monitor's verdict for one in-review issue.
type Classification string

// Classifications, evaluated in this priority order - first match wins.
const (
	ClassCIFailure      Classification = "ci_failure"
	ClassMergeConflict  Classification = "merge_conflict"
	ClassReviewResponse Classification = "review_response"
	ClassNoAction       Classification = "no_action"
)

// CIStatus summarizes a PR's check-run results.
type CIStatus string

// CI statuses.
const (
	CISuccess CIStatus = "success"
	CIFailure CIStatus = "failure"
	CIPending CIStatus = "pending"
)

// Deps bundles the collaborators CheckOpenPRs needs.
//
//nolint:govet // logical field grouping preferred over memory layout
type Deps struct {
	Config      config.Config
	Tracker     tracker.Tracker
	Host        forge.Client
	Runner      agentrunner.AgentRunner
	State       *state.AppState
	ProjectPath string
	Model       string

	// Metrics records Prometheus series for spawned fixer agents. Nil is safe.
	Metrics *metrics.Orchestrator

	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Handle is an in-flight fixer agent future.
type Handle struct {
	AgentID string
	Done    <-chan struct{}
}

// CheckOpenPRs classifies every in-review issue's attached PR and spawns at most one
// fixer per issue, bounded by attempts and free slots.
func CheckOpenPRs(ctx context.Context, d Deps) ([]Handle, error) {
	if d.State.GetBudgetSnapshot().Exhausted {
		d.State.SetPaused(true)
		return nil, nil
	}

	issues, err := listInReviewWithRetry(ctx, d)
	if err != nil {
		return nil, err
	}

	var handles []Handle
	for _, issue := range issues {
		d.State.MarkSeenInReview(issue.UUID, d.now())

		class, pr, err := classifyIssue(ctx, d, issue)
		if err != nil {
			log.Warn("skip %s: %v", issue.Identifier, err)
			continue
		}
		if class == "" || class == ClassNoAction {
			// "" means no attachment yet (executor may still be pushing) or a parse
			// failure already logged inside classifyIssue.
			continue
		}

		if h, spawned := trySpawnFixer(ctx, d, issue, pr, class); spawned {
			handles = append(handles, h)
		}
	}

	d.State.PruneFixerAttempts()
	return handles, nil
}

// listInReviewWithRetry fetches the in-review page, retrying transient failures with
// exponential backoff up to 3 attempts.
func listInReviewWithRetry(ctx context.Context, d Deps) ([]tracker.Issue, error) {
	const maxAttempts = 3
	schedule := loopctl.BackoffSchedule{InitialDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second, BackoffFactor: 2, Jitter: false}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		issues, err := d.Tracker.ListByState(ctx, tracker.StateInReview, 50)
		if err == nil {
			return issues, nil
		}
		lastErr = err
		if loopctl.KindOf(err) != loopctl.ErrTransient {
			return nil, err
		}
		delay := loopctl.Delay(schedule, attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, loopctl.Wrap(loopctl.ErrTransient, lastErr, "list in-review issues: retries exhausted")
}

// classifyIssue fetches one issue's attached PR and returns its classification. An empty
// Classification with a nil error means "skip silently" (no attachment yet).
func classifyIssue(ctx context.Context, d Deps, issue tracker.Issue) (Classification, *forge.PullRequest, error) {
	attachments, err := d.Tracker.Attachments(ctx, issue.UUID)
	if err != nil {
		return "", nil, fmt.Errorf("fetch attachments: %w", err)
	}

	prRef := findPRRef(attachments)
	if prRef == "" {
		return "", nil, nil
	}

	pr, err := d.Host.GetPR(ctx, prRef)
	if err != nil {
		return "", nil, fmt.Errorf("fetch PR status: %w", err)
	}

	checks, err := d.Host.CheckRuns(ctx, pr.HeadSHA)
	if err != nil {
		return "", nil, fmt.Errorf("fetch check runs: %w", err)
	}
	ci := deriveCIStatus(checks)

	class := classify(ctx, d, issue, pr, ci)
	return class, pr, nil
}

// findPRRef locates the host PR URL among an issue's attachments and extracts its number.
// Returns "" if no attachment matches - the executor may still be pushing, so no
// attachment is not an error.
func findPRRef(attachments []tracker.Attachment) string {
	for _, a := range attachments {
		if m := prURLPattern.FindStringSubmatch(a.URL); m != nil {
			return m[1]
		}
	}
	return ""
}

// deriveCIStatus folds a PR's check runs into one verdict: failure if any completed check
// failed, success if every check completed successfully, pending otherwise.
func deriveCIStatus(checks []forge.CheckRun) CIStatus {
	if len(checks) == 0 {
		return CIPending
	}
	sawFailure := false
	allCompleteSuccess := true
	for _, c := range checks {
		switch c.Status {
		case forge.CheckStatusSuccess:
		case forge.CheckStatusFailure:
			sawFailure = true
			allCompleteSuccess = false
		default:
			allCompleteSuccess = false
		}
	}
	switch {
	case sawFailure:
		return CIFailure
	case allCompleteSuccess:
		return CISuccess
	default:
		return CIPending
	}
}

// classify applies the first-match-wins priority order: CI failure beats merge conflict
// beats review response. The mergeable=unknown tri-state is treated conservatively as
// neither conflict nor clean - no action, try again next tick once the host has finished
// computing mergeability.
func classify(ctx context.Context, d Deps, issue tracker.Issue, pr *forge.PullRequest, ci CIStatus) Classification {
	if ci == CIFailure {
		return ClassCIFailure
	}
	if pr.MergeableState == forge.MergeableFalse {
		return ClassMergeConflict
	}
	if pr.MergeableState == forge.MergeableUnknown {
		return ClassNoAction
	}
	if d.Config.Monitor.RespondToReviews && ci == CISuccess {
		reviews, err := d.Host.Reviews(ctx, pr.Number)
		if err == nil {
			for _, r := range reviews {
				if r.State != forge.ReviewStateChangesRequested {
					continue
				}
				reviewID := fmt.Sprintf("%d-%s-%d", pr.Number, r.Author, r.SubmittedAt.Unix())
				if d.State.IsReviewHandled(issue.UUID, reviewID) {
					continue
				}
				return ClassReviewResponse
			}
		}
	}
	return ClassNoAction
}

// trySpawnFixer applies the dedup/attempt-budget/slot-budget gates and, if all pass,
// registers and launches a fixer agent. Registration happens before the goroutine starts
// so a concurrent executor pass observes the slot as taken.
func trySpawnFixer(ctx context.Context, d Deps, issue tracker.Issue, pr *forge.PullRequest, class Classification) (Handle, bool) {
	if d.State.IsFixerActive(issue.UUID) {
		return Handle{}, false
	}
	if d.State.FixerAttemptCount(issue.UUID) >= d.Config.Executor.MaxFixerAttempts {
		return Handle{}, false
	}
	if d.State.GetRunningCount() >= d.Config.Executor.Parallel {
		return Handle{}, false
	}

	agentID := fmt.Sprintf("fixer-%s-%d", issue.Identifier, d.now().UnixMilli())
	runCtx, cancel := context.WithCancel(ctx)

	added := d.State.AddAgent(state.RunningAgent{
		ID:         agentID,
		Kind:       state.KindFixer,
		IssueUUID:  issue.UUID,
		Identifier: issue.Identifier,
		Label:      fmt.Sprintf("%s: %s", class, issue.Title),
		Status:     state.AgentStatusFixing,
		StartedAt:  d.now(),
		LastActive: d.now(),
	}, cancel)
	if !added {
		cancel()
		return Handle{}, false
	}
	d.State.MarkFixerActive(issue.UUID, agentID)
	d.State.RecordFixerAttempt(issue.UUID, d.now())
	if d.Metrics != nil {
		d.Metrics.ObserveAgentStart(string(state.KindFixer))
		d.Metrics.FixerAttempts.WithLabelValues(string(class)).Inc()
	}

	if class == ClassReviewResponse {
		markReviewsHandled(ctx, d, issue, pr)
	}

	done := make(chan struct{})
	go runFixerAgent(runCtx, cancel, d, issue, class, agentID, done)

	return Handle{AgentID: agentID, Done: done}, true
}

// markReviewsHandled records every outstanding CHANGES_REQUESTED review on pr as handled,
// so the next tick does not re-spawn for the same review.
func markReviewsHandled(ctx context.Context, d Deps, issue tracker.Issue, pr *forge.PullRequest) {
	reviews, err := d.Host.Reviews(ctx, pr.Number)
	if err != nil {
		return
	}
	for _, r := range reviews {
		if r.State != forge.ReviewStateChangesRequested {
			continue
		}
		reviewID := fmt.Sprintf("%d-%s-%d", pr.Number, r.Author, r.SubmittedAt.Unix())
		d.State.MarkReviewHandled(issue.UUID, reviewID)
	}
}

// runFixerAgent drives one fixer agent to completion. Fixers never revert tracker state
// on failure; the monitor simply re-evaluates the PR next tick.
func runFixerAgent(ctx context.Context, cancel context.CancelFunc, d Deps, issue tracker.Issue, class Classification, agentID string, done chan<- struct{}) {
	defer close(done)
	defer cancel()
	defer d.State.ClearFixerActive(issue.UUID)

	result := d.Runner.Run(ctx, agentrunner.Request{
		Prompt:            buildFixerPrompt(issue, class),
		CWD:               d.ProjectPath,
		Label:             fmt.Sprintf("fixer(%s): %s", class, issue.Identifier),
		Model:             d.Model,
		Timeout:           time.Duration(d.Config.Executor.FixerTimeoutMinutes * float64(time.Minute)),
		InactivityTimeout: time.Duration(d.Config.Executor.InactivityTimeoutMinutes * float64(time.Minute)),
		OnControllerReady: func(h agentrunner.Handle) { d.State.RegisterCancel(agentID, func() { h.Cancel() }) },
		OnActivity:        func(a agentrunner.Activity) { d.State.AddActivity(agentID, a.Kind, a.Detail) },
	})

	status, _ := classifyFixerResult(result)
	d.State.CompleteAgent(agentID, state.HistoryEntry{
		AgentID:    agentID,
		Kind:       state.KindFixer,
		IssueUUID:  issue.UUID,
		Identifier: issue.Identifier,
		Status:     status,
		FinishedAt: d.now(),
		DurationMs: result.Duration.Milliseconds(),
		CostUSD:    result.CostUSD,
		NumTurns:   result.NumTurns,
		Error:      errString(result.Err),
		Summary:    result.ResultText,
	})
	if d.Metrics != nil {
		d.Metrics.ObserveAgentComplete(string(state.KindFixer), string(status), result.Duration, result.CostUSD)
	}
}

func classifyFixerResult(r agentrunner.Result) (state.AgentStatus, bool) {
	switch {
	case r.InactivityTimedOut(), r.TimedOut():
		return state.AgentStatusTimedOut, false
	case r.Err != nil:
		return state.AgentStatusFailed, false
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

// buildFixerPrompt renders the minimal task prompt for a repair agent. See the note on
// executor.buildExecutorPrompt: full prompt templating is an external collaborator.
func buildFixerPrompt(issue tracker.Issue, class Classification) string {
	switch class {
	case ClassCIFailure:
		return fmt.Sprintf("CI is failing on the pull request for %s. Investigate and fix.", issue.Identifier)
	case ClassMergeConflict:
		return fmt.Sprintf("The pull request for %s has a merge conflict. Rebase and resolve it.", issue.Identifier)
	case ClassReviewResponse:
		return fmt.Sprintf("A reviewer requested changes on the pull request for %s. Address the feedback.", issue.Identifier)
	default:
		return fmt.Sprintf("Repair the pull request for %s.", issue.Identifier)
	}
}
