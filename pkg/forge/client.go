// Package forge abstracts the code host the orchestrator watches. The surface is
// deliberately read-only: coding agents open and update pull requests themselves, and
// humans merge them, so the orchestrator only ever needs to observe PR status, CI check
// runs, and reviews.
package forge

import (
	"context"
	"time"
)

// Provider identifies a code-host vendor.
type Provider string

// Supported providers.
const (
	ProviderGitHub Provider = "github"
	ProviderGitea  Provider = "gitea"
)

// MergeableState is a PR's tri-state mergeability as reported by the host. Hosts compute
// mergeability asynchronously, so "unknown" is a real state, not an error: it must be
// treated as neither clean nor conflicting.
type MergeableState string

// Normalized mergeable states.
const (
	MergeableTrue    MergeableState = "true"
	MergeableFalse   MergeableState = "false"
	MergeableUnknown MergeableState = "unknown"
)

// PullRequest is a normalized view of one pull request.
//
//nolint:govet // logical field grouping preferred over memory layout
type PullRequest struct {
	Number         int            `json:"number"`
	URL            string         `json:"url"`
	Title          string         `json:"title"`
	State          string         `json:"state"` // open, closed, merged
	HeadBranch     string         `json:"head_branch"`
	HeadSHA        string         `json:"head_sha"`
	BaseBranch     string         `json:"base_branch"`
	Merged         bool           `json:"merged"`
	MergedAt       *time.Time     `json:"merged_at,omitempty"`
	MergeableState MergeableState `json:"mergeable_state"`
}

// IsMerged reports whether the PR has been merged.
func (pr *PullRequest) IsMerged() bool {
	return pr.Merged || pr.MergedAt != nil
}

// CheckRunStatus is a normalized CI check-run outcome.
type CheckRunStatus string

// Normalized check-run statuses.
const (
	CheckStatusQueued    CheckRunStatus = "queued"
	CheckStatusRunning   CheckRunStatus = "running"
	CheckStatusSuccess   CheckRunStatus = "success"
	CheckStatusFailure   CheckRunStatus = "failure"
	CheckStatusCancelled CheckRunStatus = "cancelled"
)

// CheckRun is one CI job's result for a commit.
type CheckRun struct {
	Name       string
	Status     CheckRunStatus
	DetailsURL string
	Summary    string
}

// ReviewState is a normalized PR review verdict.
type ReviewState string

// Normalized review states.
const (
	ReviewStateApproved         ReviewState = "approved"
	ReviewStateChangesRequested ReviewState = "changes_requested"
	ReviewStateCommented        ReviewState = "commented"
)

// Review is one reviewer's submission against a pull request.
//
//nolint:govet // logical field grouping preferred over memory layout
type Review struct {
	Author      string
	State       ReviewState
	Body        string
	SubmittedAt time.Time
}

// Client is the orchestrator's read-only view of a code host. Implementations must be
// safe for concurrent use.
type Client interface {
	// Provider returns the host vendor.
	Provider() Provider

	// RepoPath returns the owner/repo path the client is bound to.
	RepoPath() string

	// GetPR retrieves a pull request by number (as a decimal string) or head branch name.
	GetPR(ctx context.Context, ref string) (*PullRequest, error)

	// CheckRuns returns the CI check runs reported against a commit SHA.
	CheckRuns(ctx context.Context, sha string) ([]CheckRun, error)

	// Reviews returns the non-pending reviews submitted against a pull request.
	Reviews(ctx context.Context, prNumber int) ([]Review, error)
}
