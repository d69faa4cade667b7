// Package github adapts pkg/github's gh-CLI-backed client to the forge.Client interface,
// normalizing GitHub's status vocabulary into forge's.
package github

import (
	"context"
	"time"

	"orchestrator/pkg/forge"
	"orchestrator/pkg/github"
)

// Client implements forge.Client for GitHub.
type Client struct {
	gh *github.Client
}

// NewClient wraps an existing github.Client.
func NewClient(gh *github.Client) *Client {
	return &Client{gh: gh}
}

// NewClientFromRepo builds a GitHub forge client for owner/repo. Authentication is the gh
// CLI's concern; it reads GITHUB_TOKEN/GH_TOKEN from the environment itself.
func NewClientFromRepo(owner, repo string) (forge.Client, error) {
	return NewClient(github.NewClient(owner, repo).WithTimeout(2 * time.Minute)), nil
}

// Provider returns the forge provider type.
func (c *Client) Provider() forge.Provider {
	return forge.ProviderGitHub
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return c.gh.RepoPath()
}

// GetPR retrieves a pull request by number or head branch name.
func (c *Client) GetPR(ctx context.Context, ref string) (*forge.PullRequest, error) {
	pr, err := c.gh.GetPR(ctx, ref)
	if err != nil {
		return nil, err
	}

	out := &forge.PullRequest{
		Number:         pr.Number,
		URL:            pr.URL,
		Title:          pr.Title,
		State:          pr.State,
		HeadBranch:     pr.HeadRefName,
		HeadSHA:        pr.HeadRefOid,
		BaseBranch:     pr.BaseRefName,
		Merged:         pr.IsMerged(),
		MergeableState: mergeableState(pr.Mergeable),
	}
	if pr.MergedAt != "" {
		if t, err := time.Parse(time.RFC3339, pr.MergedAt); err == nil {
			out.MergedAt = &t
		}
	}
	return out, nil
}

// CheckRuns returns the CI check runs reported against a commit SHA.
func (c *Client) CheckRuns(ctx context.Context, sha string) ([]forge.CheckRun, error) {
	runs, err := c.gh.GetCheckRuns(ctx, sha)
	if err != nil {
		return nil, err
	}

	out := make([]forge.CheckRun, len(runs))
	for i, r := range runs {
		out[i] = forge.CheckRun{
			Name:       r.Name,
			Status:     checkRunStatus(r.Status, r.Conclusion),
			DetailsURL: r.DetailsURL,
			Summary:    r.Output.Summary,
		}
	}
	return out, nil
}

// Reviews returns the non-pending reviews submitted against a pull request.
func (c *Client) Reviews(ctx context.Context, prNumber int) ([]forge.Review, error) {
	reviews, err := c.gh.GetReviews(ctx, prNumber)
	if err != nil {
		return nil, err
	}

	out := make([]forge.Review, 0, len(reviews))
	for _, r := range reviews {
		if r.State == "PENDING" {
			continue
		}
		review := forge.Review{
			Author: r.User.Login,
			State:  reviewState(r.State),
			Body:   r.Body,
		}
		if t, err := time.Parse(time.RFC3339, r.SubmittedAt); err == nil {
			review.SubmittedAt = t
		}
		out = append(out, review)
	}
	return out, nil
}

// checkRunStatus folds GitHub's separate status/conclusion fields into one
// forge.CheckRunStatus.
func checkRunStatus(status, conclusion string) forge.CheckRunStatus {
	if status != "completed" {
		if status == "queued" {
			return forge.CheckStatusQueued
		}
		return forge.CheckStatusRunning
	}
	switch conclusion {
	case "success", "neutral", "skipped":
		return forge.CheckStatusSuccess
	case "cancelled":
		return forge.CheckStatusCancelled
	default:
		return forge.CheckStatusFailure
	}
}

// mergeableState normalizes GitHub's MERGEABLE/CONFLICTING/UNKNOWN. UNKNOWN means GitHub
// is still computing mergeability and must stay unknown rather than collapse to a bool.
func mergeableState(s string) forge.MergeableState {
	switch s {
	case "MERGEABLE":
		return forge.MergeableTrue
	case "CONFLICTING":
		return forge.MergeableFalse
	default:
		return forge.MergeableUnknown
	}
}

func reviewState(s string) forge.ReviewState {
	switch s {
	case "APPROVED":
		return forge.ReviewStateApproved
	case "CHANGES_REQUESTED":
		return forge.ReviewStateChangesRequested
	default:
		return forge.ReviewStateCommented
	}
}

var _ forge.Client = (*Client)(nil)
