package github

import (
	"context"
	"fmt"
)

// prJSONFields is the --json field list for `gh pr view`. Kept to exactly what the
// orchestrator consumes.
const prJSONFields = "number,url,title,state,headRefName,headRefOid,baseRefName,mergedAt,mergeable"

// PullRequest mirrors `gh pr view --json` output; field names are gh's GraphQL names.
//
//nolint:govet // logical field grouping preferred over memory layout
type PullRequest struct {
	Number      int    `json:"number"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	State       string `json:"state"` // OPEN, CLOSED, MERGED
	HeadRefName string `json:"headRefName"`
	HeadRefOid  string `json:"headRefOid"`
	BaseRefName string `json:"baseRefName"`
	MergedAt    string `json:"mergedAt"`  // RFC3339, empty unless merged
	Mergeable   string `json:"mergeable"` // MERGEABLE, CONFLICTING, UNKNOWN
}

// IsMerged reports whether the PR has been merged.
func (pr *PullRequest) IsMerged() bool {
	return pr.MergedAt != ""
}

// GetPR retrieves a pull request by number (decimal string) or head branch name.
func (c *Client) GetPR(ctx context.Context, ref string) (*PullRequest, error) {
	var pr PullRequest
	err := c.runJSON(ctx, &pr,
		"pr", "view", ref,
		"--repo", c.RepoPath(),
		"--json", prJSONFields,
	)
	if err != nil {
		return nil, fmt.Errorf("get PR %s: %w", ref, err)
	}
	return &pr, nil
}
