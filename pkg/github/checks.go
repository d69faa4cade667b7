package github

import (
	"context"
	"encoding/json"
	"fmt"
)

// CheckRun mirrors the fields of one entry in GitHub's check-runs API response.
type CheckRun struct {
	Name       string `json:"name"`
	Status     string `json:"status"`     // queued, in_progress, completed
	Conclusion string `json:"conclusion"` // success, failure, neutral, cancelled, timed_out, action_required
	DetailsURL string `json:"details_url"`
	Output     struct {
		Summary string `json:"summary"`
	} `json:"output"`
}

type checkRunsResponse struct {
	CheckRuns []CheckRun `json:"check_runs"`
}

// GetCheckRuns returns the CI check runs reported against a commit SHA.
func (c *Client) GetCheckRuns(ctx context.Context, sha string) ([]CheckRun, error) {
	endpoint := fmt.Sprintf("repos/%s/commits/%s/check-runs", c.RepoPath(), sha)
	body, err := c.APIGet(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get check runs for %s: %w", sha, err)
	}

	var resp checkRunsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse check runs response: %w", err)
	}
	return resp.CheckRuns, nil
}

// Review mirrors one entry in GitHub's PR reviews API response.
type Review struct {
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	State       string `json:"state"` // APPROVED, CHANGES_REQUESTED, COMMENTED, PENDING
	Body        string `json:"body"`
	SubmittedAt string `json:"submitted_at"`
}

// GetReviews returns the reviews submitted against a pull request.
func (c *Client) GetReviews(ctx context.Context, prNumber int) ([]Review, error) {
	endpoint := fmt.Sprintf("repos/%s/pulls/%d/reviews", c.RepoPath(), prNumber)
	body, err := c.APIGet(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get reviews for PR #%d: %w", prNumber, err)
	}

	var reviews []Review
	if err := json.Unmarshal(body, &reviews); err != nil {
		return nil, fmt.Errorf("failed to parse reviews response: %w", err)
	}
	return reviews, nil
}
