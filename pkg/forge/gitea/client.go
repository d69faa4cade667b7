// Package gitea implements forge.Client against a self-hosted Gitea instance's REST API.
// Gitea has no check-runs API; commit statuses fill the same role and are normalized into
// forge.CheckRun values.
package gitea

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"orchestrator/pkg/forge"
	"orchestrator/pkg/logx"
)

// Client implements forge.Client for Gitea.
//
//nolint:govet // logical field grouping preferred over memory layout
type Client struct {
	baseURL string
	token   string
	owner   string
	repo    string
	logger  *logx.Logger
	client  *http.Client
}

// NewClient creates a client for the Gitea instance at baseURL, bound to owner/repo.
func NewClient(baseURL, token, owner, repo string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		owner:   owner,
		repo:    repo,
		logger:  logx.NewLogger("gitea"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Provider returns the forge provider type.
func (c *Client) Provider() forge.Provider {
	return forge.ProviderGitea
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

// get issues an authenticated GET against Gitea's v1 API and unmarshals the body.
func (c *Client) get(ctx context.Context, path string, result any) error {
	url := fmt.Sprintf("%s/api/v1%s", c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "token "+c.token)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug("GET %s", path)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("parse %s response: %w", path, err)
	}
	return nil
}

// giteaRef is one side of a PR (head or base).
type giteaRef struct {
	Ref string `json:"ref"`
	SHA string `json:"sha"`
}

// giteaPR mirrors Gitea's pull-request payload, trimmed to consumed fields.
//
//nolint:govet // logical field grouping preferred over memory layout
type giteaPR struct {
	Number    int        `json:"number"`
	HTMLURL   string     `json:"html_url"`
	Title     string     `json:"title"`
	State     string     `json:"state"`
	Head      giteaRef   `json:"head"`
	Base      giteaRef   `json:"base"`
	Merged    bool       `json:"merged"`
	MergedAt  *time.Time `json:"merged_at"`
	Mergeable *bool      `json:"mergeable"`
}

func convertPR(gpr *giteaPR) *forge.PullRequest {
	pr := &forge.PullRequest{
		Number:         gpr.Number,
		URL:            gpr.HTMLURL,
		Title:          gpr.Title,
		State:          gpr.State,
		HeadBranch:     gpr.Head.Ref,
		HeadSHA:        gpr.Head.SHA,
		BaseBranch:     gpr.Base.Ref,
		Merged:         gpr.Merged,
		MergedAt:       gpr.MergedAt,
		MergeableState: forge.MergeableUnknown,
	}
	// Gitea omits mergeable while a merge check is still in flight.
	if gpr.Mergeable != nil {
		if *gpr.Mergeable {
			pr.MergeableState = forge.MergeableTrue
		} else {
			pr.MergeableState = forge.MergeableFalse
		}
	}
	return pr
}

// GetPR retrieves a pull request by number (decimal string) or head branch name.
func (c *Client) GetPR(ctx context.Context, ref string) (*forge.PullRequest, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		var gpr giteaPR
		if err := c.get(ctx, fmt.Sprintf("/repos/%s/%s/pulls/%d", c.owner, c.repo, n), &gpr); err != nil {
			return nil, err
		}
		return convertPR(&gpr), nil
	}

	var prs []giteaPR
	path := fmt.Sprintf("/repos/%s/%s/pulls?state=open", c.owner, c.repo)
	if err := c.get(ctx, path, &prs); err != nil {
		return nil, err
	}
	for i := range prs {
		if prs[i].Head.Ref == ref {
			return convertPR(&prs[i]), nil
		}
	}
	return nil, fmt.Errorf("no open PR with head branch %q", ref)
}

// giteaCommitStatus mirrors one entry of Gitea's commit-status list.
type giteaCommitStatus struct {
	Context     string `json:"context"`
	Status      string `json:"status"` // pending, success, error, failure, warning
	TargetURL   string `json:"target_url"`
	Description string `json:"description"`
}

// CheckRuns returns the commit statuses for sha, normalized as check runs. Gitea reports
// one entry per context per push, newest first; only the newest entry per context counts.
func (c *Client) CheckRuns(ctx context.Context, sha string) ([]forge.CheckRun, error) {
	var statuses []giteaCommitStatus
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/statuses", c.owner, c.repo, sha)
	if err := c.get(ctx, path, &statuses); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(statuses))
	out := make([]forge.CheckRun, 0, len(statuses))
	for _, s := range statuses {
		if seen[s.Context] {
			continue
		}
		seen[s.Context] = true
		out = append(out, forge.CheckRun{
			Name:       s.Context,
			Status:     checkRunStatus(s.Status),
			DetailsURL: s.TargetURL,
			Summary:    s.Description,
		})
	}
	return out, nil
}

func checkRunStatus(s string) forge.CheckRunStatus {
	switch s {
	case "success", "warning":
		return forge.CheckStatusSuccess
	case "failure", "error":
		return forge.CheckStatusFailure
	case "pending":
		return forge.CheckStatusRunning
	default:
		return forge.CheckStatusQueued
	}
}

// giteaReview mirrors one entry of Gitea's PR review list.
type giteaReview struct {
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	State       string     `json:"state"` // APPROVED, REQUEST_CHANGES, COMMENT, PENDING
	Body        string     `json:"body"`
	SubmittedAt *time.Time `json:"submitted_at"`
}

// Reviews returns the non-pending reviews submitted against a pull request.
func (c *Client) Reviews(ctx context.Context, prNumber int) ([]forge.Review, error) {
	var reviews []giteaReview
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", c.owner, c.repo, prNumber)
	if err := c.get(ctx, path, &reviews); err != nil {
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
		if r.SubmittedAt != nil {
			review.SubmittedAt = *r.SubmittedAt
		}
		out = append(out, review)
	}
	return out, nil
}

func reviewState(s string) forge.ReviewState {
	switch s {
	case "APPROVED":
		return forge.ReviewStateApproved
	case "REQUEST_CHANGES":
		return forge.ReviewStateChangesRequested
	default:
		return forge.ReviewStateCommented
	}
}

var _ forge.Client = (*Client)(nil)
