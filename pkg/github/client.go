// Package github reads pull-request state from GitHub through the gh CLI. Only read
// operations are implemented: the orchestrator observes PRs, it never creates or merges
// them. Using gh rather than raw REST keeps authentication out of this process - gh reads
// GITHUB_TOKEN/GH_TOKEN from the environment itself.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"orchestrator/pkg/logx"
)

// Client reads PR, check-run, and review state for one repository.
//
//nolint:govet // logical field grouping preferred over memory layout
type Client struct {
	owner   string
	repo    string
	logger  *logx.Logger
	timeout time.Duration
}

// NewClient creates a client bound to owner/repo with a 30s per-call timeout.
func NewClient(owner, repo string) *Client {
	return &Client{
		owner:   owner,
		repo:    repo,
		logger:  logx.NewLogger("github"),
		timeout: 30 * time.Second,
	}
}

// WithTimeout returns a copy of the client using the given per-call timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	cp := *c
	cp.timeout = timeout
	return &cp
}

// RepoPath returns the owner/repo path.
func (c *Client) RepoPath() string {
	return fmt.Sprintf("%s/%s", c.owner, c.repo)
}

// APIGet issues a GET against the GitHub REST API via `gh api` and returns the raw body.
func (c *Client) APIGet(ctx context.Context, endpoint string) ([]byte, error) {
	return c.run(ctx, "api", "-X", "GET", endpoint)
}

// run executes one gh invocation under the client timeout.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Debug("gh %s", strings.Join(args, " "))
	out, err := exec.CommandContext(ctx, "gh", args...).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("gh %s: %w\noutput: %s", args[0], err, string(out))
	}
	return out, nil
}

// runJSON executes a gh invocation and unmarshals its JSON output into result.
func (c *Client) runJSON(ctx context.Context, result any, args ...string) error {
	out, err := c.run(ctx, args...)
	if err != nil {
		return err
	}
	if len(out) == 0 {
		return nil
	}
	if err := json.Unmarshal(out, result); err != nil {
		return fmt.Errorf("parse gh output: %w\noutput: %s", err, string(out))
	}
	return nil
}

// CheckAuth verifies the gh CLI is installed and authenticated, called once at startup so
// a missing login fails fast instead of on the first monitor tick.
func CheckAuth(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "gh", "auth", "status").CombinedOutput()
	if err != nil {
		return fmt.Errorf("gh auth status: %w\noutput: %s", err, string(out))
	}
	return nil
}
