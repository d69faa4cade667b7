// Package fakehost is an in-memory forge.Client test double, a hand-written fake in the
// same style as internal/faketracker.
package fakehost

import (
	"context"
	"fmt"
	"sync"

	"orchestrator/pkg/forge"
)

// Host is a concurrency-safe in-memory forge.Client implementation for tests.
type Host struct {
	mu        sync.Mutex
	prs       map[int]*forge.PullRequest
	prsByHead map[string]int
	checkRuns map[string][]forge.CheckRun // keyed by SHA
	reviews   map[int][]forge.Review      // keyed by PR number

	// GetPRErr, when set, is returned by every GetPR call.
	GetPRErr error
}

// New creates an empty fake host.
func New() *Host {
	return &Host{
		prs:       make(map[int]*forge.PullRequest),
		prsByHead: make(map[string]int),
		checkRuns: make(map[string][]forge.CheckRun),
		reviews:   make(map[int][]forge.Review),
	}
}

// Provider implements forge.Client.
func (h *Host) Provider() forge.Provider { return forge.ProviderGitHub }

// RepoPath implements forge.Client.
func (h *Host) RepoPath() string { return "fake/repo" }

// SeedPR inserts a pull request directly, for test setup.
func (h *Host) SeedPR(pr forge.PullRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := pr
	h.prs[pr.Number] = &cp
	if pr.HeadBranch != "" {
		h.prsByHead[pr.HeadBranch] = pr.Number
	}
}

// SeedCheckRuns registers the check runs reported for a commit SHA.
func (h *Host) SeedCheckRuns(sha string, runs []forge.CheckRun) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkRuns[sha] = runs
}

// SeedReviews registers the reviews submitted against a PR.
func (h *Host) SeedReviews(prNumber int, reviews []forge.Review) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reviews[prNumber] = reviews
}

// GetPR implements forge.Client. ref may be a PR number or a head branch name.
func (h *Host) GetPR(_ context.Context, ref string) (*forge.PullRequest, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.GetPRErr != nil {
		return nil, h.GetPRErr
	}
	if num, ok := h.prsByHead[ref]; ok {
		cp := *h.prs[num]
		return &cp, nil
	}
	for _, pr := range h.prs {
		if fmt.Sprint(pr.Number) == ref {
			cp := *pr
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("fakehost: no PR found for ref %q", ref)
}

// CheckRuns implements forge.Client.
func (h *Host) CheckRuns(_ context.Context, sha string) ([]forge.CheckRun, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkRuns[sha], nil
}

// Reviews implements forge.Client.
func (h *Host) Reviews(_ context.Context, prNumber int) ([]forge.Review, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reviews[prNumber], nil
}

var _ forge.Client = (*Host)(nil)
