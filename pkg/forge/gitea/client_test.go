package gitea

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/pkg/forge"
)

func newTestServer(t *testing.T, routes map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		payload, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}))
}

func TestGetPRByNumber(t *testing.T) {
	mergeable := false
	server := newTestServer(t, map[string]any{
		"/api/v1/repos/acme/widgets/pulls/7": giteaPR{
			Number:    7,
			HTMLURL:   "http://gitea.local/acme/widgets/pulls/7",
			Title:     "Add retry logic",
			State:     "open",
			Head:      giteaRef{Ref: "feature/retry", SHA: "abc123"},
			Base:      giteaRef{Ref: "main", SHA: "def456"},
			Mergeable: &mergeable,
		},
	})
	defer server.Close()

	c := NewClient(server.URL, "test-token", "acme", "widgets")
	pr, err := c.GetPR(context.Background(), "7")
	require.NoError(t, err)

	assert.Equal(t, 7, pr.Number)
	assert.Equal(t, "feature/retry", pr.HeadBranch)
	assert.Equal(t, "abc123", pr.HeadSHA)
	assert.Equal(t, forge.MergeableFalse, pr.MergeableState)
}

func TestGetPRMergeableOmittedIsUnknown(t *testing.T) {
	server := newTestServer(t, map[string]any{
		"/api/v1/repos/acme/widgets/pulls/3": giteaPR{Number: 3, State: "open"},
	})
	defer server.Close()

	c := NewClient(server.URL, "test-token", "acme", "widgets")
	pr, err := c.GetPR(context.Background(), "3")
	require.NoError(t, err)
	assert.Equal(t, forge.MergeableUnknown, pr.MergeableState)
}

func TestGetPRByBranch(t *testing.T) {
	server := newTestServer(t, map[string]any{
		"/api/v1/repos/acme/widgets/pulls": []giteaPR{
			{Number: 1, Head: giteaRef{Ref: "feature/a"}},
			{Number: 2, Head: giteaRef{Ref: "feature/b"}},
		},
	})
	defer server.Close()

	c := NewClient(server.URL, "test-token", "acme", "widgets")
	pr, err := c.GetPR(context.Background(), "feature/b")
	require.NoError(t, err)
	assert.Equal(t, 2, pr.Number)

	_, err = c.GetPR(context.Background(), "feature/missing")
	require.Error(t, err)
}

func TestCheckRunsDedupByContextNewestFirst(t *testing.T) {
	server := newTestServer(t, map[string]any{
		"/api/v1/repos/acme/widgets/commits/abc123/statuses": []giteaCommitStatus{
			{Context: "ci/test", Status: "success"},
			{Context: "ci/test", Status: "failure"}, // older run, superseded
			{Context: "ci/lint", Status: "pending"},
		},
	})
	defer server.Close()

	c := NewClient(server.URL, "test-token", "acme", "widgets")
	runs, err := c.CheckRuns(context.Background(), "abc123")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byName := make(map[string]forge.CheckRunStatus)
	for _, r := range runs {
		byName[r.Name] = r.Status
	}
	assert.Equal(t, forge.CheckStatusSuccess, byName["ci/test"])
	assert.Equal(t, forge.CheckStatusRunning, byName["ci/lint"])
}

func TestReviewsSkipsPending(t *testing.T) {
	submitted := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	reviews := []giteaReview{
		{State: "REQUEST_CHANGES", Body: "needs work", SubmittedAt: &submitted},
		{State: "PENDING"},
		{State: "APPROVED", SubmittedAt: &submitted},
	}
	reviews[0].User.Login = "alice"
	reviews[2].User.Login = "bob"

	server := newTestServer(t, map[string]any{
		"/api/v1/repos/acme/widgets/pulls/7/reviews": reviews,
	})
	defer server.Close()

	c := NewClient(server.URL, "test-token", "acme", "widgets")
	got, err := c.Reviews(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "alice", got[0].Author)
	assert.Equal(t, forge.ReviewStateChangesRequested, got[0].State)
	assert.Equal(t, forge.ReviewStateApproved, got[1].State)
}
