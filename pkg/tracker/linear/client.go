// Package linear implements tracker.Tracker against Linear's GraphQL API: a thin struct
// wrapping an HTTP client with a configurable per-request timeout. Linear has no official
// CLI, so requests go straight to the GraphQL endpoint with net/http + encoding/json.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"orchestrator/internal/loopctl"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/tracker"
)

// APIURL is Linear's GraphQL endpoint.
const APIURL = "https://api.linear.app/graphql"

// Client implements tracker.Tracker against Linear.
//
//nolint:govet // logical field grouping preferred over memory layout
type Client struct {
	apiKey     string
	apiURL     string // overridden in tests to point at a local server
	httpClient *http.Client
	logger     *logx.Logger
	team       string
	stateNames map[tracker.IssueState]string
	timeout    time.Duration
}

// NewClient creates a Linear tracker client authenticated with apiKey. stateNames maps
// each logical issue state onto the Linear workflow state name configured for the team
// (see pkg/config.LinearStates), resolved once at startup rather than re-queried per call.
func NewClient(apiKey, team string, stateNames map[tracker.IssueState]string) *Client {
	return &Client{
		apiKey:     apiKey,
		apiURL:     APIURL,
		httpClient: &http.Client{},
		logger:     logx.NewLogger("tracker-linear"),
		team:       team,
		stateNames: stateNames,
		timeout:    30 * time.Second,
	}
}

// WithTimeout returns a copy of the client using the given per-request timeout.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	cp := *c
	cp.timeout = timeout
	return &cp
}

var _ tracker.Tracker = (*Client)(nil)

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors,omitempty"`
}

// do executes a GraphQL request and unmarshals the "data" field into out.
func (c *Client) do(ctx context.Context, query string, variables map[string]any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return loopctl.Wrap(loopctl.ErrFatal, err, "marshal graphql request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return loopctl.Wrap(loopctl.ErrFatal, err, "build graphql request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return loopctl.Wrap(loopctl.ErrTransient, err, "linear request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return loopctl.Wrap(loopctl.ErrTransient, err, "read linear response")
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		lerr := loopctl.New(loopctl.ErrRateLimit, "linear rate limit exceeded")
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			lerr.RetryAfter = time.Duration(secs) * time.Second
		}
		return lerr
	case resp.StatusCode >= 500:
		return loopctl.New(loopctl.ErrTransient, fmt.Sprintf("linear server error: status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return loopctl.New(loopctl.ErrFatal, "linear authentication rejected")
	case resp.StatusCode >= 400:
		return loopctl.New(loopctl.ErrFatal, fmt.Sprintf("linear request rejected: status %d: %s", resp.StatusCode, respBody))
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return loopctl.Wrap(loopctl.ErrTransient, err, "decode linear response")
	}
	if len(gqlResp.Errors) > 0 {
		return loopctl.New(loopctl.ErrTransient, fmt.Sprintf("linear graphql error: %s", gqlResp.Errors[0].Message))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(gqlResp.Data, out); err != nil {
		return loopctl.Wrap(loopctl.ErrTransient, err, "decode linear data")
	}
	return nil
}
