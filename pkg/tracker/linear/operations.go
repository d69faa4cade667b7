package linear

import (
	"context"
	"fmt"
	"time"

	"orchestrator/internal/loopctl"
	"orchestrator/pkg/tracker"
)

type linearWorkflowState struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type linearAttachment struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Subtitle    string `json:"subtitle"`
}

type linearIssue struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	URL         string    `json:"url"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	State       linearWorkflowState `json:"state"`
}

func toIssue(li linearIssue, logical tracker.IssueState) tracker.Issue {
	return tracker.Issue{
		UUID:        li.ID,
		Identifier:  li.Identifier,
		Title:       li.Title,
		Description: li.Description,
		State:       logical,
		URL:         li.URL,
		Priority:    li.Priority,
		CreatedAt:   li.CreatedAt,
		UpdatedAt:   li.UpdatedAt,
	}
}

// ListByState returns up to limit issues whose Linear workflow state name matches the
// configured mapping for the requested logical state.
func (c *Client) ListByState(ctx context.Context, state tracker.IssueState, limit int) ([]tracker.Issue, error) {
	const query = `
query Issues($stateName: String!, $limit: Int!) {
  issues(filter: { state: { name: { eq: $stateName } } }, first: $limit, orderBy: updatedAt) {
    nodes {
      id
      identifier
      title
      description
      url
      priority
      createdAt
      updatedAt
      state { id name }
    }
  }
}`

	stateName, err := c.stateName(ctx, state)
	if err != nil {
		return nil, err
	}

	// limit <= 0 means "no explicit limit"; Linear still wants a page size.
	if limit <= 0 {
		limit = 250
	}

	var resp struct {
		Issues struct {
			Nodes []linearIssue `json:"nodes"`
		} `json:"issues"`
	}
	if err := c.do(ctx, query, map[string]any{"stateName": stateName, "limit": limit}, &resp); err != nil {
		return nil, err
	}

	issues := make([]tracker.Issue, 0, len(resp.Issues.Nodes))
	for _, n := range resp.Issues.Nodes {
		issues = append(issues, toIssue(n, state))
	}
	return issues, nil
}

// Transition moves an issue to the Linear workflow state mapped from the logical state.
func (c *Client) Transition(ctx context.Context, issueUUID string, to tracker.IssueState) error {
	const mutation = `
mutation MoveIssue($id: String!, $stateId: String!) {
  issueUpdate(id: $id, input: { stateId: $stateId }) {
    success
  }
}`

	stateID, err := c.resolveStateID(ctx, to)
	if err != nil {
		return err
	}

	var resp struct {
		IssueUpdate struct {
			Success bool `json:"success"`
		} `json:"issueUpdate"`
	}
	if err := c.do(ctx, mutation, map[string]any{"id": issueUUID, "stateId": stateID}, &resp); err != nil {
		return err
	}
	if !resp.IssueUpdate.Success {
		return loopctl.New(loopctl.ErrPerIssue, fmt.Sprintf("linear rejected transition for issue %s", issueUUID))
	}
	return nil
}

// Attachments returns the files/links attached to an issue.
func (c *Client) Attachments(ctx context.Context, issueUUID string) ([]tracker.Attachment, error) {
	const query = `
query IssueAttachments($id: String!) {
  issue(id: $id) {
    attachments {
      nodes { title url subtitle }
    }
  }
}`

	var resp struct {
		Issue struct {
			Attachments struct {
				Nodes []linearAttachment `json:"nodes"`
			} `json:"attachments"`
		} `json:"issue"`
	}
	if err := c.do(ctx, query, map[string]any{"id": issueUUID}, &resp); err != nil {
		return nil, err
	}

	out := make([]tracker.Attachment, 0, len(resp.Issue.Attachments.Nodes))
	for _, a := range resp.Issue.Attachments.Nodes {
		out = append(out, tracker.Attachment{Title: a.Title, URL: a.URL, ContentType: a.Subtitle})
	}
	return out, nil
}

// TeamStates returns the logical-state-to-workflow-state-name mapping for team, limited
// to the configured names that actually exist on the team. A caller validating config
// compares the result against its full mapping: a logical state missing from the result
// means the configured name doesn't exist on the team.
func (c *Client) TeamStates(ctx context.Context, team string) (map[tracker.IssueState]string, error) {
	existing, err := c.teamStateIDs(ctx, team)
	if err != nil {
		return nil, err
	}

	result := make(map[tracker.IssueState]string, len(c.stateNames))
	for logical, name := range c.stateNames {
		if _, ok := existing[name]; ok {
			result[logical] = name
		}
	}
	return result, nil
}

// teamStateIDs fetches the team's workflow state table as a name-to-ID map.
func (c *Client) teamStateIDs(ctx context.Context, team string) (map[string]string, error) {
	const query = `
query TeamStates($team: String!) {
  team(id: $team) {
    states {
      nodes { id name }
    }
  }
}`

	var resp struct {
		Team struct {
			States struct {
				Nodes []linearWorkflowState `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	if err := c.do(ctx, query, map[string]any{"team": team}, &resp); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(resp.Team.States.Nodes))
	for _, s := range resp.Team.States.Nodes {
		out[s.Name] = s.ID
	}
	return out, nil
}

// CreateIssue creates a new issue in the given logical state, used by the planner.
func (c *Client) CreateIssue(ctx context.Context, title, description string, state tracker.IssueState) (*tracker.Issue, error) {
	const mutation = `
mutation CreateIssue($title: String!, $description: String!, $stateId: String!) {
  issueCreate(input: { title: $title, description: $description, stateId: $stateId }) {
    success
    issue {
      id
      identifier
      title
      description
      url
      priority
      createdAt
      updatedAt
      state { id name }
    }
  }
}`

	stateID, err := c.resolveStateID(ctx, state)
	if err != nil {
		return nil, err
	}

	var resp struct {
		IssueCreate struct {
			Success bool        `json:"success"`
			Issue   linearIssue `json:"issue"`
		} `json:"issueCreate"`
	}
	if err := c.do(ctx, mutation, map[string]any{
		"title": title, "description": description, "stateId": stateID,
	}, &resp); err != nil {
		return nil, err
	}
	if !resp.IssueCreate.Success {
		return nil, loopctl.New(loopctl.ErrTransient, "linear rejected issue creation")
	}

	issue := toIssue(resp.IssueCreate.Issue, state)
	return &issue, nil
}

// stateName returns the Linear workflow state name configured for a logical state.
func (c *Client) stateName(_ context.Context, state tracker.IssueState) (string, error) {
	if name, ok := c.stateNames[state]; ok {
		return name, nil
	}
	return "", loopctl.New(loopctl.ErrFatal, fmt.Sprintf("no linear state configured for logical state %q", state))
}

// resolveStateID looks up the Linear state ID matching the configured name for a logical
// state, used for mutations (issueUpdate/issueCreate) which require an ID rather than a
// name. It queries the team's state table rather than caching, since mutations are rare
// compared to the polling reads that go through stateName/ListByState.
func (c *Client) resolveStateID(ctx context.Context, state tracker.IssueState) (string, error) {
	name, err := c.stateName(ctx, state)
	if err != nil {
		return "", err
	}

	states, err := c.teamStateIDs(ctx, c.team)
	if err != nil {
		return "", err
	}
	if id, ok := states[name]; ok {
		return id, nil
	}
	return "", loopctl.New(loopctl.ErrFatal, fmt.Sprintf("linear team has no state named %q", name))
}
