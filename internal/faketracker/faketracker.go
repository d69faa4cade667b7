// Package faketracker is an in-memory tracker.Tracker test double: a hand-written fake
// rather than a mocking framework, so tests read as plain Go.
package faketracker

import (
	"context"
	"fmt"
	"sync"

	"orchestrator/pkg/tracker"
)

// Tracker is a concurrency-safe in-memory tracker.Tracker implementation for tests.
type Tracker struct {
	mu          sync.Mutex
	issues      map[string]*tracker.Issue
	attachments map[string][]tracker.Attachment
	teamStates  map[string]map[tracker.IssueState]string
	nextID      int

	// TransitionErr, when set, is returned by every call to Transition.
	TransitionErr error
	// ListErr, when set, is returned by every call to ListByState.
	ListErr error
}

// New creates an empty fake tracker.
func New() *Tracker {
	return &Tracker{
		issues:      make(map[string]*tracker.Issue),
		attachments: make(map[string][]tracker.Attachment),
		teamStates:  make(map[string]map[tracker.IssueState]string),
	}
}

// Seed inserts an issue directly, for test setup.
func (f *Tracker) Seed(issue tracker.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := issue
	f.issues[issue.UUID] = &cp
}

// SeedTeamStates registers the workflow state table used by TeamStates.
func (f *Tracker) SeedTeamStates(team string, states map[tracker.IssueState]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teamStates[team] = states
}

// ListByState implements tracker.Tracker.
func (f *Tracker) ListByState(_ context.Context, state tracker.IssueState, limit int) ([]tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}

	var out []tracker.Issue
	for _, issue := range f.issues {
		if issue.State != state {
			continue
		}
		out = append(out, *issue)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Transition implements tracker.Tracker.
func (f *Tracker) Transition(_ context.Context, issueUUID string, to tracker.IssueState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransitionErr != nil {
		return f.TransitionErr
	}
	issue, ok := f.issues[issueUUID]
	if !ok {
		return fmt.Errorf("faketracker: unknown issue %s", issueUUID)
	}
	issue.State = to
	return nil
}

// Attachments implements tracker.Tracker.
func (f *Tracker) Attachments(_ context.Context, issueUUID string) ([]tracker.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attachments[issueUUID], nil
}

// SeedAttachments registers attachments for an issue.
func (f *Tracker) SeedAttachments(issueUUID string, attachments []tracker.Attachment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachments[issueUUID] = attachments
}

// TeamStates implements tracker.Tracker.
func (f *Tracker) TeamStates(_ context.Context, team string) (map[tracker.IssueState]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	states, ok := f.teamStates[team]
	if !ok {
		return nil, fmt.Errorf("faketracker: unknown team %s", team)
	}
	cp := make(map[tracker.IssueState]string, len(states))
	for k, v := range states {
		cp[k] = v
	}
	return cp, nil
}

// CreateIssue implements tracker.Tracker.
func (f *Tracker) CreateIssue(_ context.Context, title, description string, state tracker.IssueState) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	issue := tracker.Issue{
		UUID:        fmt.Sprintf("fake-%d", f.nextID),
		Identifier:  fmt.Sprintf("FAKE-%d", f.nextID),
		Title:       title,
		Description: description,
		State:       state,
	}
	f.issues[issue.UUID] = &issue
	cp := issue
	return &cp, nil
}

var _ tracker.Tracker = (*Tracker)(nil)
