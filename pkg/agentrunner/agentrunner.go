// Package agentrunner defines the boundary between the orchestrator and the coding-agent
// subprocess it drives. The orchestrator never talks to a model API directly; it spawns
// an external agent process (e.g. a Claude Code CLI invocation) and streams its activity.
// The child runs in its own process group so cancellation can kill it and any of its own
// subprocesses as a unit, SIGTERM first and SIGKILL if it lingers.
package agentrunner

import (
	"context"
	"time"
)

// Request describes one coding-agent invocation.
//
//nolint:govet // logical field grouping preferred over memory layout
type Request struct {
	Prompt            string
	CWD               string
	Label             string
	WorkTree          string
	WorkTreeBranch    string
	Model             string
	Timeout           time.Duration
	InactivityTimeout time.Duration

	// OnControllerReady is invoked at most once, before any OnActivity call, once the
	// subprocess is ready to accept a cancellation Handle.
	OnControllerReady func(Handle)
	// OnActivity is invoked in order, synchronously, for every activity event streamed
	// from the subprocess, before Run returns.
	OnActivity func(Activity)
}

// Handle lets a caller (dashboard cancel endpoint, shutdown path) cooperatively stop a
// running agent. Calling Cancel causes the owning Run call to return promptly.
type Handle interface {
	Cancel()
}

// Activity is one structured event streamed from the running agent subprocess.
type Activity struct {
	Timestamp time.Time
	Kind      string
	Detail    string
}

// TerminalCase enumerates the mutually exclusive ways a Run call can end.
type TerminalCase string

// Terminal cases. Exactly one always applies to a returned Result.
const (
	TerminalCompleted          TerminalCase = "completed"
	TerminalTimedOut           TerminalCase = "timed_out"
	TerminalInactivityTimedOut TerminalCase = "inactivity_timed_out"
	TerminalError              TerminalCase = "error"
	TerminalParentCancel       TerminalCase = "parent_cancel"
)

// Result is the outcome of one Run call.
//
//nolint:govet // logical field grouping preferred over memory layout
type Result struct {
	Terminal   TerminalCase
	Err        error
	CostUSD    float64
	Duration   time.Duration
	NumTurns   int
	SessionID  string
	ResultText string
}

// TimedOut reports whether Run's wall-clock timeout fired.
func (r Result) TimedOut() bool { return r.Terminal == TerminalTimedOut }

// InactivityTimedOut reports whether Run's inactivity timeout fired.
func (r Result) InactivityTimedOut() bool { return r.Terminal == TerminalInactivityTimedOut }

// AgentRunner spawns a coding-agent subprocess and streams its activity.
type AgentRunner interface {
	// Run blocks until the agent subprocess terminates for any reason and returns the
	// classified Result. ctx cancellation is the "parent cancel" terminal case.
	Run(ctx context.Context, req Request) Result
}
