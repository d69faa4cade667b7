// Package fakerunner is an in-memory agentrunner.AgentRunner test double, grounded on the
// same hand-written-fake convention as internal/faketracker and internal/fakehost.
package fakerunner

import (
	"context"
	"sync"

	"orchestrator/pkg/agentrunner"
)

// cancelHandle adapts a context.CancelFunc to agentrunner.Handle.
type cancelHandle struct{ cancel context.CancelFunc }

func (h cancelHandle) Cancel() { h.cancel() }

// Runner is a scriptable agentrunner.AgentRunner. Each call to Run pops the next queued
// Result (or, if the queue is empty, returns DefaultResult). Tests can also set ResultFunc
// to compute a Result from the Request, e.g. to inspect the prompt or label.
type Runner struct {
	mu sync.Mutex

	queue         []agentrunner.Result
	DefaultResult agentrunner.Result
	ResultFunc    func(agentrunner.Request) agentrunner.Result

	// Calls records every Request this Runner has seen, for assertions.
	Calls []agentrunner.Request

	// BlockUntil, when non-nil, is closed by the test to release a Run call that should
	// block until the test is ready to let it proceed (used to exercise cancellation).
	BlockUntil <-chan struct{}
}

// New creates a Runner that returns TerminalCompleted with zero cost by default.
func New() *Runner {
	return &Runner{
		DefaultResult: agentrunner.Result{Terminal: agentrunner.TerminalCompleted},
	}
}

// Enqueue appends a Result to be returned by the next Run call(s), in order.
func (r *Runner) Enqueue(results ...agentrunner.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, results...)
}

// Run implements agentrunner.AgentRunner.
func (r *Runner) Run(ctx context.Context, req agentrunner.Request) agentrunner.Result {
	r.mu.Lock()
	r.Calls = append(r.Calls, req)
	r.mu.Unlock()

	if req.OnControllerReady != nil {
		subCtx, cancel := context.WithCancel(ctx)
		req.OnControllerReady(cancelHandle{cancel: cancel})
		defer cancel()
		if r.BlockUntil != nil {
			select {
			case <-r.BlockUntil:
			case <-subCtx.Done():
				return agentrunner.Result{Terminal: agentrunner.TerminalParentCancel}
			}
		}
		select {
		case <-subCtx.Done():
			if ctx.Err() != nil {
				return agentrunner.Result{Terminal: agentrunner.TerminalParentCancel}
			}
		default:
		}
	}

	if ctx.Err() != nil {
		return agentrunner.Result{Terminal: agentrunner.TerminalParentCancel}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ResultFunc != nil {
		return r.ResultFunc(req)
	}
	if len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		return next
	}
	return r.DefaultResult
}

var _ agentrunner.AgentRunner = (*Runner)(nil)
