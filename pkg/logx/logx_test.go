package logx

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(domain string) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewLogger(domain)
	l.out = log.New(&buf, "", 0)
	return l, &buf
}

func TestInfoIncludesLevelAndDomain(t *testing.T) {
	l, buf := captureLogger("executor")
	l.Info("claimed %d issues", 3)

	out := buf.String()
	assert.Contains(t, out, "[INFO]")
	assert.Contains(t, out, "executor:")
	assert.Contains(t, out, "claimed 3 issues")
}

func TestDebugDroppedWhenDisabled(t *testing.T) {
	SetDebug(false)
	t.Cleanup(func() { SetDebug(false) })

	l, buf := captureLogger("monitor")
	l.Debug("should not appear")
	assert.Empty(t, buf.String())
}

func TestDebugEmittedWhenEnabled(t *testing.T) {
	SetDebug(true)
	SetDebugDomains(nil)
	t.Cleanup(func() { SetDebug(false) })

	l, buf := captureLogger("monitor")
	l.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestDebugDomainFiltering(t *testing.T) {
	SetDebug(true)
	SetDebugDomains([]string{"executor"})
	t.Cleanup(func() {
		SetDebug(false)
		SetDebugDomains(nil)
	})

	require.True(t, DebugEnabledFor("executor"))
	require.False(t, DebugEnabledFor("monitor"))

	exec, execBuf := captureLogger("executor")
	mon, monBuf := captureLogger("monitor")
	exec.Debug("from executor")
	mon.Debug("from monitor")

	assert.Contains(t, execBuf.String(), "from executor")
	assert.Empty(t, monBuf.String())
}

func TestDebugStateFormat(t *testing.T) {
	SetDebug(true)
	SetDebugDomains(nil)
	t.Cleanup(func() { SetDebug(false) })

	l, buf := captureLogger("loop")
	l.DebugState("tick", "running", "3 agents")
	assert.Contains(t, buf.String(), "STATE tick -> running (3 agents)")
}
