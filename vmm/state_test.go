package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransitionTable(t *testing.T) {
	allowed := [][2]State{
		{StateConstructing, StateSandboxed},
		{StateSandboxed, StateRunning},
		{StateSandboxed, StateRestoring},
		{StateSandboxed, StateStopped},
		{StateRestoring, StatePaused},
		{StateRestoring, StateStopped},
		{StateRunning, StatePausing},
		{StateRunning, StateStopped},
		{StatePausing, StatePaused},
		{StatePausing, StateStopped},
		{StatePaused, StateRunning},
		{StatePaused, StateSnapshotting},
		{StatePaused, StateStopped},
		{StateSnapshotting, StatePaused},
		{StateSnapshotting, StateStopped},
	}

	for _, tr := range allowed {
		assert.True(t, transitionAllowed(tr[0], tr[1]), "%v -> %v", tr[0], tr[1])
	}

	denied := [][2]State{
		{StateConstructing, StateRunning},
		{StateSandboxed, StatePaused},
		{StateRunning, StatePaused},
		{StateRunning, StateSnapshotting},
		{StatePausing, StateRunning},
		{StateSnapshotting, StateRunning},
		{StateStopped, StateRunning},
		{StateStopped, StateSandboxed},
		{StatePaused, StatePaused},
	}

	for _, tr := range denied {
		assert.False(t, transitionAllowed(tr[0], tr[1]), "%v -> %v", tr[0], tr[1])
	}
}

func TestStateStrings(t *testing.T) {
	states := []State{
		StateConstructing, StateSandboxed, StateRestoring, StateRunning,
		StatePausing, StatePaused, StateSnapshotting, StateStopped,
	}

	seen := make(map[string]bool)

	for _, s := range states {
		name := s.String()
		assert.NotEqual(t, "invalid", name)
		assert.False(t, seen[name], "duplicate name %q", name)
		seen[name] = true
	}

	assert.Equal(t, "invalid", State(99).String())
}
