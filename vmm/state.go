package vmm

import "github.com/pkg/errors"

// State is the lifecycle state of the whole instance. Transitions only
// happen under the orchestrator's lock, one at a time.
type State int

const (
	// StateConstructing: resources are being acquired, nothing executes.
	StateConstructing State = iota
	// StateSandboxed: the seccomp gate has fired; still nothing executes.
	StateSandboxed
	// StateRestoring: a snapshot stream is being applied.
	StateRestoring
	// StateRunning: vCPU threads and the reactor are live.
	StateRunning
	// StatePausing: a pause was requested and domains are parking.
	StatePausing
	// StatePaused: every execution domain is provably parked.
	StatePaused
	// StateSnapshotting: serializing out of a paused instance.
	StateSnapshotting
	// StateStopped: terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructing:
		return "constructing"
	case StateSandboxed:
		return "sandboxed"
	case StateRestoring:
		return "restoring"
	case StateRunning:
		return "running"
	case StatePausing:
		return "pausing"
	case StatePaused:
		return "paused"
	case StateSnapshotting:
		return "snapshotting"
	case StateStopped:
		return "stopped"
	}

	return "invalid"
}

// ErrInvalidTransition is returned when an operation is not legal in the
// current state.
var ErrInvalidTransition = errors.New("vmm: invalid state transition")

var allowedTransitions = map[State][]State{
	StateConstructing: {StateSandboxed},
	StateSandboxed:    {StateRunning, StateRestoring, StateStopped},
	StateRestoring:    {StatePaused, StateStopped},
	StateRunning:      {StatePausing, StateStopped},
	StatePausing:      {StatePaused, StateStopped},
	StatePaused:       {StateRunning, StateSnapshotting, StateStopped},
	StateSnapshotting: {StatePaused, StateStopped},
	StateStopped:      {},
}

func transitionAllowed(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// transition moves the instance to next or fails without side effects.
// Callers hold v.mu.
func (v *VMM) transition(next State) error {
	if !transitionAllowed(v.state, next) {
		return errors.Wrapf(ErrInvalidTransition, "%v -> %v", v.state, next)
	}

	v.log.WithFields(map[string]interface{}{
		"from": v.state.String(),
		"to":   next.String(),
	}).Debug("state transition")

	v.state = next

	return nil
}
