package pipeline

import "fmt"

// State is a run's position in the coordinator state machine.
type State string

const (
	StateIdle      State = "Idle"
	StateStaging   State = "Staging"
	StateArchiving State = "Archiving"
	StateMerging   State = "Merging"
	StateDone      State = "Done"
	StateFailed    State = "Failed"
)

// transitions lists the legal successors of each state.
// Failed is reachable from every in-progress state; Done and Failed are terminal.
var transitions = map[State][]State{
	StateIdle:      {StateStaging},
	StateStaging:   {StateArchiving, StateFailed},
	StateArchiving: {StateMerging, StateFailed},
	StateMerging:   {StateDone, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stepState maps a step name to the state it runs in.
func stepState(step string) State {
	switch step {
	case StepRecover, StepStage:
		return StateStaging
	case StepArchive:
		return StateArchiving
	case StepMerge:
		return StateMerging
	}
	return StateIdle
}

type illegalTransitionError struct {
	from, to State
}

func (e *illegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.from, e.to)
}
