package supervisor

import "time"

type State string

const (
	StateStarting  State = "starting"
	StateListening State = "listening"
	StateDraining  State = "draining"
	StateStopped   State = "stopped"
	StateCrashed   State = "crashed"
)

var transitions = map[State][]State{
	StateStarting:  {StateListening, StateDraining, StateCrashed},
	StateListening: {StateDraining, StateCrashed},
	StateDraining:  {StateStopped, StateCrashed},
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed
}

type Transition struct {
	From State
	To   State
	At   time.Time
	Err  error
}

// Process exit codes.
const (
	ExitClean        = 0
	ExitCrashed      = 1
	ExitConfig       = 2
	ExitPortInUse    = 3
	ExitDrainTimeout = 4
)

type Outcome struct {
	State    State
	ExitCode int
	Err      error
}
