package descent

import "github.com/copyleftdev/descent/internal/optimization"

// State is the phase of the outer loop.
type State int

const (
	Initialized State = iota
	Iterating
	Converged
	MaxIterationsReached
	Failed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case Iterating:
		return "Iterating"
	case Converged:
		return "Converged"
	case MaxIterationsReached:
		return "MaxIterationsReached"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// StateOf maps a termination reason to the terminal state of the loop.
// Line-search and evaluation failures end in Failed.
func StateOf(s optimization.Status) State {
	switch s {
	case optimization.NotTerminated:
		return Iterating
	case optimization.Converged:
		return Converged
	case optimization.MaxIterationsReached:
		return MaxIterationsReached
	default:
		return Failed
	}
}
