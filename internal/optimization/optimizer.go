package optimization

// Minimizer is the run entry point exposed to collaborators. Constrained
// wrappers call it repeatedly with transformed objectives and read the
// Result back to drive their own outer loop.
type Minimizer interface {
	// Minimize runs one optimization from x0. x0 is not modified.
	Minimize(p Problem, x0 []float64, s *Settings) (*Result, error)
}

// Status is the termination reason of a run.
type Status int

const (
	// NotTerminated marks a run still iterating.
	NotTerminated Status = iota
	// Converged means a convergence criterion was met.
	Converged
	// MaxIterationsReached means the iteration cap stopped the run. It is
	// a non-convergent outcome, not an error.
	MaxIterationsReached
	// LineSearchFailed means no acceptable step was found, even along the
	// steepest-descent fallback.
	LineSearchFailed
	// NonFiniteEvaluation means the objective kept producing NaN or Inf.
	NonFiniteEvaluation
	// Failed means an unrecoverable fault: an invalid search direction or
	// an error returned by the objective.
	Failed
)

var statusStrings = map[Status]string{
	NotTerminated:        "NotTerminated",
	Converged:            "Converged",
	MaxIterationsReached: "MaxIterationsReached",
	LineSearchFailed:     "LineSearchFailed",
	NonFiniteEvaluation:  "NonFiniteEvaluation",
	Failed:               "Failed",
}

func (s Status) String() string {
	str, ok := statusStrings[s]
	if !ok {
		return "UnknownStatus"
	}
	return str
}

// Criterion identifies the convergence test that fired.
type Criterion int

const (
	NoCriterion Criterion = iota
	GradientNorm
	ObjectiveChange
	SolutionChange
)

func (c Criterion) String() string {
	switch c {
	case GradientNorm:
		return "GradientNorm"
	case ObjectiveChange:
		return "ObjectiveChange"
	case SolutionChange:
		return "SolutionChange"
	default:
		return "None"
	}
}

// Result is produced once per run and not modified afterwards.
type Result struct {
	// X is the final point and F its objective value.
	X []float64
	F float64
	// Gradient is the gradient at X.
	Gradient []float64
	// Iterations is the number of completed outer iterations.
	Iterations int
	// Status is the termination reason and Criterion the convergence
	// test that fired, if any.
	Status    Status
	Criterion Criterion
	// Converged is Status == Converged.
	Converged bool
	// Evaluations counts calls into the caller's functions.
	Evaluations Evaluations
	// Method names the direction strategy.
	Method string
}
