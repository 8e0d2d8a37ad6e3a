// Package convergence implements the stopping rules shared by every descent
// method. The monitor is a pure function of its input: it never keeps state
// between iterations.
package convergence

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/descent/internal/optimization"
)

// Input is the snapshot the monitor inspects after an outer iteration.
// XPrev is nil at the initial point, where only the gradient test applies.
type Input struct {
	Iteration int
	F         float64
	FPrev     float64
	X         []float64
	XPrev     []float64
	Grad      []float64
}

// GradientNorm returns ‖g‖∞.
func GradientNorm(g []float64) float64 {
	return floats.Norm(g, math.Inf(1))
}

// ObjectiveChange returns |f − fPrev| / max(|fPrev|, 1).
func ObjectiveChange(f, fPrev float64) float64 {
	return math.Abs(f-fPrev) / math.Max(math.Abs(fPrev), 1)
}

// SolutionChange returns ‖x − xPrev‖∞ / max(‖xPrev‖∞, 1).
func SolutionChange(x, xPrev []float64) float64 {
	inf := math.Inf(1)
	return floats.Distance(x, xPrev, inf) / math.Max(floats.Norm(xPrev, inf), 1)
}

// Check evaluates the stopping rules. Convergence takes precedence over the
// iteration cap. It returns NotTerminated while the run should continue.
func Check(in Input, s *optimization.Settings) (optimization.Status, optimization.Criterion) {
	if s.GradientTol >= 0 && GradientNorm(in.Grad) <= s.GradientTol {
		return optimization.Converged, optimization.GradientNorm
	}
	if in.XPrev != nil {
		if s.ObjectiveChangeTol >= 0 && ObjectiveChange(in.F, in.FPrev) <= s.ObjectiveChangeTol {
			return optimization.Converged, optimization.ObjectiveChange
		}
		if s.SolutionChangeTol >= 0 && SolutionChange(in.X, in.XPrev) <= s.SolutionChangeTol {
			return optimization.Converged, optimization.SolutionChange
		}
	}
	if s.MaxIterations > 0 && in.Iteration >= s.MaxIterations {
		return optimization.MaxIterationsReached, optimization.NoCriterion
	}
	return optimization.NotTerminated, optimization.NoCriterion
}
