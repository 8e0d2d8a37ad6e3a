package descent

import (
	"errors"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/descent/internal/optimization/linesearch"
)

const (
	newtonInitialShift = 1e-3
	newtonShiftGrowth  = 10
	newtonMaxShifts    = 10
)

// Newton solves H·d = −g at every iterate. When H is not positive definite
// it is shifted by τI with τ growing geometrically; if no shift yields a
// factorization the step falls back to steepest descent.
type Newton struct{}

func (Newton) String() string { return "newton" }

// NewStrategy implements Method.
func (Newton) NewStrategy(dim int) Strategy {
	return &newtonStrategy{
		dim:     dim,
		shifted: mat.NewSymDense(dim, nil),
	}
}

type newtonStrategy struct {
	dim     int
	chol    mat.Cholesky
	shifted *mat.SymDense

	// fallbacks counts iterations that used steepest descent.
	fallbacks int
}

func (n *newtonStrategy) NeedsHessian() bool { return true }

func (n *newtonStrategy) Init(*Location) {}

func (n *newtonStrategy) Direction(dir []float64, loc *Location) {
	if n.solve(dir, loc) && floats.Dot(dir, loc.Grad) < 0 {
		return
	}
	n.fallbacks++
	floats.ScaleTo(dir, -1, loc.Grad)
}

// solve computes the (possibly shifted) Newton direction into dir.
func (n *newtonStrategy) solve(dir []float64, loc *Location) bool {
	if !n.factorize(loc.Hess) {
		return false
	}
	d := mat.NewVecDense(n.dim, dir)
	err := n.chol.SolveVecTo(d, mat.NewVecDense(n.dim, loc.Grad))
	var cond mat.Condition
	if err != nil && !errors.As(err, &cond) {
		return false
	}
	d.ScaleVec(-1, d)
	return !floats.HasNaN(dir)
}

func (n *newtonStrategy) factorize(h *mat.SymDense) bool {
	if n.chol.Factorize(h) {
		return true
	}
	tau := newtonInitialShift
	for i := 0; i < newtonMaxShifts; i++ {
		n.shifted.CopySym(h)
		for j := 0; j < n.dim; j++ {
			n.shifted.SetSym(j, j, n.shifted.At(j, j)+tau)
		}
		if n.chol.Factorize(n.shifted) {
			return true
		}
		tau *= newtonShiftGrowth
	}
	return false
}

func (n *newtonStrategy) Update(*Location, *Location, []float64, float64) {}

func (n *newtonStrategy) Reset() {}

func (n *newtonStrategy) Search() (linesearch.Condition, float64) {
	return linesearch.Armijo, 0
}

func (n *newtonStrategy) InitialStep(_ *Location, _ []float64, _ float64) float64 {
	return 1
}

// Safeguards returns the number of steepest-descent fallbacks.
func (n *newtonStrategy) Safeguards() int { return n.fallbacks }
