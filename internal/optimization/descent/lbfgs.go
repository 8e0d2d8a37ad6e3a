package descent

import (
	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/descent/internal/optimization/linesearch"
)

// DefaultStore is the number of correction pairs L-BFGS keeps by default.
const DefaultStore = 10

// LBFGS is limited-memory BFGS. It keeps the Store most recent pairs
// (s, y) and applies the inverse-Hessian approximation with the two-loop
// recursion, scaling the initial matrix by γ = sᵀy / yᵀy of the newest pair.
type LBFGS struct {
	Store int
}

func (LBFGS) String() string { return "lbfgs" }

// NewStrategy implements Method.
func (l LBFGS) NewStrategy(dim int) Strategy {
	m := l.Store
	if m <= 0 {
		m = DefaultStore
	}
	st := &lbfgsStrategy{
		dim:   dim,
		s:     make([][]float64, m),
		y:     make([][]float64, m),
		rho:   make([]float64, m),
		alpha: make([]float64, m),
		ds:    make([]float64, dim),
		dy:    make([]float64, dim),
	}
	for i := range st.s {
		st.s[i] = make([]float64, dim)
		st.y[i] = make([]float64, dim)
	}
	return st
}

type lbfgsStrategy struct {
	dim   int
	s, y  [][]float64
	rho   []float64
	alpha []float64
	gamma float64

	// ds and dy hold a candidate pair until its curvature is checked.
	ds, dy []float64

	// head is the slot of the oldest pair; count is the number of pairs held.
	head, count int

	skipped int
}

func (l *lbfgsStrategy) Init(*Location) { l.Reset() }

func (l *lbfgsStrategy) Reset() {
	l.head, l.count = 0, 0
	l.gamma = 1
}

func (l *lbfgsStrategy) slot(i int) int { return (l.head + i) % len(l.s) }

func (l *lbfgsStrategy) Direction(dir []float64, loc *Location) {
	copy(dir, loc.Grad)
	for i := l.count - 1; i >= 0; i-- {
		k := l.slot(i)
		l.alpha[k] = l.rho[k] * floats.Dot(l.s[k], dir)
		floats.AddScaled(dir, -l.alpha[k], l.y[k])
	}
	floats.Scale(l.gamma, dir)
	for i := 0; i < l.count; i++ {
		k := l.slot(i)
		beta := l.rho[k] * floats.Dot(l.y[k], dir)
		floats.AddScaled(dir, l.alpha[k]-beta, l.s[k])
	}
	floats.Scale(-1, dir)

	if floats.Dot(dir, loc.Grad) >= 0 {
		l.Reset()
		floats.ScaleTo(dir, -1, loc.Grad)
	}
}

func (l *lbfgsStrategy) Update(prev, next *Location, _ []float64, _ float64) {
	floats.SubTo(l.ds, next.X, prev.X)
	floats.SubTo(l.dy, next.Grad, prev.Grad)
	sy := floats.Dot(l.ds, l.dy)
	if !(sy > 0) {
		l.skipped++
		return
	}

	k := l.head
	if l.count < len(l.s) {
		k = l.slot(l.count)
	}
	copy(l.s[k], l.ds)
	copy(l.y[k], l.dy)
	l.rho[k] = 1 / sy
	l.gamma = sy / floats.Dot(l.dy, l.dy)
	if l.count < len(l.s) {
		l.count++
	} else {
		l.head = (l.head + 1) % len(l.s)
	}
}

func (l *lbfgsStrategy) Search() (linesearch.Condition, float64) {
	return linesearch.StrongWolfe, quasiNewtonCurvature
}

func (l *lbfgsStrategy) InitialStep(_ *Location, _ []float64, _ float64) float64 {
	return 1
}

// Safeguards returns the number of skipped pairs.
func (l *lbfgsStrategy) Safeguards() int { return l.skipped }
