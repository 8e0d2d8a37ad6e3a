package descent

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/descent/internal/optimization/linesearch"
)

// quasiNewtonCurvature is the strong-Wolfe constant of BFGS and L-BFGS.
const quasiNewtonCurvature = 0.9

// BFGS maintains a dense approximation of the inverse Hessian and moves
// along d = −H·g. Pairs with sᵀy ≤ 0 are skipped so that H stays positive
// definite.
type BFGS struct{}

func (BFGS) String() string { return "bfgs" }

// NewStrategy implements Method.
func (BFGS) NewStrategy(dim int) Strategy {
	return &bfgsStrategy{
		dim:  dim,
		invH: mat.NewSymDense(dim, nil),
		s:    mat.NewVecDense(dim, nil),
		y:    mat.NewVecDense(dim, nil),
		hy:   mat.NewVecDense(dim, nil),
	}
}

type bfgsStrategy struct {
	dim   int
	invH  *mat.SymDense
	s, y  *mat.VecDense
	hy    *mat.VecDense
	first bool

	// skipped counts pairs rejected for non-positive curvature.
	skipped int
}

func (b *bfgsStrategy) Init(*Location) { b.Reset() }

func (b *bfgsStrategy) Reset() {
	for i := 0; i < b.dim; i++ {
		for j := i; j < b.dim; j++ {
			v := 0.0
			if i == j {
				v = 1
			}
			b.invH.SetSym(i, j, v)
		}
	}
	b.first = true
}

func (b *bfgsStrategy) Direction(dir []float64, loc *Location) {
	d := mat.NewVecDense(b.dim, dir)
	d.MulVec(b.invH, mat.NewVecDense(b.dim, loc.Grad))
	d.ScaleVec(-1, d)
	if floats.Dot(dir, loc.Grad) >= 0 {
		b.Reset()
		floats.ScaleTo(dir, -1, loc.Grad)
	}
}

func (b *bfgsStrategy) Update(prev, next *Location, _ []float64, _ float64) {
	for i := 0; i < b.dim; i++ {
		b.s.SetVec(i, next.X[i]-prev.X[i])
		b.y.SetVec(i, next.Grad[i]-prev.Grad[i])
	}
	sy := mat.Dot(b.s, b.y)
	if !(sy > 0) {
		b.skipped++
		return
	}
	if b.first {
		// Scale H₀ so that its size matches the observed curvature.
		b.invH.ScaleSym(sy/mat.Dot(b.y, b.y), b.invH)
		b.first = false
	}

	// H ← (I − ρsyᵀ) H (I − ρysᵀ) + ρssᵀ expanded into rank updates:
	// H + (ρ + ρ²yᵀHy) ssᵀ − ρ (Hy sᵀ + s (Hy)ᵀ).
	rho := 1 / sy
	b.hy.MulVec(b.invH, b.y)
	yhy := mat.Dot(b.y, b.hy)
	b.invH.SymRankOne(b.invH, rho+rho*rho*yhy, b.s)
	b.invH.RankTwo(b.invH, -rho, b.hy, b.s)
}

func (b *bfgsStrategy) Search() (linesearch.Condition, float64) {
	return linesearch.StrongWolfe, quasiNewtonCurvature
}

func (b *bfgsStrategy) InitialStep(_ *Location, _ []float64, _ float64) float64 {
	return 1
}

// Safeguards returns the number of skipped updates.
func (b *bfgsStrategy) Safeguards() int { return b.skipped }
