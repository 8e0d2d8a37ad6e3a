package descent

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/descent/internal/optimization"
	"github.com/copyleftdev/descent/internal/optimization/linesearch"
)

// CGVariant selects the formula for the conjugacy coefficient βₖ.
type CGVariant int

const (
	PolakRibiere CGVariant = iota
	FletcherReeves
	HestenesStiefel
	DaiYuan
)

func (v CGVariant) String() string {
	switch v {
	case PolakRibiere:
		return "polak-ribiere"
	case FletcherReeves:
		return "fletcher-reeves"
	case HestenesStiefel:
		return "hestenes-stiefel"
	case DaiYuan:
		return "dai-yuan"
	default:
		return "unknown"
	}
}

const (
	// cgCurvature is the strong-Wolfe constant used by conjugate gradient.
	cgCurvature = 0.1
	// cgOrthogonality triggers Powell's restart when successive gradients
	// are far from orthogonal: |gₖᵀgₖ₋₁| ≥ ν‖gₖ‖².
	cgOrthogonality = 0.1
)

// ConjugateGradient is nonlinear conjugate gradient, dₖ = −gₖ + βₖdₖ₋₁.
// Whenever βₖ < 0, successive gradients lose orthogonality, or the combined
// direction is not a descent direction, the method restarts from steepest
// descent.
type ConjugateGradient struct {
	Variant CGVariant
}

func (cg ConjugateGradient) String() string { return "conjugate-gradient" }

// NewStrategy implements Method.
func (cg ConjugateGradient) NewStrategy(dim int) Strategy {
	return &cgStrategy{
		variant: cg.Variant,
		prevDir: make([]float64, dim),
		y:       make([]float64, dim),
	}
}

type cgStrategy struct {
	variant CGVariant
	prevDir []float64
	y       []float64
	beta    float64
	steep   bool
	mem     stepMemory

	// restarts counts directions replaced by steepest descent.
	restarts int
}

func (s *cgStrategy) Init(*Location) { s.steep = true }

func (s *cgStrategy) Direction(dir []float64, loc *Location) {
	if s.steep || s.beta == 0 {
		floats.ScaleTo(dir, -1, loc.Grad)
		return
	}
	floats.AddScaledTo(dir, floats.ScaleTo(dir, -1, loc.Grad), s.beta, s.prevDir)
	if floats.Dot(dir, loc.Grad) >= 0 {
		s.restarts++
		floats.ScaleTo(dir, -1, loc.Grad)
	}
}

func (s *cgStrategy) Update(prev, next *Location, dir []float64, step float64) {
	s.mem.record(prev.Grad, dir, step)
	copy(s.prevDir, dir)
	floats.SubTo(s.y, next.Grad, prev.Grad)

	s.beta = s.coefficient(next.Grad, prev.Grad, dir)
	switch {
	case s.beta < 0:
		s.restarts++
		s.beta = 0
	case !(s.beta > 0) || !optimization.IsFinite(s.beta):
		s.beta = 0
	case math.Abs(floats.Dot(next.Grad, prev.Grad)) >= cgOrthogonality*floats.Dot(next.Grad, next.Grad):
		s.restarts++
		s.beta = 0
	}
	s.steep = false
}

// coefficient returns the raw βₖ for the configured variant.
func (s *cgStrategy) coefficient(g, gPrev, dPrev []float64) float64 {
	switch s.variant {
	case FletcherReeves:
		return floats.Dot(g, g) / floats.Dot(gPrev, gPrev)
	case HestenesStiefel:
		return floats.Dot(g, s.y) / floats.Dot(dPrev, s.y)
	case DaiYuan:
		return floats.Dot(g, g) / floats.Dot(dPrev, s.y)
	default:
		return floats.Dot(g, s.y) / floats.Dot(gPrev, gPrev)
	}
}

func (s *cgStrategy) Reset() {
	s.steep = true
	s.beta = 0
	s.mem = stepMemory{}
}

func (s *cgStrategy) Search() (linesearch.Condition, float64) {
	return linesearch.StrongWolfe, cgCurvature
}

func (s *cgStrategy) InitialStep(loc *Location, dir []float64, first float64) float64 {
	return s.mem.initial(loc.Grad, dir, first)
}

// Safeguards returns the number of steepest-descent restarts.
func (s *cgStrategy) Safeguards() int { return s.restarts }
