package descent

import (
	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/descent/internal/optimization"
	"github.com/copyleftdev/descent/internal/optimization/linesearch"
)

// StepPolicy selects how gradient descent chooses its step length.
type StepPolicy int

const (
	// LineSearchStep backtracks from the initial step until Armijo holds.
	LineSearchStep StepPolicy = iota
	// FixedStep always moves StepSize along −g without any acceptance test.
	FixedStep
)

// DefaultFixedStep is the step of FixedStep when StepSize is zero.
const DefaultFixedStep = 1e-3

// GradientDescent moves along d = −g.
type GradientDescent struct {
	Policy   StepPolicy
	StepSize float64
}

func (GradientDescent) String() string { return "gradient-descent" }

// NewStrategy implements Method.
func (gd GradientDescent) NewStrategy(int) Strategy {
	step := gd.StepSize
	if step <= 0 {
		step = DefaultFixedStep
	}
	return &gdStrategy{fixed: gd.Policy == FixedStep, step: step}
}

type gdStrategy struct {
	fixed bool
	step  float64
	mem   stepMemory
}

func (s *gdStrategy) Init(*Location) {}

func (s *gdStrategy) Direction(dir []float64, loc *Location) {
	floats.ScaleTo(dir, -1, loc.Grad)
}

func (s *gdStrategy) Update(prev, _ *Location, dir []float64, step float64) {
	s.mem.record(prev.Grad, dir, step)
}

func (s *gdStrategy) Reset() { s.mem = stepMemory{} }

func (s *gdStrategy) Search() (linesearch.Condition, float64) {
	return linesearch.Armijo, 0
}

func (s *gdStrategy) InitialStep(loc *Location, dir []float64, first float64) float64 {
	return s.mem.initial(loc.Grad, dir, first)
}

func (s *gdStrategy) FixedStep() (float64, bool) { return s.step, s.fixed }

// stepMemory carries the previous step into the next initial trial:
// α₀ = αₖ₋₁ · (gᵀd)ₖ₋₁ / (gᵀd)ₖ, which keeps the predicted first-order
// decrease constant between iterations.
type stepMemory struct {
	step float64
	dg   float64
}

func (m *stepMemory) record(g, dir []float64, step float64) {
	m.step = step
	m.dg = floats.Dot(g, dir)
}

func (m *stepMemory) initial(g, dir []float64, first float64) float64 {
	if m.step == 0 {
		return first
	}
	a := m.step * m.dg / floats.Dot(g, dir)
	if !(a > 0) || !optimization.IsFinite(a) {
		return first
	}
	return a
}
