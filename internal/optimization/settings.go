package optimization

import (
	"math"

	"go.uber.org/zap"
)

// Defaults applied by DefaultSettings and WithDefaults.
const (
	DefaultMaxIterations      = 2000
	DefaultGradientTol        = 1e-8
	DefaultObjectiveChangeTol = 1e-8
	DefaultSolutionChangeTol  = 1e-14

	DefaultInitialStep = 1.0
	DefaultMinStep     = 1e-20
	DefaultMaxStep     = 1e10
	DefaultC1          = 1e-4
	DefaultContraction = 0.5
	DefaultExpansion   = 2.0
	DefaultMaxTrials   = 40
)

// Print levels for Settings.PrintLevel.
const (
	PrintNone = iota
	PrintIterations
	PrintLineSearch
	PrintVectors
)

// Bound is a box constraint on one coordinate. Use ±Inf for a missing side.
type Bound struct {
	Lower float64 `yaml:"lower"`
	Upper float64 `yaml:"upper"`
}

// Unbounded returns a bound with both sides open.
func Unbounded() Bound {
	return Bound{Lower: math.Inf(-1), Upper: math.Inf(1)}
}

// LineSearchSettings configures the step-length search. Zero values are
// replaced by defaults.
type LineSearchSettings struct {
	// InitialStep is the first trial step of gradient descent and
	// conjugate gradient.
	InitialStep float64 `yaml:"initial_step"`
	// MinStep and MaxStep bound every trial step.
	MinStep float64 `yaml:"min_step"`
	MaxStep float64 `yaml:"max_step"`
	// C1 is the sufficient-decrease constant.
	C1 float64 `yaml:"c1"`
	// C2 overrides the curvature constant requested by the method.
	C2 float64 `yaml:"c2"`
	// Contraction shrinks the step while no trial satisfied Armijo.
	Contraction float64 `yaml:"contraction"`
	// Expansion grows the step while the curvature condition asks for a
	// longer one and no upper bracket exists.
	Expansion float64 `yaml:"expansion"`
	// MaxTrials is the trial budget of one search.
	MaxTrials int `yaml:"max_trials"`
}

// Settings configures one optimization run. It is read-only to the engine.
type Settings struct {
	// MaxIterations caps the number of outer iterations.
	MaxIterations int `yaml:"max_iterations"`
	// GradientTol stops when ‖g‖∞ ≤ GradientTol.
	GradientTol float64 `yaml:"grad_err_tol"`
	// ObjectiveChangeTol stops when |fₖ − fₖ₋₁| / max(|fₖ₋₁|, 1) is below it.
	ObjectiveChangeTol float64 `yaml:"rel_objective_change_tol"`
	// SolutionChangeTol stops when ‖xₖ − xₖ₋₁‖∞ / max(‖xₖ₋₁‖∞, 1) is below it.
	SolutionChangeTol float64 `yaml:"rel_sol_change_tol"`
	// PrintLevel selects the diagnostics written to Logger.
	PrintLevel int `yaml:"iter_print_level"`
	// Bounds, when non-nil, applies box constraints by reparameterization.
	// It must have one entry per coordinate.
	Bounds []Bound `yaml:"bounds"`
	// LineSearch configures the step-length search.
	LineSearch LineSearchSettings `yaml:"line_search"`
	// Workers > 1 evaluates finite-difference stencils concurrently.
	Workers int `yaml:"workers"`
	// Logger receives the diagnostics. Nil discards them.
	Logger *zap.Logger `yaml:"-"`
}

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	s := &Settings{
		MaxIterations:      DefaultMaxIterations,
		GradientTol:        DefaultGradientTol,
		ObjectiveChangeTol: DefaultObjectiveChangeTol,
		SolutionChangeTol:  DefaultSolutionChangeTol,
	}
	s.LineSearch = s.LineSearch.WithDefaults()
	return s
}

// WithDefaults returns a copy of ls with zero fields replaced by defaults.
func (ls LineSearchSettings) WithDefaults() LineSearchSettings {
	if ls.InitialStep <= 0 {
		ls.InitialStep = DefaultInitialStep
	}
	if ls.MinStep <= 0 {
		ls.MinStep = DefaultMinStep
	}
	if ls.MaxStep <= 0 {
		ls.MaxStep = DefaultMaxStep
	}
	if ls.C1 <= 0 {
		ls.C1 = DefaultC1
	}
	if ls.Contraction <= 0 {
		ls.Contraction = DefaultContraction
	}
	if ls.Expansion <= 0 {
		ls.Expansion = DefaultExpansion
	}
	if ls.MaxTrials < 1 {
		ls.MaxTrials = DefaultMaxTrials
	}
	return ls
}

// WithDefaults returns a copy of s with an iteration cap, line-search
// defaults and a logger filled in. Tolerances are kept as given: a negative
// tolerance disables its criterion.
func (s Settings) WithDefaults() Settings {
	if s.MaxIterations < 1 {
		s.MaxIterations = DefaultMaxIterations
	}
	s.LineSearch = s.LineSearch.WithDefaults()
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	return s
}

// Validate checks s against a problem of dimension dim.
func (s *Settings) Validate(dim int) error {
	const op = "Settings.Validate"

	fail := func(format string, args ...interface{}) error {
		return WrapErrorf(ErrInvalidSettings, format, args...).
			WithComponent("settings").WithOperation(op)
	}

	ls := s.LineSearch.WithDefaults()
	switch {
	case s.Workers < 0:
		return fail("workers must not be negative, got %d", s.Workers)
	case ls.MinStep >= ls.MaxStep:
		return fail("min step %g must be below max step %g", ls.MinStep, ls.MaxStep)
	case ls.C1 >= 1:
		return fail("c1 must lie in (0, 1), got %g", ls.C1)
	case ls.C2 < 0 || ls.C2 >= 1:
		return fail("c2 must lie in (c1, 1), got %g", ls.C2)
	case ls.C2 > 0 && ls.C2 <= ls.C1:
		return fail("c2 %g must exceed c1 %g", ls.C2, ls.C1)
	case ls.Contraction >= 1:
		return fail("contraction must lie in (0, 1), got %g", ls.Contraction)
	case ls.Expansion <= 1:
		return fail("expansion must exceed 1, got %g", ls.Expansion)
	}

	if s.Bounds != nil {
		if len(s.Bounds) != dim {
			return WrapErrorf(ErrDimensionMismatch, "got %d bounds for dimension %d", len(s.Bounds), dim).
				WithComponent("settings").WithOperation(op)
		}
		for i, b := range s.Bounds {
			if math.IsNaN(b.Lower) || math.IsNaN(b.Upper) || b.Lower >= b.Upper {
				return fail("bound %d is empty: [%g, %g]", i, b.Lower, b.Upper)
			}
		}
	}
	return nil
}
