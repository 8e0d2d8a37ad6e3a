// Package linesearch selects a step length along a descent direction.
//
// A search starts from an initial trial step. While no trial satisfies the
// sufficient-decrease (Armijo) condition the step is contracted by a fixed
// factor. When strong-Wolfe behaviour is requested and a trial satisfies
// Armijo but not the curvature condition, the step is either expanded or
// bracketed, and the bracket is shrunk by safeguarded interpolation until
// both conditions hold or the trial budget runs out.
package linesearch

import (
	"errors"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/descent/internal/optimization"
)

// Evaluator is the part of the objective contract the search needs.
type Evaluator interface {
	Value(x []float64) (float64, error)
	ValueGradient(x, grad []float64) (float64, error)
}

// Condition selects the acceptance test.
type Condition int

const (
	// Armijo accepts the first step giving sufficient decrease.
	Armijo Condition = iota
	// StrongWolfe additionally requires |g(x+αd)ᵀd| ≤ c2·|g(x)ᵀd|.
	StrongWolfe
)

func (c Condition) String() string {
	if c == StrongWolfe {
		return "strong-wolfe"
	}
	return "armijo"
}

// Params configures one search.
type Params struct {
	Condition   Condition
	C1          float64
	C2          float64
	MinStep     float64
	MaxStep     float64
	Contraction float64
	Expansion   float64
	MaxTrials   int
	// Logger receives one debug line per trial when non-nil.
	Logger *zap.Logger
}

// NewParams builds search parameters from settings. c2 is the method's
// curvature constant; a non-zero LineSearchSettings.C2 overrides it.
func NewParams(ls optimization.LineSearchSettings, cond Condition, c2 float64) Params {
	ls = ls.WithDefaults()
	if ls.C2 > 0 {
		c2 = ls.C2
	}
	return Params{
		Condition:   cond,
		C1:          ls.C1,
		C2:          c2,
		MinStep:     ls.MinStep,
		MaxStep:     ls.MaxStep,
		Contraction: ls.Contraction,
		Expansion:   ls.Expansion,
		MaxTrials:   ls.MaxTrials,
	}
}

// State is the record of one search. On success X, F and Grad describe the
// accepted point x + Step·d. On failure they describe the best point that
// satisfied Armijo, or the starting point when there was none (Step == 0).
type State struct {
	Step   float64
	X      []float64
	F      float64
	Grad   []float64
	Trials int
	// Lo and Hi are the bracket ends when Bracketed is set.
	Lo, Hi    float64
	Bracketed bool
}

// endpoint is a trial step with its value and directional derivative.
type endpoint struct {
	step, f, dg float64
	hasDeriv    bool
}

// Search looks for a step along d from x, where f = f(x) and g = ∇f(x).
// It returns ErrInvalidDirection when gᵀd ≥ 0, ErrLineSearchFailure (or
// ErrNonFiniteEvaluation when no trial was finite) when the budget runs
// out, and any error returned by the objective itself.
func Search(eval Evaluator, x []float64, f float64, g, d []float64, step float64, p Params) (*State, error) {
	const op = "Search"

	n := len(x)
	if len(g) != n || len(d) != n {
		return nil, optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"x, g and d lengths %d, %d, %d", n, len(g), len(d)).
			WithComponent("linesearch").WithOperation(op)
	}
	dg0 := floats.Dot(g, d)
	if !(dg0 < 0) {
		return nil, optimization.WrapErrorf(optimization.ErrInvalidDirection, "directional derivative %g", dg0).
			WithComponent("linesearch").WithOperation(op)
	}

	wolfe := p.Condition == StrongWolfe
	alpha := clamp(step, p.MinStep, p.MaxStep)

	st := &State{X: make([]float64, n), Grad: make([]float64, n)}
	xt := make([]float64, n)
	gt := make([]float64, n)

	lo := endpoint{step: 0, f: f, dg: dg0, hasDeriv: true}
	hi := endpoint{step: math.Inf(1)}
	haveLo := false
	finite := false

	accept := func(a, fa float64) {
		st.Step, st.F = a, fa
		copy(st.X, xt)
		copy(st.Grad, gt)
	}

	for st.Trials < p.MaxTrials {
		st.Trials++
		floats.AddScaledTo(xt, x, alpha, d)

		var ft float64
		var err error
		if wolfe {
			ft, err = eval.ValueGradient(xt, gt)
		} else {
			ft, err = eval.Value(xt)
		}
		if err != nil {
			if !errors.Is(err, optimization.ErrNonFiniteEvaluation) {
				return nil, err
			}
			p.trace("non-finite trial", st.Trials, alpha, ft)
			hi = endpoint{step: alpha, f: math.NaN()}
			alpha, err = p.next(lo, hi, haveLo)
			if err != nil {
				break
			}
			continue
		}
		finite = true
		p.trace("trial", st.Trials, alpha, ft)

		if ft > f+p.C1*alpha*dg0 || (haveLo && ft >= lo.f) {
			hi = endpoint{step: alpha, f: ft}
			if wolfe {
				hi.dg, hi.hasDeriv = floats.Dot(gt, d), true
			}
			alpha, err = p.next(lo, hi, haveLo)
			if err != nil {
				break
			}
			continue
		}

		if !wolfe {
			// Armijo holds; the gradient is only needed at the accepted point.
			if _, err := eval.ValueGradient(xt, gt); err != nil {
				if !errors.Is(err, optimization.ErrNonFiniteEvaluation) {
					return nil, err
				}
				hi = endpoint{step: alpha, f: math.NaN()}
				if alpha, err = p.next(lo, hi, haveLo); err != nil {
					break
				}
				continue
			}
			accept(alpha, ft)
			return st, nil
		}

		dg := floats.Dot(gt, d)
		if math.Abs(dg) <= p.C2*math.Abs(dg0) {
			accept(alpha, ft)
			st.Lo, st.Hi, st.Bracketed = lo.step, hi.step, !math.IsInf(hi.step, 1)
			return st, nil
		}

		// Armijo holds but the slope is still too steep.
		if math.IsInf(hi.step, 1) {
			if dg >= 0 {
				hi = lo
			}
		} else if dg*(hi.step-alpha) >= 0 {
			hi = lo
		}
		lo = endpoint{step: alpha, f: ft, dg: dg, hasDeriv: true}
		haveLo = true
		accept(alpha, ft)

		if alpha, err = p.next(lo, hi, haveLo); err != nil {
			break
		}
	}

	if !haveLo {
		st.Step, st.F = 0, f
		copy(st.X, x)
		copy(st.Grad, g)
	}
	st.Lo, st.Hi, st.Bracketed = lo.step, hi.step, !math.IsInf(hi.step, 1)

	cause := optimization.ErrLineSearchFailure
	if !finite {
		cause = optimization.ErrNonFiniteEvaluation
	}
	return st, optimization.WrapErrorf(cause, "no acceptable step after %d trials", st.Trials).
		WithComponent("linesearch").WithOperation(op)
}

// errExhausted stops a search whose step can no longer change.
var errExhausted = errors.New("step interval exhausted")

// next proposes the following trial step.
func (p Params) next(lo, hi endpoint, haveLo bool) (float64, error) {
	var alpha float64
	switch {
	case !haveLo:
		alpha = p.Contraction * hi.step
	case math.IsInf(hi.step, 1):
		if lo.step >= p.MaxStep {
			return 0, errExhausted
		}
		alpha = math.Min(p.Expansion*lo.step, p.MaxStep)
	default:
		a, b := math.Min(lo.step, hi.step), math.Max(lo.step, hi.step)
		if b-a <= 1e-14*b {
			return 0, errExhausted
		}
		alpha = interpolate(lo, hi)
		margin := 0.1 * (b - a)
		if !optimization.IsFinite(alpha) || alpha < a+margin || alpha > b-margin {
			alpha = 0.5 * (a + b)
		}
	}
	if alpha < p.MinStep {
		return 0, errExhausted
	}
	return alpha, nil
}

// interpolate returns the minimizer of the cubic through both endpoints
// when both slopes are known, of the quadratic through lo's value and slope
// and hi's value otherwise. Callers safeguard the result.
func interpolate(lo, hi endpoint) float64 {
	h := hi.step - lo.step
	if hi.hasDeriv && optimization.IsFinite(hi.f) {
		d1 := lo.dg + hi.dg - 3*(lo.f-hi.f)/(lo.step-hi.step)
		rad := d1*d1 - lo.dg*hi.dg
		if rad >= 0 {
			d2 := math.Copysign(math.Sqrt(rad), h)
			return hi.step - h*(hi.dg+d2-d1)/(hi.dg-lo.dg+2*d2)
		}
	}
	if optimization.IsFinite(hi.f) {
		den := 2 * (hi.f - lo.f - lo.dg*h)
		if den > 0 {
			return lo.step - lo.dg*h*h/den
		}
	}
	return math.NaN()
}

func (p Params) trace(msg string, trial int, alpha, f float64) {
	if p.Logger == nil {
		return
	}
	p.Logger.Debug(msg,
		zap.Int("trial", trial),
		zap.Float64("step", alpha),
		zap.Float64("f", f),
		zap.Stringer("condition", p.Condition),
	)
}

func clamp(v, lo, hi float64) float64 {
	if !(v > lo) {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
