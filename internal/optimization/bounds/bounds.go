// Package bounds applies box constraints by reparameterization. A bounded
// coordinate x is replaced by an unconstrained z:
//
//	both sides   z = log((x − l) / (u − x))
//	lower only   z = log(x − l)
//	upper only   z = −log(u − x)
//
// and the objective is minimized over z with the gradient carried through
// the diagonal Jacobian dx/dz.
package bounds

import (
	"math"

	"github.com/copyleftdev/descent/internal/optimization"
)

type kind int

const (
	free kind = iota
	lower
	upper
	both
)

// Transform maps between the constrained x-space and the free z-space.
type Transform struct {
	bounds []optimization.Bound
	kinds  []kind
}

// New returns the transform for b. Every bound must be non-empty.
func New(b []optimization.Bound) (*Transform, error) {
	const op = "bounds.New"

	t := &Transform{
		bounds: append([]optimization.Bound(nil), b...),
		kinds:  make([]kind, len(b)),
	}
	for i, bd := range b {
		if math.IsNaN(bd.Lower) || math.IsNaN(bd.Upper) || bd.Lower >= bd.Upper {
			return nil, optimization.WrapErrorf(optimization.ErrInvalidSettings,
				"bound %d is empty: [%g, %g]", i, bd.Lower, bd.Upper).
				WithComponent("bounds").WithOperation(op)
		}
		lo, hi := !math.IsInf(bd.Lower, -1), !math.IsInf(bd.Upper, 1)
		switch {
		case lo && hi:
			t.kinds[i] = both
		case lo:
			t.kinds[i] = lower
		case hi:
			t.kinds[i] = upper
		}
	}
	return t, nil
}

// Dim returns the number of coordinates.
func (t *Transform) Dim() int { return len(t.kinds) }

// ToFree maps x to z. x must lie strictly inside the box.
func (t *Transform) ToFree(z, x []float64) error {
	const op = "Transform.ToFree"

	if len(x) != t.Dim() || len(z) != t.Dim() {
		return optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"got lengths %d and %d, want %d", len(z), len(x), t.Dim()).
			WithComponent("bounds").WithOperation(op)
	}
	for i, v := range x {
		b := t.bounds[i]
		if t.kinds[i] != free && !(v > b.Lower && v < b.Upper) {
			return optimization.WrapErrorf(optimization.ErrOutOfBounds,
				"x[%d] = %g not inside (%g, %g)", i, v, b.Lower, b.Upper).
				WithComponent("bounds").WithOperation(op)
		}
		switch t.kinds[i] {
		case both:
			z[i] = math.Log(v-b.Lower) - math.Log(b.Upper-v)
		case lower:
			z[i] = math.Log(v - b.Lower)
		case upper:
			z[i] = -math.Log(b.Upper - v)
		default:
			z[i] = v
		}
	}
	return nil
}

// ToBounded maps z to x. Results are clamped into the closed box so that
// rounding at extreme z never leaves it.
func (t *Transform) ToBounded(x, z []float64) {
	for i, v := range z {
		b := t.bounds[i]
		switch t.kinds[i] {
		case both:
			// l + (u − l)·σ(z), written to stay finite for large |z|.
			var s float64
			if v >= 0 {
				s = 1 / (1 + math.Exp(-v))
			} else {
				e := math.Exp(v)
				s = e / (1 + e)
			}
			x[i] = math.Min(math.Max(b.Lower+(b.Upper-b.Lower)*s, b.Lower), b.Upper)
		case lower:
			x[i] = b.Lower + math.Exp(v)
		case upper:
			x[i] = b.Upper - math.Exp(-v)
		default:
			x[i] = v
		}
	}
}

// Jacobian stores the diagonal dx/dz at z into jac.
func (t *Transform) Jacobian(jac, z []float64) {
	for i, v := range z {
		b := t.bounds[i]
		switch t.kinds[i] {
		case both:
			// (u − l)·σ(z)·(1 − σ(z)) = (u − l)·e^{−|z|} / (1 + e^{−|z|})².
			e := math.Exp(-math.Abs(v))
			jac[i] = (b.Upper - b.Lower) * e / ((1 + e) * (1 + e))
		case lower:
			jac[i] = math.Exp(v)
		case upper:
			jac[i] = math.Exp(-v)
		default:
			jac[i] = 1
		}
	}
}

// Wrap returns the problem over z equivalent to p over x. Analytic
// gradients are chained through the Jacobian; an analytic Hessian is not
// carried over, so Hessian-based methods fall back to finite differences of
// the transformed gradient.
func (t *Transform) Wrap(p optimization.Problem) optimization.Problem {
	n := t.Dim()

	// Both closures allocate per call: finite-difference stencils may
	// invoke them from several goroutines.
	wrapped := optimization.Problem{
		Func: func(z []float64) (float64, error) {
			xs := make([]float64, n)
			t.ToBounded(xs, z)
			return p.Func(xs)
		},
	}
	if p.Grad != nil {
		wrapped.Grad = func(grad, z []float64) error {
			x := make([]float64, n)
			t.ToBounded(x, z)
			if err := p.Grad(grad, x); err != nil {
				return err
			}
			jac := make([]float64, n)
			t.Jacobian(jac, z)
			for i := range grad {
				grad[i] *= jac[i]
			}
			return nil
		}
	}
	return wrapped
}
