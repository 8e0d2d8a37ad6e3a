package optimization

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/descent/internal/optimization/numdiff"
)

// ObjectiveFunc evaluates the objective at x. It must not retain or modify x.
// Caller context is captured by closure and is read-only to the engine.
type ObjectiveFunc func(x []float64) (float64, error)

// GradientFunc stores the gradient of the objective at x into grad.
type GradientFunc func(grad, x []float64) error

// HessianFunc stores the Hessian of the objective at x into hess.
type HessianFunc func(hess *mat.SymDense, x []float64) error

// Problem is an unbound objective. Func is required; Grad and Hess are
// optional and fall back to finite differences when absent.
type Problem struct {
	Func ObjectiveFunc
	Grad GradientFunc
	Hess HessianFunc
}

// Capability describes which derivatives a Problem supplies analytically.
type Capability int

const (
	ValueOnly Capability = iota
	ValueGradient
	ValueGradientHessian
)

func (c Capability) String() string {
	switch c {
	case ValueOnly:
		return "value"
	case ValueGradient:
		return "value+gradient"
	case ValueGradientHessian:
		return "value+gradient+hessian"
	default:
		return "unknown"
	}
}

// Capability reports the analytic derivatives of p. A Hessian without a
// gradient is treated as value-only.
func (p Problem) Capability() Capability {
	switch {
	case p.Grad != nil && p.Hess != nil:
		return ValueGradientHessian
	case p.Grad != nil:
		return ValueGradient
	default:
		return ValueOnly
	}
}

// Evaluations counts calls into the caller-supplied functions, including
// the ones made by finite-difference stencils.
type Evaluations struct {
	Func int
	Grad int
	Hess int
}

// Objective is a Problem bound to a fixed dimension for one run. The
// derivative paths are selected once in Bind. An Objective is owned by a
// single run and must not be shared between goroutines.
type Objective struct {
	dim        int
	capability Capability
	fn         ObjectiveFunc

	// grad and hess return the number of Func and Grad calls they made.
	grad func(grad, x []float64) (funcs int, err error)
	hess func(hess *mat.SymDense, x []float64) (funcs, grads int, err error)

	evals Evaluations
}

// Bind validates p and fixes its dimension. Missing derivatives are bound to
// the numerical fallback; workers > 1 spreads the stencils over goroutines.
func Bind(p Problem, dim, workers int) (*Objective, error) {
	const op = "Bind"

	if p.Func == nil {
		return nil, WrapError(ErrInvalidProblem, "objective function is required").
			WithComponent("objective").WithOperation(op)
	}
	if dim < 1 {
		return nil, WrapErrorf(ErrDimensionMismatch, "dimension must be positive, got %d", dim).
			WithComponent("objective").WithOperation(op)
	}

	o := &Objective{
		dim:        dim,
		capability: p.Capability(),
		fn:         p.Func,
	}
	diff := &numdiff.Settings{Workers: workers}

	if p.Grad != nil {
		o.grad = func(grad, x []float64) (int, error) {
			return 0, p.Grad(grad, x)
		}
	} else {
		o.grad = func(grad, x []float64) (int, error) {
			return numdiff.Gradient(grad, numdiff.Func(p.Func), x, diff)
		}
	}

	if o.capability == ValueGradientHessian {
		o.hess = func(hess *mat.SymDense, x []float64) (int, int, error) {
			return 0, 0, p.Hess(hess, x)
		}
	} else {
		perGrad := 0
		if p.Grad == nil {
			perGrad = 2 * dim
		}
		o.hess = func(hess *mat.SymDense, x []float64) (int, int, error) {
			grads, err := numdiff.Hessian(hess, func(g, x []float64) error {
				_, err := o.grad(g, x)
				return err
			}, x, diff)
			return grads * perGrad, grads, err
		}
	}
	return o, nil
}

// Dim returns the bound dimension.
func (o *Objective) Dim() int { return o.dim }

// Capability returns the analytic capability detected at bind time.
func (o *Objective) Capability() Capability { return o.capability }

// Evaluations returns the evaluation counters accumulated so far.
func (o *Objective) Evaluations() Evaluations { return o.evals }

// Value evaluates the objective at x.
func (o *Objective) Value(x []float64) (float64, error) {
	const op = "Value"

	if len(x) != o.dim {
		return math.NaN(), o.dimErr(op, len(x))
	}
	o.evals.Func++
	f, err := o.fn(x)
	if err != nil {
		return f, WrapError(err, "objective function failed").
			WithComponent("objective").WithOperation(op)
	}
	if !IsFinite(f) {
		return f, WrapErrorf(ErrNonFiniteEvaluation, "objective value %v", f).
			WithComponent("objective").WithOperation(op)
	}
	return f, nil
}

// ValueGradient evaluates the objective at x and stores the gradient in grad.
func (o *Objective) ValueGradient(x, grad []float64) (float64, error) {
	const op = "ValueGradient"

	if len(grad) != o.dim {
		return math.NaN(), o.dimErr(op, len(grad))
	}
	f, err := o.Value(x)
	if err != nil {
		return f, err
	}
	o.evals.Grad++
	funcs, err := o.grad(grad, x)
	o.evals.Func += funcs
	if err != nil {
		return f, WrapError(err, "gradient evaluation failed").
			WithComponent("objective").WithOperation(op)
	}
	if !AllFinite(grad) {
		return f, WrapError(ErrNonFiniteEvaluation, "gradient has non-finite components").
			WithComponent("objective").WithOperation(op)
	}
	return f, nil
}

// Hessian stores the Hessian of the objective at x into hess.
func (o *Objective) Hessian(x []float64, hess *mat.SymDense) error {
	const op = "Hessian"

	if len(x) != o.dim {
		return o.dimErr(op, len(x))
	}
	if hess == nil || hess.SymmetricDim() != o.dim {
		return WrapErrorf(ErrDimensionMismatch, "hessian must be %dx%d", o.dim, o.dim).
			WithComponent("objective").WithOperation(op)
	}
	o.evals.Hess++
	funcs, grads, err := o.hess(hess, x)
	o.evals.Func += funcs
	o.evals.Grad += grads
	if err != nil {
		return WrapError(err, "hessian evaluation failed").
			WithComponent("objective").WithOperation(op)
	}
	for i := 0; i < o.dim; i++ {
		for j := i; j < o.dim; j++ {
			if !IsFinite(hess.At(i, j)) {
				return WrapError(ErrNonFiniteEvaluation, "hessian has non-finite entries").
					WithComponent("objective").WithOperation(op)
			}
		}
	}
	return nil
}

func (o *Objective) dimErr(op string, got int) error {
	return WrapErrorf(ErrDimensionMismatch, "got length %d, want %d", got, o.dim).
		WithComponent("objective").WithOperation(op)
}

// IsFinite reports whether v is neither NaN nor an infinity.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AllFinite reports whether every element of s is finite.
func AllFinite(s []float64) bool {
	for _, v := range s {
		if !IsFinite(v) {
			return false
		}
	}
	return true
}
