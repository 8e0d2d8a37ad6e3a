// Package numdiff approximates gradients and Hessians by finite differences.
//
// It is the fallback used when an objective is bound without analytic
// derivatives. The gradient uses a central stencil
//
//	gᵢ ≈ (f(x + hᵢeᵢ) − f(x − hᵢeᵢ)) / 2hᵢ,  hᵢ = ε^⅓ · max(|xᵢ|, 1)
//
// and the Hessian a forward difference of the gradient with the same step.
// Every perturbed evaluation works on its own copy of x, so the stencils can
// be spread over several goroutines without changing the result.
package numdiff

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// cubeEps is the cube root of the float64 machine epsilon.
var cubeEps = math.Cbrt(math.Nextafter(1, 2) - 1)

// Func evaluates a scalar objective.
type Func func(x []float64) (float64, error)

// GradFunc evaluates a gradient into grad.
type GradFunc func(grad, x []float64) error

// Settings controls the evaluation of the stencils.
type Settings struct {
	// Workers is the number of goroutines evaluating stencil points.
	// Values below 2 evaluate sequentially.
	Workers int
}

// Step returns the finite-difference step for a coordinate with value x.
func Step(x float64) float64 {
	return cubeEps * math.Max(math.Abs(x), 1)
}

func workers(s *Settings) int {
	if s == nil || s.Workers < 2 {
		return 1
	}
	return s.Workers
}

// Gradient stores the central-difference gradient of f at x into dst and
// returns the number of evaluations of f. The values written to dst may be
// non-finite when f is; callers decide how to treat that.
func Gradient(dst []float64, f Func, x []float64, s *Settings) (int, error) {
	n := len(x)
	if len(dst) != n {
		return 0, fmt.Errorf("numdiff: gradient length %d, want %d", len(dst), n)
	}

	central := func(i int, xi []float64) error {
		h := Step(x[i])
		xi[i] = x[i] + h
		fp, err := f(xi)
		if err != nil {
			return err
		}
		xi[i] = x[i] - h
		fm, err := f(xi)
		if err != nil {
			return err
		}
		xi[i] = x[i]
		dst[i] = (fp - fm) / (2 * h)
		return nil
	}

	if w := workers(s); w > 1 {
		var g errgroup.Group
		g.SetLimit(w)
		for i := 0; i < n; i++ {
			i := i
			g.Go(func() error {
				return central(i, append([]float64(nil), x...))
			})
		}
		return 2 * n, g.Wait()
	}

	work := append([]float64(nil), x...)
	for i := 0; i < n; i++ {
		if err := central(i, work); err != nil {
			return 2 * i, err
		}
	}
	return 2 * n, nil
}

// Hessian stores a forward-difference approximation of the Hessian of the
// function whose gradient is grad into dst, symmetrized as (H + Hᵀ)/2. It
// returns the number of gradient evaluations, n+1.
func Hessian(dst *mat.SymDense, grad GradFunc, x []float64, s *Settings) (int, error) {
	n := len(x)
	if dst == nil || dst.SymmetricDim() != n {
		return 0, fmt.Errorf("numdiff: hessian must be %dx%d", n, n)
	}

	g0 := make([]float64, n)
	if err := grad(g0, x); err != nil {
		return 1, err
	}

	cols := mat.NewDense(n, n, nil)
	column := func(j int, xj, gj []float64) error {
		h := Step(x[j])
		xj[j] = x[j] + h
		if err := grad(gj, xj); err != nil {
			return err
		}
		xj[j] = x[j]
		for i := 0; i < n; i++ {
			cols.Set(i, j, (gj[i]-g0[i])/h)
		}
		return nil
	}

	if w := workers(s); w > 1 {
		var g errgroup.Group
		g.SetLimit(w)
		for j := 0; j < n; j++ {
			j := j
			g.Go(func() error {
				return column(j, append([]float64(nil), x...), make([]float64, n))
			})
		}
		if err := g.Wait(); err != nil {
			return n + 1, err
		}
	} else {
		xj := append([]float64(nil), x...)
		gj := make([]float64, n)
		for j := 0; j < n; j++ {
			if err := column(j, xj, gj); err != nil {
				return j + 2, err
			}
		}
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			dst.SetSym(i, j, 0.5*(cols.At(i, j)+cols.At(j, i)))
		}
	}
	return n + 1, nil
}
