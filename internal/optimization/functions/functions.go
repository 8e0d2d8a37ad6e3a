// Package functions provides analytic benchmark objectives with exact
// gradients and Hessians. They are used by the service, the CLI and the
// tests of the descent methods.
package functions

import (
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/descent/internal/optimization"
)

// Function is a benchmark objective together with a conventional
// starting point and its known minimizer.
type Function struct {
	Name    string
	Problem optimization.Problem
	// Start returns the conventional starting point for dimension n.
	Start func(n int) []float64
	// Minimum returns the minimizer for dimension n.
	Minimum func(n int) []float64
	// Dim is the fixed dimension, or 0 when any n ≥ 1 is accepted.
	Dim int
}

// Sphere is f(x) = Σ xᵢ².
func Sphere() optimization.Problem {
	return optimization.Problem{
		Func: func(x []float64) (float64, error) {
			var f float64
			for _, v := range x {
				f += v * v
			}
			return f, nil
		},
		Grad: func(grad, x []float64) error {
			for i, v := range x {
				grad[i] = 2 * v
			}
			return nil
		},
		Hess: func(hess *mat.SymDense, x []float64) error {
			for i := range x {
				for j := i; j < len(x); j++ {
					hess.SetSym(i, j, 0)
				}
				hess.SetSym(i, i, 2)
			}
			return nil
		},
	}
}

// ShiftedQuadratic is f(x) = Σ (xᵢ − cᵢ)², minimized at c.
func ShiftedQuadratic(c []float64) optimization.Problem {
	sphere := Sphere()
	c = append([]float64(nil), c...)
	return optimization.Problem{
		Func: func(x []float64) (float64, error) {
			var f float64
			for i, v := range x {
				d := v - c[i]
				f += d * d
			}
			return f, nil
		},
		Grad: func(grad, x []float64) error {
			for i, v := range x {
				grad[i] = 2 * (v - c[i])
			}
			return nil
		},
		Hess: sphere.Hess,
	}
}

// Quadratic is f(x) = ½ xᵀAx − bᵀx for a symmetric positive definite A,
// minimized at A⁻¹b.
func Quadratic(a mat.Symmetric, b []float64) optimization.Problem {
	n := a.SymmetricDim()
	A := mat.NewSymDense(n, nil)
	A.CopySym(a)
	bv := mat.NewVecDense(n, append([]float64(nil), b...))

	return optimization.Problem{
		Func: func(x []float64) (float64, error) {
			xv := mat.NewVecDense(n, x)
			return 0.5*mat.Inner(xv, A, xv) - mat.Dot(bv, xv), nil
		},
		Grad: func(grad, x []float64) error {
			g := mat.NewVecDense(n, grad)
			g.MulVec(A, mat.NewVecDense(n, x))
			g.SubVec(g, bv)
			return nil
		},
		Hess: func(hess *mat.SymDense, _ []float64) error {
			hess.CopySym(A)
			return nil
		},
	}
}

// Rosenbrock is the extended Rosenbrock function
// f(x) = Σ 100(xᵢ₊₁ − xᵢ²)² + (1 − xᵢ)², minimized at (1, …, 1).
func Rosenbrock() optimization.Problem {
	return optimization.Problem{
		Func: func(x []float64) (float64, error) {
			var f float64
			for i := 0; i < len(x)-1; i++ {
				a := x[i+1] - x[i]*x[i]
				b := 1 - x[i]
				f += 100*a*a + b*b
			}
			return f, nil
		},
		Grad: func(grad, x []float64) error {
			for i := range grad {
				grad[i] = 0
			}
			for i := 0; i < len(x)-1; i++ {
				a := x[i+1] - x[i]*x[i]
				grad[i] += -400*x[i]*a - 2*(1-x[i])
				grad[i+1] += 200 * a
			}
			return nil
		},
		Hess: func(hess *mat.SymDense, x []float64) error {
			n := len(x)
			for i := 0; i < n; i++ {
				for j := i; j < n; j++ {
					hess.SetSym(i, j, 0)
				}
			}
			for i := 0; i < n-1; i++ {
				hess.SetSym(i, i, hess.At(i, i)+1200*x[i]*x[i]-400*x[i+1]+2)
				hess.SetSym(i, i+1, -400*x[i])
				hess.SetSym(i+1, i+1, hess.At(i+1, i+1)+200)
			}
			return nil
		},
	}
}

// Booth is f(x, y) = (x + 2y − 7)² + (2x + y − 5)², minimized at (1, 3).
func Booth() optimization.Problem {
	return optimization.Problem{
		Func: func(x []float64) (float64, error) {
			a := x[0] + 2*x[1] - 7
			b := 2*x[0] + x[1] - 5
			return a*a + b*b, nil
		},
		Grad: func(grad, x []float64) error {
			a := x[0] + 2*x[1] - 7
			b := 2*x[0] + x[1] - 5
			grad[0] = 2*a + 4*b
			grad[1] = 4*a + 2*b
			return nil
		},
		Hess: func(hess *mat.SymDense, _ []float64) error {
			hess.SetSym(0, 0, 10)
			hess.SetSym(0, 1, 8)
			hess.SetSym(1, 1, 10)
			return nil
		},
	}
}

// Beale is f(x, y) = (1.5 − x + xy)² + (2.25 − x + xy²)² + (2.625 − x + xy³)²,
// minimized at (3, 0.5).
func Beale() optimization.Problem {
	coef := [3]float64{1.5, 2.25, 2.625}
	return optimization.Problem{
		Func: func(x []float64) (float64, error) {
			var f float64
			yk := 1.0
			for _, c := range coef {
				yk *= x[1]
				t := c - x[0] + x[0]*yk
				f += t * t
			}
			return f, nil
		},
		Grad: func(grad, x []float64) error {
			grad[0], grad[1] = 0, 0
			for k, c := range coef {
				p := float64(k + 1)
				yk := pow(x[1], k+1)
				t := c - x[0] + x[0]*yk
				grad[0] += 2 * t * (yk - 1)
				grad[1] += 2 * t * x[0] * p * pow(x[1], k)
			}
			return nil
		},
		Hess: func(hess *mat.SymDense, x []float64) error {
			var h00, h01, h11 float64
			for k, c := range coef {
				p := float64(k + 1)
				yk := pow(x[1], k+1)
				t := c - x[0] + x[0]*yk
				dx := yk - 1
				dy := x[0] * p * pow(x[1], k)
				h00 += 2 * dx * dx
				h01 += 2*dy*dx + 2*t*p*pow(x[1], k)
				dyy := 0.0
				if k > 0 {
					dyy = x[0] * p * float64(k) * pow(x[1], k-1)
				}
				h11 += 2*dy*dy + 2*t*dyy
			}
			hess.SetSym(0, 0, h00)
			hess.SetSym(0, 1, h01)
			hess.SetSym(1, 1, h11)
			return nil
		},
	}
}

func pow(v float64, k int) float64 {
	r := 1.0
	for i := 0; i < k; i++ {
		r *= v
	}
	return r
}

func fill(v float64) func(int) []float64 {
	return func(n int) []float64 {
		x := make([]float64, n)
		for i := range x {
			x[i] = v
		}
		return x
	}
}

func fixed(v ...float64) func(int) []float64 {
	return func(int) []float64 { return append([]float64(nil), v...) }
}

var registry = map[string]Function{
	"sphere": {
		Name:    "sphere",
		Problem: Sphere(),
		Start:   fill(1),
		Minimum: fill(0),
	},
	"shifted-quadratic": {
		Name:    "shifted-quadratic",
		Problem: ShiftedQuadratic([]float64{3, -1}),
		Start:   fixed(0, 0),
		Minimum: fixed(3, -1),
		Dim:     2,
	},
	"rosenbrock": {
		Name:    "rosenbrock",
		Problem: Rosenbrock(),
		Start:   rosenbrockStart,
		Minimum: fill(1),
	},
	"booth": {
		Name:    "booth",
		Problem: Booth(),
		Start:   fixed(0, 0),
		Minimum: fixed(1, 3),
		Dim:     2,
	},
	"beale": {
		Name:    "beale",
		Problem: Beale(),
		Start:   fixed(1, 1),
		Minimum: fixed(3, 0.5),
		Dim:     2,
	},
}

// rosenbrockStart is the classic (−1.2, 1, −1.2, 1, …) starting point.
func rosenbrockStart(n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		if i%2 == 0 {
			x[i] = -1.2
		} else {
			x[i] = 1
		}
	}
	return x
}

// Lookup returns the benchmark registered under name.
func Lookup(name string) (Function, error) {
	fn, ok := registry[name]
	if !ok {
		return Function{}, optimization.NewErrorf("unknown objective %q", name).
			WithComponent("functions").WithOperation("Lookup")
	}
	return fn, nil
}

// Names returns the registered benchmark names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckDim reports whether n is a valid dimension for fn.
func (fn Function) CheckDim(n int) error {
	if n < 1 || (fn.Dim != 0 && n != fn.Dim) || (fn.Name == "rosenbrock" && n < 2) {
		return optimization.WrapErrorf(optimization.ErrDimensionMismatch, "%s does not accept dimension %d", fn.Name, n).
			WithComponent("functions").WithOperation("CheckDim")
	}
	return nil
}

// StartingPoint resolves the dimension and start of a run. A fixed-size
// objective ignores dim; otherwise dim defaults to len(x0), or 2. A non-nil
// x0 replaces the conventional start and must match the dimension.
func (fn Function) StartingPoint(dim int, x0 []float64) ([]float64, error) {
	n := dim
	switch {
	case fn.Dim != 0:
		n = fn.Dim
	case n == 0 && len(x0) > 0:
		n = len(x0)
	case n == 0:
		n = 2
	}
	if err := fn.CheckDim(n); err != nil {
		return nil, err
	}
	if x0 == nil {
		return fn.Start(n), nil
	}
	if len(x0) != n {
		return nil, optimization.WrapErrorf(optimization.ErrDimensionMismatch,
			"starting point has %d components, want %d", len(x0), n).
			WithComponent("functions").WithOperation("StartingPoint")
	}
	return append([]float64(nil), x0...), nil
}
