package functions

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/descent/internal/optimization"
	"github.com/copyleftdev/descent/internal/optimization/numdiff"
)

func spd() mat.Symmetric {
	return mat.NewSymDense(3, []float64{
		4, 1, 0,
		1, 3, 1,
		0, 1, 2,
	})
}

func TestDerivativesMatchFiniteDifferences(t *testing.T) {
	problems := map[string]struct {
		p   optimization.Problem
		dim int
	}{
		"sphere":            {Sphere(), 4},
		"shifted-quadratic": {ShiftedQuadratic([]float64{1, -2, 3}), 3},
		"quadratic":         {Quadratic(spd(), []float64{1, 0, -1}), 3},
		"rosenbrock":        {Rosenbrock(), 5},
		"booth":             {Booth(), 2},
		"beale":             {Beale(), 2},
	}
	rng := rand.New(rand.NewSource(7))

	for name, tt := range problems {
		t.Run(name, func(t *testing.T) {
			for trial := 0; trial < 10; trial++ {
				x := make([]float64, tt.dim)
				for i := range x {
					x[i] = rng.Float64()*2 - 1
				}

				grad := make([]float64, tt.dim)
				require.NoError(t, tt.p.Grad(grad, x))
				want := make([]float64, tt.dim)
				_, err := numdiff.Gradient(want, numdiff.Func(tt.p.Func), x, nil)
				require.NoError(t, err)
				for i := range grad {
					assert.InDelta(t, want[i], grad[i], 1e-5*math.Max(1, math.Abs(want[i])), "gradient %d at %v", i, x)
				}

				hess := mat.NewSymDense(tt.dim, nil)
				require.NoError(t, tt.p.Hess(hess, x))
				wantH := mat.NewSymDense(tt.dim, nil)
				_, err = numdiff.Hessian(wantH, numdiff.GradFunc(tt.p.Grad), x, nil)
				require.NoError(t, err)
				assert.True(t, mat.EqualApprox(hess, wantH, 1e-3), "hessian at %v:\n%v\n%v",
					x, mat.Formatted(hess), mat.Formatted(wantH))
			}
		})
	}
}

func TestRegisteredMinima(t *testing.T) {
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			fn, err := Lookup(name)
			require.NoError(t, err)

			n := fn.Dim
			if n == 0 {
				n = 3
			}
			require.NoError(t, fn.CheckDim(n))

			xmin := fn.Minimum(n)
			f, err := fn.Problem.Func(xmin)
			require.NoError(t, err)
			assert.InDelta(t, 0, f, 1e-12)

			grad := make([]float64, n)
			require.NoError(t, fn.Problem.Grad(grad, xmin))
			assert.InDeltaSlice(t, make([]float64, n), grad, 1e-12)

			x0 := fn.Start(n)
			assert.Len(t, x0, n)
			f0, err := fn.Problem.Func(x0)
			require.NoError(t, err)
			assert.Greater(t, f0, f)
		})
	}
}

func TestLookup(t *testing.T) {
	_, err := Lookup("himmelblau")
	assert.Error(t, err)

	fn, err := Lookup("booth")
	require.NoError(t, err)
	assert.Error(t, fn.CheckDim(3))

	fn, err = Lookup("rosenbrock")
	require.NoError(t, err)
	assert.Error(t, fn.CheckDim(1))
	assert.NoError(t, fn.CheckDim(10))
	assert.ErrorIs(t, fn.CheckDim(0), optimization.ErrDimensionMismatch)

	assert.IsIncreasing(t, Names())
}

func TestStartingPoint(t *testing.T) {
	tests := []struct {
		name    string
		fn      string
		dim     int
		x0      []float64
		want    []float64
		wantErr bool
	}{
		{name: "default dimension", fn: "sphere", want: []float64{1, 1}},
		{name: "explicit dimension", fn: "rosenbrock", dim: 4, want: []float64{-1.2, 1, -1.2, 1}},
		{name: "dimension from start", fn: "sphere", x0: []float64{3, 4, 5}, want: []float64{3, 4, 5}},
		{name: "fixed dimension wins", fn: "booth", dim: 7, want: []float64{0, 0}},
		{name: "start of wrong length", fn: "booth", x0: []float64{1}, wantErr: true},
		{name: "rejected dimension", fn: "rosenbrock", dim: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := Lookup(tt.fn)
			require.NoError(t, err)

			got, err := fn.StartingPoint(tt.dim, tt.x0)
			if tt.wantErr {
				assert.ErrorIs(t, err, optimization.ErrDimensionMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
