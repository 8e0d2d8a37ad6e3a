// Package descent implements the shared outer loop of the unconstrained
// descent methods and the direction strategies plugged into it.
//
// Every method runs the same loop: compute a direction, choose a step with
// the line search, commit the step, ask the convergence monitor whether to
// stop. Methods differ only in how they produce directions and in the
// per-run memory they keep for that.
package descent

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/descent/internal/optimization"
	"github.com/copyleftdev/descent/internal/optimization/bounds"
	"github.com/copyleftdev/descent/internal/optimization/convergence"
	"github.com/copyleftdev/descent/internal/optimization/linesearch"
)

// Location is an iterate of the outer loop. Hess is allocated only for
// methods that need second derivatives.
type Location struct {
	X    []float64
	F    float64
	Grad []float64
	Hess *mat.SymDense
}

// Method is a descent method configuration. It is immutable and may be
// shared between concurrent runs; each run gets its own Strategy.
type Method interface {
	fmt.Stringer
	// NewStrategy returns fresh per-run state for a problem of size dim.
	NewStrategy(dim int) Strategy
}

// Strategy is the per-run direction generator driven by Minimize.
type Strategy interface {
	// Init is called once with the evaluated starting location.
	Init(loc *Location)
	// Direction stores a descent direction at loc into dir.
	Direction(dir []float64, loc *Location)
	// Update incorporates the accepted step from prev to next taken along
	// dir with length step.
	Update(prev, next *Location, dir []float64, step float64)
	// Reset discards accumulated memory so that the next direction is the
	// steepest-descent direction.
	Reset()
	// Search returns the line-search condition and curvature constant.
	Search() (linesearch.Condition, float64)
	// InitialStep returns the first trial step along dir at loc. first is
	// the configured initial step.
	InitialStep(loc *Location, dir []float64, first float64) float64
}

// hessianUser is implemented by strategies that need loc.Hess.
type hessianUser interface {
	NeedsHessian() bool
}

// safeguarded is implemented by strategies that count restarts, skipped
// updates or fallbacks to steepest descent.
type safeguarded interface {
	Safeguards() int
}

// fixedStepper is implemented by strategies that may bypass the line search.
type fixedStepper interface {
	FixedStep() (float64, bool)
}

// Optimizer binds a Method to the optimization.Minimizer contract.
type Optimizer struct {
	Method Method
}

// New returns an Optimizer running m.
func New(m Method) *Optimizer {
	return &Optimizer{Method: m}
}

// Minimize implements optimization.Minimizer.
func (o *Optimizer) Minimize(p optimization.Problem, x0 []float64, s *optimization.Settings) (*optimization.Result, error) {
	return Minimize(p, x0, o.Method, s)
}

var _ optimization.Minimizer = (*Optimizer)(nil)

// Minimize runs method from x0 until a terminal state is reached. A nil
// method selects L-BFGS and nil settings select the defaults. x0 is not
// modified.
//
// Invalid input yields a nil result and an error. Every run that starts
// yields a result; the error is non-nil only for Status == Failed.
func Minimize(p optimization.Problem, x0 []float64, method Method, settings *optimization.Settings) (*optimization.Result, error) {
	const op = "Minimize"

	if method == nil {
		method = LBFGS{}
	}
	if settings == nil {
		settings = optimization.DefaultSettings()
	}
	n := len(x0)
	if n == 0 {
		return nil, optimization.WrapError(optimization.ErrDimensionMismatch, "starting point is empty").
			WithComponent("descent").WithOperation(op)
	}
	if !optimization.AllFinite(x0) {
		return nil, optimization.WrapError(optimization.ErrInvalidProblem, "starting point has non-finite components").
			WithComponent("descent").WithOperation(op)
	}
	if err := settings.Validate(n); err != nil {
		return nil, err
	}
	s := settings.WithDefaults()

	problem := p
	start := append([]float64(nil), x0...)
	var tr *bounds.Transform
	if s.Bounds != nil {
		var err error
		if tr, err = bounds.New(s.Bounds); err != nil {
			return nil, err
		}
		if p.Func == nil {
			return nil, optimization.WrapError(optimization.ErrInvalidProblem, "objective function is required").
				WithComponent("descent").WithOperation(op)
		}
		if err := tr.ToFree(start, x0); err != nil {
			return nil, err
		}
		problem = tr.Wrap(p)
	}

	obj, err := optimization.Bind(problem, n, s.Workers)
	if err != nil {
		return nil, err
	}

	r := newRunner(obj, method, &s)
	res, err := r.run(start)
	if tr != nil {
		toBounded(tr, res)
	}
	return res, err
}

// toBounded maps a result of a reparameterized run back to x-space.
func toBounded(tr *bounds.Transform, res *optimization.Result) {
	z := res.X
	res.X = make([]float64, len(z))
	tr.ToBounded(res.X, z)

	jac := make([]float64, len(z))
	tr.Jacobian(jac, z)
	for i, j := range jac {
		if j != 0 {
			res.Gradient[i] /= j
		} else {
			res.Gradient[i] = 0
		}
	}
}

type runner struct {
	obj      *optimization.Objective
	method   Method
	strategy Strategy
	settings *optimization.Settings
	log      *zap.Logger

	needsHess  bool
	fixed      float64
	isFixed    bool
	safeguards int
}

func newRunner(obj *optimization.Objective, method Method, s *optimization.Settings) *runner {
	r := &runner{
		obj:      obj,
		method:   method,
		strategy: method.NewStrategy(obj.Dim()),
		settings: s,
		log:      s.Logger.Named("descent").With(zap.Stringer("method", method)),
	}
	if h, ok := r.strategy.(hessianUser); ok {
		r.needsHess = h.NeedsHessian()
	}
	if f, ok := r.strategy.(fixedStepper); ok {
		r.fixed, r.isFixed = f.FixedStep()
	}
	return r
}

func (r *runner) newLocation(n int) *Location {
	loc := &Location{X: make([]float64, n), Grad: make([]float64, n)}
	if r.needsHess {
		loc.Hess = mat.NewSymDense(n, nil)
	}
	return loc
}

func (r *runner) run(x0 []float64) (*optimization.Result, error) {
	n := len(x0)
	cur := r.newLocation(n)
	copy(cur.X, x0)

	r.trace(Initialized)
	f, err := r.obj.ValueGradient(cur.X, cur.Grad)
	cur.F = f
	if err == nil && r.needsHess {
		err = r.obj.Hessian(cur.X, cur.Hess)
	}
	if err != nil {
		return r.terminate(cur, 0, err)
	}
	r.strategy.Init(cur)

	status, crit := convergence.Check(convergence.Input{
		F:    cur.F,
		X:    cur.X,
		Grad: cur.Grad,
	}, r.settings)
	if status != optimization.NotTerminated {
		return r.finish(cur, 0, status, crit), nil
	}

	next := r.newLocation(n)
	dir := make([]float64, n)
	r.trace(Iterating)
	for iter := 0; ; {
		st, err := r.step(cur, dir)
		if err != nil {
			return r.terminate(cur, iter, err)
		}

		copy(next.X, st.X)
		copy(next.Grad, st.Grad)
		next.F = st.F
		if r.needsHess {
			if err := r.obj.Hessian(next.X, next.Hess); err != nil {
				return r.terminate(cur, iter, err)
			}
		}

		// Commit: nothing above touched cur or the strategy.
		r.strategy.Update(cur, next, dir, st.Step)
		r.traceSafeguards(iter)
		iter++
		status, crit = convergence.Check(convergence.Input{
			Iteration: iter,
			F:         next.F,
			FPrev:     cur.F,
			X:         next.X,
			XPrev:     cur.X,
			Grad:      next.Grad,
		}, r.settings)
		cur, next = next, cur
		r.logIteration(iter, cur, st)

		if status != optimization.NotTerminated {
			return r.finish(cur, iter, status, crit), nil
		}
	}
}

// step produces the next accepted point from cur. A failed line search is
// retried once along the steepest-descent direction after resetting the
// strategy.
func (r *runner) step(cur *Location, dir []float64) (*linesearch.State, error) {
	r.strategy.Direction(dir, cur)
	if r.isFixed {
		return r.fixedStep(cur, dir)
	}

	st, err := r.search(cur, dir)
	if err == nil {
		return st, nil
	}
	if !recoverable(err) {
		return nil, err
	}

	if r.settings.PrintLevel >= optimization.PrintLineSearch {
		r.log.Debug("line search failed, restarting along steepest descent", zap.Error(err))
	}
	r.strategy.Reset()
	floats.ScaleTo(dir, -1, cur.Grad)
	return r.search(cur, dir)
}

func recoverable(err error) bool {
	return errors.Is(err, optimization.ErrLineSearchFailure) ||
		errors.Is(err, optimization.ErrNonFiniteEvaluation)
}

func (r *runner) search(cur *Location, dir []float64) (*linesearch.State, error) {
	cond, c2 := r.strategy.Search()
	p := linesearch.NewParams(r.settings.LineSearch, cond, c2)
	if r.settings.PrintLevel >= optimization.PrintLineSearch {
		p.Logger = r.log.Named("linesearch")
	}
	step := r.strategy.InitialStep(cur, dir, r.settings.LineSearch.InitialStep)
	return linesearch.Search(r.obj, cur.X, cur.F, cur.Grad, dir, step, p)
}

// fixedStep takes x + h·d without any acceptance test.
func (r *runner) fixedStep(cur *Location, dir []float64) (*linesearch.State, error) {
	n := len(cur.X)
	st := &linesearch.State{
		Step:   r.fixed,
		X:      make([]float64, n),
		Grad:   make([]float64, n),
		Trials: 1,
	}
	floats.AddScaledTo(st.X, cur.X, r.fixed, dir)
	f, err := r.obj.ValueGradient(st.X, st.Grad)
	if err != nil {
		return nil, err
	}
	st.F = f
	return st, nil
}

// terminate turns an error into a terminal result at loc.
func (r *runner) terminate(loc *Location, iter int, err error) (*optimization.Result, error) {
	switch {
	case errors.Is(err, optimization.ErrNonFiniteEvaluation):
		return r.finish(loc, iter, optimization.NonFiniteEvaluation, optimization.NoCriterion), nil
	case errors.Is(err, optimization.ErrLineSearchFailure):
		return r.finish(loc, iter, optimization.LineSearchFailed, optimization.NoCriterion), nil
	default:
		res := r.finish(loc, iter, optimization.Failed, optimization.NoCriterion)
		return res, optimization.WrapErrorf(err, "%s failed after %d iterations", r.method, iter).
			WithComponent("descent").WithOperation("Minimize")
	}
}

func (r *runner) finish(loc *Location, iter int, status optimization.Status, crit optimization.Criterion) *optimization.Result {
	res := &optimization.Result{
		X:           append([]float64(nil), loc.X...),
		F:           loc.F,
		Gradient:    append([]float64(nil), loc.Grad...),
		Iterations:  iter,
		Status:      status,
		Criterion:   crit,
		Converged:   status == optimization.Converged,
		Evaluations: r.obj.Evaluations(),
		Method:      r.method.String(),
	}
	r.trace(StateOf(status))
	if r.settings.PrintLevel >= optimization.PrintIterations {
		r.log.Info("optimization finished",
			zap.Stringer("status", status),
			zap.Stringer("criterion", crit),
			zap.Int("iterations", iter),
			zap.Float64("f", res.F),
			zap.Float64("grad_norm", convergence.GradientNorm(res.Gradient)),
			zap.Int("func_evals", res.Evaluations.Func),
			zap.Int("grad_evals", res.Evaluations.Grad),
		)
	}
	return res
}

func (r *runner) logIteration(iter int, loc *Location, st *linesearch.State) {
	if r.settings.PrintLevel < optimization.PrintIterations {
		return
	}
	fields := []zap.Field{
		zap.Int("iteration", iter),
		zap.Float64("f", loc.F),
		zap.Float64("grad_norm", convergence.GradientNorm(loc.Grad)),
		zap.Float64("step", st.Step),
		zap.Int("trials", st.Trials),
	}
	if r.settings.PrintLevel >= optimization.PrintVectors {
		fields = append(fields, zap.Float64s("x", loc.X), zap.Float64s("grad", loc.Grad))
	}
	r.log.Info("iteration", fields...)
}

func (r *runner) traceSafeguards(iter int) {
	sg, ok := r.strategy.(safeguarded)
	if !ok || r.settings.PrintLevel < optimization.PrintLineSearch {
		return
	}
	if n := sg.Safeguards(); n != r.safeguards {
		r.log.Debug("safeguard triggered",
			zap.Int("iteration", iter),
			zap.Int("total", n),
		)
		r.safeguards = n
	}
}

func (r *runner) trace(s State) {
	if r.settings.PrintLevel >= optimization.PrintLineSearch {
		r.log.Debug("state", zap.Stringer("state", s))
	}
}
