package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/descent/internal/config"
	"github.com/copyleftdev/descent/internal/logging"
	"github.com/copyleftdev/descent/internal/optimization"
	"github.com/copyleftdev/descent/internal/optimization/convergence"
	"github.com/copyleftdev/descent/internal/optimization/descent"
	"github.com/copyleftdev/descent/internal/optimization/functions"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// errJobNotFound is returned for unknown optimization IDs.
var errJobNotFound = errors.New("optimization not found")

// OptimizationState represents the state of an optimization job.
// Fields other than evaluations are guarded by the server's mutex.
type OptimizationState struct {
	ID          string
	Status      string
	Objective   string
	Method      string
	StartTime   time.Time
	EndTime     *time.Time
	LastUpdated time.Time
	Result      *optimization.Result
	Error       string
	CancelFunc  context.CancelFunc

	// evaluations counts objective calls while the run is in flight.
	evaluations atomic.Int64
}

// JobRequest starts a run of a registered objective.
type JobRequest struct {
	// Objective names a registered benchmark function.
	Objective string `json:"objective"`
	// Method names the descent method; empty selects L-BFGS.
	Method string `json:"method,omitempty"`
	// Dim is the dimension of variable-size objectives. It defaults to
	// len(X0), or 2.
	Dim int `json:"dim,omitempty"`
	// X0 overrides the conventional starting point.
	X0 []float64 `json:"x0,omitempty"`
	// Settings overrides the server's optimizer settings.
	Settings *SettingsRequest `json:"settings,omitempty"`
}

// SettingsRequest carries per-run overrides. Nil fields keep the server
// defaults.
type SettingsRequest struct {
	MaxIterations      *int           `json:"max_iterations,omitempty"`
	GradientTol        *float64       `json:"grad_err_tol,omitempty"`
	ObjectiveChangeTol *float64       `json:"rel_objective_change_tol,omitempty"`
	SolutionChangeTol  *float64       `json:"rel_sol_change_tol,omitempty"`
	PrintLevel         *int           `json:"iter_print_level,omitempty"`
	Bounds             []BoundRequest `json:"bounds,omitempty"`
}

// BoundRequest is a box constraint; a nil side is unbounded.
type BoundRequest struct {
	Lower *float64 `json:"lower"`
	Upper *float64 `json:"upper"`
}

// StatusResponse describes a job.
type StatusResponse struct {
	ID          string          `json:"optimization_id"`
	Status      string          `json:"status"`
	Objective   string          `json:"objective"`
	Method      string          `json:"method"`
	StartTime   string          `json:"start_time"`
	EndTime     string          `json:"end_time,omitempty"`
	LastUpdate  string          `json:"last_update"`
	Evaluations int64           `json:"evaluations"`
	Result      *ResultResponse `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ResultResponse is the JSON form of optimization.Result. Non-finite values
// are reported as null.
type ResultResponse struct {
	X            []float64 `json:"x"`
	F            *float64  `json:"f"`
	GradientNorm *float64  `json:"gradient_norm"`
	Iterations   int       `json:"iterations"`
	Status       string    `json:"status"`
	Criterion    string    `json:"criterion"`
	Converged    bool      `json:"converged"`
	FuncEvals    int       `json:"func_evals"`
	GradEvals    int       `json:"grad_evals"`
	HessEvals    int       `json:"hess_evals"`
}

// Server implements the HTTP and JSON-RPC server for the optimization service.
// It manages optimization jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg      *config.Config
	logger   Logger
	settings *optimization.Settings
	metrics  *Metrics

	// workers holds one token per run allowed to execute at once.
	workers chan struct{}
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	seq     atomic.Uint64

	// Optimization state management
	optimizations   map[string]*OptimizationState
	optimizationsMu sync.RWMutex // Protects the optimizations map
}

// Option customizes a Server.
type Option func(*Server)

// WithSettings sets the base optimizer settings of every run.
func WithSettings(s *optimization.Settings) Option {
	return func(srv *Server) { srv.settings = s }
}

// WithMetrics sets the collectors updated by finished runs.
func WithMetrics(m *Metrics) Option {
	return func(srv *Server) { srv.metrics = m }
}

// NewServer creates a new server instance with the given config and logger
// The logger parameter accepts any type that implements the Logger interface
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	workers := cfg.Optimization.WorkerCount
	if workers < 1 {
		workers = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		settings:      optimization.DefaultSettings(),
		workers:       make(chan struct{}, workers),
		ctx:           ctx,
		stop:          stop,
		optimizations: make(map[string]*OptimizationState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/optimize", s.handleOptimize)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/optimization/{id}", s.handleCancel)
		r.Get("/functions", s.handleList)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request struct {
		JSONRPC string            `json:"jsonrpc"`
		ID      interface{}       `json:"id"`
		Method  string            `json:"method"`
		Params  []json.RawMessage `json:"params,omitempty"`
	}

	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" {
		s.respondWithError(w, -32600, "Invalid Request", nil)
		return
	}

	var result interface{}
	var err error

	switch request.Method {
	case "optimization.start":
		var req JobRequest
		if err = decodeParam(request.Params, &req); err == nil {
			result, err = s.start(req)
		}
	case "optimization.status":
		var req struct {
			ID string `json:"optimization_id"`
		}
		if err = decodeParam(request.Params, &req); err == nil {
			result, err = s.status(req.ID)
		}
	case "optimization.cancel":
		var req struct {
			ID string `json:"optimization_id"`
		}
		if err = decodeParam(request.Params, &req); err == nil {
			err = s.cancel(req.ID)
		}
	case "optimization.list":
		result = catalog()
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID)
		return
	}

	if err != nil {
		code := -32000
		if errors.Is(err, optimization.ErrInvalidSettings) || errors.Is(err, optimization.ErrDimensionMismatch) ||
			errors.Is(err, errInvalidParams) {
			code = -32602
		}
		s.respondWithError(w, code, err.Error(), request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

var errInvalidParams = errors.New("invalid params")

// decodeParam decodes the first positional parameter into v.
func decodeParam(params []json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing required parameters", errInvalidParams)
	}
	if err := json.Unmarshal(params[0], v); err != nil {
		return fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}) {
	s.logger.Warn("JSON-RPC error", map[string]interface{}{
		"code":    code,
		"message": message,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"id": id,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// prepared is a validated job request.
type prepared struct {
	fn       functions.Function
	method   descent.Method
	x0       []float64
	settings *optimization.Settings
}

func (s *Server) prepare(req JobRequest) (*prepared, error) {
	fn, err := functions.Lookup(req.Objective)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	name := req.Method
	if name == "" {
		name = "lbfgs"
	}
	method, err := descent.ParseMethod(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
	}

	x0, err := fn.StartingPoint(req.Dim, req.X0)
	if err != nil {
		return nil, err
	}

	settings := *s.settings
	if o := req.Settings; o != nil {
		if o.MaxIterations != nil {
			settings.MaxIterations = *o.MaxIterations
		}
		if o.GradientTol != nil {
			settings.GradientTol = *o.GradientTol
		}
		if o.ObjectiveChangeTol != nil {
			settings.ObjectiveChangeTol = *o.ObjectiveChangeTol
		}
		if o.SolutionChangeTol != nil {
			settings.SolutionChangeTol = *o.SolutionChangeTol
		}
		if o.PrintLevel != nil {
			settings.PrintLevel = *o.PrintLevel
		}
		if o.Bounds != nil {
			settings.Bounds = make([]optimization.Bound, len(o.Bounds))
			for i, b := range o.Bounds {
				settings.Bounds[i] = optimization.Unbounded()
				if b.Lower != nil {
					settings.Bounds[i].Lower = *b.Lower
				}
				if b.Upper != nil {
					settings.Bounds[i].Upper = *b.Upper
				}
			}
		}
	}
	if err := settings.Validate(len(x0)); err != nil {
		return nil, err
	}
	return &prepared{fn: fn, method: method, x0: x0, settings: &settings}, nil
}

// start validates req and launches the run in the background.
func (s *Server) start(req JobRequest) (map[string]interface{}, error) {
	p, err := s.prepare(req)
	if err != nil {
		return nil, err
	}

	id := fmt.Sprintf("opt_%d_%d", time.Now().UnixNano(), s.seq.Add(1))
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if t := s.cfg.Optimization.JobTimeout; t > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, t)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}

	now := time.Now()
	state := &OptimizationState{
		ID:          id,
		Status:      StatusPending,
		Objective:   p.fn.Name,
		Method:      p.method.String(),
		StartTime:   now,
		LastUpdated: now,
		CancelFunc:  cancel,
	}

	s.optimizationsMu.Lock()
	s.optimizations[id] = state
	s.optimizationsMu.Unlock()

	s.logger.Info("Optimization started", map[string]interface{}{
		"optimization_id": id,
		"objective":       state.Objective,
		"method":          state.Method,
		"dim":             len(p.x0),
	})

	s.wg.Add(1)
	go s.runOptimization(ctx, state, p)

	return map[string]interface{}{
		"optimization_id": id,
		"status":          StatusPending,
	}, nil
}

// runOptimization executes one job once a worker token is available. The
// objective observes ctx, so cancelling the job ends the run at its next
// evaluation.
func (s *Server) runOptimization(ctx context.Context, state *OptimizationState, p *prepared) {
	defer s.wg.Done()
	defer state.CancelFunc()

	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		s.complete(state, nil, ctx.Err(), 0)
		return
	}
	defer func() { <-s.workers }()

	s.optimizationsMu.Lock()
	if state.Status == StatusPending {
		state.Status = StatusRunning
		state.LastUpdated = time.Now()
	}
	s.optimizationsMu.Unlock()

	s.metrics.Active.Inc()
	defer s.metrics.Active.Dec()

	problem := p.fn.Problem
	inner := problem.Func
	problem.Func = func(x []float64) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		state.evaluations.Add(1)
		return inner(x)
	}
	p.settings.Logger = logging.NewZapLogger(s.logger.WithFields(map[string]interface{}{
		"optimization_id": state.ID,
	}))

	began := time.Now()
	res, err := descent.Minimize(problem, p.x0, p.method, p.settings)
	s.complete(state, res, err, time.Since(began).Seconds())
}

// complete records the outcome of a run. A job cancelled by a client stays
// cancelled even though its run reports a failure.
func (s *Server) complete(state *OptimizationState, res *optimization.Result, err error, seconds float64) {
	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	state.Result = res
	switch {
	case state.Status == StatusCancelled:
	case errors.Is(err, context.Canceled):
		state.Status = StatusCancelled
	case err != nil:
		state.Status = StatusFailed
		state.Error = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			state.Error = "optimization timed out"
		}
	default:
		state.Status = StatusCompleted
	}

	now := time.Now()
	if state.EndTime == nil {
		state.EndTime = &now
	}
	state.LastUpdated = now

	fields := map[string]interface{}{
		"optimization_id": state.ID,
		"status":          state.Status,
	}
	if res != nil {
		fields["result"] = res.Status.String()
		fields["iterations"] = res.Iterations
	}
	if state.Status == StatusFailed {
		fields["error"] = state.Error
		s.logger.Error("Optimization failed", fields)
	} else {
		s.logger.Info("Optimization finished", fields)
	}

	s.metrics.observe(state.Method, state.Status, res, seconds)
}

// status returns a snapshot of the job.
func (s *Server) status(id string) (*StatusResponse, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: optimization_id is required", errInvalidParams)
	}

	s.optimizationsMu.RLock()
	defer s.optimizationsMu.RUnlock()

	state, exists := s.optimizations[id]
	if !exists {
		return nil, errJobNotFound
	}

	resp := &StatusResponse{
		ID:          state.ID,
		Status:      state.Status,
		Objective:   state.Objective,
		Method:      state.Method,
		StartTime:   state.StartTime.Format(time.RFC3339),
		LastUpdate:  state.LastUpdated.Format(time.RFC3339),
		Evaluations: state.evaluations.Load(),
		Error:       state.Error,
	}
	if state.EndTime != nil {
		resp.EndTime = state.EndTime.Format(time.RFC3339)
	}
	if res := state.Result; res != nil {
		resp.Result = &ResultResponse{
			X:            res.X,
			F:            finite(res.F),
			GradientNorm: finite(convergence.GradientNorm(res.Gradient)),
			Iterations:   res.Iterations,
			Status:       res.Status.String(),
			Criterion:    res.Criterion.String(),
			Converged:    res.Converged,
			FuncEvals:    res.Evaluations.Func,
			GradEvals:    res.Evaluations.Grad,
			HessEvals:    res.Evaluations.Hess,
		}
	}
	return resp, nil
}

func finite(v float64) *float64 {
	if !optimization.IsFinite(v) {
		return nil
	}
	return &v
}

// cancel stops a pending or running job.
func (s *Server) cancel(id string) error {
	if id == "" {
		return fmt.Errorf("%w: optimization_id is required", errInvalidParams)
	}

	s.optimizationsMu.Lock()
	defer s.optimizationsMu.Unlock()

	state, exists := s.optimizations[id]
	if !exists {
		return errJobNotFound
	}

	switch state.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		// Already in a terminal state
		return fmt.Errorf("cannot cancel optimization with status: %s", state.Status)
	}

	state.CancelFunc()
	state.Status = StatusCancelled
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("Optimization cancelled", map[string]interface{}{
		"optimization_id": id,
	})

	return nil
}

// Catalog lists what the service can run.
type Catalog struct {
	Objectives []string `json:"objectives"`
	Methods    []string `json:"methods"`
}

func catalog() Catalog {
	return Catalog{Objectives: functions.Names(), Methods: descent.MethodNames()}
}

// Close cancels every job and waits for the runs to return.
func (s *Server) Close() error {
	s.stop()
	s.wg.Wait()
	return nil
}

// handleOptimize handles the HTTP POST /optimize endpoint for starting a new optimization
func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": fmt.Sprintf("Invalid request body: %v", err),
		})
		return
	}

	result, err := s.start(req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleStatus handles the HTTP GET /status/{id} endpoint for checking optimization status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.status(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancel handles the HTTP DELETE /optimization/{id} endpoint for canceling an optimization
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := s.cancel(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, errJobNotFound):
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": err.Error(),
		})
	case err != nil:
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": err.Error(),
		})
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "cancellation requested",
		})
	}
}

// handleList handles GET /functions.
func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, catalog())
}
