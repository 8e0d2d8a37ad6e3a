package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/descent/internal/config"
	"github.com/copyleftdev/descent/internal/logging"
)

// testConfig creates a test configuration with default values
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{
		Environment: "test",
	}

	// Set up HTTP config
	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	// Set up logging
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "console"
	cfg.Logging.Output = "stdout"

	// Set up optimization
	cfg.Optimization.WorkerCount = 3
	cfg.Optimization.JobTimeout = time.Minute

	return cfg
}

// testLogger creates a test logger
func testLogger(t *testing.T) *logging.Logger {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  "debug",
		Format: "console",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

// testServer returns a server with its routes and a private metrics registry.
func testServer(t *testing.T, cfg *config.Config) (*Server, *Metrics, http.Handler) {
	metrics := NewMetrics(prometheus.NewRegistry())
	srv := NewServer(cfg, testLogger(t), WithMetrics(metrics))
	t.Cleanup(func() { _ = srv.Close() })

	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, metrics, r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v))
}

// waitForStatus polls the status endpoint until the job reaches want.
func waitForStatus(t *testing.T, h http.Handler, id, want string) StatusResponse {
	t.Helper()
	var resp StatusResponse
	require.Eventually(t, func() bool {
		rr := do(t, h, http.MethodGet, "/api/v1/status/"+id, nil)
		if rr.Code != http.StatusOK {
			return false
		}
		resp = StatusResponse{}
		decodeBody(t, rr, &resp)
		return resp.Status == want
	}, 10*time.Second, 10*time.Millisecond, "job %s never reached %s", id, want)
	return resp
}

func TestNewServer(t *testing.T) {
	// Create a test logger and config
	logger := testLogger(t)
	cfg := testConfig(t)

	// Test server creation
	srv := NewServer(cfg, logger)
	assert.NotNil(t, srv, "Server should be created")
	assert.NotNil(t, srv.metrics, "Server should create default metrics")
	assert.Equal(t, 3, cap(srv.workers))
}

func TestRegisterRoutes(t *testing.T) {
	_, _, r := testServer(t, testConfig(t))

	// Test if routes are registered
	tests := []struct {
		method      string
		path        string
		shouldExist bool
	}{
		{"POST", "/api/v1/optimize", true},
		{"GET", "/api/v1/status/123", true},
		{"DELETE", "/api/v1/optimization/123", true},
		{"GET", "/api/v1/functions", true},
		{"POST", "/rpc", true},
		{"POST", "/api/v1/optimization/123", false},
		{"GET", "/healthz", false},     // Not registered by server package
		{"GET", "/nonexistent", false}, // Should not exist
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, req)

			// A 404 or 405 from the router means the route doesn't exist;
			// handlers answer unknown jobs with a JSON body.
			missing := rr.Code == http.StatusMethodNotAllowed ||
				(rr.Code == http.StatusNotFound && rr.Header().Get("Content-Type") != "application/json")
			assert.Equal(t, tt.shouldExist, !missing, "status %d", rr.Code)
		})
	}
}

func TestClose(t *testing.T) {
	// Create a test logger and config
	logger := testLogger(t)
	cfg := testConfig(t)

	// Test server close
	srv := NewServer(cfg, logger)
	err := srv.Close()
	assert.NoError(t, err, "Close should not return an error")
}

func TestOptimizationLifecycle(t *testing.T) {
	tests := []struct {
		name   string
		req    JobRequest
		wantX  []float64
		method string
	}{
		{
			name:   "bfgs on the shifted quadratic",
			req:    JobRequest{Objective: "shifted-quadratic", Method: "bfgs"},
			wantX:  []float64{3, -1},
			method: "bfgs",
		},
		{
			name:   "default method on rosenbrock",
			req:    JobRequest{Objective: "rosenbrock", Dim: 3},
			wantX:  []float64{1, 1, 1},
			method: "lbfgs",
		},
		{
			name:   "newton on booth from a custom start",
			req:    JobRequest{Objective: "booth", Method: "newton", X0: []float64{5, 5}},
			wantX:  []float64{1, 3},
			method: "newton",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, metrics, h := testServer(t, testConfig(t))

			rr := do(t, h, http.MethodPost, "/api/v1/optimize", tt.req)
			require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

			var started map[string]string
			decodeBody(t, rr, &started)
			id := started["optimization_id"]
			require.NotEmpty(t, id)

			resp := waitForStatus(t, h, id, StatusCompleted)
			assert.Equal(t, tt.method, resp.Method)
			assert.NotEmpty(t, resp.EndTime)
			require.NotNil(t, resp.Result)
			assert.True(t, resp.Result.Converged)
			assert.Equal(t, "Converged", resp.Result.Status)
			require.NotNil(t, resp.Result.F)
			assert.InDelta(t, 0, *resp.Result.F, 1e-4)
			require.Len(t, resp.Result.X, len(tt.wantX))
			for i := range tt.wantX {
				assert.InDelta(t, tt.wantX[i], resp.Result.X[i], 1e-2)
			}
			assert.Equal(t, int64(resp.Result.FuncEvals), resp.Evaluations)

			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues(tt.method, StatusCompleted)))
			assert.Equal(t, float64(resp.Result.FuncEvals), testutil.ToFloat64(metrics.Evaluations.WithLabelValues("func")))
			assert.Equal(t, 0.0, testutil.ToFloat64(metrics.Active))
		})
	}
}

func TestOptimizeSettingsOverrides(t *testing.T) {
	_, _, h := testServer(t, testConfig(t))

	one := 1
	lower, upper := 4.0, 10.0
	rr := do(t, h, http.MethodPost, "/api/v1/optimize", JobRequest{
		Objective: "shifted-quadratic",
		Method:    "gd",
		X0:        []float64{5, 0},
		Settings: &SettingsRequest{
			MaxIterations: &one,
			Bounds:        []BoundRequest{{Lower: &lower, Upper: &upper}, {}},
		},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var started map[string]string
	decodeBody(t, rr, &started)

	resp := waitForStatus(t, h, started["optimization_id"], StatusCompleted)
	require.NotNil(t, resp.Result)
	assert.LessOrEqual(t, resp.Result.Iterations, 1)
	assert.GreaterOrEqual(t, resp.Result.X[0], lower)
	assert.LessOrEqual(t, resp.Result.X[0], upper)
}

func TestOptimizeRejectsInvalidRequests(t *testing.T) {
	_, _, h := testServer(t, testConfig(t))

	negative := -5.0
	tests := []struct {
		name string
		body interface{}
	}{
		{"malformed body", "not an object"},
		{"unknown objective", JobRequest{Objective: "himmelblau"}},
		{"unknown method", JobRequest{Objective: "sphere", Method: "simplex"}},
		{"start of wrong length", JobRequest{Objective: "booth", X0: []float64{1, 2, 3}}},
		{"rosenbrock in one dimension", JobRequest{Objective: "rosenbrock", Dim: 1}},
		{"empty bound", JobRequest{
			Objective: "sphere",
			Dim:       1,
			Settings:  &SettingsRequest{Bounds: []BoundRequest{{Lower: &negative, Upper: &negative}}},
		}},
		{"bounds of wrong length", JobRequest{
			Objective: "sphere",
			Dim:       3,
			Settings:  &SettingsRequest{Bounds: []BoundRequest{{}}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/api/v1/optimize", tt.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)

			var body map[string]string
			decodeBody(t, rr, &body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestCancelPendingOptimization(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.WorkerCount = 1
	srv, metrics, h := testServer(t, cfg)

	// Hold the only worker so the job stays pending.
	srv.workers <- struct{}{}

	rr := do(t, h, http.MethodPost, "/api/v1/optimize", JobRequest{Objective: "sphere", Dim: 4})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var started map[string]string
	decodeBody(t, rr, &started)
	id := started["optimization_id"]
	assert.Equal(t, StatusPending, started["status"])

	rr = do(t, h, http.MethodDelete, "/api/v1/optimization/"+id, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, h, http.MethodDelete, "/api/v1/optimization/"+id, nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "cancelling twice")

	rr = do(t, h, http.MethodDelete, "/api/v1/optimization/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	<-srv.workers
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Runs.WithLabelValues("lbfgs", StatusCancelled)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	resp := waitForStatus(t, h, id, StatusCancelled)
	assert.Nil(t, resp.Result)
	assert.Zero(t, resp.Evaluations)
}

func TestOptimizationTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Optimization.JobTimeout = time.Nanosecond
	cfg.Optimization.WorkerCount = 1
	srv, metrics, h := testServer(t, cfg)

	// The job expires while waiting for the held worker.
	srv.workers <- struct{}{}
	defer func() { <-srv.workers }()

	rr := do(t, h, http.MethodPost, "/api/v1/optimize", JobRequest{Objective: "beale", Method: "cg"})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var started map[string]string
	decodeBody(t, rr, &started)

	resp := waitForStatus(t, h, started["optimization_id"], StatusFailed)
	assert.Equal(t, "optimization timed out", resp.Error)
	assert.Zero(t, resp.Evaluations)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("conjugate-gradient", StatusFailed)))
}

func TestStatusNotFound(t *testing.T) {
	_, _, h := testServer(t, testConfig(t))

	rr := do(t, h, http.MethodGet, "/api/v1/status/opt_missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListFunctions(t *testing.T) {
	_, _, h := testServer(t, testConfig(t))

	rr := do(t, h, http.MethodGet, "/api/v1/functions", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var c Catalog
	decodeBody(t, rr, &c)
	assert.Contains(t, c.Objectives, "rosenbrock")
	assert.Contains(t, c.Methods, "lbfgs")
	assert.Contains(t, c.Methods, "newton")
}

func rpc(t *testing.T, h http.Handler, method string, params ...interface{}) map[string]interface{} {
	t.Helper()
	body := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if len(params) > 0 {
		body["params"] = params
	}
	rr := do(t, h, http.MethodPost, "/rpc", body)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]interface{}
	decodeBody(t, rr, &resp)
	return resp
}

func rpcErrorCode(t *testing.T, resp map[string]interface{}) float64 {
	t.Helper()
	errObj, ok := resp["error"].(map[string]interface{})
	require.True(t, ok, "response should contain error object: %v", resp)
	return errObj["code"].(float64)
}

func TestJSONRPC(t *testing.T) {
	_, _, h := testServer(t, testConfig(t))

	resp := rpc(t, h, "optimization.start", map[string]interface{}{
		"objective": "sphere",
		"method":    "cg",
		"dim":       5,
	})
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "start should return a result: %v", resp)
	id, _ := result["optimization_id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		resp := rpc(t, h, "optimization.status", map[string]string{"optimization_id": id})
		status, _ := resp["result"].(map[string]interface{})
		return status != nil && status["status"] == StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)

	resp = rpc(t, h, "optimization.cancel", map[string]string{"optimization_id": id})
	assert.Equal(t, -32000.0, rpcErrorCode(t, resp), "completed jobs cannot be cancelled")

	resp = rpc(t, h, "optimization.list")
	list, ok := resp["result"].(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, list["objectives"])
}

func TestJSONRPCErrors(t *testing.T) {
	_, _, h := testServer(t, testConfig(t))

	tests := []struct {
		name   string
		method string
		params []interface{}
		code   float64
	}{
		{"unknown method", "optimization.pause", nil, -32601},
		{"missing params", "optimization.start", nil, -32602},
		{"unknown objective", "optimization.start", []interface{}{map[string]string{"objective": "nope"}}, -32602},
		{"missing id", "optimization.status", []interface{}{map[string]string{}}, -32602},
		{"unknown id", "optimization.status", []interface{}{map[string]string{"optimization_id": "x"}}, -32000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := rpc(t, h, tt.method, tt.params...)
			assert.Equal(t, tt.code, rpcErrorCode(t, resp))
			assert.Equal(t, 1.0, resp["id"])
		})
	}

	t.Run("parse error", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString("{"))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		var resp map[string]interface{}
		decodeBody(t, rr, &resp)
		assert.Equal(t, -32700.0, rpcErrorCode(t, resp))
	})

	t.Run("wrong version", func(t *testing.T) {
		rr := do(t, h, http.MethodPost, "/rpc", map[string]interface{}{"jsonrpc": "1.0", "method": "optimization.list"})
		var resp map[string]interface{}
		decodeBody(t, rr, &resp)
		assert.Equal(t, -32600.0, rpcErrorCode(t, resp))
	})
}

func TestRespondWithError(t *testing.T) {
	// Create a test logger and config
	logger := testLogger(t)
	cfg := testConfig(t)

	srv := NewServer(cfg, logger)

	tests := []struct {
		name       string
		code       int
		message    string
		id         interface{}
		expectedID interface{}
		expectCode int
	}{
		{
			name:       "valid error response",
			code:       http.StatusBadRequest,
			message:    "invalid input",
			id:         "123",
			expectedID: "123",
			expectCode: http.StatusOK, // Because respondWithError writes 200 with error in body
		},
		{
			name:       "nil id",
			code:       http.StatusInternalServerError,
			message:    "server error",
			id:         nil,
			expectedID: nil,
			expectCode: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			srv.respondWithError(rr, tt.code, tt.message, tt.id)

			assert.Equal(t, tt.expectCode, rr.Code, "status code should match")

			// Parse response body to verify error structure
			var response map[string]interface{}
			err := json.NewDecoder(rr.Body).Decode(&response)
			assert.NoError(t, err, "should decode response body")

			// Check error object
			errObj, ok := response["error"].(map[string]interface{})
			assert.True(t, ok, "response should contain error object")
			assert.Equal(t, float64(tt.code), errObj["code"], "error code should match")
			assert.Equal(t, tt.message, errObj["message"], "error message should match")

			// Check ID
			assert.Equal(t, tt.expectedID, response["id"], "response ID should match")
		})
	}
}
